package signature_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docgen/entitlement-api/internal/pkg/signature"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"externalEventId":"evt_1"}`)
	sig := signature.Sign(payload, "whsec")

	assert.Len(t, sig, 64)
	assert.True(t, signature.Verify(payload, sig, "whsec"))
	assert.True(t, signature.Verify(payload, "sha256="+sig, "whsec"))
}

func TestVerifyRejects(t *testing.T) {
	payload := []byte(`{"externalEventId":"evt_1"}`)
	sig := signature.Sign(payload, "whsec")

	tests := []struct {
		name    string
		payload []byte
		sig     string
		secret  string
	}{
		{"wrong secret", payload, sig, "other"},
		{"tampered body", []byte(`{"externalEventId":"evt_2"}`), sig, "whsec"},
		{"not hex", payload, "zz", "whsec"},
		{"empty signature", payload, "", "whsec"},
		{"empty secret", payload, sig, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, signature.Verify(tt.payload, tt.sig, tt.secret))
		})
	}
	assert.Empty(t, signature.Sign(payload, ""))
}
