package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "unknown", sanitizeLabel(""))
	assert.Equal(t, "a_b", sanitizeLabel("a b"))
	assert.Len(t, sanitizeLabel(strings.Repeat("x", 100)), maxLabelLen)
}

func TestHandlerExposesRecordedSeries(t *testing.T) {
	ObserveHTTPRequest(http.MethodGet, "/entitlement", http.StatusOK, 3*time.Millisecond)
	RecordDecision("download", "credits", true)
	RecordConsume("charged")
	RecordCreditConflict()
	RecordWebhook("purchase.completed", "created")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `entitlement_http_requests_total{method="GET",route="/entitlement",status="200"}`)
	assert.Contains(t, text, `entitlement_decisions_total{action="download",allowed="true",source="credits"}`)
	assert.Contains(t, text, `entitlement_consume_total{outcome="charged"}`)
	assert.Contains(t, text, "entitlement_credit_conflicts_total")
	assert.Contains(t, text, `entitlement_webhooks_total{event_type="purchase.completed",outcome="created"}`)
}
