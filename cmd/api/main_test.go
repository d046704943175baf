package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docgen/entitlement-api/internal/domain/admin"
	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/entitlement"
	"github.com/docgen/entitlement-api/internal/domain/ingest"
	"github.com/docgen/entitlement-api/internal/domain/ledger/memory"
	"github.com/docgen/entitlement-api/internal/pkg/jwt"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store := memory.New()
	reqs, err := catalog.NewRequirements(catalog.TierStarter, nil)
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}
	svc := entitlement.NewService(entitlement.NewResolver(store, reqs), store)

	return newRouter([]string{"http://localhost:3000"}, handlers{
		entitlement: entitlement.NewHandler(svc, nil),
		ingest:      ingest.NewHandler(ingest.NewService(store), ""),
		admin:       admin.NewHandler(admin.NewService(store), jwt.NewService("secret", time.Minute)),
		catalog:     catalog.NewHandler(reqs),
		health:      healthHandler(nil, nil),
	})
}

func TestRouterMountsEveryModule(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"catalog tiers", http.MethodGet, "/catalog/tiers", "", http.StatusOK},
		{"webhook", http.MethodPost, "/webhooks/purchase-completed", `{"externalEventId":"e1","principal":"u1","packageType":"pack_5"}`, http.StatusAccepted},
		{"check after ingest", http.MethodGet, "/entitlement?principal=u1&template=nda", "", http.StatusOK},
		{"consume", http.MethodPost, "/entitlement/consume", `{"principal":"u1","template":"nda","actionKind":"download"}`, http.StatusOK},
		{"admin requires token", http.MethodGet, "/admin/principals/u1/purchases", "", http.StatusUnauthorized},
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound},
	}

	// cases share the store and run in order
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Fatalf("%s: expected %d, got %d: %s", tt.name, tt.want, rr.Code, rr.Body.String())
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID response header")
	}
}
