package diag

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeRegistration struct{ state string }

func (f fakeRegistration) RegistrationStateString() string { return f.state }

type fakeDialogs struct{ n int }

func (f fakeDialogs) DialogCount() int { return f.n }

type fakeSubs struct{ n int }

func (f fakeSubs) SubscriptionCount() int { return f.n }

type fakeRetries struct{ n uint64 }

func (f fakeRetries) AuthRetryCount() uint64 { return f.n }

func TestHealthzReturnsOK(t *testing.T) {
	srv := NewServer(":0", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body envelope
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
}

func TestStatusReportsCollectorSnapshot(t *testing.T) {
	collector := NewCollector(
		fakeRegistration{state: "registered"},
		fakeDialogs{n: 2},
		fakeSubs{n: 5},
		fakeRetries{n: 1},
		time.Now().Add(-time.Minute),
	)
	srv := NewServer(":0", nil, collector)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if got := body.Data["registration_state"]; got != "registered" {
		t.Errorf("registration_state = %v, want registered", got)
	}
	if got := body.Data["active_dialogs"]; got != float64(2) {
		t.Errorf("active_dialogs = %v, want 2", got)
	}
}

func TestMetricsEndpointPresentOnlyWithCollector(t *testing.T) {
	withCollector := NewServer(":0", nil, NewCollector(nil, nil, nil, nil, time.Now()))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	withCollector.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics with a collector: status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) == 0 {
		t.Error("/metrics with a collector: expected a non-empty body")
	}

	withoutCollector := NewServer(":0", nil, nil)
	req2 := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec2 := httptest.NewRecorder()
	withoutCollector.router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotFound {
		t.Errorf("/metrics without a collector: status = %d, want 404", rec2.Code)
	}
}
