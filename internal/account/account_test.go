package account

import (
	"io"
	"log/slog"
	"testing"

	"github.com/ocslcs/sipsimple/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsMalformedUsername(t *testing.T) {
	cfg := &config.AccountConfig{Username: "not-an-address", Password: "secret"}
	if _, err := New(cfg, testLogger(), nil); err == nil {
		t.Fatal("expected an error for a username with no @domain part")
	}
}

func TestNewBuildsAuthEngineForValidUsername(t *testing.T) {
	cfg := &config.AccountConfig{Username: "alice@example.com", Password: "secret"}
	a, err := New(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.creds.SIPURI() != "sip:alice@example.com" {
		t.Errorf("SIPURI = %q, want sip:alice@example.com", a.creds.SIPURI())
	}
	if a.authe == nil {
		t.Error("expected an authentication engine to be built")
	}
	if a.epid == "" {
		t.Error("expected a local EPID to be derived")
	}
}
