package digestprovider

import (
	"context"
	"strings"
	"testing"

	"github.com/ocslcs/sipsimple/internal/auth"
)

func TestBuildAuthorizationProducesParsableDigest(t *testing.T) {
	p := New()
	cfg := auth.ProviderConfig{Username: "alice", Password: "hunter2", Realm: "contoso.com"}

	header, err := p.BuildAuthorization(cfg, "REGISTER", "sip:contoso.com", "nonce-123", "opaque-abc", "auth", 1)
	if err != nil {
		t.Fatalf("BuildAuthorization: %v", err)
	}
	for _, want := range []string{`username="alice"`, `realm="contoso.com"`, `nonce="nonce-123"`, `uri="sip:contoso.com"`, `response="`} {
		if !strings.Contains(header, want) {
			t.Fatalf("expected header to contain %q, got %q", want, header)
		}
	}
}

func TestBuildAuthorizationDifferentNonceCountsDiffer(t *testing.T) {
	p := New()
	cfg := auth.ProviderConfig{Username: "alice", Password: "hunter2", Realm: "contoso.com"}

	h1, err := p.BuildAuthorization(cfg, "REGISTER", "sip:contoso.com", "nonce-123", "", "auth", 1)
	if err != nil {
		t.Fatalf("BuildAuthorization nc=1: %v", err)
	}
	h2, err := p.BuildAuthorization(cfg, "REGISTER", "sip:contoso.com", "nonce-123", "", "auth", 2)
	if err != nil {
		t.Fatalf("BuildAuthorization nc=2: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected different nonce counts to produce different digest responses")
	}
}

func TestGenericProviderMethodsAreUnused(t *testing.T) {
	p := New()
	ctx := context.Background()
	if _, _, _, err := p.InitContext(ctx, auth.ProviderConfig{}, nil); err == nil {
		t.Fatalf("expected InitContext to report it is unused by Digest")
	}
	if _, err := p.Step(ctx, nil, nil); err == nil {
		t.Fatalf("expected Step to report it is unused by Digest")
	}
	if _, err := p.Sign(nil, nil); err == nil {
		t.Fatalf("expected Sign to report Digest carries no message signature")
	}
	if _, err := p.Verify(nil, nil, nil); err == nil {
		t.Fatalf("expected Verify to report Digest carries no message signature")
	}
}
