// Package digestprovider implements the Digest authentication scheme for
// the auth engine, built on github.com/icholy/digest to compute and verify
// digest responses rather than hand-rolling RFC 2617/7616 quop/nonce
// handling.
package digestprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/icholy/digest"

	"github.com/ocslcs/sipsimple/internal/auth"
)

// Provider implements auth.Provider (trivially — Digest has no persistent
// security context to step through) and auth.DigestBuilder (the part that
// actually does the work).
type Provider struct{}

// New constructs the Digest provider.
func New() *Provider {
	return &Provider{}
}

func (p *Provider) Name() auth.Kind { return auth.Digest }

// InitContext is unused for Digest: every request recomputes the response
// directly from the stored nonce, so there is no context to carry forward.
func (p *Provider) InitContext(context.Context, auth.ProviderConfig, []byte) (auth.SecurityContext, []byte, time.Time, error) {
	return nil, nil, time.Time{}, fmt.Errorf("digestprovider: InitContext is not used by the Digest scheme")
}

func (p *Provider) Step(context.Context, auth.SecurityContext, []byte) ([]byte, error) {
	return nil, fmt.Errorf("digestprovider: Step is not used by the Digest scheme")
}

func (p *Provider) Sign(auth.SecurityContext, []byte) ([]byte, error) {
	return nil, fmt.Errorf("digestprovider: Digest carries no message signature")
}

func (p *Provider) Verify(auth.SecurityContext, []byte, []byte) (bool, error) {
	return false, fmt.Errorf("digestprovider: Digest carries no message signature")
}

// BuildAuthorization computes the standard Digest response: an MD5
// session key on first use from {username, realm, password, nonce},
// formatted as a standard digest response with nc incrementing per request.
func (p *Provider) BuildAuthorization(cfg auth.ProviderConfig, method, uri, nonce, opaque, qop string, nc int) (string, error) {
	chal := &digest.Challenge{
		Realm:  cfg.Realm,
		Nonce:  nonce,
		Opaque: opaque,
		QOP:    qop,
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Count:    nc,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("digestprovider: computing digest response: %w", err)
	}
	return cred.String(), nil
}

var _ auth.Provider = (*Provider)(nil)
var _ auth.DigestBuilder = (*Provider)(nil)
