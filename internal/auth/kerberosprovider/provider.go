// Package kerberosprovider implements the client (initiator) side of
// Kerberos authentication for the auth engine, built on
// github.com/jcmturner/gokrb5/v8.
//
// This plays the opposite role of a typical keytab-based acceptor: it
// holds a user principal and password, requests a service ticket for the
// SIP registrar's SPN, and emits the AP-REQ as the gssapi-data token, so
// it is built on gokrb5's client package rather than its keytab/acceptor
// pieces.
package kerberosprovider

import (
	"context"
	"fmt"
	"time"

	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/ocslcs/sipsimple/internal/auth"
)

// secCtx is the SecurityContext handle threaded through Step/Sign/Verify.
type secCtx struct {
	krbClient  *client.Client
	sessionKey types.EncryptionKey
	ticketEnd  time.Time
}

// Provider implements auth.Provider for the Kerberos scheme.
type Provider struct {
	krb5Conf *krb5config.Config
}

// New constructs a Kerberos provider from a parsed krb5.conf. cfg may be
// nil, in which case krb5config.New()'s defaults apply (realm must then be
// fully qualified in every ProviderConfig.Target/Domain).
func New(cfg *krb5config.Config) *Provider {
	if cfg == nil {
		cfg = krb5config.New()
	}
	return &Provider{krb5Conf: cfg}
}

func (p *Provider) Name() auth.Kind { return auth.Kerberos }

// InitContext logs the principal in against the KDC and requests a service
// ticket for cfg.Target (the registrar's SPN, e.g. "sip/pool.contoso.com"),
// returning the AP-REQ bytes as the first (and, for one-leg Kerberos,
// final) outbound gssapi-data token.
func (p *Provider) InitContext(ctx context.Context, cfg auth.ProviderConfig, _ []byte) (auth.SecurityContext, []byte, time.Time, error) {
	cl := client.NewWithPassword(cfg.Username, cfg.Domain, cfg.Password, p.krb5Conf, client.DisablePAFXFAST(true))
	if err := cl.Login(); err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("kerberosprovider: login: %w", err)
	}

	tkt, sessionKey, err := cl.GetServiceTicket(cfg.Target)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("kerberosprovider: service ticket for %s: %w", cfg.Target, err)
	}

	apReq, err := buildAPReq(cl, tkt, sessionKey)
	if err != nil {
		return nil, nil, time.Time{}, err
	}

	token, err := apReq.Marshal()
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("kerberosprovider: marshaling AP-REQ: %w", err)
	}

	sc := &secCtx{krbClient: cl, sessionKey: sessionKey, ticketEnd: tkt.EndTime}
	return sc, token, tkt.EndTime, nil
}

// Step handles the server's mutual-authentication AP-REP, if one arrives.
// OCS/LCS deployments in practice complete Kerberos auth on the AP-REQ
// alone, single-leg like NTLM's fast path, so Step here only validates
// that the inbound token is a well-formed AP-REP and does not renegotiate
// the context.
func (p *Provider) Step(_ context.Context, scAny auth.SecurityContext, inbound []byte) ([]byte, error) {
	sc, ok := scAny.(*secCtx)
	if !ok {
		return nil, fmt.Errorf("kerberosprovider: invalid security context")
	}
	var apRep messages.APRep
	if err := apRep.Unmarshal(inbound); err != nil {
		return nil, fmt.Errorf("kerberosprovider: server did not return a valid AP-REP: %w", err)
	}
	return nil, nil
}

func buildAPReq(cl *client.Client, tkt messages.Ticket, sessionKey types.EncryptionKey) (messages.APReq, error) {
	authenticator, err := types.NewAuthenticator(cl.Credentials.Realm(), cl.Credentials.CName())
	if err != nil {
		return messages.APReq{}, fmt.Errorf("kerberosprovider: building authenticator: %w", err)
	}
	if err := authenticator.GenerateSeqNumberAndSubKey(sessionKey.KeyType, len(sessionKey.KeyValue)); err != nil {
		return messages.APReq{}, fmt.Errorf("kerberosprovider: generating subkey: %w", err)
	}

	apReq, err := messages.NewAPReq(tkt, sessionKey, authenticator)
	if err != nil {
		return messages.APReq{}, fmt.Errorf("kerberosprovider: building AP-REQ: %w", err)
	}
	return apReq, nil
}

// Sign produces an HMAC-SHA1 signature over the canonical breakdown, keyed
// by the session key negotiated with the KDC. As with the NTLM provider,
// this is the generic per-request message signature every GSS-API-backed
// scheme here produces, not a GSS_WrapEx/GSS_GetMIC token —
// those apply to a continuous SSPI security context, not a single signed
// SIP header value.
func (p *Provider) Sign(scAny auth.SecurityContext, canonical []byte) ([]byte, error) {
	sc, ok := scAny.(*secCtx)
	if !ok {
		return nil, fmt.Errorf("kerberosprovider: invalid security context")
	}
	return gssChecksum(sc.sessionKey.KeyValue, canonical), nil
}

func (p *Provider) Verify(scAny auth.SecurityContext, canonical []byte, signature []byte) (bool, error) {
	expected, err := p.Sign(scAny, canonical)
	if err != nil {
		return false, err
	}
	if len(expected) != len(signature) {
		return false, nil
	}
	var diff byte
	for i := range expected {
		diff |= expected[i] ^ signature[i]
	}
	return diff == 0, nil
}

var _ auth.Provider = (*Provider)(nil)
