// Package service sends the proprietary SIP SERVICE method this client
// uses to carry every outgoing SOAP-ish body (buddy list management,
// presence publication, watcher ACL changes): a single request/response
// exchange against the user's own registrar pool, authenticated the same
// way SUBSCRIBE is (Proxy-Authorization, RoleProxy), with a 401/407
// challenge resent once under the original CSeq token.
//
// Grounded on internal/subscribe's request/response/auth-retry shape,
// narrowed from a tracked, refreshable subscription down to one
// request/response pair with no lifecycle beyond it.
package service

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/ocslcs/sipsimple/internal/auth"
	"github.com/ocslcs/sipsimple/internal/transaction"
)

// Method is the SIP method this package's requests carry.
const Method = sip.RequestMethod("SERVICE")

const authRole = auth.RoleProxy

// Sender transmits a request through the transaction layer and resends an
// already-outstanding one under its original CSeq token for
// re-credentialing, mirroring subscribe.Sender.
type Sender interface {
	Send(ctx context.Context, req *sip.Request, cb transaction.Callback) error
	Resend(ctx context.Context, token string, req *sip.Request, cb transaction.Callback) error
}

// Config is the fixed per-account identity used to build From/To on every
// SERVICE request this client sends.
type Config struct {
	AOR         string
	ContactHost string
}

// Client issues SERVICE requests against the account's own registrar pool.
type Client struct {
	cfg    Config
	sender Sender
	auth   *auth.Engine
	cseq   uint32
}

// New builds a Client. authEngine is the account's shared instance.
func New(cfg Config, sender Sender, authEngine *auth.Engine) *Client {
	return &Client{cfg: cfg, sender: sender, auth: authEngine}
}

// Send issues a SERVICE request carrying body under contentType, resolving
// cb with the final non-challenge response. A 409 is delivered to cb like
// any other final response: the version-conflict retry loop is the
// caller's concern (see §4.6's clear-presence flow), not this package's.
func (c *Client) Send(ctx context.Context, contentType string, body []byte, cb func(*sip.Response, error)) error {
	var recipient sip.Uri
	if err := sip.ParseUri(c.cfg.AOR, &recipient); err != nil {
		return fmt.Errorf("service: parsing recipient %q: %w", c.cfg.AOR, err)
	}

	c.cseq++
	req := c.build(recipient, contentType, body, c.cseq)
	return c.sender.Send(ctx, req, func(res *sip.Response, err error) {
		c.handleResponse(ctx, recipient, req, res, err, cb)
	})
}

func (c *Client) build(recipient sip.Uri, contentType string, body []byte, cseq uint32) *sip.Request {
	req := sip.NewRequest(Method, recipient)
	aor := fmt.Sprintf("<%s>", c.cfg.AOR)
	req.AppendHeader(sip.NewHeader("From", aor+";tag="+uuid.NewString()[:8]))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Call-ID", fmt.Sprintf("%s@%s", uuid.NewString(), c.cfg.ContactHost)))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: Method})
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s>", c.cfg.ContactHost)))
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	req.SetBody(body)

	canon := auth.CanonicalInput{Method: Method.String(), URI: recipient.String()}
	if authValue, err := c.auth.BuildAuthorization(context.Background(), authRole, Method.String(), recipient.String(), canon); err == nil && authValue != "" {
		req.AppendHeader(sip.NewHeader("Proxy-Authorization", authValue))
	}
	return req
}

func (c *Client) handleResponse(ctx context.Context, recipient sip.Uri, req *sip.Request, res *sip.Response, err error, cb func(*sip.Response, error)) {
	if err != nil {
		cb(nil, err)
		return
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		c.retryWithAuth(ctx, recipient, req, res, cb)
		return
	}
	if res.StatusCode/100 == 2 {
		c.auth.ResetRetries(authRole)
	}
	cb(res, nil)
}

func (c *Client) retryWithAuth(ctx context.Context, recipient sip.Uri, req *sip.Request, res *sip.Response, cb func(*sip.Response, error)) {
	challengeHeader, authzHeader := auth.HeaderNames(res.StatusCode)
	hdr := res.GetHeader(challengeHeader)
	if hdr == nil {
		cb(nil, fmt.Errorf("service: %d with no %s header", res.StatusCode, challengeHeader))
		return
	}
	if err := c.auth.HandleChallenge(authRole, res.StatusCode, hdr.Value()); err != nil {
		cb(nil, fmt.Errorf("service: authentication failed: %w", err))
		return
	}

	canon := auth.CanonicalInput{Method: req.Method.String(), URI: recipient.String()}
	authValue, err := c.auth.BuildAuthorization(ctx, authRole, req.Method.String(), recipient.String(), canon)
	if err != nil {
		cb(nil, fmt.Errorf("service: building authorization: %w", err))
		return
	}

	authReq := req.Clone()
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, authValue))

	cseq := authReq.CSeq()
	token := transaction.Token(cseq.SeqNo, cseq.MethodName)
	if err := c.sender.Resend(ctx, token, authReq, func(res2 *sip.Response, err2 error) {
		c.handleResponse(ctx, recipient, authReq, res2, err2, cb)
	}); err != nil {
		cb(nil, fmt.Errorf("service: resending authenticated SERVICE: %w", err))
		return
	}
}
