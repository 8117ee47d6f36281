// Package registrar implements the REGISTER lifecycle:
// Unregistered/Registering/Registered/Deregistering/Failed, GRUU capture,
// capability parsing, scheduled refresh, and the event-subscription
// cascade fired after first successful registration: single Digest/NTLM
// /Kerberos retry via internal/auth, 301 redirect handling, and
// exact-Expires refresh scheduling.
package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/ocslcs/sipsimple/internal/auth"
	"github.com/ocslcs/sipsimple/internal/scheduler"
	"github.com/ocslcs/sipsimple/internal/transaction"
)

// State is the registration lifecycle state.
type State string

const (
	Unregistered  State = "unregistered"
	Registering   State = "registering"
	Registered    State = "registered"
	Deregistering State = "deregistering"
	Failed        State = "failed"
)

// refreshTimerName is the scheduler name used for the re-REGISTER timer,
// kept unique per account so a reconnect cancels any stale one.
const refreshTimerName = "registrar.refresh"

// DefaultExpiry is used when the caller has not configured one.
const DefaultExpiry = 3600

// EventSubscriptions is the fixed set of events the registrar requests
// after first successful registration.
var EventSubscriptions = []string{
	"vnd-microsoft-roaming-contacts",
	"vnd-microsoft-roaming-ACL",
	"vnd-microsoft-roaming-self",
	"vnd-microsoft-provisioning-v2",
	"vnd-microsoft-provisioning",
	"presence.wpending",
}

// Sender transmits a request through the transaction layer and resends an
// already-outstanding one under its original CSeq token for
// re-credentialing: a resend, not a new request.
type Sender interface {
	Send(ctx context.Context, req *sip.Request, cb transaction.Callback) error
	Resend(ctx context.Context, token string, req *sip.Request, cb transaction.Callback) error
}

// Host receives registrar lifecycle notifications for the embedding
// application (an account context in production, a recording fake in
// tests).
type Host interface {
	OnStateChange(s State)
	OnFailed(reason, diagnostics string)
	OnRegistered(contact sip.Uri, supported map[string]bool, allowEvents []string)
	OnSubscriptionsDue(events []string)
	OnRedirect(recipient sip.Uri)
}

// Config is the fixed per-account parameters the registrar needs.
type Config struct {
	AOR          string // sip:user@domain, used as From/To
	Recipient    sip.Uri
	ContactHost  string // host:port this client is reachable at
	InstanceUUID string // stable UUID used to match our Contact back in a 200 OK
	EPID         string // 8 hex-digit endpoint id, per OCS convention
	Expiry       int
}

// Registrar drives one account's REGISTER lifecycle.
type Registrar struct {
	cfg    Config
	logger *slog.Logger
	sender Sender
	auth   *auth.Engine
	sched  *scheduler.Scheduler
	host   Host

	state        State
	cseq         uint32
	cachedCallID string
	supported    map[string]bool
	allowEvents  []string
}

// New builds a Registrar. sched is the account's shared scheduler.
func New(cfg Config, logger *slog.Logger, sender Sender, authEngine *auth.Engine, sched *scheduler.Scheduler, host Host) *Registrar {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	return &Registrar{
		cfg:    cfg,
		logger: logger.With("subsystem", "registrar"),
		sender: sender,
		auth:   authEngine,
		sched:  sched,
		host:   host,
		state:  Unregistered,
	}
}

func (r *Registrar) setState(s State) {
	if r.state == s {
		return
	}
	r.state = s
	r.host.OnStateChange(s)
}

// State returns the current lifecycle state.
func (r *Registrar) State() State { return r.state }

// contactURI builds the Contact header value, embedding the instance UUID
// and EPID so a subsequent 200 OK's Contact list can be matched back to
// this client among other simultaneously-registered endpoints for the
// same AOR across other simultaneously-registered endpoints.
func (r *Registrar) contactURI() string {
	return fmt.Sprintf("<sip:%s>;+sip.instance=\"<urn:uuid:%s>\";epid=%s",
		r.cfg.ContactHost, r.cfg.InstanceUUID, r.cfg.EPID)
}

// Start sends the initial REGISTER, transitioning Unregistered -> Registering.
func (r *Registrar) Start(ctx context.Context) error {
	if r.state != Unregistered {
		return fmt.Errorf("registrar: Start called from state %s", r.state)
	}
	r.setState(Registering)
	return r.sendRegister(ctx, r.cfg.Expiry)
}

// Refresh sends a re-REGISTER at the configured expiry; called by the
// scheduled refresh action.
func (r *Registrar) Refresh(ctx context.Context) error {
	return r.sendRegister(ctx, r.cfg.Expiry)
}

// Deregister sends a REGISTER with Expires: 0.
func (r *Registrar) Deregister(ctx context.Context) error {
	r.setState(Deregistering)
	r.sched.Cancel(refreshTimerName)
	return r.sendRegister(ctx, 0)
}

// HandleServerDeregistration reacts to a server-initiated
// "registration-notify" deregistration event: it cancels the refresh
// timer and reports the account as Failed the same way a 403/404/503
// response would, since from this point the current registration is no
// longer valid and nothing short of a fresh Start will restore it.
func (r *Registrar) HandleServerDeregistration(reason, diagnostics string) {
	r.fail(reason, diagnostics)
}

func (r *Registrar) sendRegister(ctx context.Context, expiry int) error {
	r.cseq++
	req := r.buildRegister(expiry)
	return r.sender.Send(ctx, req, func(res *sip.Response, err error) {
		r.handleResponse(ctx, req, res, err)
	})
}

func (r *Registrar) buildRegister(expiry int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, r.cfg.Recipient)
	aor := fmt.Sprintf("<%s>", r.cfg.AOR)
	req.AppendHeader(sip.NewHeader("From", aor+";tag="+uuid.NewString()[:8]))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Call-ID", r.callID()))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.cseq, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Contact", r.contactURI()))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	req.AppendHeader(sip.NewHeader("Supported", "msrtc-event-categories, adhoclist, gruu"))

	if authValue, err := r.auth.BuildAuthorization(context.Background(), authRole, sip.REGISTER.String(), r.cfg.Recipient.String(), r.canonicalInput()); err == nil && authValue != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authValue))
	}
	return req
}

const authRole = auth.RoleRegistrar

func (r *Registrar) canonicalInput() auth.CanonicalInput {
	return auth.CanonicalInput{
		Method: sip.REGISTER.String(),
		URI:    r.cfg.Recipient.String(),
		CallID: r.callID(),
	}
}

var callIDSeed = rand.Uint64

// callID is stable for the lifetime of the registrar so re-REGISTERs and
// the final Expires=0 deregister share one dialog-less request chain, the
// way trunk.go's sendRegister implicitly does by reusing one client.
func (r *Registrar) callID() string {
	if r.cachedCallID != "" {
		return r.cachedCallID
	}
	r.cachedCallID = fmt.Sprintf("%x@%s", callIDSeed(), r.cfg.ContactHost)
	return r.cachedCallID
}

func (r *Registrar) handleResponse(ctx context.Context, req *sip.Request, res *sip.Response, err error) {
	if err != nil {
		r.fail("connection error", err.Error())
		return
	}

	switch {
	case res.StatusCode == 401 || res.StatusCode == 407:
		r.retryWithAuth(ctx, req, res)
	case res.StatusCode == 301:
		r.handleRedirect(res)
	case res.StatusCode == 403 || res.StatusCode == 404 || res.StatusCode == 503:
		diag := res.GetHeader("ms-diagnostics")
		diagValue := ""
		if diag != nil {
			diagValue = diag.Value()
		}
		r.fail(fmt.Sprintf("registration rejected (%d %s)", res.StatusCode, res.Reason), diagValue)
	case res.StatusCode == 200:
		r.auth.ResetRetries(authRole)
		r.handleOK(res)
		if f, ok := r.sender.(interface{ Forget(token string) }); ok {
			cseq := req.CSeq()
			f.Forget(transaction.Token(cseq.SeqNo, cseq.MethodName))
		}
	default:
		r.fail(fmt.Sprintf("unexpected registrar response %d %s", res.StatusCode, res.Reason), "")
	}
}

// retryWithAuth handles a 401/407 on REGISTER: it feeds the challenge to
// the auth engine (which enforces the retry budget), builds the
// Authorization header for a fresh attempt, and resends under the SAME
// CSeq token: re-credentialing is a resend, not a new request.
func (r *Registrar) retryWithAuth(ctx context.Context, req *sip.Request, res *sip.Response) {
	challengeHeader, authzHeader := auth.HeaderNames(res.StatusCode)
	hdr := res.GetHeader(challengeHeader)
	if hdr == nil {
		r.fail(fmt.Sprintf("%d with no %s header", res.StatusCode, challengeHeader), "")
		return
	}

	if err := r.auth.HandleChallenge(authRole, res.StatusCode, hdr.Value()); err != nil {
		r.fail("authentication failed", err.Error())
		return
	}

	authValue, err := r.auth.BuildAuthorization(ctx, authRole, req.Method.String(), r.cfg.Recipient.String(), r.canonicalInput())
	if err != nil {
		r.fail("building authorization", err.Error())
		return
	}

	authReq := req.Clone()
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, authValue))

	cseq := authReq.CSeq()
	token := transaction.Token(cseq.SeqNo, cseq.MethodName)
	if err := r.sender.Resend(ctx, token, authReq, func(res2 *sip.Response, err2 error) {
		r.handleResponse(ctx, authReq, res2, err2)
	}); err != nil {
		r.fail("resending authenticated REGISTER", err.Error())
		return
	}
}

func (r *Registrar) handleRedirect(res *sip.Response) {
	contact := res.GetHeader("Contact")
	if contact == nil {
		r.fail("301 redirect with no Contact header", "")
		return
	}
	var newURI sip.Uri
	value := contact.Value()
	value = strings.TrimPrefix(value, "<")
	if idx := strings.Index(value, ">"); idx >= 0 {
		value = value[:idx]
	}
	if err := sip.ParseUri(value, &newURI); err != nil {
		r.fail("301 redirect with unparsable Contact", err.Error())
		return
	}
	r.setState(Unregistered)
	r.host.OnRedirect(newURI)
}

func (r *Registrar) handleOK(res *sip.Response) {
	expiry := r.cfg.Expiry
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			expiry = n
		}
	}

	if expiry == 0 {
		r.setState(Unregistered)
		r.sched.Cancel(refreshTimerName)
		return
	}

	r.supported = parseSupported(res)
	r.allowEvents = parseAllowEvents(res)
	gruu := r.resolveContact(res)

	wasUnregistered := r.state != Registered
	r.setState(Registered)

	r.host.OnRegistered(gruu, r.supported, r.allowEvents)

	r.sched.Schedule(refreshTimerName, time.Duration(expiry)*time.Second, func(any) scheduler.Result {
		if r.state != Registered {
			return scheduler.Done
		}
		_ = r.Refresh(context.Background())
		return scheduler.Done
	}, nil, nil)

	if wasUnregistered {
		r.host.OnSubscriptionsDue(EventSubscriptions)
	}
}

// resolveContact finds the Contact entry matching this client's own
// instance, by +sip.instance UUID or epid, preferring a gruu= parameter if
// the registrar supplied one, and falling back to synthesizing one from
// the configured Contact host otherwise.
func (r *Registrar) resolveContact(res *sip.Response) sip.Uri {
	contacts := res.GetHeaders("Contact")
	for _, c := range contacts {
		v := c.Value()
		if !strings.Contains(v, r.cfg.InstanceUUID) && !(r.cfg.EPID != "" && strings.Contains(v, "epid="+r.cfg.EPID)) {
			continue
		}
		if gruu := extractParam(v, "gruu"); gruu != "" {
			var u sip.Uri
			unquoted := strings.Trim(gruu, "\"")
			if err := sip.ParseUri(unquoted, &u); err == nil {
				return u
			}
		}
		var u sip.Uri
		uri := v
		if i := strings.Index(uri, ">"); i >= 0 {
			uri = uri[:i]
		}
		uri = strings.TrimPrefix(uri, "<")
		if err := sip.ParseUri(uri, &u); err == nil {
			return u
		}
	}
	var synthesized sip.Uri
	_ = sip.ParseUri(fmt.Sprintf("sip:%s", r.cfg.ContactHost), &synthesized)
	return synthesized
}

func extractParam(headerValue, name string) string {
	parts := strings.Split(headerValue, ";")
	prefix := name + "="
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix)
		}
	}
	return ""
}

func parseSupported(res *sip.Response) map[string]bool {
	out := map[string]bool{}
	for _, h := range res.GetHeaders("Supported") {
		for _, tok := range strings.Split(h.Value(), ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				out[tok] = true
			}
		}
	}
	return out
}

func parseAllowEvents(res *sip.Response) []string {
	var out []string
	seen := map[string]bool{}
	for _, h := range res.GetHeaders("Allow-Events") {
		for _, tok := range strings.Split(h.Value(), ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" && !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	return out
}

func (r *Registrar) fail(reason, diagnostics string) {
	r.setState(Failed)
	r.sched.Cancel(refreshTimerName)
	r.host.OnFailed(reason, diagnostics)
}
