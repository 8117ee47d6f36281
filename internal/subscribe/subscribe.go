// Package subscribe implements the SUBSCRIBE/NOTIFY/BENOTIFY dispatcher:
// issuing SUBSCRIBE for roaming contacts, roaming self, roaming ACL,
// provisioning, wpending and presence; routing incoming NOTIFY/BENOTIFY
// bodies to typed handlers by Event; and scheduling refreshes off the
// accompanying SUBSCRIBE response's Expires.
//
// It follows internal/registrar's request/response/auth-retry shape,
// generalized from the single REGISTER method to N concurrently tracked
// subscriptions, one per (event, target) pair.
package subscribe

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/ocslcs/sipsimple/internal/auth"
	"github.com/ocslcs/sipsimple/internal/scheduler"
	"github.com/ocslcs/sipsimple/internal/transaction"
)

// State mirrors the registrar's lifecycle shape, scoped to one subscription.
type State string

const (
	Unsubscribed State = "unsubscribed"
	Subscribing  State = "subscribing"
	Active       State = "active"
	Failed       State = "failed"
)

// refreshMargin is how early the refresh is scheduled: at Expires-60s,
// unless that would make the delay non-positive, in which case refresh at
// the full expiry.
const refreshMargin = 60 * time.Second

const authRole = auth.RoleProxy

// Sender transmits a SUBSCRIBE/NOTIFY response cycle through the
// transaction layer, mirroring registrar.Sender.
type Sender interface {
	Send(ctx context.Context, req *sip.Request, cb transaction.Callback) error
	Resend(ctx context.Context, token string, req *sip.Request, cb transaction.Callback) error
}

// Host is the routing target for decoded NOTIFY/BENOTIFY bodies and
// subscription lifecycle events. Each handler receives the raw body and its
// Content-Type; body parsing (presence XML, roaming-contacts XML, ...)
// lives in the packages that own those formats.
type Host interface {
	OnSubscriptionStateChange(event, target string, s State)
	OnPresenceNotify(contentType string, body []byte)
	OnRoamingContacts(body []byte)
	OnRoamingSelf(body []byte)
	OnRoamingACL(body []byte)
	OnWatcherPending(body []byte)
	OnRegistrationNotify(body []byte, diagnostics string)
	OnSubscribeFailed(event, target, reason, diagnostics string)
}

// Config is the fixed per-account identity used to build From/To/Contact on
// every SUBSCRIBE this dispatcher issues.
type Config struct {
	AOR         string
	ContactHost string
}

// subscription tracks one (event, target) SUBSCRIBE's lifecycle.
type subscription struct {
	event   string
	target  sip.Uri
	state   State
	cseq    uint32
	callID  string
	fromTag string
	expiry  int
	batched bool
}

func (s *subscription) timerName() string {
	return "subscribe.refresh." + s.event + "." + s.target.String()
}

// Dispatcher owns every active subscription for one account.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	sender Sender
	auth   *auth.Engine
	sched  *scheduler.Scheduler
	host   Host

	subs map[string]*subscription // keyed by event+"|"+target
}

// New builds a Dispatcher. sched and authEngine are the account's shared
// instances.
func New(cfg Config, logger *slog.Logger, sender Sender, authEngine *auth.Engine, sched *scheduler.Scheduler, host Host) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.With("subsystem", "subscribe"),
		sender: sender,
		auth:   authEngine,
		sched:  sched,
		host:   host,
		subs:   map[string]*subscription{},
	}
}

func subKey(event string, target sip.Uri) string {
	return event + "|" + strings.ToLower(target.String())
}

// Count reports how many subscriptions are currently tracked, regardless
// of lifecycle state, for diagnostics.
func (d *Dispatcher) Count() int {
	return len(d.subs)
}

// Subscribe issues a new SUBSCRIBE for event targeting target, with the
// given Expires. Re-issuing for an (event, target) already tracked replaces
// its CSeq chain (a fresh subscription, not a refresh).
func (d *Dispatcher) Subscribe(ctx context.Context, event string, target sip.Uri, expiry int) error {
	key := subKey(event, target)
	sub := &subscription{
		event:   event,
		target:  target,
		state:   Subscribing,
		callID:  fmt.Sprintf("%s@%s", uuid.NewString(), d.cfg.ContactHost),
		fromTag: uuid.NewString()[:8],
		expiry:  expiry,
	}
	d.subs[key] = sub
	d.setState(sub, Subscribing)
	return d.send(ctx, sub)
}

// SubscribeBatched issues a single SUBSCRIBE to presence covering every
// buddy in targets at once (the adhocList form used for
// batched-capable servers). The subscription is tracked under the local
// AOR as its own target since the batched form's From and To are both the
// local user.
func (d *Dispatcher) SubscribeBatched(ctx context.Context, selfURI sip.Uri, body []byte, contentType string) error {
	key := subKey("presence", selfURI)
	sub := &subscription{
		event:   "presence",
		target:  selfURI,
		state:   Subscribing,
		callID:  fmt.Sprintf("%s@%s", uuid.NewString(), d.cfg.ContactHost),
		fromTag: uuid.NewString()[:8],
		expiry:  DefaultPresenceExpiry,
		batched: true,
	}
	d.subs[key] = sub
	d.setState(sub, Subscribing)
	return d.send(ctx, sub, withBody(contentType, body))
}

// DefaultPresenceExpiry is used for batched/per-buddy presence subscriptions
// when the caller has no more specific value.
const DefaultPresenceExpiry = 3600

type sendOpt func(*sip.Request)

func withBody(contentType string, body []byte) sendOpt {
	return func(req *sip.Request) {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		req.SetBody(body)
	}
}

func (d *Dispatcher) setState(sub *subscription, s State) {
	if sub.state == s {
		return
	}
	sub.state = s
	d.host.OnSubscriptionStateChange(sub.event, sub.target.String(), s)
}

func (d *Dispatcher) send(ctx context.Context, sub *subscription, opts ...sendOpt) error {
	sub.cseq++
	req := d.buildSubscribe(sub, opts...)
	return d.sender.Send(ctx, req, func(res *sip.Response, err error) {
		d.handleResponse(ctx, sub, req, res, err)
	})
}

func (d *Dispatcher) buildSubscribe(sub *subscription, opts ...sendOpt) *sip.Request {
	req := sip.NewRequest(sip.SUBSCRIBE, sub.target)
	from := fmt.Sprintf("<%s>;tag=%s", d.cfg.AOR, sub.fromTag)
	to := fmt.Sprintf("<%s>", sub.target.String())
	req.AppendHeader(sip.NewHeader("From", from))
	req.AppendHeader(sip.NewHeader("To", to))
	req.AppendHeader(sip.NewHeader("Call-ID", sub.callID))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: sub.cseq, MethodName: sip.SUBSCRIBE})
	req.AppendHeader(sip.NewHeader("Event", sub.event))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(sub.expiry)))
	req.AppendHeader(sip.NewHeader("Supported", "ms-benotify"))
	req.AppendHeader(sip.NewHeader("Proxy-Require", "ms-benotify"))
	req.AppendHeader(sip.NewHeader("Supported", "ms-piggyback-first-notify"))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s>", d.cfg.ContactHost)))

	canon := auth.CanonicalInput{Method: sip.SUBSCRIBE.String(), URI: sub.target.String(), CallID: sub.callID}
	if authValue, err := d.auth.BuildAuthorization(context.Background(), authRole, sip.SUBSCRIBE.String(), sub.target.String(), canon); err == nil && authValue != "" {
		req.AppendHeader(sip.NewHeader("Proxy-Authorization", authValue))
	}

	for _, opt := range opts {
		opt(req)
	}
	return req
}

func (d *Dispatcher) handleResponse(ctx context.Context, sub *subscription, req *sip.Request, res *sip.Response, err error) {
	if err != nil {
		d.fail(sub, "connection error", err.Error())
		return
	}

	switch {
	case res.StatusCode == 401 || res.StatusCode == 407:
		d.retryWithAuth(ctx, sub, req, res)
	case res.StatusCode == 200:
		d.auth.ResetRetries(authRole)
		d.handleOK(sub, res)
	default:
		diag := ""
		if h := res.GetHeader("ms-diagnostics"); h != nil {
			diag = h.Value()
		}
		d.fail(sub, fmt.Sprintf("subscribe rejected (%d %s)", res.StatusCode, res.Reason), diag)
	}
}

func (d *Dispatcher) retryWithAuth(ctx context.Context, sub *subscription, req *sip.Request, res *sip.Response) {
	challengeHeader, authzHeader := auth.HeaderNames(res.StatusCode)
	hdr := res.GetHeader(challengeHeader)
	if hdr == nil {
		d.fail(sub, fmt.Sprintf("%d with no %s header", res.StatusCode, challengeHeader), "")
		return
	}
	if err := d.auth.HandleChallenge(authRole, res.StatusCode, hdr.Value()); err != nil {
		d.fail(sub, "authentication failed", err.Error())
		return
	}

	canon := auth.CanonicalInput{Method: req.Method.String(), URI: sub.target.String(), CallID: sub.callID}
	authValue, err := d.auth.BuildAuthorization(ctx, authRole, req.Method.String(), sub.target.String(), canon)
	if err != nil {
		d.fail(sub, "building authorization", err.Error())
		return
	}

	authReq := req.Clone()
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, authValue))

	cseq := authReq.CSeq()
	token := transaction.Token(cseq.SeqNo, cseq.MethodName)
	if err := d.sender.Resend(ctx, token, authReq, func(res2 *sip.Response, err2 error) {
		d.handleResponse(ctx, sub, authReq, res2, err2)
	}); err != nil {
		d.fail(sub, "resending authenticated SUBSCRIBE", err.Error())
		return
	}
}

// handleOK applies the 200 OK's Expires, routes a piggyback NOTIFY body if
// one is present (ms-piggyback-cseq on the response), and schedules the
// refresh at Expires-60s (or at Expires when that is not positive).
func (d *Dispatcher) handleOK(sub *subscription, res *sip.Response) {
	expiry := sub.expiry
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			expiry = n
		}
	}
	sub.expiry = expiry
	d.setState(sub, Active)

	if h := res.GetHeader("ms-piggyback-cseq"); h != nil {
		contentType := ""
		if ct := res.ContentType(); ct != nil {
			contentType = ct.Value()
		}
		d.dispatchBody(sub.event, contentType, res.Body(), nil)
	}

	d.scheduleRefresh(sub)
}

func (d *Dispatcher) scheduleRefresh(sub *subscription) {
	delay := time.Duration(sub.expiry)*time.Second - refreshMargin
	if delay <= 0 {
		delay = time.Duration(sub.expiry) * time.Second
	}
	d.sched.Schedule(sub.timerName(), delay, func(any) scheduler.Result {
		if sub.state != Active {
			return scheduler.Done
		}
		_ = d.send(context.Background(), sub)
		return scheduler.Done
	}, nil, nil)
}

func (d *Dispatcher) fail(sub *subscription, reason, diagnostics string) {
	d.setState(sub, Failed)
	d.sched.Cancel(sub.timerName())
	d.host.OnSubscribeFailed(sub.event, sub.target.String(), reason, diagnostics)
}
