package subscribe

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/auth"
	"github.com/ocslcs/sipsimple/internal/auth/digestprovider"
	"github.com/ocslcs/sipsimple/internal/scheduler"
	"github.com/ocslcs/sipsimple/internal/transaction"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []*sip.Request
	handlers map[string]transaction.Callback
}

func newFakeSender() *fakeSender {
	return &fakeSender{handlers: map[string]transaction.Callback{}}
}

func (f *fakeSender) Send(ctx context.Context, req *sip.Request, cb transaction.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	cseq := req.CSeq()
	f.handlers[transaction.Token(cseq.SeqNo, cseq.MethodName)] = cb
	return nil
}

func (f *fakeSender) Resend(ctx context.Context, token string, req *sip.Request, cb transaction.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	f.handlers[token] = cb
	return nil
}

func (f *fakeSender) deliver(token string, res *sip.Response) {
	f.mu.Lock()
	cb := f.handlers[token]
	f.mu.Unlock()
	cb(res, nil)
}

type fakeHost struct {
	mu           sync.Mutex
	states       []State
	presence     [][]byte
	roamingConts [][]byte
	failed       []string
}

func (h *fakeHost) OnSubscriptionStateChange(event, target string, s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}
func (h *fakeHost) OnPresenceNotify(contentType string, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = append(h.presence, body)
}
func (h *fakeHost) OnRoamingContacts(body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roamingConts = append(h.roamingConts, body)
}
func (h *fakeHost) OnRoamingSelf(body []byte)         {}
func (h *fakeHost) OnRoamingACL(body []byte)          {}
func (h *fakeHost) OnWatcherPending(body []byte)      {}
func (h *fakeHost) OnRegistrationNotify(body []byte, diagnostics string) {}
func (h *fakeHost) OnSubscribeFailed(event, target, reason, diagnostics string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, event)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSender, *fakeHost) {
	t.Helper()
	cfg := Config{AOR: "sip:alice@contoso.com", ContactHost: "10.0.0.5:5061"}
	engine := auth.NewEngine(auth.ProviderConfig{Username: "alice", Password: "hunter2", Domain: "contoso.com"},
		map[auth.Kind]auth.Provider{auth.Digest: digestprovider.New()}, nil)
	sched := scheduler.New(slog.Default())
	t.Cleanup(sched.Stop)
	sender := newFakeSender()
	host := &fakeHost{}
	d := New(cfg, slog.Default(), sender, engine, sched, host)
	return d, sender, host
}

func mustTargetURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		t.Fatalf("ParseUri(%q): %v", s, err)
	}
	return u
}

func TestSubscribeSendsRequestWithBenotifySupport(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	target := mustTargetURI(t, "sip:bob@contoso.com")

	if err := d.Subscribe(context.Background(), "vnd-microsoft-roaming-contacts", target, 3600); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 SUBSCRIBE, got %d", len(sender.sent))
	}
	req := sender.sent[0]
	if req.Method != sip.SUBSCRIBE {
		t.Fatalf("expected SUBSCRIBE method")
	}
	if req.GetHeader("Event").Value() != "vnd-microsoft-roaming-contacts" {
		t.Fatalf("unexpected Event header: %s", req.GetHeader("Event").Value())
	}
	found := false
	for _, h := range req.GetHeaders("Supported") {
		if h.Value() == "ms-benotify" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Supported: ms-benotify header")
	}
	if req.GetHeader("Proxy-Require").Value() != "ms-benotify" {
		t.Fatalf("expected Proxy-Require: ms-benotify")
	}
}

func TestOKSchedulesRefreshAndRoutesPiggybackNotify(t *testing.T) {
	d, sender, host := newTestDispatcher(t)
	target := mustTargetURI(t, "sip:bob@contoso.com")

	if err := d.Subscribe(context.Background(), "presence", target, 3600); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	req := sender.sent[0]
	token := transaction.Token(req.CSeq().SeqNo, req.CSeq().MethodName)

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	ok.AppendHeader(sip.NewHeader("Expires", "3600"))
	ok.AppendHeader(sip.NewHeader("ms-piggyback-cseq", "1"))
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/rlmi+xml"))
	ok.SetBody([]byte("<rlmi/>"))
	sender.deliver(token, ok)

	if len(host.presence) != 1 {
		t.Fatalf("expected piggyback NOTIFY body routed to OnPresenceNotify, got %d", len(host.presence))
	}
	if string(host.presence[0]) != "<rlmi/>" {
		t.Fatalf("unexpected piggyback body: %s", host.presence[0])
	}
}

func TestIncomingNotifyRoutesByEvent(t *testing.T) {
	d, _, host := newTestDispatcher(t)

	var target sip.Uri
	_ = sip.ParseUri("sip:alice@contoso.com", &target)
	notify := sip.NewRequest(sip.NOTIFY, target)
	notify.AppendHeader(sip.NewHeader("Event", "vnd-microsoft-roaming-contacts"))
	notify.AppendHeader(sip.NewHeader("Content-Type", "application/vnd-microsoft-roaming-contacts+xml"))
	notify.AppendHeader(sip.NewHeader("Call-ID", "nonexistent@x"))
	notify.SetBody([]byte("<contactList/>"))

	d.HandleIncoming(notify)

	if len(host.roamingConts) != 1 {
		t.Fatalf("expected roaming-contacts NOTIFY routed, got %d", len(host.roamingConts))
	}
}

func TestChallengeThenOKActivatesSubscription(t *testing.T) {
	d, sender, host := newTestDispatcher(t)
	target := mustTargetURI(t, "sip:bob@contoso.com")

	if err := d.Subscribe(context.Background(), "presence", target, 3600); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	req := sender.sent[0]
	token := transaction.Token(req.CSeq().SeqNo, req.CSeq().MethodName)

	challenge := sip.NewResponseFromRequest(req, 407, "Proxy Authentication Required", nil)
	challenge.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="contoso.com", nonce="n1", qop="auth"`))
	sender.deliver(token, challenge)

	if len(sender.sent) != 2 {
		t.Fatalf("expected a resend after 407, got %d sends", len(sender.sent))
	}
	authed := sender.sent[1]
	if authed.GetHeader("Proxy-Authorization") == nil {
		t.Fatalf("expected Proxy-Authorization on resend")
	}
	if authed.CSeq().SeqNo != req.CSeq().SeqNo {
		t.Fatalf("expected resend to reuse CSeq")
	}

	ok := sip.NewResponseFromRequest(authed, 200, "OK", nil)
	ok.AppendHeader(sip.NewHeader("Expires", "3600"))
	sender.deliver(token, ok)

	if len(host.states) == 0 || host.states[len(host.states)-1] != Active {
		t.Fatalf("expected subscription to end Active, got %v", host.states)
	}
}

func TestSubscribeFailureReportsToHost(t *testing.T) {
	d, sender, host := newTestDispatcher(t)
	target := mustTargetURI(t, "sip:bob@contoso.com")

	if err := d.Subscribe(context.Background(), "presence", target, 3600); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	req := sender.sent[0]
	token := transaction.Token(req.CSeq().SeqNo, req.CSeq().MethodName)

	res := sip.NewResponseFromRequest(req, 404, "Not Found", nil)
	sender.deliver(token, res)

	if len(host.failed) != 1 {
		t.Fatalf("expected OnSubscribeFailed to fire, got %d calls", len(host.failed))
	}
}
