package account

import (
	"context"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/config"
	"github.com/ocslcs/sipsimple/internal/registrar"
	"github.com/ocslcs/sipsimple/internal/scheduler"
	"github.com/ocslcs/sipsimple/internal/service"
	"github.com/ocslcs/sipsimple/internal/soap"
	"github.com/ocslcs/sipsimple/internal/subscribe"
	"github.com/ocslcs/sipsimple/internal/transaction"
)

// fakeSender is a shared transaction.Sender-shaped fake: registrar,
// subscribe, and service all depend on the same narrow interface, so one
// recording fake can stand in for all three in these wiring tests.
type fakeSender struct {
	mu   sync.Mutex
	sent []*sip.Request
}

func (f *fakeSender) Send(ctx context.Context, req *sip.Request, cb transaction.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeSender) Resend(ctx context.Context, token string, req *sip.Request, cb transaction.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeSender) requests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*sip.Request, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeHost struct {
	mu           sync.Mutex
	authorizeAll bool
	failedReason string
	failedDiag   string
	failedCalls  int
}

func (h *fakeHost) OnRegistrationStateChange(s registrar.State)                           {}
func (h *fakeHost) OnSubscriptionStateChange(event, target string, s subscribe.State)     {}
func (h *fakeHost) OnIncomingMessage(peerURI string, chatID uint64, multi bool, t string) {}
func (h *fakeHost) OnUndelivered(peerURI, text, reason string)                            {}
func (h *fakeHost) OnChatOpened(chatID uint64, inviter string)                            {}
func (h *fakeHost) OnTypingNotification(peerURI string, composing bool)                   {}
func (h *fakeHost) OnPresenceNotify(contentType string, body []byte)                      {}
func (h *fakeHost) OnRoamingContacts(body []byte)                                         {}
func (h *fakeHost) OnRoamingSelf(body []byte)                                             {}
func (h *fakeHost) OnRoamingACL(body []byte)                                              {}
func (h *fakeHost) OnWatcherPending(body []byte)                                          {}
func (h *fakeHost) OnRegistrationNotify(body []byte)                                      {}
func (h *fakeHost) OnSubscribeFailed(event, target, reason, diagnostics string)           {}
func (h *fakeHost) OnRosterManagerChanged(callID, manager string)                         {}
func (h *fakeHost) OnSessionEnded(callID string)                                          {}

func (h *fakeHost) AuthorizeWatcher(uri, displayName string) bool {
	return h.authorizeAll
}

func (h *fakeHost) OnAccountFailed(reason, diagnostics string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failedCalls++
	h.failedReason = reason
	h.failedDiag = diagnostics
}

func newWiredAccount(t *testing.T, adhocList bool) (*Account, *fakeHost, *fakeSender) {
	t.Helper()
	cfg := &config.AccountConfig{Username: "alice@contoso.com", Password: "hunter2"}
	host := &fakeHost{authorizeAll: true}
	a, err := New(cfg, testLogger(), host)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.adhocList = adhocList

	sched := scheduler.New(testLogger())
	sender := &fakeSender{}
	contactHost := "10.0.0.5:5061"

	a.reg = registrar.New(registrar.Config{
		AOR:         a.creds.SIPURI(),
		ContactHost: contactHost,
	}, testLogger(), sender, a.authe, sched, registrarHost{a})
	a.subs = subscribe.New(subscribe.Config{
		AOR:         a.creds.SIPURI(),
		ContactHost: contactHost,
	}, testLogger(), sender, a.authe, sched, subscribeHost{a})
	a.svc = service.New(service.Config{
		AOR:         a.creds.SIPURI(),
		ContactHost: contactHost,
	}, sender, a.authe)

	return a, host, sender
}

func TestHandleRoamingSelfAcknowledgesOnlyUnacknowledged(t *testing.T) {
	a, _, sender := newWiredAccount(t, false)

	body := []byte(`<subscribers>
		<subscriber user="bob@contoso.com" acknowledged="false" displayName="Bob"/>
		<subscriber user="carol@contoso.com" acknowledged="true" displayName="Carol"/>
	</subscribers>`)

	a.handleRoamingSelf(body)

	reqs := sender.requests()
	if len(reqs) != 1 {
		t.Fatalf("len(requests) = %d, want 1 (only the unacknowledged subscriber)", len(reqs))
	}
	if ct := reqs[0].GetHeader("Content-Type"); ct == nil || ct.Value() != soap.ContentTypeSetSubscribers {
		t.Errorf("Content-Type = %v, want %s", ct, soap.ContentTypeSetSubscribers)
	}
}

func TestHandleWatcherPendingUsesHostDecision(t *testing.T) {
	a, host, sender := newWiredAccount(t, false)
	host.authorizeAll = false

	body := []byte(`<watcherList><watcher uri="sip:dave@contoso.com" displayName="Dave"/></watcherList>`)
	a.handleWatcherPending(body)

	reqs := sender.requests()
	if len(reqs) != 1 {
		t.Fatalf("len(requests) = %d, want 1", len(reqs))
	}
	if string(reqs[0].Body()) == "" {
		t.Fatal("expected a non-empty setACE body")
	}
	want := soap.SetACE("sip:dave@contoso.com", soap.ACEBlock)
	if string(reqs[0].Body()) != want {
		t.Errorf("body = %s, want %s (deny decision should build a BD action)", reqs[0].Body(), want)
	}
}

func TestReconcilePresenceSubscriptionsBatchesWhenAdhocListSupported(t *testing.T) {
	a, _, sender := newWiredAccount(t, true)

	a.reconcilePresenceSubscriptions([]soap.Contact{
		{URI: "sip:bob@contoso.com", DisplayName: "Bob"},
		{URI: "sip:carol@contoso.com", DisplayName: "Carol"},
	})

	reqs := sender.requests()
	if len(reqs) != 1 {
		t.Fatalf("len(requests) = %d, want 1 batched SUBSCRIBE", len(reqs))
	}
	if ct := reqs[0].GetHeader("Content-Type"); ct == nil || ct.Value() != soap.ContentTypeBatchSubscribe {
		t.Errorf("Content-Type = %v, want %s", ct, soap.ContentTypeBatchSubscribe)
	}
}

func TestReconcilePresenceSubscriptionsPacesPerBuddyWithoutAdhocList(t *testing.T) {
	a, _, sender := newWiredAccount(t, false)

	a.reconcilePresenceSubscriptions([]soap.Contact{
		{URI: "sip:bob@contoso.com", DisplayName: "Bob"},
		{URI: "sip:carol@contoso.com", DisplayName: "Carol"},
	})

	reqs := sender.requests()
	if len(reqs) != 2 {
		t.Fatalf("len(requests) = %d, want 2 individual SUBSCRIBEs", len(reqs))
	}
}

func TestHandleRegistrationNotifyFailsRegistrar(t *testing.T) {
	a, host, _ := newWiredAccount(t, false)

	a.handleRegistrationNotify([]byte("deregistered;event=rejected"), `4141;reason="User disabled"`)

	if host.failedCalls != 1 {
		t.Fatalf("OnAccountFailed calls = %d, want 1", host.failedCalls)
	}
	if host.failedDiag != `4141;reason="User disabled"` {
		t.Errorf("diagnostics = %q", host.failedDiag)
	}
	if a.reg.State() != registrar.Failed {
		t.Errorf("registrar state = %s, want failed", a.reg.State())
	}
}

func TestHandleRegistrationNotifyFallsBackForLCS2005(t *testing.T) {
	a, host, _ := newWiredAccount(t, false)

	a.handleRegistrationNotify([]byte("deregistered;event=unregistered"), "")

	if host.failedCalls != 1 {
		t.Fatalf("OnAccountFailed calls = %d, want 1", host.failedCalls)
	}
	want := lcs2005DeregistrationReasons["unregistered"]
	if host.failedDiag != want {
		t.Errorf("diagnostics = %q, want %q", host.failedDiag, want)
	}
}
