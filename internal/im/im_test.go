package im

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/sipmsg"
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

func (f *fakeSender) deliver(t *testing.T, method sip.RequestMethod, seq uint32, res *sip.Response) {
	t.Helper()
	f.mu.Lock()
	cb, ok := f.handlers[transaction.Token(seq, method)]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %s cseq %d", method, seq)
	}
	cb(res, nil)
}

func (f *fakeSender) last() *sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeTransport struct{}

func (fakeTransport) SendResponse(ctx context.Context, res *sip.Response) error { return nil }

type fakeHost struct {
	mu          sync.Mutex
	messages    []string
	undelivered []string
	chatsOpened []uint64
	typing      []bool
	rosterChg   []string
	ended       []string
}

func (h *fakeHost) OnIncomingMessage(peerURI string, chatID uint64, multiparty bool, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, text)
}
func (h *fakeHost) OnUndelivered(peerURI, text, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undelivered = append(h.undelivered, reason)
}
func (h *fakeHost) OnChatOpened(chatID uint64, inviter string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chatsOpened = append(h.chatsOpened, chatID)
}
func (h *fakeHost) OnTypingNotification(peerURI string, composing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing = append(h.typing, composing)
}
func (h *fakeHost) OnRosterManagerChanged(callID, manager string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rosterChg = append(h.rosterChg, manager)
}
func (h *fakeHost) OnSessionEnded(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, callID)
}

func newTestManager() (*Manager, *fakeSender, *fakeHost) {
	sender := newFakeSender()
	host := &fakeHost{}
	m := New(Config{
		AOR:         "sip:alice@contoso.com",
		ContactHost: "10.0.0.1:5061",
	}, slog.Default(), sender, fakeTransport{}, host)
	return m, sender, host
}

func okResponseFor(req *sip.Request, toTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if toTag != "" {
		res.RemoveHeader("To")
		res.AppendHeader(sip.NewHeader("To", "<sip:bob@contoso.com>;tag="+toTag))
	}
	return res
}

func TestSendStartsInviteWithTextFormat(t *testing.T) {
	m, sender, _ := newTestManager()

	if err := m.Send(context.Background(), "sip:bob@contoso.com", "hello bob"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if sender.count() != 1 {
		t.Fatalf("expected 1 INVITE sent, got %d", sender.count())
	}
	req := sender.last()
	if req.Method != sip.INVITE {
		t.Fatalf("expected INVITE, got %v", req.Method)
	}
	ms := req.GetHeader("ms-text-format")
	if ms == nil {
		t.Fatalf("expected ms-text-format header on first INVITE")
	}
	if _, ok := decodeMsTextFormat(ms.Value()); !ok {
		t.Fatalf("expected decodable ms-text-format body")
	}
}

func TestSendQueuesWhileInviteInFlight(t *testing.T) {
	m, sender, _ := newTestManager()

	_ = m.Send(context.Background(), "sip:bob@contoso.com", "first")
	_ = m.Send(context.Background(), "sip:bob@contoso.com", "second")

	if sender.count() != 1 {
		t.Fatalf("expected only the first INVITE sent while one is in flight, got %d", sender.count())
	}
}

func TestInviteTwoOhOhEstablishesAndDrainsQueue(t *testing.T) {
	m, sender, _ := newTestManager()

	_ = m.Send(context.Background(), "sip:bob@contoso.com", "first")
	_ = m.Send(context.Background(), "sip:bob@contoso.com", "second")

	invite := sender.last()
	res := okResponseFor(invite, "bobtag")
	res.AppendHeader(sip.NewHeader("Supported", "ms-text-format"))
	sender.deliver(t, sip.INVITE, invite.CSeq().SeqNo, res)

	// ACK plus a MESSAGE carrying the second, still-queued line.
	if sender.count() != 3 {
		t.Fatalf("expected ACK + MESSAGE sent after 200 OK, got %d requests", sender.count())
	}
	msg := sender.last()
	if msg.Method != sip.MESSAGE {
		t.Fatalf("expected MESSAGE as the third request, got %v", msg.Method)
	}
	if string(msg.Body()) != "second" {
		t.Fatalf("expected the second queued line to drain via MESSAGE, got %q", string(msg.Body()))
	}
}

func TestInviteRejectionUndeliversAndDestroysSession(t *testing.T) {
	m, sender, host := newTestManager()

	_ = m.Send(context.Background(), "sip:bob@contoso.com", "hello")
	invite := sender.last()
	res := sip.NewResponseFromRequest(invite, 486, "Busy Here", nil)
	sender.deliver(t, sip.INVITE, invite.CSeq().SeqNo, res)

	if len(host.undelivered) != 1 {
		t.Fatalf("expected 1 undelivered notice, got %d", len(host.undelivered))
	}
	if len(host.ended) != 1 {
		t.Fatalf("expected session to end, got %d end notices", len(host.ended))
	}
	if _, ok := m.sessions.ByPeerURI("sip:bob@contoso.com"); ok {
		t.Fatalf("expected session to be removed from the store")
	}
}

func decodeIncomingInvite(t *testing.T, raw string) *sip.Request {
	t.Helper()
	req, _, err := sipmsg.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode incoming INVITE: %v", err)
	}
	return req
}

func TestHandleIncomingInviteRejectsMissingMessageMedium(t *testing.T) {
	m, _, _ := newTestManager()
	raw := "INVITE sip:alice@contoso.com SIP/2.0\r\n" +
		"Via: SIP/2.0/TLS 10.0.0.2:5061\r\n" +
		"Call-ID: call-1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"From: <sip:bob@contoso.com>;tag=bobtag\r\n" +
		"To: <sip:alice@contoso.com>\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 54\r\n\r\n" +
		"v=0\r\no=- 0 0 IN IP4 10.0.0.2\r\nm=audio 5004 RTP/AVP 0\r\n"
	req := decodeIncomingInvite(t, raw)

	res := m.HandleIncomingInvite(req)
	if res.StatusCode != 501 {
		t.Fatalf("expected 501 for a non-IM medium, got %d", res.StatusCode)
	}
}

func TestHandleIncomingInviteDeliversTextAndAnswers(t *testing.T) {
	m, _, host := newTestManager()
	body := msTextFormat("hi alice")
	raw := "INVITE sip:alice@contoso.com SIP/2.0\r\n" +
		"Via: SIP/2.0/TLS 10.0.0.2:5061\r\n" +
		"Call-ID: call-2\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"From: <sip:bob@contoso.com>;tag=bobtag\r\n" +
		"To: <sip:alice@contoso.com>\r\n" +
		"ms-text-format: " + body + "\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 72\r\n\r\n" +
		"v=0\r\no=- 0 0 IN IP4 10.0.0.2\r\nm=message 5060 sip sip:alice@contoso.com\r\n"
	req := decodeIncomingInvite(t, raw)

	res := m.HandleIncomingInvite(req)
	if res.StatusCode != 200 {
		t.Fatalf("expected 200 OK, got %d", res.StatusCode)
	}
	if len(host.messages) != 1 || host.messages[0] != "hi alice" {
		t.Fatalf("expected delivered message %q, got %v", "hi alice", host.messages)
	}
	if res.GetHeader("To") == nil || parseTag(res.GetHeader("To")) == "" {
		t.Fatalf("expected 200 OK To header to carry a local tag")
	}
}

func TestHandleIncomingInviteDetectsMultipartyFromEndPoints(t *testing.T) {
	m, _, host := newTestManager()
	raw := "INVITE sip:alice@contoso.com SIP/2.0\r\n" +
		"Via: SIP/2.0/TLS 10.0.0.2:5061\r\n" +
		"Call-ID: call-3\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"From: <sip:bob@contoso.com>;tag=bobtag\r\n" +
		"To: <sip:alice@contoso.com>\r\n" +
		"EndPoints: <sip:bob@contoso.com>,<sip:carol@contoso.com>,<sip:dave@contoso.com>\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 72\r\n\r\n" +
		"v=0\r\no=- 0 0 IN IP4 10.0.0.2\r\nm=message 5060 sip sip:alice@contoso.com\r\n"
	req := decodeIncomingInvite(t, raw)

	res := m.HandleIncomingInvite(req)
	if res.StatusCode != 200 {
		t.Fatalf("expected 200 OK, got %d", res.StatusCode)
	}
	if len(host.chatsOpened) != 1 {
		t.Fatalf("expected OnChatOpened to fire once, got %d", len(host.chatsOpened))
	}
	sess, ok := m.sessions.ByCallID("call-3")
	if !ok || !sess.Multiparty {
		t.Fatalf("expected a multiparty session for call-3")
	}
}

func TestRosterManagerInfoRoundTrip(t *testing.T) {
	m, _, host := newTestManager()

	inviteRaw := "INVITE sip:alice@contoso.com SIP/2.0\r\n" +
		"Via: SIP/2.0/TLS 10.0.0.2:5061\r\n" +
		"Call-ID: call-4\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"From: <sip:bob@contoso.com>;tag=bobtag\r\n" +
		"To: <sip:alice@contoso.com>\r\n" +
		"EndPoints: <sip:bob@contoso.com>,<sip:carol@contoso.com>,<sip:dave@contoso.com>\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 72\r\n\r\n" +
		"v=0\r\no=- 0 0 IN IP4 10.0.0.2\r\nm=message 5060 sip sip:alice@contoso.com\r\n"
	m.HandleIncomingInvite(decodeIncomingInvite(t, inviteRaw))

	raw := "INFO sip:alice@contoso.com SIP/2.0\r\n" +
		"Via: SIP/2.0/TLS 10.0.0.2:5061\r\n" +
		"Call-ID: call-4\r\n" +
		"CSeq: 2 INFO\r\n" +
		"From: <sip:bob@contoso.com>;tag=bobtag\r\n" +
		"To: <sip:alice@contoso.com>;tag=alicetag\r\n" +
		"Content-Type: application/x-ms-mim\r\n" +
		"Content-Length: 125\r\n\r\n" +
		`<?xml version="1.0"?><action xmlns="http://schemas.microsoft.com/sip/multiparty/"><SetRM uri="sip:bob@contoso.com"/></action>`
	req := decodeIncomingInvite(t, raw)

	res := m.HandleIncomingInfo(req)
	if res.StatusCode != 200 {
		t.Fatalf("expected 200 OK, got %d", res.StatusCode)
	}
	if len(host.rosterChg) != 1 || host.rosterChg[0] != "sip:bob@contoso.com" {
		t.Fatalf("expected roster manager change to sip:bob@contoso.com, got %v", host.rosterChg)
	}
}

func TestIscomposingInfoReportsTyping(t *testing.T) {
	m, _, host := newTestManager()
	raw := "INFO sip:alice@contoso.com SIP/2.0\r\n" +
		"Via: SIP/2.0/TLS 10.0.0.2:5061\r\n" +
		"Call-ID: call-5\r\n" +
		"CSeq: 2 INFO\r\n" +
		"From: <sip:bob@contoso.com>;tag=bobtag\r\n" +
		"To: <sip:alice@contoso.com>;tag=alicetag\r\n" +
		"Content-Type: application/xml\r\n" +
		"Content-Length: 115\r\n\r\n" +
		`<?xml version="1.0"?><isComposing xmlns="urn:ietf:params:xml:ns:im-iscomposing"><state>active</state></isComposing>`
	req := decodeIncomingInvite(t, raw)

	res := m.HandleIncomingInfo(req)
	if res.StatusCode != 200 {
		t.Fatalf("expected 200 OK, got %d", res.StatusCode)
	}
	if len(host.typing) != 1 || !host.typing[0] {
		t.Fatalf("expected a typing=true notification, got %v", host.typing)
	}
}

func TestHandleIncomingByeEndsOneToOneSession(t *testing.T) {
	m, _, host := newTestManager()
	_ = m.Send(context.Background(), "sip:bob@contoso.com", "hi")

	raw := "BYE sip:alice@contoso.com SIP/2.0\r\n" +
		"Via: SIP/2.0/TLS 10.0.0.2:5061\r\n" +
		"Call-ID: " + mustFirstSessionCallID(t, m) + "\r\n" +
		"CSeq: 2 BYE\r\n" +
		"From: <sip:bob@contoso.com>;tag=bobtag\r\n" +
		"To: <sip:alice@contoso.com>;tag=alicetag\r\n" +
		"Content-Length: 0\r\n\r\n"
	req := decodeIncomingInvite(t, raw)

	res := m.HandleIncomingBye(req)
	if res.StatusCode != 200 {
		t.Fatalf("expected 200 OK, got %d", res.StatusCode)
	}
	if len(host.ended) != 1 {
		t.Fatalf("expected session end notice, got %d", len(host.ended))
	}
}

func mustFirstSessionCallID(t *testing.T, m *Manager) string {
	t.Helper()
	sess, ok := m.sessions.ByPeerURI("sip:bob@contoso.com")
	if !ok {
		t.Fatalf("expected an existing session with bob")
	}
	return sess.CallID
}
