package service

import (
	"context"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/auth"
	"github.com/ocslcs/sipsimple/internal/auth/digestprovider"
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

func (f *fakeSender) last() *sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestClient(t *testing.T) (*Client, *fakeSender) {
	t.Helper()
	cfg := Config{AOR: "sip:alice@contoso.com", ContactHost: "10.0.0.5:5061"}
	engine := auth.NewEngine(auth.ProviderConfig{Username: "alice", Password: "hunter2", Domain: "contoso.com"},
		map[auth.Kind]auth.Provider{auth.Digest: digestprovider.New()}, nil)
	sender := newFakeSender()
	return New(cfg, sender, engine), sender
}

func TestSendDeliversResponse(t *testing.T) {
	c, sender := newTestClient(t)

	var gotRes *sip.Response
	var gotErr error
	done := make(chan struct{})
	if err := c.Send(context.Background(), "application/msrtc-category-publish+xml", []byte("<publications/>"), func(res *sip.Response, err error) {
		gotRes, gotErr = res, err
		close(done)
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	req := sender.last()
	if req.Method != Method {
		t.Errorf("Method = %v, want %v", req.Method, Method)
	}
	if ct := req.GetHeader("Content-Type"); ct == nil || ct.Value() != "application/msrtc-category-publish+xml" {
		t.Errorf("Content-Type header missing or wrong: %v", ct)
	}

	cseq := req.CSeq()
	token := transaction.Token(cseq.SeqNo, cseq.MethodName)
	sender.deliver(token, sip.NewResponseFromRequest(req, 200, "OK", nil))
	<-done

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotRes.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", gotRes.StatusCode)
	}
}

func TestSendRetriesOn407(t *testing.T) {
	c, sender := newTestClient(t)

	var gotRes *sip.Response
	done := make(chan struct{})
	if err := c.Send(context.Background(), "text/plain", []byte("body"), func(res *sip.Response, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		gotRes = res
		close(done)
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	first := sender.last()
	challenge := sip.NewResponseFromRequest(first, 407, "Proxy Authentication Required", nil)
	challenge.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="contoso.com", nonce="abc123", qop="auth"`))
	cseq := first.CSeq()
	sender.deliver(transaction.Token(cseq.SeqNo, cseq.MethodName), challenge)

	retry := sender.last()
	if retry == first {
		t.Fatal("expected a retried request distinct from the original")
	}
	if retry.GetHeader("Proxy-Authorization") == nil {
		t.Error("retried request is missing Proxy-Authorization")
	}

	retryCseq := retry.CSeq()
	sender.deliver(transaction.Token(retryCseq.SeqNo, retryCseq.MethodName), sip.NewResponseFromRequest(retry, 200, "OK", nil))
	<-done

	if gotRes.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", gotRes.StatusCode)
	}
}
