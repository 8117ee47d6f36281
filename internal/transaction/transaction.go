// Package transaction is the request/response matching and retransmit
// layer. It owns none of the socket: internal/wire
// delivers decoded frames and this package correlates a response to the
// outstanding request that asked for it, by CSeq token, the way the
// teacher's sendRegister/getResponse pair waits on a single transaction's
// response channel — except here there can be many transactions open on
// one connection at once, since this client drives several concurrent
// dialogs/subscriptions rather than one trunk registration.
package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// retransmitSweepInterval is how often the background sweep scans open
// transactions for ones needing a retransmit.
const retransmitSweepInterval = 2 * time.Second

// retransmitAfter is how long an unacknowledged request waits, with zero
// retries so far, before its first retransmit.
const retransmitAfter = 2 * time.Second

// giveUpAfter is the age at which a transaction that has already been
// retransmitted is abandoned as a 408 candidate.
const giveUpAfter = 5 * time.Second

// Token returns the CSeq-token key ("number method") used for
// transaction uniqueness.
func Token(seqNo uint32, method sip.RequestMethod) string {
	return fmt.Sprintf("%d %s", seqNo, method)
}

// Callback is invoked once with the final (non-provisional) response, or
// with a non-nil err if the transaction is abandoned before one arrives
// (timeout, connection teardown).
type Callback func(res *sip.Response, err error)

// entry is one outstanding request.
type entry struct {
	token     string
	req       *sip.Request
	sentAt    time.Time
	retries   int
	cb        Callback
	completed bool
}

// Sender transmits a fully-serialized request; Layer calls it for both the
// original send and any retransmit.
type Sender interface {
	Send(ctx context.Context, raw []byte) error
}

// Layer tracks in-flight requests for one connection.
type Layer struct {
	sender Sender
	encode func(*sip.Request) []byte

	mu      sync.Mutex
	entries map[string]*entry

	stop chan struct{}
	once sync.Once
}

// New builds a transaction layer writing through sender. encode serializes
// a request to wire bytes (internal/sipmsg.Encode in production, a fake in
// tests).
func New(sender Sender, encode func(*sip.Request) []byte) *Layer {
	l := &Layer{
		sender:  sender,
		encode:  encode,
		entries: map[string]*entry{},
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Close stops the retransmit sweep and fails every outstanding entry.
func (l *Layer) Close() {
	l.once.Do(func() { close(l.stop) })

	l.mu.Lock()
	pending := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		pending = append(pending, e)
	}
	l.entries = map[string]*entry{}
	l.mu.Unlock()

	for _, e := range pending {
		e.cb(nil, ErrTransactionAbandoned)
	}
}

// Send registers req under its CSeq token and transmits it, invoking cb
// when a final response arrives, when the retransmit sweep gives up on it,
// or when Close is called first. ctx bounds only the initial transmission;
// cancelling it later does not abandon the transaction.
func (l *Layer) Send(ctx context.Context, req *sip.Request, cb Callback) error {
	cseq := req.CSeq()
	if cseq == nil {
		return fmt.Errorf("transaction: request has no CSeq header")
	}
	token := Token(cseq.SeqNo, cseq.MethodName)

	e := &entry{token: token, req: req, sentAt: time.Now(), cb: cb}
	l.mu.Lock()
	l.entries[token] = e
	l.mu.Unlock()

	if err := l.sender.Send(ctx, l.encode(req)); err != nil {
		l.mu.Lock()
		delete(l.entries, token)
		l.mu.Unlock()
		return fmt.Errorf("transaction: sending %s: %w", token, err)
	}
	return nil
}

// HandleResponse matches res to its outstanding request by CSeq token.
// Provisional (1xx) responses are observed (the sent-at timestamp is left
// alone so the retransmit policy still applies) but leave the entry in
// place; final responses invoke the callback and remove the entry, except
// that the caller (the registrar) is responsible for removing 200 OK
// REGISTER entries itself after it finishes processing them via Forget.
func (l *Layer) HandleResponse(res *sip.Response) {
	cseq := res.CSeq()
	if cseq == nil {
		return
	}
	token := Token(cseq.SeqNo, cseq.MethodName)

	l.mu.Lock()
	e, ok := l.entries[token]
	if !ok {
		l.mu.Unlock()
		return
	}
	if res.StatusCode < 200 {
		l.mu.Unlock()
		return
	}
	keepForRegister := res.StatusCode == 200 && cseq.MethodName == sip.REGISTER
	if !keepForRegister {
		delete(l.entries, token)
	} else {
		e.completed = true
	}
	l.mu.Unlock()

	e.cb(res, nil)
}

// Forget removes a transaction by token, used by the registrar to release
// a completed 200 OK REGISTER entry once it has finished acting on it.
func (l *Layer) Forget(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, token)
}

// Resend re-serializes req (with any headers the caller mutated, such as a
// freshly filled Proxy-Authorization) and retransmits it under the SAME
// CSeq token: re-credentialing is a resend, not a new request, so the
// CSeq must not be bumped.
func (l *Layer) Resend(ctx context.Context, token string, req *sip.Request, cb Callback) error {
	l.mu.Lock()
	e, ok := l.entries[token]
	if ok {
		e.req = req
		e.sentAt = time.Now()
		e.cb = cb
	} else {
		e = &entry{token: token, req: req, sentAt: time.Now(), cb: cb}
		l.entries[token] = e
	}
	l.mu.Unlock()

	return l.sender.Send(ctx, l.encode(req))
}

func (l *Layer) sweepLoop() {
	ticker := time.NewTicker(retransmitSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *Layer) sweepOnce() {
	now := time.Now()

	l.mu.Lock()
	var toRetransmit []*entry
	var toGiveUp []*entry
	for _, e := range l.entries {
		age := now.Sub(e.sentAt)
		switch {
		case age >= giveUpAfter && e.retries > 0:
			toGiveUp = append(toGiveUp, e)
		case age >= retransmitAfter && e.retries == 0:
			e.retries++
			toRetransmit = append(toRetransmit, e)
		}
	}
	for _, e := range toGiveUp {
		delete(l.entries, e.token)
	}
	l.mu.Unlock()

	for _, e := range toRetransmit {
		_ = l.sender.Send(context.Background(), l.encode(e.req))
	}
	for _, e := range toGiveUp {
		e.cb(nil, ErrTransactionTimedOut)
	}
}
