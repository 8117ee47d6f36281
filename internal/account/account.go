// Package account wires every subsystem package into one running SIP/SIMPLE
// account: transport connection, transaction layer, authentication engine,
// registrar, subscription dispatcher, SERVICE client, and IM manager,
// driven from a single cooperative event-loop goroutine so no two
// callbacks ever run concurrently against the same state.
package account

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/ocslcs/sipsimple/internal/auth"
	"github.com/ocslcs/sipsimple/internal/auth/digestprovider"
	"github.com/ocslcs/sipsimple/internal/auth/kerberosprovider"
	"github.com/ocslcs/sipsimple/internal/auth/ntlmprovider"
	"github.com/ocslcs/sipsimple/internal/config"
	"github.com/ocslcs/sipsimple/internal/im"
	"github.com/ocslcs/sipsimple/internal/registrar"
	"github.com/ocslcs/sipsimple/internal/scheduler"
	"github.com/ocslcs/sipsimple/internal/service"
	"github.com/ocslcs/sipsimple/internal/sipmsg"
	"github.com/ocslcs/sipsimple/internal/sipuri"
	"github.com/ocslcs/sipsimple/internal/subscribe"
	"github.com/ocslcs/sipsimple/internal/transaction"
	"github.com/ocslcs/sipsimple/internal/wire"
)

// Host is the embedding application's callback surface. Every method is
// invoked from the account's single event-loop goroutine.
type Host interface {
	OnRegistrationStateChange(s registrar.State)
	OnSubscriptionStateChange(event, target string, s subscribe.State)
	OnIncomingMessage(peerURI string, chatID uint64, multiparty bool, text string)
	OnUndelivered(peerURI, text, reason string)
	OnChatOpened(chatID uint64, inviter string)
	OnTypingNotification(peerURI string, composing bool)
	OnPresenceNotify(contentType string, body []byte)
	OnRoamingContacts(body []byte)
	OnRoamingSelf(body []byte)
	OnRoamingACL(body []byte)
	OnWatcherPending(body []byte)
	OnRegistrationNotify(body []byte)
	OnSubscribeFailed(event, target, reason, diagnostics string)
	// AuthorizeWatcher asks whether uri (displayName, if the server sent
	// one) should be allowed to watch this account's presence. Called once
	// per pending watcher reported by a presence.wpending NOTIFY.
	AuthorizeWatcher(uri, displayName string) bool
	OnRosterManagerChanged(callID, manager string)
	OnSessionEnded(callID string)
	OnAccountFailed(reason, diagnostics string)
}

// Account owns one SIP/SIMPLE session end to end.
type Account struct {
	cfg    *config.AccountConfig
	logger *slog.Logger
	host   Host

	creds sipuri.Credentials
	epid  string

	conn  *wire.Conn
	txn   *transaction.Layer
	sched *scheduler.Scheduler
	authe *auth.Engine
	reg   *registrar.Registrar
	subs  *subscribe.Dispatcher
	imMgr *im.Manager
	svc   *service.Client

	adhocList       bool // set from the Supported header once registered
	presenceVersion int  // monotonic msrtc-category-publish version

	loop     chan func()
	loopDone chan struct{}
}

// New validates cfg and builds the account's subsystem objects without
// connecting. Call Connect to bring up the transport and begin
// registration.
func New(cfg *config.AccountConfig, logger *slog.Logger, host Host) (*Account, error) {
	creds, err := sipuri.ParseUsername(cfg.Username)
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}

	a := &Account{
		cfg:      cfg,
		logger:   logger.With("subsystem", "account", "aor", creds.SIPURI()),
		host:     host,
		creds:    creds,
		epid:     sipuri.LocalEPID(),
		loop:     make(chan func(), 64),
		loopDone: make(chan struct{}),
	}

	a.sched = scheduler.New(a.logger)
	a.sched.SetDispatch(a.runOnLoop)

	providers := map[auth.Kind]auth.Provider{
		auth.Digest:   digestprovider.New(),
		auth.NTLM:     ntlmprovider.New(),
		auth.Kerberos: kerberosprovider.New(nil),
	}
	base := auth.ProviderConfig{
		Username: creds.LoginUser(),
		Password: cfg.Password,
		Domain:   creds.LoginDomain(),
	}
	a.authe = auth.NewEngine(base, providers, a.logger)

	return a, nil
}

// runOnLoop posts fn onto the account's single event-loop goroutine and
// blocks until it has finished executing. Used as the scheduler's
// dispatch function and directly by the wire-read goroutine, so timer
// firings and incoming messages are strictly serialized against each
// other.
func (a *Account) runOnLoop(fn func()) {
	done := make(chan struct{})
	a.loop <- func() {
		fn()
		close(done)
	}
	<-done
}

// Run drives the event loop until ctx is cancelled; Close does not stop
// it. It must be started before Connect, on its own goroutine.
func (a *Account) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(a.loopDone)
			return
		case job := <-a.loop:
			job()
		}
	}
}

// Connect resolves the registrar address, dials the transport, and starts
// the registration lifecycle. It must be called after Run has started.
func (a *Account) Connect(ctx context.Context) error {
	addr, transport, err := resolveServer(ctx, a.cfg, a.creds.Domain)
	if err != nil {
		return fmt.Errorf("account: resolving server: %w", err)
	}

	var tlsConfig *tls.Config
	if transport == wire.TransportTLS {
		tlsConfig = &tls.Config{ServerName: a.creds.Domain}
	}

	conn, err := wire.Dial(ctx, transport, addr, tlsConfig, a.logger)
	if err != nil {
		return fmt.Errorf("account: dialing %s: %w", addr, err)
	}
	a.conn = conn

	encode := func(req *sip.Request) []byte { return sipmsg.Encode(req) }
	a.txn = transaction.New(connSender{conn}, encode)

	contactHost := conn.LocalAddr()
	instanceUUID := uuid.New().String()

	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+a.creds.Domain, &recipient); err != nil {
		return fmt.Errorf("account: parsing recipient URI: %w", err)
	}

	a.reg = registrar.New(registrar.Config{
		AOR:          a.creds.SIPURI(),
		Recipient:    recipient,
		ContactHost:  contactHost,
		InstanceUUID: instanceUUID,
		EPID:         a.epid,
		Expiry:       registrar.DefaultExpiry,
	}, a.logger, a.txn, a.authe, a.sched, registrarHost{a})

	a.subs = subscribe.New(subscribe.Config{
		AOR:         a.creds.SIPURI(),
		ContactHost: contactHost,
	}, a.logger, a.txn, a.authe, a.sched, subscribeHost{a})

	a.imMgr = im.New(im.Config{
		AOR:         a.creds.SIPURI(),
		ContactHost: contactHost,
		UserAgent:   "sipsimple",
	}, a.logger, a.txn, responseTransport{a}, imHost{a})

	a.svc = service.New(service.Config{
		AOR:         a.creds.SIPURI(),
		ContactHost: contactHost,
	}, a.txn, a.authe)

	go conn.Serve(
		func(frame []byte) { a.runOnLoop(func() { a.onFrame(frame) }) },
		func(err error) { a.runOnLoop(func() { a.onConnError(err) }) },
	)

	return a.reg.Start(ctx)
}

// Close tears down the scheduler, transaction layer, and connection.
func (a *Account) Close() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.txn != nil {
		a.txn.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
}

func (a *Account) onFrame(frame []byte) {
	req, res, err := sipmsg.Decode(frame)
	if err != nil {
		a.logger.Warn("discarding unparseable frame", "error", err)
		return
	}
	if res != nil {
		a.txn.HandleResponse(res)
		return
	}
	a.dispatchRequest(req)
}

// RegistrationState reports the registrar's current lifecycle state, for
// diagnostics.
func (a *Account) RegistrationState() registrar.State {
	if a.reg == nil {
		return registrar.Unregistered
	}
	return a.reg.State()
}

// RegistrationStateString satisfies diag.RegistrationStateProvider, whose
// signature avoids a dependency on internal/registrar.
func (a *Account) RegistrationStateString() string {
	return string(a.RegistrationState())
}

// AuthRetryCount satisfies diag.AuthRetryCounter.
func (a *Account) AuthRetryCount() uint64 {
	if a.authe == nil {
		return 0
	}
	return a.authe.RetryCount()
}

// DialogCount reports how many IM sessions are currently tracked, for
// diagnostics.
func (a *Account) DialogCount() int {
	if a.imMgr == nil {
		return 0
	}
	return a.imMgr.SessionCount()
}

// SubscriptionCount reports how many subscriptions are currently tracked,
// for diagnostics.
func (a *Account) SubscriptionCount() int {
	if a.subs == nil {
		return 0
	}
	return a.subs.Count()
}

// SendIM originates (or appends to, if a session with peerURI is already
// open) an instant message, dispatched through the account's event loop so
// it serializes against every other callback.
func (a *Account) SendIM(ctx context.Context, peerURI, text string) error {
	var err error
	a.runOnLoop(func() {
		err = a.imMgr.Send(ctx, peerURI, text)
	})
	return err
}

// AOR returns this account's address-of-record SIP URI.
func (a *Account) AOR() string { return a.creds.SIPURI() }

// EPID returns this account's locally-derived endpoint ID.
func (a *Account) EPID() string { return a.epid }

// RegistrarAuthState reports the authentication engine's current state for
// the registrar role, so a host can record which realm/scheme last
// succeeded (for a resume token hint) without this package depending on
// anything beyond what it already imports.
func (a *Account) RegistrarAuthState() auth.State {
	return a.authe.State(auth.RoleRegistrar)
}

func (a *Account) onConnError(err error) {
	a.logger.Error("connection error", "error", err)
	a.host.OnAccountFailed("connection lost", err.Error())
}

// connSender adapts *wire.Conn to transaction.Sender.
type connSender struct{ conn *wire.Conn }

func (c connSender) Send(ctx context.Context, raw []byte) error { return c.conn.Send(ctx, raw) }

// responseTransport adapts *wire.Conn to im.Transport.
type responseTransport struct{ a *Account }

func (t responseTransport) SendResponse(ctx context.Context, res *sip.Response) error {
	return t.a.conn.Send(ctx, sipmsg.Encode(res))
}
