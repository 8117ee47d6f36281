// Package im implements the 1:1 and ad-hoc multiparty IM session manager:
// outgoing send (INVITE-with-ms-text-format or in-dialog MESSAGE), INVITE
// response handling, incoming INVITE with multiparty detection, the
// roster-manager INFO protocol, and BYE teardown. Session and dialog
// bookkeeping is internal/dialog's Session/Dialog pair; this package owns
// only the protocol state machine above them, grounded on
// other_examples/.../dialog_server.go's DialogServerSession (Record-Route
// capture, CSeq-increment-except-ACK/CANCEL) adapted to the UAC role a
// SIMPLE client plays when it originates the conversation, and on
// sipe.c's sipe_invite/process_incoming_invite/process_incoming_message
// for the exact header and SDP shapes OCS/LCS expect.
package im

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/ocslcs/sipsimple/internal/dialog"
	"github.com/ocslcs/sipsimple/internal/transaction"
)

// Sender transmits a request through the transaction layer. IM requests
// carry no per-request re-credentialing (unlike REGISTER/SUBSCRIBE) since
// they ride an already-authenticated dialog, so there is no Resend path
// here the way registrar/subscribe need one.
type Sender interface {
	Send(ctx context.Context, req *sip.Request, cb transaction.Callback) error
}

// Transport sends a pre-built response back on whichever connection the
// triggering request arrived on. This package tracks no inbound
// transaction of its own to answer on — the account's request dispatcher
// owns response transmission, the same division subscribe.HandleIncoming
// uses for NOTIFY 200 OKs.
type Transport interface {
	SendResponse(ctx context.Context, res *sip.Response) error
}

// Host receives IM events for the embedding application.
type Host interface {
	OnIncomingMessage(peerURI string, chatID uint64, multiparty bool, text string)
	OnUndelivered(peerURI string, text string, reason string)
	OnChatOpened(chatID uint64, inviter string)
	OnTypingNotification(peerURI string, composing bool)
	OnRosterManagerChanged(callID, manager string)
	OnSessionEnded(callID string)
}

// Config is the fixed per-account parameters the IM manager needs.
type Config struct {
	AOR         string // sip:user@domain
	ContactHost string // host:port this client is reachable at
	UserAgent   string
}

// Manager drives 1:1 and multiparty IM sessions for one account.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	sender    Sender
	transport Transport
	host      Host
	sessions  *dialog.SessionStore
}

// New builds a Manager with its own empty session table.
func New(cfg Config, logger *slog.Logger, sender Sender, transport Transport, host Host) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("subsystem", "im"),
		sender:    sender,
		transport: transport,
		host:      host,
		sessions:  dialog.NewSessionStore(),
	}
}

// contactURI builds the Contact header value for outgoing INVITE/MESSAGE.
func (m *Manager) contactURI() string {
	return fmt.Sprintf("<sip:%s>", m.cfg.ContactHost)
}

// SessionCount reports how many IM sessions are currently tracked, for
// diagnostics.
func (m *Manager) SessionCount() int {
	return m.sessions.Count()
}

func newCallID(host string) string {
	return fmt.Sprintf("%s@%s", uuid.NewString(), host)
}

func newTag() string {
	return uuid.NewString()[:8]
}

// parseTag extracts the tag= parameter from a From/To header value.
func parseTag(h sip.Header) string {
	if h == nil {
		return ""
	}
	return extractParam(h.Value(), "tag")
}

func extractParam(headerValue, name string) string {
	prefix := name + "="
	for _, p := range strings.Split(headerValue, ";") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix)
		}
	}
	return ""
}

// parseContactURI pulls the bracketed URI out of a Contact header value,
// ignoring any parameters following it.
func parseContactURI(headerValue string) (sip.Uri, bool) {
	v := strings.TrimSpace(headerValue)
	v = strings.TrimPrefix(v, "<")
	if idx := strings.Index(v, ">"); idx >= 0 {
		v = v[:idx]
	} else if idx := strings.Index(v, ";"); idx >= 0 {
		v = v[:idx]
	}
	var u sip.Uri
	if err := sip.ParseUri(v, &u); err != nil {
		return sip.Uri{}, false
	}
	return u, true
}

// headerValue returns a header's value, or "" if absent.
func headerValue(msg sip.Message, name string) string {
	if h := msg.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func parseSupportedHeader(msg sip.Message) map[string]bool {
	out := map[string]bool{}
	for _, h := range msg.GetHeaders("Supported") {
		for _, tok := range strings.Split(h.Value(), ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				out[tok] = true
			}
		}
	}
	return out
}

// parseFromURI strips the display-name/tag wrapping off a From/To header,
// returning the bare "sip:user@host" address.
func parseFromURI(h sip.Header) string {
	if h == nil {
		return ""
	}
	return addressFromHeaderValue(h.Value())
}

// addressFromHeaderValue strips display-name/angle-bracket/parameter
// wrapping off a raw From/To/EndPoints entry, returning the bare
// "sip:user@host" address. EndPoints entries share the same
// `"name" <uri>;epid=...` shape a From/To header value does.
func addressFromHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if idx := strings.Index(v, "<"); idx >= 0 {
		v = v[idx+1:]
		if end := strings.Index(v, ">"); end >= 0 {
			v = v[:end]
		}
	} else if idx := strings.Index(v, ";"); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSpace(v)
}

// acceptTypes is the SDP "a=accept-types" line every INVITE/200-OK here
// carries, matching sipe.c's own fixed list.
const acceptTypes = "text/plain text/html image/gif multipart/alternative application/im-iscomposing+xml"

// imMediaPort is a placeholder SDP media port: IM has no RTP stream, so
// this is never dialed, only present because "m=message <port> sip ..."
// requires one.
const imMediaPort = 5060

func sdpBody(localHost, destination string) string {
	host := localHost
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return fmt.Sprintf(
		"v=0\r\no=- 0 0 IN IP4 %s\r\ns=session\r\nc=IN IP4 %s\r\nt=0 0\r\nm=message %d sip %s\r\na=accept-types:%s\r\n",
		host, host, imMediaPort, destination, acceptTypes)
}

// undeliverAndDestroy reports every unconfirmed queued message as
// undelivered and removes the session, per the non-2xx INVITE/MESSAGE
// response rule.
func (m *Manager) undeliverAndDestroy(sess *dialog.Session, reason string) {
	for _, q := range sess.DrainQueue() {
		m.host.OnUndelivered(sess.PeerURI, q.Text, reason)
	}
	m.sessions.Remove(sess)
	m.host.OnSessionEnded(sess.CallID)
}
