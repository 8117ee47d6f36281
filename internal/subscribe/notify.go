package subscribe

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// HandleIncoming routes a received NOTIFY or BENOTIFY to the typed Host
// handler keyed by its Event header. BENOTIFY requires no acknowledgement;
// NOTIFY gets a 200 OK built by the caller (the account's request
// dispatcher owns response transmission, not this package, since it has no
// inbound transaction of its own to answer on).
func (d *Dispatcher) HandleIncoming(req *sip.Request) {
	eventHdr := req.GetHeader("Event")
	if eventHdr == nil {
		return
	}
	event := firstToken(eventHdr.Value())

	contentType := ""
	if ct := req.ContentType(); ct != nil {
		contentType = ct.Value()
	}
	body := req.Body()

	d.dispatchBody(event, contentType, body, req)

	if sub, ok := d.subFor(event, req); ok {
		d.refreshFromNotify(sub, req)
	}
}

// dispatchBody is the Event-keyed routing table itself.
func (d *Dispatcher) dispatchBody(event, contentType string, body []byte, req *sip.Request) {
	switch event {
	case "presence":
		d.host.OnPresenceNotify(contentType, body)
	case "vnd-microsoft-roaming-contacts":
		d.host.OnRoamingContacts(body)
	case "vnd-microsoft-roaming-self":
		d.host.OnRoamingSelf(body)
	case "vnd-microsoft-roaming-ACL":
		d.host.OnRoamingACL(body)
	case "presence.wpending":
		d.host.OnWatcherPending(body)
	case "registration-notify":
		d.host.OnRegistrationNotify(body, registrationDiagnostics(req))
	default:
		d.logger.Debug("unhandled NOTIFY event", "event", event)
	}
}

// registrationDiagnostics returns the ms-diagnostics (or, lacking that,
// ms-diagnostics-public) header value accompanying a registration-notify
// NOTIFY, or "" when neither is present (the LCS2005 case, where the
// caller falls back to the event token alone) or when req is nil (a
// piggyback body carried on a SUBSCRIBE response).
func registrationDiagnostics(req *sip.Request) string {
	if req == nil {
		return ""
	}
	if h := req.GetHeader("ms-diagnostics"); h != nil {
		return h.Value()
	}
	if h := req.GetHeader("ms-diagnostics-public"); h != nil {
		return h.Value()
	}
	return ""
}

// subFor locates the tracked subscription a NOTIFY belongs to by matching
// its Event and the From/To pairing used on the originating SUBSCRIBE: for
// a batched presence subscription the NOTIFY's To is the local AOR, not an
// individual buddy, so we match on event+callID rather than target URI.
func (d *Dispatcher) subFor(event string, req *sip.Request) (*subscription, bool) {
	callIDHdr := req.GetHeader("Call-ID")
	if callIDHdr == nil {
		return nil, false
	}
	callID := callIDHdr.Value()
	for _, sub := range d.subs {
		if sub.event == event && sub.callID == callID {
			return sub, true
		}
	}
	return nil, false
}

// refreshFromNotify reads Expires off the NOTIFY itself (present when the
// server renews a subscription's lifetime unprompted) and reschedules the
// refresh timer to match, since that reflects the server's current view
// more recently than the original SUBSCRIBE response did.
func (d *Dispatcher) refreshFromNotify(sub *subscription, req *sip.Request) {
	h := req.GetHeader("Expires")
	if h == nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil {
		return
	}
	sub.expiry = n
	d.scheduleRefresh(sub)
}

func firstToken(headerValue string) string {
	v := strings.TrimSpace(headerValue)
	if idx := strings.IndexAny(v, " ;"); idx >= 0 {
		v = v[:idx]
	}
	return v
}

