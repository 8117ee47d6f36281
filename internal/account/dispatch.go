package account

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/registrar"
	"github.com/ocslcs/sipsimple/internal/sipmsg"
	"github.com/ocslcs/sipsimple/internal/soap"
	"github.com/ocslcs/sipsimple/internal/subscribe"
)

// dispatchRequest routes a request arriving outside any transaction the
// account originated (this client is a UAC: REGISTER/SUBSCRIBE/MESSAGE
// responses all land on transaction.Layer.HandleResponse instead) by its
// method, then transmits whatever response the handler built.
func (a *Account) dispatchRequest(req *sip.Request) {
	ctx := context.Background()

	switch req.Method {
	case sip.INVITE:
		a.respond(ctx, a.imMgr.HandleIncomingInvite(req))
	case sip.MESSAGE:
		a.respond(ctx, a.imMgr.HandleIncomingMessage(req))
	case sip.INFO:
		a.respond(ctx, a.imMgr.HandleIncomingInfo(req))
	case sip.BYE:
		a.respond(ctx, a.imMgr.HandleIncomingBye(req))
	case sip.NOTIFY, "BENOTIFY":
		a.subs.HandleIncoming(req)
		if req.Method == sip.NOTIFY {
			a.respond(ctx, sip.NewResponseFromRequest(req, 200, "OK", nil))
		}
	case sip.OPTIONS:
		a.respond(ctx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	default:
		a.logger.Debug("no handler for incoming request method", "method", req.Method)
		a.respond(ctx, sip.NewResponseFromRequest(req, 501, "Not Implemented", nil))
	}
}

func (a *Account) respond(ctx context.Context, res *sip.Response) {
	if res == nil {
		return
	}
	if err := a.conn.Send(ctx, sipmsg.Encode(res)); err != nil {
		a.logger.Warn("sending response", "error", err)
	}
}

// registrarHost adapts the account to registrar.Host.
type registrarHost struct{ a *Account }

func (h registrarHost) OnStateChange(s registrar.State) {
	h.a.host.OnRegistrationStateChange(s)
}

func (h registrarHost) OnFailed(reason, diagnostics string) {
	h.a.host.OnAccountFailed(reason, diagnostics)
}

func (h registrarHost) OnRegistered(contact sip.Uri, supported map[string]bool, allowEvents []string) {
	h.a.logger.Info("registered", "contact", contact.String(), "allow-events", allowEvents)
	h.a.adhocList = supported["adhoclist"]
}

func (h registrarHost) OnSubscriptionsDue(events []string) {
	ctx := context.Background()
	var self sip.Uri
	if err := sip.ParseUri(h.a.creds.SIPURI(), &self); err != nil {
		h.a.logger.Error("parsing self URI for subscription cascade", "error", err)
		return
	}
	for _, event := range events {
		if event == "presence" {
			continue // presence is batched separately once the roaming buddy list is known
		}
		if err := h.a.subs.Subscribe(ctx, event, self, subscribe.DefaultPresenceExpiry); err != nil {
			h.a.logger.Warn("subscribing after registration", "event", event, "error", err)
		}
	}
}

func (h registrarHost) OnRedirect(recipient sip.Uri) {
	h.a.logger.Info("registrar redirected us", "to", recipient.String())
}

// subscribeHost adapts the account to subscribe.Host.
type subscribeHost struct{ a *Account }

func (h subscribeHost) OnSubscriptionStateChange(event, target string, s subscribe.State) {
	h.a.host.OnSubscriptionStateChange(event, target, s)
}

func (h subscribeHost) OnPresenceNotify(contentType string, body []byte) {
	h.a.host.OnPresenceNotify(contentType, body)
}

func (h subscribeHost) OnRoamingContacts(body []byte) {
	h.a.host.OnRoamingContacts(body)

	_, contacts, err := soap.DecodeRoamingContacts(body)
	if err != nil {
		h.a.logger.Warn("decoding roaming contacts for presence reconciliation", "error", err)
		return
	}
	h.a.reconcilePresenceSubscriptions(contacts)
}

func (h subscribeHost) OnRoamingSelf(body []byte) {
	h.a.host.OnRoamingSelf(body)
	h.a.handleRoamingSelf(body)
}

func (h subscribeHost) OnRoamingACL(body []byte) {
	h.a.host.OnRoamingACL(body)
}

func (h subscribeHost) OnWatcherPending(body []byte) {
	h.a.host.OnWatcherPending(body)
	h.a.handleWatcherPending(body)
}

func (h subscribeHost) OnRegistrationNotify(body []byte, diagnostics string) {
	h.a.host.OnRegistrationNotify(body)
	h.a.handleRegistrationNotify(body, diagnostics)
}

func (h subscribeHost) OnSubscribeFailed(event, target, reason, diagnostics string) {
	h.a.host.OnSubscribeFailed(event, target, reason, diagnostics)
}

// imHost adapts the account to im.Host.
type imHost struct{ a *Account }

func (h imHost) OnIncomingMessage(peerURI string, chatID uint64, multiparty bool, text string) {
	h.a.host.OnIncomingMessage(peerURI, chatID, multiparty, text)
}

func (h imHost) OnUndelivered(peerURI, text, reason string) {
	h.a.host.OnUndelivered(peerURI, text, reason)
}

func (h imHost) OnChatOpened(chatID uint64, inviter string) {
	h.a.host.OnChatOpened(chatID, inviter)
}

func (h imHost) OnTypingNotification(peerURI string, composing bool) {
	h.a.host.OnTypingNotification(peerURI, composing)
}

func (h imHost) OnRosterManagerChanged(callID, manager string) {
	h.a.host.OnRosterManagerChanged(callID, manager)
}

func (h imHost) OnSessionEnded(callID string) {
	h.a.host.OnSessionEnded(callID)
}
