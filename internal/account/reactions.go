package account

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/soap"
	"github.com/ocslcs/sipsimple/internal/subscribe"
)

// handleRoamingSelf acknowledges every not-yet-acknowledged subscriber a
// vnd-microsoft-roaming-self NOTIFY reports, per sipe_process_roaming_self:
// each unacknowledged entry gets a setSubscribers SERVICE reply.
func (a *Account) handleRoamingSelf(body []byte) {
	subs, err := soap.DecodeSubscribers(body)
	if err != nil {
		a.logger.Warn("decoding roaming-self notification", "error", err)
		return
	}

	ctx := context.Background()
	for _, s := range subs {
		if s.Acknowledged {
			continue
		}
		ackBody := soap.SetSubscribers(s.URI)
		if err := a.svc.Send(ctx, soap.ContentTypeSetSubscribers, []byte(ackBody), func(res *sip.Response, err error) {
			a.handleManagementResponse(res, err)
		}); err != nil {
			a.logger.Warn("acknowledging roaming-self subscriber", "user", s.URI, "error", err)
		}
	}
}

// handleWatcherPending asks the host to authorize or deny each pending
// watcher a presence.wpending NOTIFY reports, then issues the
// corresponding setACE SERVICE request.
func (a *Account) handleWatcherPending(body []byte) {
	watchers, err := soap.DecodeWatchers(body)
	if err != nil {
		a.logger.Warn("decoding watcher-pending notification", "error", err)
		return
	}

	ctx := context.Background()
	for _, w := range watchers {
		action := soap.ACEBlock
		if a.host.AuthorizeWatcher(w.URI, w.DisplayName) {
			action = soap.ACEAllow
		}
		aceBody := soap.SetACE(w.URI, action)
		if err := a.svc.Send(ctx, soap.ContentTypeManagement, []byte(aceBody), func(res *sip.Response, err error) {
			a.handleManagementResponse(res, err)
		}); err != nil {
			a.logger.Warn("sending watcher ACL update", "user", w.URI, "error", err)
		}
	}
}

// reconcilePresenceSubscriptions issues presence SUBSCRIBEs covering every
// contact a roaming-contacts NOTIFY reported: a single adhocList batch
// when the registrar advertised adhoclist support, else one paced
// SUBSCRIBE per buddy.
func (a *Account) reconcilePresenceSubscriptions(contacts []soap.Contact) {
	if len(contacts) == 0 {
		return
	}

	ctx := context.Background()
	var self sip.Uri
	if err := sip.ParseUri(a.creds.SIPURI(), &self); err != nil {
		a.logger.Error("parsing self URI for presence subscription", "error", err)
		return
	}

	if a.adhocList {
		targets := make([]string, len(contacts))
		for i, c := range contacts {
			targets[i] = c.URI
		}
		body := soap.BatchSubscribe(a.creds.SIPURI(), targets)
		if err := a.subs.SubscribeBatched(ctx, self, []byte(body), soap.ContentTypeBatchSubscribe); err != nil {
			a.logger.Warn("batch-subscribing to presence", "error", err)
		}
		return
	}

	targets := make([]sip.Uri, 0, len(contacts))
	for _, c := range contacts {
		var u sip.Uri
		if err := sip.ParseUri(c.URI, &u); err != nil {
			a.logger.Warn("parsing contact URI for presence subscription", "uri", c.URI, "error", err)
			continue
		}
		targets = append(targets, u)
	}
	if err := a.subs.SubscribeEachPaced(ctx, targets, subscribe.DefaultPresenceExpiry); err != nil {
		a.logger.Warn("subscribing to presence per-buddy", "error", err)
	}
}

// lcs2005DeregistrationReasons maps a registration-notify event token to
// its [MS-SIPREGE] diagnostic code and [MS-OCER] reason text, used only
// when the server sent no ms-diagnostics(-public) header (LCS2005).
var lcs2005DeregistrationReasons = map[string]string{
	"unregistered": `4140;reason="You have been signed off because you've signed in at another location"`,
	"rejected":     `4141;reason="User disabled"`,
	"deactivated":  `4142;reason="User moved"`,
}

// parseRegistrationEvent extracts the event= token from a registration-notify
// body, a bare "deregistered;event=rejected" parameter list rather than XML.
func parseRegistrationEvent(body []byte) string {
	s := string(body)
	idx := strings.Index(s, "event=")
	if idx < 0 {
		return ""
	}
	s = s[idx+len("event="):]
	if end := strings.IndexAny(s, ";\r\n"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// handleRegistrationNotify parses a server-initiated deregistration and
// terminates the registration, since nothing short of a fresh Start
// restores it from here.
func (a *Account) handleRegistrationNotify(body []byte, diagnostics string) {
	event := parseRegistrationEvent(body)
	if diagnostics == "" {
		diagnostics = lcs2005DeregistrationReasons[strings.ToLower(event)]
	}
	reason := "server deregistration"
	if event != "" {
		reason = fmt.Sprintf("server deregistration: %s", event)
	}
	a.reg.HandleServerDeregistration(reason, diagnostics)
}
