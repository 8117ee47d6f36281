package im

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/dialog"
)

// mimAction is the application/x-ms-mim body an INFO carries to request or
// assign the roster-manager role for a multiparty chat, grounded on
// sipe.c's process_incoming_info: only one of RequestRM/SetRM is ever
// present in a given body.
type mimAction struct {
	XMLName   xml.Name `xml:"action"`
	RequestRM *struct {
		URI string `xml:"uri,attr"`
	} `xml:"RequestRM"`
	SetRM *struct {
		URI string `xml:"uri,attr"`
	} `xml:"SetRM"`
}

const mimNamespace = "http://schemas.microsoft.com/sip/multiparty/"

// HandleIncomingInfo answers an in-dialog INFO. application/x-ms-mim carries
// the roster-manager protocol (RequestRM/SetRM); application/xml carrying an
// iscomposing body is routed to the same typing-notification path MESSAGE
// uses. Anything else gets 200 OK with an empty body, matching sipe.c's own
// tolerant handling of INFO bodies it doesn't recognize.
func (m *Manager) HandleIncomingInfo(req *sip.Request) *sip.Response {
	contentType := headerValue(req, "Content-Type")
	callID := headerValue(req, "Call-ID")

	switch {
	case strings.HasPrefix(contentType, "application/x-ms-mim"):
		return m.handleRosterManagerInfo(req, callID)
	case strings.HasPrefix(contentType, "application/xml"):
		return m.handleComposingInfo(req)
	default:
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	}
}

func (m *Manager) handleRosterManagerInfo(req *sip.Request, callID string) *sip.Response {
	var action mimAction
	if err := xml.Unmarshal(req.Body(), &action); err != nil {
		return sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
	}

	switch {
	case action.RequestRM != nil:
		body := fmt.Sprintf(
			`<?xml version="1.0"?><action xmlns="%s"><RequestRMResponse uri="%s" allow="true"/></action>`,
			mimNamespace, escapeXMLAttr(m.cfg.AOR))
		res := sip.NewResponseFromRequest(req, 200, "OK", []byte(body))
		res.AppendHeader(sip.NewHeader("Content-Type", "application/x-ms-mim"))
		return res

	case action.SetRM != nil:
		if sess, ok := m.sessions.ByCallID(callID); ok {
			sess.RosterManager = action.SetRM.URI
			m.host.OnRosterManagerChanged(callID, action.SetRM.URI)
		}
		body := fmt.Sprintf(
			`<?xml version="1.0"?><action xmlns="%s"><SetRMResponse uri="%s"/></action>`,
			mimNamespace, escapeXMLAttr(m.cfg.AOR))
		res := sip.NewResponseFromRequest(req, 200, "OK", []byte(body))
		res.AppendHeader(sip.NewHeader("Content-Type", "application/x-ms-mim"))
		return res

	default:
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	}
}

func (m *Manager) handleComposingInfo(req *sip.Request) *sip.Response {
	var state iscomposingState
	composing := false
	if err := xml.Unmarshal(req.Body(), &state); err == nil {
		composing = strings.EqualFold(strings.TrimSpace(state.State), "active")
	}
	m.host.OnTypingNotification(parseFromURI(req.From()), composing)
	return sip.NewResponseFromRequest(req, 200, "OK", nil)
}

func escapeXMLAttr(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// RequestRosterManager asks to become roster manager for a multiparty chat,
// sent as an INFO within one of the session's dialogs. A party MAY attempt
// this; the existing manager's RequestRMResponse allow attribute is the only
// acknowledgement this client waits for.
func (m *Manager) RequestRosterManager(ctx context.Context, sess *dialog.Session, selfURI string) error {
	d := sess.Dialogs[0]
	body := fmt.Sprintf(
		`<?xml version="1.0"?><action xmlns="%s"><RequestRM uri="%s"/></action>`,
		mimNamespace, escapeXMLAttr(selfURI))
	req := d.NextRequest(sip.INFO, m.cfg.AOR)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/x-ms-mim"))
	req.SetBody([]byte(body))
	return m.sender.Send(ctx, req, func(res *sip.Response, err error) {
		if err != nil || res.StatusCode != 200 {
			return
		}
		sess.RosterManager = selfURI
		m.host.OnRosterManagerChanged(sess.CallID, selfURI)
	})
}
