package im

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/dialog"
)

// drainQueue sends the next queued message as an in-dialog MESSAGE, marking
// it unconfirmed until its response arrives. If a MESSAGE is already
// outstanding for this dialog (tracked via d.MessageInFlight), it leaves
// the queue alone: handleMessageResponse drains the rest once the current
// one resolves.
func (m *Manager) drainQueue(ctx context.Context, sess *dialog.Session, d *dialog.Dialog) error {
	if d.MessageInFlight {
		return nil
	}
	queued := sess.DrainQueue()
	if len(queued) == 0 {
		return nil
	}
	text := queued[0].Text
	rest := queued[1:]
	for _, q := range rest {
		sess.Enqueue(q.Text)
	}

	req := m.buildMessage(d, text)
	d.MessageInFlight = true
	sess.MarkUnconfirmed(d.CallID, req.CSeq().SeqNo, string(sip.MESSAGE), d.PeerURI, text)
	return m.sender.Send(ctx, req, func(res *sip.Response, err error) {
		m.handleMessageResponse(ctx, sess, d, req, res, err)
	})
}

func (m *Manager) buildMessage(d *dialog.Dialog, text string) *sip.Request {
	req := sip.NewRequest(sip.MESSAGE, d.RequestURI)
	from := fmt.Sprintf("<%s>;tag=%s", m.cfg.AOR, d.OurTag)
	to := fmt.Sprintf("<%s>;tag=%s", d.PeerURI, d.TheirTag)
	req.AppendHeader(sip.NewHeader("From", from))
	req.AppendHeader(sip.NewHeader("To", to))
	req.AppendHeader(sip.NewHeader("Call-ID", d.CallID))
	d.LocalCSeq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.LocalCSeq, MethodName: sip.MESSAGE})
	req.AppendHeader(sip.NewHeader("Contact", m.contactURI()))
	for _, route := range d.RouteSet {
		req.AppendHeader(sip.NewHeader("Route", route))
	}
	req.AppendHeader(sip.NewHeader("Content-Type", "text/plain"))
	req.SetBody([]byte(text))
	return req
}

func (m *Manager) handleMessageResponse(ctx context.Context, sess *dialog.Session, d *dialog.Dialog, req *sip.Request, res *sip.Response, err error) {
	d.MessageInFlight = false
	if err != nil {
		sess.ResolveUnconfirmed(d.CallID, req.CSeq().SeqNo, string(sip.MESSAGE), d.PeerURI)
		m.undeliverAndDestroy(sess, "connection error: "+err.Error())
		return
	}
	if res.StatusCode != 200 {
		text, _ := sess.ResolveUnconfirmed(d.CallID, req.CSeq().SeqNo, string(sip.MESSAGE), d.PeerURI)
		m.host.OnUndelivered(d.PeerURI, text, fmt.Sprintf("MESSAGE rejected (%d %s)", res.StatusCode, res.Reason))
		m.sessions.Remove(sess)
		m.host.OnSessionEnded(sess.CallID)
		return
	}

	sess.ResolveUnconfirmed(d.CallID, req.CSeq().SeqNo, string(sip.MESSAGE), d.PeerURI)
	if err := m.drainQueue(ctx, sess, d); err != nil {
		m.logger.Warn("draining IM queue after MESSAGE", "error", err)
	}
}

// iscomposingState is the subset of application/im-iscomposing+xml this
// package cares about, per sipe.c's process_incoming_message: only the
// <state> child distinguishes "active" (typing) from anything else
// (stopped).
type iscomposingState struct {
	State string `xml:"state"`
}

// HandleIncomingMessage answers an in-dialog MESSAGE, routing by
// Content-Type: text/plain or text/html delivers the body to the host,
// application/im-iscomposing+xml reports a typing notification, anything
// else is rejected with 415.
func (m *Manager) HandleIncomingMessage(req *sip.Request) *sip.Response {
	from := parseFromURI(req.From())
	callID := headerValue(req, "Call-ID")

	contentType := headerValue(req, "Content-Type")
	body := string(req.Body())

	switch {
	case strings.HasPrefix(contentType, "text/plain"), strings.HasPrefix(contentType, "text/html"):
		chatID := uint64(0)
		multiparty := false
		if sess, ok := m.sessions.ByCallID(callID); ok {
			chatID = sess.ChatID
			multiparty = sess.Multiparty
		}
		m.host.OnIncomingMessage(from, chatID, multiparty, body)
		return sip.NewResponseFromRequest(req, 200, "OK", nil)

	case strings.HasPrefix(contentType, "application/im-iscomposing+xml"):
		var state iscomposingState
		composing := false
		if err := xml.Unmarshal(req.Body(), &state); err == nil {
			composing = strings.EqualFold(strings.TrimSpace(state.State), "active")
		}
		m.host.OnTypingNotification(from, composing)
		return sip.NewResponseFromRequest(req, 200, "OK", nil)

	default:
		return sip.NewResponseFromRequest(req, 415, "Unsupported media type", nil)
	}
}
