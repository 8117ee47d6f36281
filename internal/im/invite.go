package im

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/dialog"
)

// Send locates or creates a 1:1 session with peerURI and enqueues text. If
// no dialog exists yet and no INVITE is currently in flight, an INVITE
// carrying text as ms-text-format is sent; otherwise, if the dialog is
// already established, the queue is drained via MESSAGE. A pending INVITE
// leaves text queued for the next drain.
func (m *Manager) Send(ctx context.Context, peerURI, text string) error {
	sess, d, err := m.sessionFor(peerURI)
	if err != nil {
		return err
	}
	sess.Enqueue(text)

	if d.Established {
		return m.drainQueue(ctx, sess, d)
	}
	if !d.OutgoingInviteInFlight {
		return m.sendInvite(ctx, sess, d)
	}
	return nil
}

// sessionFor returns the existing 1:1 session for peerURI, or starts one
// anchored on a fresh, unestablished dialog.
func (m *Manager) sessionFor(peerURI string) (*dialog.Session, *dialog.Dialog, error) {
	if sess, ok := m.sessions.ByPeerURI(peerURI); ok {
		return sess, sess.Dialogs[0], nil
	}
	var requestURI sip.Uri
	if err := sip.ParseUri(peerURI, &requestURI); err != nil {
		return nil, nil, fmt.Errorf("im: parsing peer uri %q: %w", peerURI, err)
	}
	d := dialog.New(newCallID(m.cfg.ContactHost), newTag(), peerURI, requestURI)
	sess := dialog.NewOneToOne(d.CallID, peerURI, d)
	m.sessions.Add(sess)
	return sess, d, nil
}

func (m *Manager) sendInvite(ctx context.Context, sess *dialog.Session, d *dialog.Dialog) error {
	d.OutgoingInviteInFlight = true
	var firstText string
	if queued := sess.DrainQueue(); len(queued) > 0 {
		firstText = queued[0].Text
		for _, q := range queued {
			sess.Enqueue(q.Text)
		}
	}

	req := m.buildInvite(d, firstText)
	carriesText := firstText != ""
	return m.sender.Send(ctx, req, func(res *sip.Response, err error) {
		m.handleInviteResponse(ctx, sess, d, req, res, err, carriesText)
	})
}

func (m *Manager) buildInvite(d *dialog.Dialog, firstText string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, d.RequestURI)
	from := fmt.Sprintf("<%s>;tag=%s", m.cfg.AOR, d.OurTag)
	req.AppendHeader(sip.NewHeader("From", from))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<%s>", d.PeerURI)))
	req.AppendHeader(sip.NewHeader("Call-ID", d.CallID))
	d.LocalCSeq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.LocalCSeq, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Contact", m.contactURI()))
	if firstText != "" {
		req.AppendHeader(sip.NewHeader("ms-text-format", msTextFormat(firstText)))
	}
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(sdpBody(m.cfg.ContactHost, "null")))
	return req
}

// msTextFormat builds the header value sipe.c calls SIPE_INVITE_TEXT:
// "text/plain; charset=UTF-8;ms-body=<base64 text>".
func msTextFormat(text string) string {
	return fmt.Sprintf("text/plain; charset=UTF-8;ms-body=%s", base64.StdEncoding.EncodeToString([]byte(text)))
}

func (m *Manager) handleInviteResponse(ctx context.Context, sess *dialog.Session, d *dialog.Dialog, req *sip.Request, res *sip.Response, err error, carriedText bool) {
	d.OutgoingInviteInFlight = false
	if err != nil {
		m.undeliverAndDestroy(sess, "connection error: "+err.Error())
		return
	}
	if res.StatusCode != 200 {
		m.undeliverAndDestroy(sess, fmt.Sprintf("INVITE rejected (%d %s)", res.StatusCode, res.Reason))
		return
	}

	d.Establish(res, parseTag(res.GetHeader("To")), headerValue(res, "ms-epid"))
	if contact := res.GetHeader("Contact"); contact != nil {
		if u, ok := parseContactURI(contact.Value()); ok {
			d.RequestURI = u
		}
	}
	d.Supported = parseSupportedHeader(res)

	// ACK forms no transaction of its own: it expects no reply, so its
	// callback is a no-op rather than left nil (the transaction layer
	// invokes it once on the giveUpAfter sweep since no response ever
	// arrives addressed to an ACK).
	ack := d.ACKFor(req.CSeq().SeqNo, m.cfg.AOR)
	_ = m.sender.Send(ctx, ack, func(*sip.Response, error) {})

	if carriedText && d.Supported["ms-text-format"] {
		if queued := sess.DrainQueue(); len(queued) > 1 {
			for _, q := range queued[1:] {
				sess.Enqueue(q.Text)
			}
		}
	}

	if err := m.drainQueue(ctx, sess, d); err != nil {
		m.logger.Warn("draining IM queue after INVITE", "error", err)
	}
}

// HandleIncomingInvite validates and answers an incoming INVITE, reporting
// any carried ms-text-format message and opening a multiparty chat when
// the EndPoints/TriggeredInvite signals call for it. Returns the response
// the caller should transmit; no response is sent from here.
func (m *Manager) HandleIncomingInvite(req *sip.Request) *sip.Response {
	body := req.Body()
	if len(body) > 0 && !strings.Contains(string(body), "m=message") && !strings.Contains(string(body), "m=x-ms-message") {
		return sip.NewResponseFromRequest(req, 501, "Not implemented", nil)
	}

	from := parseFromURI(req.From())
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	multiparty, endpoints := m.detectMultiparty(req)

	newTagValue := newTag()
	d := dialog.New(callID, newTagValue, from, sip.Uri{})
	d.Establish(req, parseTag(req.From()), "")

	sess, ok := m.sessions.ByCallID(callID)
	if !ok {
		if multiparty {
			sess = dialog.NewMultiparty(callID, chatIDFor(callID))
			sess.AddDialog(d)
		} else {
			sess = dialog.NewOneToOne(callID, from, d)
		}
		m.sessions.Add(sess)
	} else {
		if multiparty && !sess.Multiparty {
			sess.Multiparty = true
			sess.ChatID = chatIDFor(callID)
		}
		sess.AddDialog(d)
	}

	if rm := req.GetHeader("Roster-Manager"); rm != nil {
		sess.RosterManager = rm.Value()
	}

	if multiparty && len(endpoints) > 0 {
		m.inviteOtherEndpoints(endpoints, from, sess)
	}

	if multiparty {
		m.host.OnChatOpened(sess.ChatID, from)
	}

	if ms := req.GetHeader("ms-text-format"); ms != nil {
		if text, ok := decodeMsTextFormat(ms.Value()); ok {
			m.host.OnIncomingMessage(from, sess.ChatID, multiparty, text)
		}
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(sdpBody(m.cfg.ContactHost, m.cfg.AOR)))
	toHdr := res.GetHeader("To")
	if toHdr != nil && parseTag(toHdr) == "" {
		res.RemoveHeader("To")
		res.AppendHeader(sip.NewHeader("To", toHdr.Value()+";tag="+newTagValue))
	}
	res.AppendHeader(sip.NewHeader("Contact", m.contactURI()))
	res.AppendHeader(sip.NewHeader("Supported", "com.microsoft.rtc-multiparty"))
	if ms := req.GetHeader("ms-text-format"); ms != nil {
		res.AppendHeader(sip.NewHeader("Supported", "ms-text-format"))
	}
	return res
}

// detectMultiparty applies the EndPoints/TriggeredInvite rule: three or
// more comma-separated EndPoints entries, or TriggeredInvite: TRUE.
func (m *Manager) detectMultiparty(req *sip.Request) (bool, []string) {
	var endpoints []string
	if h := req.GetHeader("EndPoints"); h != nil {
		endpoints = strings.Split(h.Value(), ",")
	}
	multiparty := len(endpoints) >= 3
	if h := req.GetHeader("TriggeredInvite"); h != nil && strings.EqualFold(strings.TrimSpace(h.Value()), "TRUE") {
		multiparty = true
	}
	return multiparty, endpoints
}

// inviteOtherEndpoints sends a triggered INVITE (no text body) to every
// EndPoints entry other than ourselves and the inviter, bringing them into
// a newly-formed multiparty session.
func (m *Manager) inviteOtherEndpoints(endpoints []string, inviter string, sess *dialog.Session) {
	for _, raw := range endpoints {
		addr := addressFromHeaderValue(raw)
		if addr == "" || strings.EqualFold(addr, inviter) || strings.EqualFold(addr, m.cfg.AOR) {
			continue
		}
		var requestURI sip.Uri
		if err := sip.ParseUri(addr, &requestURI); err != nil {
			continue
		}
		d := dialog.New(sess.CallID, newTag(), addr, requestURI)
		sess.AddDialog(d)
		req := m.buildInvite(d, "")
		req.AppendHeader(sip.NewHeader("TriggeredInvite", "TRUE"))
		req.AppendHeader(sip.NewHeader("Require", "com.microsoft.rtc-multiparty"))
		_ = m.sender.Send(context.Background(), req, func(res *sip.Response, err error) {
			m.handleInviteResponse(context.Background(), sess, d, req, res, err, false)
		})
	}
}

// decodeMsTextFormat pulls the base64 "ms-body=" payload out of an
// ms-text-format header value and decodes it, per sipe.c's own handling of
// "ms-text-format: text/plain; charset=UTF-8;msgr=...;ms-body=<base64>".
func decodeMsTextFormat(value string) (string, bool) {
	if !strings.HasPrefix(value, "text/plain") && !strings.HasPrefix(value, "text/html") {
		return "", false
	}
	b64 := extractParam(value, "ms-body")
	if b64 == "" {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

// chatIDFor derives a stable numeric chat id from a Call-ID so repeated
// lookups for the same conversation agree, in place of sipe.c's rand().
func chatIDFor(callID string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(callID); i++ {
		h ^= uint64(callID[i])
		h *= 1099511628211
	}
	return h
}
