package im

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/dialog"
)

// SendBye ends a 1:1 session, or removes one participant's dialog from a
// multiparty session, identified by peerURI.
func (m *Manager) SendBye(ctx context.Context, sess *dialog.Session, peerURI string) error {
	var target *dialog.Dialog
	for _, d := range sess.Dialogs {
		if d.PeerURI == peerURI {
			target = d
			break
		}
	}
	if target == nil {
		return nil
	}

	req := target.NextRequest(sip.BYE, m.cfg.AOR)
	err := m.sender.Send(ctx, req, func(*sip.Response, error) {})

	if sess.RosterManager == peerURI {
		sess.RosterManager = ""
	}
	if remaining := sess.RemoveDialogByPeer(peerURI); !remaining {
		m.sessions.Remove(sess)
		m.host.OnSessionEnded(sess.CallID)
	}
	return err
}

// HandleIncomingBye always answers 200 OK immediately, clears the roster
// manager if the departing peer held it, and tears down the session: for a
// 1:1 dialog the whole session ends, for multiparty only the departing
// participant's dialog is removed and the session survives while any
// dialog remains.
func (m *Manager) HandleIncomingBye(req *sip.Request) *sip.Response {
	callID := headerValue(req, "Call-ID")
	from := parseFromURI(req.From())
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)

	sess, ok := m.sessions.ByCallID(callID)
	if !ok {
		return res
	}

	if sess.RosterManager == from {
		sess.RosterManager = ""
	}

	if !sess.Multiparty {
		m.sessions.Remove(sess)
		m.host.OnSessionEnded(sess.CallID)
		return res
	}

	if remaining := sess.RemoveDialogByPeer(from); !remaining {
		m.sessions.Remove(sess)
		m.host.OnSessionEnded(sess.CallID)
	}
	return res
}
