// Package dialog tracks the Dialog and IM Session records that sit between
// the transaction layer and the per-method session managers (registrar,
// subscribe, im). A Dialog is keyed by Call-ID plus the local/remote tags
// and owns its own CSeq counter and route-set, the way
// DialogServerSession in the sipgo dialog helper owns lastCSeqNo and
// replays Record-Route as Route on every subsequent in-dialog request.
// Unlike that helper this package has no server transaction of its own —
// internal/transaction owns retransmit and response matching, and callers
// here only need the bookkeeping a UAC dialog requires.
package dialog

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/sipmsg"
)

// Dialog is the data-model record for a SIP dialog: call-id, our-tag,
// their-tag, their-epid, a local CSeq counter, the peer URI, an ordered
// route-set, the request-URI to send in-dialog requests to, the supported
// feature set the peer advertised, and the established/outgoing-INVITE
// flags. Once Established is true only RouteSet and LocalCSeq may change.
type Dialog struct {
	CallID      string
	OurTag      string
	TheirTag    string
	TheirEPID   string
	LocalCSeq   uint32
	PeerURI     string
	RouteSet    []string
	RequestURI  sip.Uri
	Supported   map[string]bool
	Established bool

	// OutgoingInviteInFlight is true between sending an INVITE that would
	// form this dialog and receiving its final response.
	OutgoingInviteInFlight bool

	// MessageInFlight is true between sending an in-dialog MESSAGE and
	// receiving its response; a second MESSAGE is never sent over the same
	// dialog until the first resolves, so drainQueue leaves the queue
	// alone while this is set.
	MessageInFlight bool
}

// New starts an unestablished dialog for an outgoing INVITE or SUBSCRIBE:
// callID and ourTag are generated by the caller, requestURI is the
// recipient the first request targets.
func New(callID, ourTag, peerURI string, requestURI sip.Uri) *Dialog {
	return &Dialog{
		CallID:     callID,
		OurTag:     ourTag,
		PeerURI:    peerURI,
		RequestURI: requestURI,
		Supported:  map[string]bool{},
	}
}

// Key returns the lookup key a Store indexes dialogs by: Call-ID is
// case-sensitive per RFC 3261, but OCS/LCS deployments have been observed
// to vary case across hops, so the key is lower-cased defensively.
func Key(callID string) string { return strings.ToLower(callID) }

// key returns this dialog's own store key.
func (d *Dialog) key() string { return Key(d.CallID) }

// Establish captures the remote tag, EPID, and route-set from the response
// (or mid-dialog request) that first confirms the dialog, and flips
// Established. Supported is left to the caller. Once Established is true, calling
// Establish again is a no-op — the invariant forbids mutating anything but
// RouteSet/LocalCSeq afterward.
func (d *Dialog) Establish(msg sip.Message, theirTag, theirEPID string) {
	if d.Established {
		return
	}
	d.TheirTag = theirTag
	d.TheirEPID = theirEPID
	d.RouteSet = sipmsg.RecordRouteToRouteSet(msg)
	d.Established = true
}

// NextRequest increments LocalCSeq (ACK/CANCEL reuse the
// CSeq of the request they pair with and must NOT go through this path)
// and builds a request addressed to RequestURI with the dialog's current
// route-set, From carrying OurTag and To carrying TheirTag.
func (d *Dialog) NextRequest(method sip.RequestMethod, fromURI string) *sip.Request {
	d.LocalCSeq++
	from := fmt.Sprintf("<%s>;tag=%s", fromURI, d.OurTag)
	to := fmt.Sprintf("<%s>", d.PeerURI)
	if d.TheirTag != "" {
		to = fmt.Sprintf("%s;tag=%s", to, d.TheirTag)
	}
	return sipmsg.NewRequestWithinDialog(method, d.RequestURI, d.CallID, from, to, d.LocalCSeq, d.RouteSet)
}

// ACKFor builds the ACK for a non-2xx or 2xx final response to an INVITE
// this dialog sent. Per the open question resolved in DESIGN.md, ACK reuses
// the INVITE's CSeq number rather than incrementing — it is not a separate
// transaction-forming request.
func (d *Dialog) ACKFor(inviteCSeq uint32, fromURI string) *sip.Request {
	from := fmt.Sprintf("<%s>;tag=%s", fromURI, d.OurTag)
	to := fmt.Sprintf("<%s>", d.PeerURI)
	if d.TheirTag != "" {
		to = fmt.Sprintf("%s;tag=%s", to, d.TheirTag)
	}
	return sipmsg.NewRequestWithinDialog(sip.ACK, d.RequestURI, d.CallID, from, to, inviteCSeq, d.RouteSet)
}
