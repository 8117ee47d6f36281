// Package sipmsg is the message codec seam between internal/wire's raw
// framed byte slices and the rest of the client, which works in terms of
// emiago/sipgo's sip.Request/sip.Response types, represented here as
// sip.Message rather than a hand-rolled parser.
package sipmsg

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

var parser = sip.NewParser()

// Decode parses one complete frame, as produced by internal/wire.Framer,
// into a sip.Request or sip.Response. Exactly one of the two return values
// is non-nil on success.
func Decode(frame []byte) (*sip.Request, *sip.Response, error) {
	msg, err := parser.ParseSIP(frame)
	if err != nil {
		return nil, nil, fmt.Errorf("sipmsg: decode: %w", err)
	}
	switch m := msg.(type) {
	case *sip.Request:
		return m, nil, nil
	case *sip.Response:
		return nil, m, nil
	default:
		return nil, nil, fmt.Errorf("sipmsg: decode: unexpected message type %T", msg)
	}
}

// Encode serializes a request or response to the wire form internal/wire's
// WriteQueue transmits. sip.Message.String() keeps Content-Length in sync
// with the body set via SetBody, which is how every caller here attaches a
// body rather than writing the header directly.
func Encode(msg sip.Message) []byte {
	return []byte(msg.String())
}

// NewRequestWithinDialog builds method targeting requestURI, stamped with
// the supplied Call-ID, From/To (tags already applied by the caller), and
// CSeq. Route-set headers, if any, are appended in order as the caller
// resolved them from the dialog's stored route-set.
func NewRequestWithinDialog(method sip.RequestMethod, requestURI sip.Uri, callID, from, to string, cseq uint32, routeSet []string) *sip.Request {
	req := sip.NewRequest(method, requestURI)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("From", from))
	req.AppendHeader(sip.NewHeader("To", to))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	for _, route := range routeSet {
		req.AppendHeader(sip.NewHeader("Route", route))
	}
	return req
}

// RecordRouteToRouteSet reads every Record-Route header off req or res (in
// wire order) and returns the reversed list a dialog's route-set expects:
// the closest proxy to the callee becomes the first Route header on
// subsequent requests sent by the caller.
func RecordRouteToRouteSet(msg sip.Message) []string {
	hdrs := msg.GetHeaders("Record-Route")
	routeSet := make([]string, 0, len(hdrs))
	for i := len(hdrs) - 1; i >= 0; i-- {
		routeSet = append(routeSet, hdrs[i].Value())
	}
	return routeSet
}
