package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		t.Fatalf("ParseUri(%q): %v", s, err)
	}
	return u
}

func TestNextRequestIncrementsCSeq(t *testing.T) {
	d := New("call-1", "our-tag", "sip:bob@contoso.com", mustURI(t, "sip:bob@contoso.com"))
	r1 := d.NextRequest(sip.MESSAGE, "sip:alice@contoso.com")
	r2 := d.NextRequest(sip.MESSAGE, "sip:alice@contoso.com")

	if r1.CSeq().SeqNo != 1 {
		t.Fatalf("expected first CSeq 1, got %d", r1.CSeq().SeqNo)
	}
	if r2.CSeq().SeqNo != 2 {
		t.Fatalf("expected second CSeq 2, got %d", r2.CSeq().SeqNo)
	}
}

func TestEstablishCapturesRouteSetOnce(t *testing.T) {
	d := New("call-1", "our-tag", "sip:bob@contoso.com", mustURI(t, "sip:bob@contoso.com"))

	invite := sip.NewRequest(sip.INVITE, mustURI(t, "sip:bob@contoso.com"))
	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:proxy1.contoso.com;lr>"))
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:proxy2.contoso.com;lr>"))

	d.Establish(res, "their-tag", "{epid}")
	if !d.Established {
		t.Fatalf("expected Established to be true")
	}
	if d.TheirTag != "their-tag" {
		t.Fatalf("expected TheirTag captured, got %q", d.TheirTag)
	}
	if len(d.RouteSet) != 2 || d.RouteSet[0] != "<sip:proxy2.contoso.com;lr>" {
		t.Fatalf("unexpected route set: %v", d.RouteSet)
	}

	// A second Establish call must not mutate an already-established dialog.
	d.Establish(res, "different-tag", "{other}")
	if d.TheirTag != "their-tag" {
		t.Fatalf("Establish must be a no-op once established, got TheirTag=%q", d.TheirTag)
	}
}

func TestACKForReusesInviteCSeq(t *testing.T) {
	d := New("call-1", "our-tag", "sip:bob@contoso.com", mustURI(t, "sip:bob@contoso.com"))
	d.LocalCSeq = 5
	ack := d.ACKFor(5, "sip:alice@contoso.com")
	if ack.CSeq().SeqNo != 5 {
		t.Fatalf("expected ACK CSeq to reuse 5, got %d", ack.CSeq().SeqNo)
	}
	if ack.Method != sip.ACK {
		t.Fatalf("expected ACK method, got %v", ack.Method)
	}
}

func TestStoreAddGetRemove(t *testing.T) {
	s := NewStore()
	d := New("Call-ID-Mixed-Case", "our-tag", "sip:bob@contoso.com", mustURI(t, "sip:bob@contoso.com"))
	s.Add(d)

	got, ok := s.Get("call-id-mixed-case")
	if !ok || got != d {
		t.Fatalf("expected case-insensitive lookup to find the dialog")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 dialog, got %d", s.Len())
	}

	s.Remove("CALL-ID-MIXED-CASE")
	if _, ok := s.Get("call-id-mixed-case"); ok {
		t.Fatalf("expected dialog to be removed")
	}
}
