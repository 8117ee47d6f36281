package sipmsg

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestDecodeRequest(t *testing.T) {
	raw := "REGISTER sip:contoso.com SIP/2.0\r\n" +
		"Via: SIP/2.0/TLS 10.0.0.1:5061\r\n" +
		"Call-ID: abc123\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"From: <sip:alice@contoso.com>;tag=1\r\n" +
		"To: <sip:alice@contoso.com>\r\n" +
		"Content-Length: 0\r\n\r\n"

	req, res, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res != nil {
		t.Fatalf("expected a request, got a response")
	}
	if req.Method != sip.REGISTER {
		t.Fatalf("expected REGISTER, got %v", req.Method)
	}
	if req.CSeq().SeqNo != 1 {
		t.Fatalf("expected CSeq 1, got %d", req.CSeq().SeqNo)
	}
}

func TestDecodeResponse(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Call-ID: abc123\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"Content-Length: 0\r\n\r\n"

	req, res, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req != nil {
		t.Fatalf("expected a response, got a request")
	}
	if res.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	var recipient sip.Uri
	if err := sip.ParseUri("sip:contoso.com", &recipient); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.MESSAGE, recipient)
	req.AppendHeader(sip.NewHeader("Call-ID", "abc123"))
	req.SetBody([]byte("hello"))

	raw := Encode(req)
	_, _, err := Decode(raw)
	if err != nil {
		t.Fatalf("round trip decode: %v", err)
	}
}

func TestRecordRouteToRouteSetReverses(t *testing.T) {
	var recipient sip.Uri
	if err := sip.ParseUri("sip:contoso.com", &recipient); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(sip.NewHeader("Record-Route", "<sip:proxy1.contoso.com;lr>"))
	req.AppendHeader(sip.NewHeader("Record-Route", "<sip:proxy2.contoso.com;lr>"))

	routeSet := RecordRouteToRouteSet(req)
	if len(routeSet) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routeSet))
	}
	if routeSet[0] != "<sip:proxy2.contoso.com;lr>" {
		t.Fatalf("expected the closest-to-callee proxy first, got %q", routeSet[0])
	}
}
