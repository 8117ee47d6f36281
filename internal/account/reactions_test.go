package account

import "testing"

func TestParseRegistrationEvent(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{"deregistered;event=rejected", "rejected"},
		{"deregistered;event=unregistered\r\n", "unregistered"},
		{"event=deactivated", "deactivated"},
		{"deregistered", ""},
	}
	for _, c := range cases {
		if got := parseRegistrationEvent([]byte(c.body)); got != c.want {
			t.Errorf("parseRegistrationEvent(%q) = %q, want %q", c.body, got, c.want)
		}
	}
}

func TestLCS2005DeregistrationReasonsCoverKnownEvents(t *testing.T) {
	for _, event := range []string{"unregistered", "rejected", "deactivated"} {
		if _, ok := lcs2005DeregistrationReasons[event]; !ok {
			t.Errorf("missing LCS2005 fallback reason for event %q", event)
		}
	}
}
