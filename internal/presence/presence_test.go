package presence

import "testing"

func TestActivityFromRLMIThresholds(t *testing.T) {
	cases := []struct {
		avail int
		want  Activity
	}{
		{0, Unknown},
		{2999, Unknown},
		{3000, Available},
		{4499, Available},
		{4500, BeRightBack},
		{5999, BeRightBack},
		{6000, OnThePhone},
		{7499, OnThePhone},
		{7500, Busy},
		{8999, Busy},
		{9000, DoNotDisturb},
		{11999, DoNotDisturb},
		{12000, Away},
		{17999, Away},
		{18000, Offline},
		{50000, Offline},
	}
	for _, c := range cases {
		if got := activityFromRLMI(c.avail); got != c.want {
			t.Errorf("activityFromRLMI(%d) = %s, want %s", c.avail, got, c.want)
		}
	}
}

func TestActivityFromMSRTCOCS2007Pairs(t *testing.T) {
	cases := []struct {
		act, avail int
		want       Activity
	}{
		{100, 0, Offline},
		{100, 300, Away},
		{300, 300, BeRightBack},
		{400, 300, Available},
		{500, 300, OnThePhone},
		{600, 300, Busy},
	}
	for _, c := range cases {
		if got := activityFromMSRTC(c.act, c.avail); got != c.want {
			t.Errorf("activityFromMSRTC(%d,%d) = %s, want %s", c.act, c.avail, got, c.want)
		}
	}
}

func TestActivityFromLegacyAvailThresholds(t *testing.T) {
	cases := []struct {
		avail int
		want  Activity
	}{
		{18500, Offline},
		{3500, Available},
		{15500, Away},
		{6500, Busy},
		{12500, BeRightBack},
	}
	for _, c := range cases {
		if got := ActivityFromLegacyAvail(c.avail); got != c.want {
			t.Errorf("ActivityFromLegacyAvail(%d) = %s, want %s", c.avail, got, c.want)
		}
	}
}

func TestActivityFromLegacyThresholdFallback(t *testing.T) {
	cases := []struct {
		act, avail int
		want       Activity
	}{
		{50, 300, Away},
		{120, 300, OutToLunch},
		{250, 300, BeRightBack},
		{350, 300, Available},
		{450, 300, OnThePhone},
		{550, 300, Busy},
		{700, 0, Offline}, // availability=0 overrides to Offline
	}
	for _, c := range cases {
		if got := activityFromLegacyThreshold(c.act, c.avail); got != c.want {
			t.Errorf("activityFromLegacyThreshold(%d,%d) = %s, want %s", c.act, c.avail, got, c.want)
		}
	}
}

func TestActivityFromPIDF(t *testing.T) {
	cases := []struct {
		basic, activity string
		want            Activity
	}{
		{"closed", "", Offline},
		{"open", "", Available},
		{"open", "busy", Busy},
		{"open", "away", Away},
	}
	for _, c := range cases {
		if got := activityFromPIDF(c.basic, c.activity); got != c.want {
			t.Errorf("activityFromPIDF(%q,%q) = %s, want %s", c.basic, c.activity, got, c.want)
		}
	}
}

func TestMSRTCPublishCodes(t *testing.T) {
	cases := []struct {
		act  Activity
		want int
	}{
		{Available, 3000},
		{BeRightBack, 4500},
		{OnThePhone, 6000},
		{Busy, 7500},
		{DoNotDisturb, 9000},
		{Away, 12000},
		{Offline, 18000},
		{Unknown, 0},
	}
	for _, c := range cases {
		if got := MSRTCPublishCode(c.act); got != c.want {
			t.Errorf("MSRTCPublishCode(%s) = %d, want %d", c.act, got, c.want)
		}
	}
}

func TestLegacyPublishCodes(t *testing.T) {
	avail, act := LegacyPublishCode(Available)
	if avail != 300 || act != 400 {
		t.Errorf("LegacyPublishCode(Available) = (%d,%d), want (300,400)", avail, act)
	}
	avail, act = LegacyPublishCode(Offline)
	if avail != 0 {
		t.Errorf("LegacyPublishCode(Offline) availability = %d, want 0", avail)
	}
}
