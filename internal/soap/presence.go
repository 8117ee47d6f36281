package soap

import (
	"fmt"

	"github.com/ocslcs/sipsimple/internal/presence"
)

// SetPresence builds the LCS2005 SOAP "setPresence" body: availability in
// {0,300}, activity from presence.LegacyPublishCode's table.
func SetPresence(uri string, act presence.Activity, note string) string {
	availability, activity := presence.LegacyPublishCode(act)
	return fmt.Sprintf(
		`<setPresence xmlns="http://schemas.microsoft.com/winrtc/2002/11/sip" dtd-version="2.0"><presentity uri="%s"><availability>%d</availability><activity>%d</activity><note>%s</note></presentity></setPresence>`,
		escape(uri), availability, activity, escape(note))
}

// CategoryPublish builds an OCS2007 msrtc-category-publish body for the
// "state" and "note" categories, stamped with the caller-managed
// monotonically increasing version number. A 409 resets this to zero via
// ClearPresence and republishes.
func CategoryPublish(uri string, version, code int, note string) string {
	return fmt.Sprintf(
		`<publications xmlns="http://schemas.microsoft.com/2006/09/sip/rich-presence" uri="%s">`+
			`<publication categoryName="state" instance="0" container="2" version="%d" expireType="endpoint">`+
			`<state xmlns="http://schemas.microsoft.com/2006/09/sip/state" manual="false"><availability>%d</availability></state>`+
			`</publication>`+
			`<publication categoryName="note" instance="0" container="200" version="%d" expireType="endpoint">`+
			`<note><body>%s</body></note>`+
			`</publication>`+
			`</publications>`,
		escape(uri), version, code, version, escape(note))
}

// ClearPresence builds the "clear presence" body sent after a 409 version
// conflict, after which the caller resets its local version counter to
// zero and republishes via CategoryPublish.
func ClearPresence(uri string) string {
	return fmt.Sprintf(
		`<publications xmlns="http://schemas.microsoft.com/2006/09/sip/rich-presence" uri="%s"/>`,
		escape(uri))
}

// BatchSubscribe builds the application/msrtc-adrl-categorylist+xml body a
// batched presence SUBSCRIBE carries: an adhocList of every target URI plus
// the "note"/"state" category list, following the standard
// <batchSub>/<adhocList>/<categoryList> fragment shape.
func BatchSubscribe(selfURI string, targets []string) string {
	resources := ""
	for _, t := range targets {
		resources += fmt.Sprintf(`<resource uri="%s"/>`, escape(t))
	}
	return fmt.Sprintf(
		`<batchSub xmlns="http://schemas.microsoft.com/2006/01/sip/batch-subscribe" uri="%s" name="">`+
			`<action name="subscribe" id="1"><adhocList>%s</adhocList>`+
			`<categoryList xmlns="http://schemas.microsoft.com/2006/09/sip/categorylist">`+
			`<category name="note"/><category name="state"/>`+
			`</categoryList></action></batchSub>`,
		escape(selfURI), resources)
}
