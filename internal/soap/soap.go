// Package soap builds the SOAP-ish body fragments the SERVICE method
// carries: addGroup, modifyGroup, deleteGroup, setContact, deleteContact,
// setACE, setPresence, setSubscribers, directorySearch, plus the
// msrtc-category-publish and batch-subscribe bodies roster and presence
// publishing need. Every body here is the bare XML fragment the server
// expects as the SERVICE request's entity — not a full SOAP 1.1
// Envelope/Body wrapper — matching the shape the setSubscribers/batchSub
// fragments show elsewhere (a single namespaced element is the whole
// request body). Built as fmt.Sprintf-assembled strings the same way
// every other request body is built (flowactions.go, outbound.go),
// rather than a SOAP client library.
package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Content-Type values the SERVICE method carries its various bodies under.
const (
	ContentTypeManagement      = "application/SOAP+xml"
	ContentTypeCategoryPublish = "application/msrtc-category-publish+xml"
	ContentTypeSetSubscribers  = "application/msrtc-presence-setsubscriber+xml"
	ContentTypeBatchSubscribe  = "application/msrtc-adrl-categorylist+xml"
)

// escape XML-escapes untrusted text (group names, notes, search terms)
// before it is interpolated into a body template, the Go-idiomatic
// equivalent of g_markup_printf_escaped in spirit: never hand-interpolate
// user content into XML.
func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// AddGroup requests a new roaming contact group be created, named name.
func AddGroup(name string) string {
	return fmt.Sprintf(
		`<addGroup xmlns="http://schemas.microsoft.com/winrtc/2002/11/sip"><name>%s</name></addGroup>`,
		escape(name))
}

// ModifyGroup renames the group identified by groupID to name.
func ModifyGroup(groupID int, name string) string {
	return fmt.Sprintf(
		`<modifyGroup xmlns="http://schemas.microsoft.com/winrtc/2002/11/sip"><groupID>%d</groupID><name>%s</name></modifyGroup>`,
		groupID, escape(name))
}

// DeleteGroup removes the group identified by groupID.
func DeleteGroup(groupID int) string {
	return fmt.Sprintf(
		`<deleteGroup xmlns="http://schemas.microsoft.com/winrtc/2002/11/sip"><groupID>%d</groupID></deleteGroup>`,
		groupID)
}

// SetContact adds or updates a buddy entry, placing it in groupIDs.
func SetContact(uri, displayName string, groupIDs []int) string {
	var groups bytes.Buffer
	for _, id := range groupIDs {
		fmt.Fprintf(&groups, "<groupID>%d</groupID>", id)
	}
	return fmt.Sprintf(
		`<setContact xmlns="http://schemas.microsoft.com/winrtc/2002/11/sip"><contact><uri>%s</uri><name>%s</name><groupIDs>%s</groupIDs></contact></setContact>`,
		escape(uri), escape(displayName), groups.String())
}

// DeleteContact removes the buddy identified by uri.
func DeleteContact(uri string) string {
	return fmt.Sprintf(
		`<deleteContact xmlns="http://schemas.microsoft.com/winrtc/2002/11/sip"><uri>%s</uri></deleteContact>`,
		escape(uri))
}

// ACEAction is the watcher-authorization decision SetACE encodes.
type ACEAction string

const (
	ACEAllow ACEAction = "AA"
	ACEBlock ACEAction = "BD"
)

// SetACE issues an access-control-entry change for uri, allowing or
// blocking it from watching this user's presence.
func SetACE(uri string, action ACEAction) string {
	return fmt.Sprintf(
		`<setACE xmlns="http://schemas.microsoft.com/winrtc/2002/11/sip"><uri>%s</uri><action>%s</action></setACE>`,
		escape(uri), action)
}

// SetSubscribers acknowledges a roaming-self subscriber entry, built as the
// <setSubscribers>/<subscriber acknowledged="true"/> fragment the server
// expects in response to a roaming-self NOTIFY.
func SetSubscribers(user string) string {
	return fmt.Sprintf(
		`<setSubscribers xmlns="http://schemas.microsoft.com/2006/09/sip/presence-subscribers"><subscriber user="%s" acknowledged="true"/></setSubscribers>`,
		escape(user))
}

// DirectoryAttribute is one attribute/value constraint in a directory
// search request.
type DirectoryAttribute struct {
	Name  string
	Value string
}

// DirectorySearch builds an Active Directory search request body from rows
// of attribute/value pairs.
func DirectorySearch(attrs []DirectoryAttribute) string {
	var rows bytes.Buffer
	for _, a := range attrs {
		fmt.Fprintf(&rows, `<Query Attribute="%s">%s</Query>`, escape(a.Name), escape(a.Value))
	}
	return fmt.Sprintf(
		`<directorySearch xmlns="http://schemas.microsoft.com/winrtc/2002/11/sip">%s</directorySearch>`,
		rows.String())
}
