package soap

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Group is one roaming-contacts group entry, decoded from a
// vnd-microsoft-roaming-contacts NOTIFY body.
type Group struct {
	ID   int
	Name string
}

// Contact is one roaming-contacts buddy entry, decoded from a
// vnd-microsoft-roaming-contacts NOTIFY body. GroupIDs is the raw server
// group membership list; resolving those against Groups is the caller's
// job, matching SetContact's mirror-image groupIDs shape.
type Contact struct {
	URI         string
	DisplayName string
	GroupIDs    []int
}

type contactListDoc struct {
	XMLName  xml.Name    `xml:"contactList"`
	Groups   []groupEl   `xml:"groups>group"`
	Contacts []contactEl `xml:"contacts>contact"`
}

type groupEl struct {
	ID   int    `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

type contactEl struct {
	URI      string `xml:"uri,attr"`
	Name     string `xml:"name,attr"`
	GroupIDs string `xml:"groups,attr"`
}

// DecodeRoamingContacts parses a vnd-microsoft-roaming-contacts NOTIFY
// body into its group and contact lists, the inverse of the
// AddGroup/SetContact fragments this package builds.
func DecodeRoamingContacts(body []byte) ([]Group, []Contact, error) {
	var doc contactListDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, nil, fmt.Errorf("soap: decode roaming contacts: %w", err)
	}

	groups := make([]Group, 0, len(doc.Groups))
	for _, g := range doc.Groups {
		groups = append(groups, Group{ID: g.ID, Name: g.Name})
	}

	contacts := make([]Contact, 0, len(doc.Contacts))
	for _, c := range doc.Contacts {
		contacts = append(contacts, Contact{
			URI:         c.URI,
			DisplayName: c.Name,
			GroupIDs:    parseGroupIDs(c.GroupIDs),
		})
	}

	return groups, contacts, nil
}

// Subscriber is one roaming-self NOTIFY entry: a peer who has added this
// user to their buddy list, pending acknowledgement.
type Subscriber struct {
	URI          string
	DisplayName  string
	Acknowledged bool
}

type subscribersDoc struct {
	XMLName     xml.Name         `xml:"subscribers"`
	Subscribers []subscriberElIn `xml:"subscriber"`
}

type subscriberElIn struct {
	User         string `xml:"user,attr"`
	DisplayName  string `xml:"displayName,attr"`
	Acknowledged string `xml:"acknowledged,attr"`
}

// DecodeSubscribers parses a vnd-microsoft-roaming-self NOTIFY body into
// its subscriber list. User is the bare user portion the server sends
// ("alice@contoso.com"), not a full sip: URI.
func DecodeSubscribers(body []byte) ([]Subscriber, error) {
	var doc subscribersDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("soap: decode roaming self: %w", err)
	}
	out := make([]Subscriber, 0, len(doc.Subscribers))
	for _, s := range doc.Subscribers {
		if s.User == "" {
			continue
		}
		out = append(out, Subscriber{
			URI:          s.User,
			DisplayName:  s.DisplayName,
			Acknowledged: strings.EqualFold(s.Acknowledged, "true"),
		})
	}
	return out, nil
}

// Watcher is one presence.wpending NOTIFY entry: a peer requesting to
// watch this user's presence, awaiting an authorize/deny decision.
type Watcher struct {
	URI         string
	DisplayName string
}

// watchersDoc deliberately leaves XMLName unset: the root element name
// carries no meaning, only its watcher children do.
type watchersDoc struct {
	Watchers []watcherEl `xml:"watcher"`
}

type watcherEl struct {
	URI         string `xml:"uri,attr"`
	DisplayName string `xml:"displayName,attr"`
}

// DecodeWatchers parses a presence.wpending NOTIFY body into its pending
// watcher list.
func DecodeWatchers(body []byte) ([]Watcher, error) {
	var doc watchersDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("soap: decode watchers: %w", err)
	}
	out := make([]Watcher, 0, len(doc.Watchers))
	for _, w := range doc.Watchers {
		if w.URI == "" {
			continue
		}
		out = append(out, Watcher{URI: w.URI, DisplayName: w.DisplayName})
	}
	return out, nil
}

func parseGroupIDs(raw string) []int {
	if raw == "" {
		return nil
	}
	fields := strings.Split(raw, ",")
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
