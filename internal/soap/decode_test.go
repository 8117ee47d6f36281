package soap

import "testing"

const sampleContactList = `<?xml version="1.0"?>
<contactList>
  <groups>
    <group id="1" name="Friends"/>
    <group id="2" name="Work"/>
  </groups>
  <contacts>
    <contact uri="sip:alice@example.com" name="Alice" groups="1,2"/>
    <contact uri="sip:bob@example.com" name="Bob" groups="2"/>
    <contact uri="sip:carol@example.com" name="Carol" groups=""/>
  </contacts>
</contactList>`

func TestDecodeRoamingContacts(t *testing.T) {
	groups, contacts, err := DecodeRoamingContacts([]byte(sampleContactList))
	if err != nil {
		t.Fatalf("DecodeRoamingContacts: %v", err)
	}

	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if groups[0] != (Group{ID: 1, Name: "Friends"}) {
		t.Errorf("groups[0] = %+v, want {1 Friends}", groups[0])
	}

	if len(contacts) != 3 {
		t.Fatalf("len(contacts) = %d, want 3", len(contacts))
	}

	alice := contacts[0]
	if alice.URI != "sip:alice@example.com" || alice.DisplayName != "Alice" {
		t.Errorf("contacts[0] = %+v", alice)
	}
	if len(alice.GroupIDs) != 2 || alice.GroupIDs[0] != 1 || alice.GroupIDs[1] != 2 {
		t.Errorf("alice.GroupIDs = %v, want [1 2]", alice.GroupIDs)
	}

	carol := contacts[2]
	if carol.GroupIDs != nil {
		t.Errorf("carol.GroupIDs = %v, want nil for an ungrouped contact", carol.GroupIDs)
	}
}

func TestDecodeRoamingContactsMalformed(t *testing.T) {
	if _, _, err := DecodeRoamingContacts([]byte("not xml")); err == nil {
		t.Error("expected an error decoding malformed XML")
	}
}

const sampleSubscribers = `<subscribers>
  <subscriber user="alice@example.com" acknowledged="false" displayName="Alice"/>
  <subscriber user="bob@example.com" acknowledged="true" displayName="Bob"/>
</subscribers>`

func TestDecodeSubscribers(t *testing.T) {
	subs, err := DecodeSubscribers([]byte(sampleSubscribers))
	if err != nil {
		t.Fatalf("DecodeSubscribers: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(subs))
	}
	if subs[0].URI != "alice@example.com" || subs[0].Acknowledged {
		t.Errorf("subs[0] = %+v", subs[0])
	}
	if subs[1].URI != "bob@example.com" || !subs[1].Acknowledged {
		t.Errorf("subs[1] = %+v", subs[1])
	}
}

const sampleWatchers = `<watcherList>
  <watcher uri="sip:carol@example.com" displayName="Carol"/>
  <watcher uri="sip:dave@example.com" displayName="Dave"/>
</watcherList>`

func TestDecodeWatchers(t *testing.T) {
	watchers, err := DecodeWatchers([]byte(sampleWatchers))
	if err != nil {
		t.Fatalf("DecodeWatchers: %v", err)
	}
	if len(watchers) != 2 {
		t.Fatalf("len(watchers) = %d, want 2", len(watchers))
	}
	if watchers[0].URI != "sip:carol@example.com" || watchers[0].DisplayName != "Carol" {
		t.Errorf("watchers[0] = %+v", watchers[0])
	}
}

func TestDecodeWatchersMalformed(t *testing.T) {
	if _, err := DecodeWatchers([]byte("not xml")); err == nil {
		t.Error("expected an error decoding malformed XML")
	}
}
