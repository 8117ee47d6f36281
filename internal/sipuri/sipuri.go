// Package sipuri handles the account-identity concerns that sit outside the
// wire protocol itself: the "user@domain[,domain\authuser]" login syntax,
// EPID derivation from a local interface MAC, and the GRUU contact URI
// synthesized from it.
package sipuri

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Credentials is the result of parsing the "user@domain[,domain\authuser]"
// login syntax. SIPURI is the account's address-of-record;
// AuthDomain/AuthUser are populated only when the optional comma-separated
// login part is present, and identify the Windows domain\username used for
// NTLM/Kerberos/Digest credential lookup when it differs from the SIP URI.
type Credentials struct {
	User       string
	Domain     string
	AuthDomain string
	AuthUser   string
}

// SIPURI returns the "sip:user@domain" address-of-record.
func (c Credentials) SIPURI() string {
	return fmt.Sprintf("sip:%s@%s", c.User, c.Domain)
}

// LoginUser returns the username to present for authentication: AuthUser if
// the comma-separated login part was given, else the SIP user part.
func (c Credentials) LoginUser() string {
	if c.AuthUser != "" {
		return c.AuthUser
	}
	return c.User
}

// LoginDomain returns the Windows domain to present for authentication:
// AuthDomain if given, else the SIP domain part.
func (c Credentials) LoginDomain() string {
	if c.AuthDomain != "" {
		return c.AuthDomain
	}
	return c.Domain
}

// ParseUsername parses the "user@domain[,domain\authuser]" syntax. The part
// after the comma, if present, is optional login credentials in
// "domain\username" form.
func ParseUsername(raw string) (Credentials, error) {
	var c Credentials

	main, loginPart, hasLogin := strings.Cut(raw, ",")

	user, domain, ok := strings.Cut(main, "@")
	if !ok || user == "" || domain == "" {
		return c, fmt.Errorf("sipuri: malformed address-of-record %q, expected user@domain", main)
	}
	c.User = user
	c.Domain = domain

	if hasLogin {
		loginPart = strings.TrimSpace(loginPart)
		if loginPart != "" {
			authDomain, authUser, ok := strings.Cut(loginPart, `\`)
			if !ok {
				return c, fmt.Errorf(`sipuri: malformed login credentials %q, expected domain\username`, loginPart)
			}
			c.AuthDomain = authDomain
			c.AuthUser = authUser
		}
	}

	return c, nil
}

// DeriveEPID computes a stable per-session Endpoint ID from a MAC address,
// stable across reconnects within a session. The MAC is hashed (rather
// than exposed raw on the wire) and truncated to 8 hex characters, the
// conventional EPID width used by OCS/LCS clients.
func DeriveEPID(mac net.HardwareAddr) string {
	if len(mac) == 0 {
		mac = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	}
	sum := sha1.Sum(mac)
	return hex.EncodeToString(sum[:])[:8]
}

// LocalEPID picks the first non-loopback interface with a hardware address
// and derives an EPID from it. If no such interface exists (containers,
// virtualized test environments), it falls back to the EPID derived from an
// all-zero MAC, so every such host gets the same EPID.
func LocalEPID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if len(iface.HardwareAddr) == 0 {
				continue
			}
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			return DeriveEPID(iface.HardwareAddr)
		}
	}
	return DeriveEPID(nil)
}

// GRUU synthesizes a "urn:uuid:<uuid>" contact URI derived from the EPID
// when the server does not advertise one in its own Contact header. The
// UUID is deterministic (v5, with the EPID as the name under a fixed
// sipsimple namespace) so repeated synthesis for the same EPID is stable.
func GRUU(epid string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte("sipsimple-epid"))
	id := uuid.NewSHA1(ns, []byte(epid))
	return "urn:uuid:" + id.String()
}
