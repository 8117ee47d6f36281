// Package auth implements the Microsoft-flavored SIP authentication state
// machine: challenge parsing, per-realm/per-role credential state,
// pluggable NTLM/Kerberos/Digest security providers, and outgoing message
// signing.
package auth

import (
	"context"
	"time"
)

// Kind identifies which authentication scheme a realm/role is using.
type Kind int

const (
	Unset Kind = iota
	NTLM
	Kerberos
	Digest
)

func (k Kind) String() string {
	switch k {
	case NTLM:
		return "NTLM"
	case Kerberos:
		return "Kerberos"
	case Digest:
		return "Digest"
	default:
		return "Unset"
	}
}

// Role distinguishes the REGISTER target ("registrar") from intermediate
// proxies ("proxy"); Authentication State is tracked per-realm/per-role.
type Role string

const (
	RoleRegistrar Role = "registrar"
	RoleProxy     Role = "proxy"
)

// SecurityContext is an opaque handle owned by a Provider; the engine never
// inspects it, only threads it back through Step/Sign/Verify.
type SecurityContext interface{}

// ProviderConfig carries the account parameters a Provider needs to begin a
// security context: username, password, domain, target SPN and realm. The
// inbound gssapi-data is passed to InitContext separately.
type ProviderConfig struct {
	Username string
	Password string
	Domain   string
	Target   string // service principal name / target name
	Realm    string
}

// Provider is the four-operation pluggable security-provider trait.
// Concrete implementations (digest, NTLM, Kerberos) live in sibling
// packages, each free to hold whatever internal state it needs behind
// this interface.
type Provider interface {
	Name() Kind

	// InitContext begins a new security context, typically from an empty or
	// first-seen inbound challenge blob, returning the first outbound token.
	InitContext(ctx context.Context, cfg ProviderConfig, inbound []byte) (SecurityContext, []byte, time.Time, error)

	// Step continues an existing security context with the next inbound
	// challenge blob (e.g. the NTLM Type 2 / Kerberos mutual-auth token),
	// returning the next outbound token.
	Step(ctx context.Context, sc SecurityContext, inbound []byte) ([]byte, error)

	// Sign produces a message signature over a canonicalized request
	// breakdown: method, URI, call-id, from/to tags, cseq, realm, target,
	// per-request rand, monotonic num.
	Sign(sc SecurityContext, canonical []byte) ([]byte, error)

	// Verify checks a signature received in Authentication-Info/rspauth
	// against the same canonicalization.
	Verify(sc SecurityContext, canonical []byte, signature []byte) (bool, error)
}

// State is the per-realm/per-role Authentication State.
type State struct {
	Kind       Kind
	Realm      string
	Target     string
	Opaque     string
	Challenge  []byte // nonce (digest) or gssapi-data (NTLM/Kerberos)
	NonceCount int
	RetryCount int
	SecurityCtx SecurityContext
	Expiry     time.Time
	SigningCounter uint64

	// digestQOP is remembered so Digest's optional qop handling can be
	// reproduced on every subsequent request within the realm.
	digestQOP string
}

// Clear resets a State to the zero value, as happens on connection
// teardown.
func (s *State) Clear() {
	*s = State{}
}
