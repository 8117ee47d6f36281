package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Error classes the engine can return. These are always
// account-terminating when returned from Engine methods.
var (
	ErrWrongPassword       = errors.New("auth: wrong password")
	ErrProxyAuthExhausted  = errors.New("auth: proxy authentication retries exhausted")
	ErrInvalidSignature    = errors.New("auth: invalid message signature")
	ErrUnknownScheme       = errors.New("auth: unrecognized authentication scheme")
)

const (
	registrarRetryBudget = 4  // OCS/LCS clients give up on REGISTER after 4 retries (the fifth challenge fails)
	proxyRetryBudget     = 30 // proxy auth gets a much longer budget before giving up

	kerberosReauthSkew = 300 * time.Second
	ntlmAssumedLife    = 8 * time.Hour
	ntlmReauthSkew     = 300 * time.Second
)

// methodsRequiringProxyAuth is the fixed method set authenticated against
// the "proxy" role with Proxy-Authorization.
var methodsRequiringProxyAuth = map[string]bool{
	"SUBSCRIBE": true,
	"SERVICE":   true,
	"MESSAGE":   true,
	"INVITE":    true,
	"ACK":       true,
	"NOTIFY":    true,
	"BYE":       true,
	"INFO":      true,
	"OPTIONS":   true,
}

// CanonicalInput is the breakdown fed to a provider's Sign/Verify for
// NTLM/Kerberos message signing.
type CanonicalInput struct {
	Method   string
	URI      string
	CallID   string
	FromTag  string
	ToTag    string
	CSeq     string
	Realm    string
	Target   string
	Rand     uint32
	Num      uint32
}

// Canonicalize produces the deterministic byte string a provider signs or
// verifies over.
func Canonicalize(in CanonicalInput) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%08x|%08x",
		in.Method, in.URI, in.CallID, in.FromTag, in.ToTag, in.CSeq,
		in.Realm, in.Target, in.Rand, in.Num))
}

// Engine drives the authentication state machine for one SIP connection: it
// holds the registrar and proxy Authentication States, dispatches to the
// scheme-specific Provider, and enforces the retry budgets and
// signature-verification failure semantics.
type Engine struct {
	mu        sync.Mutex
	states    map[Role]*State
	providers map[Kind]Provider
	base      ProviderConfig // account-level username/password/domain; Realm/Target filled per-state
	logger    Logger
}

// Logger is the minimal logging contract the engine needs; *slog.Logger
// satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// NewEngine creates an authentication engine for one connection/session.
// base carries the account's username/password/domain; providers maps each
// recognized Kind to its concrete implementation (digest/NTLM/Kerberos).
func NewEngine(base ProviderConfig, providers map[Kind]Provider, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		states:    map[Role]*State{RoleRegistrar: {}, RoleProxy: {}},
		providers: providers,
		base:      base,
		logger:    logger,
	}
}

// RoleForMethod returns the role (and whether authentication applies at
// all) for a given SIP method.
func RoleForMethod(method string) (Role, bool) {
	method = strings.ToUpper(method)
	if method == "REGISTER" {
		return RoleRegistrar, true
	}
	if methodsRequiringProxyAuth[method] {
		return RoleProxy, true
	}
	return "", false
}

// HeaderNames returns the challenge/authorization header pair for a role
// and response status code (401 vs 407 can occur on either role in
// principle; REGISTER uses WWW-Authenticate/Authorization and the proxy
// method set uses Proxy-Authenticate/Proxy-Authorization).
func HeaderNames(statusCode int) (challengeHeader, authorizationHeader string) {
	if statusCode == 407 {
		return "Proxy-Authenticate", "Proxy-Authorization"
	}
	return "WWW-Authenticate", "Authorization"
}

// State returns the live Authentication State for a role (for inspection /
// metrics; callers must not mutate it directly).
func (e *Engine) State(role Role) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.states[role]
}

// Clear resets all per-role states, as happens on connection teardown.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.states {
		s.Clear()
	}
}

// HandleChallenge ingests a 401/407 challenge for role and updates its
// Authentication State. It returns an error when the retry budget for
// role is exhausted.
func (e *Engine) HandleChallenge(role Role, statusCode int, headerValue string) error {
	attrs := ParseChallengeHeader(headerValue)
	if attrs.Kind == Unset {
		return fmt.Errorf("%w: %q", ErrUnknownScheme, headerValue)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.states[role]

	if s.Kind != Unset && s.Kind != attrs.Kind {
		return fmt.Errorf("%w: realm switched scheme from %s to %s", ErrUnknownScheme, s.Kind, attrs.Kind)
	}

	realmChanged := s.Realm != "" && s.Realm != attrs.Realm
	s.Kind = attrs.Kind
	s.Realm = attrs.Realm
	s.Target = attrs.TargetName
	s.Opaque = attrs.Opaque
	s.digestQOP = attrs.QOP

	switch attrs.Kind {
	case Digest:
		s.Challenge = []byte(attrs.Nonce)
		if realmChanged {
			s.NonceCount = 0 // resets to 1 on realm change
		}
	case NTLM, Kerberos:
		if attrs.GSSAPIData != "" {
			decoded, err := base64.StdEncoding.DecodeString(attrs.GSSAPIData)
			if err != nil {
				return fmt.Errorf("auth: decoding gssapi-data: %w", err)
			}
			s.Challenge = decoded
		} else {
			s.Challenge = nil
		}
	}

	s.RetryCount++
	budget := registrarRetryBudget
	if role == RoleProxy {
		budget = proxyRetryBudget
	}
	if s.RetryCount > budget {
		if role == RoleRegistrar {
			return ErrWrongPassword
		}
		return ErrProxyAuthExhausted
	}

	return nil
}

// BuildAuthorization produces the Authorization/Proxy-Authorization header
// value for role given the request's method/URI. For NTLM/Kerberos it
// also produces the per-request signature if a security context has
// already been established in a prior round (the very first round
// carries empty gssapi-data and is never signed, matching the two-leg
// negotiation these schemes require).
func (e *Engine) BuildAuthorization(ctx context.Context, role Role, method, uri string, canon CanonicalInput) (string, error) {
	e.mu.Lock()
	s := e.states[role]
	kind := s.Kind
	e.mu.Unlock()

	switch kind {
	case Digest:
		return e.buildDigest(role, method, uri)
	case NTLM, Kerberos:
		return e.buildGSSAPI(ctx, role, canon)
	default:
		return "", fmt.Errorf("auth: no challenge recorded for role %s", role)
	}
}

func (e *Engine) buildDigest(role Role, method, uri string) (string, error) {
	provider, ok := e.providers[Digest]
	if !ok {
		return "", fmt.Errorf("auth: no digest provider configured")
	}
	digestProvider, ok := provider.(DigestBuilder)
	if !ok {
		return "", fmt.Errorf("auth: digest provider does not implement DigestBuilder")
	}

	e.mu.Lock()
	s := e.states[role]
	s.NonceCount++
	nc := s.NonceCount
	cfg := e.base
	cfg.Realm = s.Realm
	nonce := string(s.Challenge)
	opaque := s.Opaque
	qop := s.digestQOP
	e.mu.Unlock()

	return digestProvider.BuildAuthorization(cfg, method, uri, nonce, opaque, qop, nc)
}

func (e *Engine) buildGSSAPI(ctx context.Context, role Role, canon CanonicalInput) (string, error) {
	e.mu.Lock()
	s := e.states[role]
	kind := s.Kind
	inbound := s.Challenge
	hasContext := s.SecurityCtx != nil
	cfg := e.base
	cfg.Realm = s.Realm
	cfg.Target = s.Target
	e.mu.Unlock()

	provider, ok := e.providers[kind]
	if !ok {
		return "", fmt.Errorf("auth: no %s provider configured", kind)
	}

	// First leg: nothing learned from the server yet (empty gssapi-data).
	// Reply with an empty token to solicit the real challenge.
	if len(inbound) == 0 && !hasContext {
		return fmt.Sprintf(`%s opaque="%s", gssapi-data=""`, kind, s.Opaque), nil
	}

	var (
		outbound []byte
		expiry   time.Time
		err      error
	)
	if !hasContext {
		var sc SecurityContext
		sc, outbound, expiry, err = provider.InitContext(ctx, cfg, inbound)
		if err != nil {
			return "", fmt.Errorf("auth: %s InitContext: %w", kind, err)
		}
		e.mu.Lock()
		s.SecurityCtx = sc
		s.Expiry = expiry
		e.mu.Unlock()
	} else {
		e.mu.Lock()
		sc := s.SecurityCtx
		e.mu.Unlock()
		outbound, err = provider.Step(ctx, sc, inbound)
		if err != nil {
			return "", fmt.Errorf("auth: %s Step: %w", kind, err)
		}
	}

	encoded := base64.StdEncoding.EncodeToString(outbound)

	e.mu.Lock()
	s.SigningCounter++
	num := s.SigningCounter
	sc := s.SecurityCtx
	opaque := s.Opaque
	e.mu.Unlock()

	randVal, err := randomUint32()
	if err != nil {
		return "", fmt.Errorf("auth: generating per-request rand: %w", err)
	}
	canon.Rand = randVal
	canon.Num = uint32(num)
	canon.Realm = cfg.Realm
	canon.Target = cfg.Target

	sig, err := provider.Sign(sc, Canonicalize(canon))
	if err != nil {
		return "", fmt.Errorf("auth: %s Sign: %w", kind, err)
	}

	return fmt.Sprintf(`%s opaque="%s", gssapi-data="%s", rand="%08x", num="%08x", signature="%s"`,
		kind, opaque, encoded, canon.Rand, canon.Num, base64.StdEncoding.EncodeToString(sig)), nil
}

// VerifyIncoming checks the rspauth signature on an incoming message's
// Authentication-Info header: on receipt of a rspauth, the signature is
// verified and a mismatch terminates the session. Returns
// ErrInvalidSignature on mismatch.
func (e *Engine) VerifyIncoming(role Role, canon CanonicalInput, signature []byte) error {
	e.mu.Lock()
	s := e.states[role]
	kind := s.Kind
	sc := s.SecurityCtx
	e.mu.Unlock()

	if kind != NTLM && kind != Kerberos {
		return nil // Digest has no mutual rspauth signature in this scheme's use here
	}
	provider, ok := e.providers[kind]
	if !ok || sc == nil {
		return fmt.Errorf("auth: no established %s context to verify against", kind)
	}

	ok2, err := provider.Verify(sc, Canonicalize(canon), signature)
	if err != nil {
		return fmt.Errorf("auth: %s Verify: %w", kind, err)
	}
	if !ok2 {
		return ErrInvalidSignature
	}
	return nil
}

// ResetRetries clears the retry counter for role after a successful
// exchange, so the budget applies per authentication attempt rather than
// accumulating across the lifetime of the connection.
func (e *Engine) ResetRetries(role Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[role].RetryCount = 0
}

// RetryCount sums the current retry counters of the registrar and proxy
// roles, for diagnostics. It is a live
// snapshot, not a lifetime total: ResetRetries zeroes a role's count after
// each successful exchange.
func (e *Engine) RetryCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total uint64
	for _, s := range e.states {
		total += uint64(s.RetryCount)
	}
	return total
}

// NextReauthDelay returns how long to wait before proactively refreshing
// credentials ahead of expiry: Kerberos uses expiry-300s, NTLM uses a
// heuristic 8h-300s since NTLM tokens carry no real expiry.
func (e *Engine) NextReauthDelay(role Role) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.states[role]
	switch s.Kind {
	case Kerberos:
		if s.Expiry.IsZero() {
			return 0, false
		}
		return time.Until(s.Expiry) - kerberosReauthSkew, true
	case NTLM:
		return ntlmAssumedLife - ntlmReauthSkew, true
	default:
		return 0, false
	}
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// DigestBuilder lets the Digest provider expose a request-shaped builder
// beyond the generic four-operation Provider trait, since Digest has no
// notion of a persistent security context the way NTLM/Kerberos do.
type DigestBuilder interface {
	BuildAuthorization(cfg ProviderConfig, method, uri, nonce, opaque, qop string, nc int) (string, error)
}
