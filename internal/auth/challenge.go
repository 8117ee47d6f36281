package auth

import "strings"

// ChallengeAttrs is the decomposed attribute-token form of a
// WWW-Authenticate/Proxy-Authenticate header value: realm, targetname,
// opaque, gssapi-data, nonce, qop.
type ChallengeAttrs struct {
	Kind       Kind
	Realm      string
	TargetName string
	Opaque     string
	GSSAPIData string
	Nonce      string
	QOP        string
	Algorithm  string
	Raw        string // full header value, for schemes that need re-parsing (Digest)
}

// ParseChallengeHeader recognizes the scheme by case-insensitive prefix of
// the header value ("NTLM", "Kerberos", "Digest") and decomposes the
// remaining attribute tokens. Unrecognized schemes return Unset with Raw
// populated so callers can decide how to treat them (an unknown scheme is
// a ProtocolError).
func ParseChallengeHeader(value string) ChallengeAttrs {
	value = strings.TrimSpace(value)
	scheme, rest, _ := strings.Cut(value, " ")

	attrs := ChallengeAttrs{Raw: value}
	switch {
	case strings.EqualFold(scheme, "NTLM"):
		attrs.Kind = NTLM
	case strings.EqualFold(scheme, "Kerberos"):
		attrs.Kind = Kerberos
	case strings.EqualFold(scheme, "Digest"):
		attrs.Kind = Digest
	default:
		attrs.Kind = Unset
		return attrs
	}

	for key, val := range parseAttributeTokens(rest) {
		switch strings.ToLower(key) {
		case "realm":
			attrs.Realm = val
		case "targetname":
			attrs.TargetName = val
		case "opaque":
			attrs.Opaque = val
		case "gssapi-data":
			attrs.GSSAPIData = val
		case "nonce":
			attrs.Nonce = val
		case "qop":
			attrs.QOP = val
		case "algorithm":
			attrs.Algorithm = val
		}
	}
	return attrs
}

// parseAttributeTokens splits a comma-separated "key=value" or
// key="quoted value" attribute list, tolerant of the optional surrounding
// whitespace real Microsoft SIP stacks emit.
func parseAttributeTokens(s string) map[string]string {
	out := make(map[string]string)
	var (
		inQuotes bool
		tokenStart int
	)
	tokens := []string{}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				tokens = append(tokens, s[tokenStart:i])
				tokenStart = i + 1
			}
		}
	}
	tokens = append(tokens, s[tokenStart:])

	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		val = strings.Trim(val, `"`)
		out[key] = val
	}
	return out
}
