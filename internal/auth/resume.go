package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// resumeTokenTTL bounds how long a resume token is worth presenting: past
// this the saved realm is stale enough that starting cold is no slower.
const resumeTokenTTL = 24 * time.Hour

// ResumeClaims is what a resume token carries: the realm and scheme that
// worked last time, as a hint only. The auth engine does not read it, and
// it never replaces authenticating. AccountURI/EPID bind the token to one account on
// one endpoint so a copied token is useless elsewhere even before
// signature verification is considered.
type ResumeClaims struct {
	AccountURI string `json:"acc"`
	EPID       string `json:"epid"`
	LastRealm  string `json:"realm"`
	LastScheme Kind   `json:"scheme"`
	jwt.RegisteredClaims
}

// IssueResumeToken signs a token hinting which realm/scheme last
// succeeded for (accountURI, epid), using secret as the HMAC key. The
// embedding application is responsible for persisting secret across
// restarts (e.g. alongside the account's stored credentials) — a secret
// that changes invalidates every outstanding token, which only costs a
// cold start, never a security property.
func IssueResumeToken(secret []byte, accountURI, epid, lastRealm string, lastScheme Kind) (string, error) {
	now := time.Now()
	claims := ResumeClaims{
		AccountURI: accountURI,
		EPID:       epid,
		LastRealm:  lastRealm,
		LastScheme: lastScheme,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(resumeTokenTTL)),
			Issuer:    "sipsimple",
			Subject:   accountURI,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing resume token: %w", err)
	}
	return signed, nil
}

// ParseResumeToken validates tokenString and checks it names accountURI
// and epid, returning the realm/scheme hint it carries. Any failure
// (expired, malformed, signature mismatch, or a token issued for a
// different account/endpoint) returns ok=false: the caller falls back to
// a cold start and runs the full NTLM/Kerberos/Digest negotiation from
// scratch, exactly as if no token had been presented. A resume token is
// never itself treated as proof of authentication.
func ParseResumeToken(secret []byte, tokenString, accountURI, epid string) (hint ResumeClaims, ok bool) {
	claims := &ResumeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, isHMAC := t.Method.(*jwt.SigningMethodHMAC); !isHMAC {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return ResumeClaims{}, false
	}
	if claims.AccountURI != accountURI || claims.EPID != epid {
		return ResumeClaims{}, false
	}
	return *claims, true
}
