package kerberosprovider

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // matches the KRB5-HMAC-SHA1-96 family's digest, not used for collision resistance
)

// gssChecksum computes an HMAC-SHA1 over data keyed by the Kerberos session
// key, the same primitive family ([RFC 3962] §6, the etype-96 checksum
// types) the GSS-API Kerberos mechanism itself builds on for per-message
// integrity.
func gssChecksum(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
