package auth

import "testing"

func TestIssueAndParseResumeTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueResumeToken(secret, "sip:alice@example.com", "AB12CD34", "example.com", NTLM)
	if err != nil {
		t.Fatalf("IssueResumeToken: %v", err)
	}

	hint, ok := ParseResumeToken(secret, token, "sip:alice@example.com", "AB12CD34")
	if !ok {
		t.Fatal("ParseResumeToken: expected ok=true for a freshly issued token")
	}
	if hint.LastRealm != "example.com" {
		t.Errorf("LastRealm = %q, want example.com", hint.LastRealm)
	}
	if hint.LastScheme != NTLM {
		t.Errorf("LastScheme = %v, want NTLM", hint.LastScheme)
	}
}

func TestParseResumeTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueResumeToken([]byte("secret-a"), "sip:alice@example.com", "AB12CD34", "example.com", Digest)
	if err != nil {
		t.Fatalf("IssueResumeToken: %v", err)
	}

	if _, ok := ParseResumeToken([]byte("secret-b"), token, "sip:alice@example.com", "AB12CD34"); ok {
		t.Error("ParseResumeToken: expected ok=false for a token signed with a different secret")
	}
}

func TestParseResumeTokenRejectsMismatchedAccount(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueResumeToken(secret, "sip:alice@example.com", "AB12CD34", "example.com", Kerberos)
	if err != nil {
		t.Fatalf("IssueResumeToken: %v", err)
	}

	if _, ok := ParseResumeToken(secret, token, "sip:bob@example.com", "AB12CD34"); ok {
		t.Error("ParseResumeToken: expected ok=false for a token issued to a different account")
	}
	if _, ok := ParseResumeToken(secret, token, "sip:alice@example.com", "00000000"); ok {
		t.Error("ParseResumeToken: expected ok=false for a token issued to a different epid")
	}
}

func TestParseResumeTokenRejectsGarbage(t *testing.T) {
	if _, ok := ParseResumeToken([]byte("test-secret"), "not-a-token", "sip:alice@example.com", "AB12CD34"); ok {
		t.Error("ParseResumeToken: expected ok=false for a malformed token string")
	}
}
