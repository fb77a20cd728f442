package auth

import (
	"strings"
	"testing"
)

func TestHashAndVerifyToken(t *testing.T) {
	encoded, err := HashToken("s3cret-api-token")
	if err != nil {
		t.Fatalf("HashToken() failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$") {
		t.Errorf("hash = %q, want $argon2id$v=19$ prefix", encoded)
	}
	if !VerifyToken("s3cret-api-token", encoded) {
		t.Error("VerifyToken rejected the right token")
	}
	if VerifyToken("wrong-token", encoded) {
		t.Error("VerifyToken accepted the wrong token")
	}
}

func TestHashTokenSaltsDiffer(t *testing.T) {
	a, err := HashToken("same")
	if err != nil {
		t.Fatalf("HashToken() failed: %v", err)
	}
	b, err := HashToken("same")
	if err != nil {
		t.Fatalf("HashToken() failed: %v", err)
	}
	if a == b {
		t.Error("two hashes of the same token are identical, salt is not random")
	}
	if !VerifyToken("same", a) || !VerifyToken("same", b) {
		t.Error("VerifyToken rejected a freshly generated hash")
	}
}

func TestVerifyTokenMalformedHash(t *testing.T) {
	bad := []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$!!!$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$c2FsdA",
	}
	for _, encoded := range bad {
		if VerifyToken("anything", encoded) {
			t.Errorf("VerifyToken accepted malformed hash %q", encoded)
		}
	}
}
