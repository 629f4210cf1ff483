package internal

import (
	"testing"
)

// FuzzDecodeRefreshToken exercises refresh token decoding with arbitrary strings.
// Goal: no panics; invalid inputs should return errors cleanly.
func FuzzDecodeRefreshToken(f *testing.F) {
	// Seed with valid-looking base64url strings of various lengths.
	f.Add("")
	f.Add("abc")
	f.Add("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	// Generate a valid token to use as seed.
	id, err := NewTokenID()
	if err == nil {
		secret, err := NewTokenSecret()
		if err == nil {
			token, err := EncodeRefreshToken(id, secret)
			if err == nil {
				f.Add(token)
			}
		}
	}

	// Malformed base64.
	f.Add("!!!not-base64!!!")
	f.Add("aGVsbG8=")
	f.Add("dG9vLXNob3J0")

	f.Fuzz(func(t *testing.T, input string) {
		// Must not panic. Errors are fine for invalid inputs.
		tokenID, secret, err := DecodeRefreshToken(input)
		if err != nil {
			return
		}

		reEncoded, err := EncodeRefreshToken(tokenID, secret)
		if err != nil {
			t.Fatalf("re-encode of decoded token failed: %v", err)
		}

		id2, secret2, err := DecodeRefreshToken(reEncoded)
		if err != nil {
			t.Fatalf("roundtrip decode failed: %v", err)
		}
		if id2 != tokenID {
			t.Errorf("roundtrip token ID mismatch: %q vs %q", id2, tokenID)
		}
		if secret2 != secret {
			t.Error("roundtrip secret mismatch")
		}
	})
}

func TestHashTokenSecretDeterministic(t *testing.T) {
	secret, err := NewTokenSecret()
	if err != nil {
		t.Fatalf("secret generation failed: %v", err)
	}

	a := HashTokenSecret(secret)
	b := HashTokenSecret(secret)
	if !SecretHashEqual(a, b) {
		t.Fatal("hash of identical secret differs")
	}

	other, err := NewTokenSecret()
	if err != nil {
		t.Fatalf("secret generation failed: %v", err)
	}
	if SecretHashEqual(HashTokenSecret(secret), HashTokenSecret(other)) {
		t.Fatal("hashes of distinct secrets collide")
	}
}

func TestDecodeRefreshTokenRejectsWrongSize(t *testing.T) {
	id, err := NewTokenID()
	if err != nil {
		t.Fatalf("token id generation failed: %v", err)
	}
	secret, err := NewTokenSecret()
	if err != nil {
		t.Fatalf("secret generation failed: %v", err)
	}

	token, err := EncodeRefreshToken(id, secret)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	if _, _, err := DecodeRefreshToken(token[:len(token)-4]); err == nil {
		t.Fatal("truncated token decoded without error")
	}
}
