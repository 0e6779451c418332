package secretbox

import (
	"strings"
	"testing"

	"github.com/exla-ai/synv2/internal/apierr"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New("a sufficiently long operator master secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := []byte("sk-test-1234567890")
	stored, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Count(stored, ":") != 2 {
		t.Fatalf("expected nonce_hex:tag_hex:ciphertext_hex, got %q", stored)
	}

	opened, err := box.Open(stored)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestOpenTamperedCiphertextFailsClosed(t *testing.T) {
	box, err := New("another operator master secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stored, err := box.Seal([]byte("top-secret-value"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	parts := strings.Split(stored, ":")
	tampered := parts[0] + ":" + parts[1] + ":" + flipLastHexDigit(parts[2])

	_, err = box.Open(tampered)
	if !apierr.Is(err, apierr.KindIntegrity) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
}

func TestOpenMalformedRepresentationFailsClosed(t *testing.T) {
	box, err := New("yet another master secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = box.Open("not-the-right-format")
	if !apierr.Is(err, apierr.KindIntegrity) {
		t.Fatalf("expected IntegrityError for malformed input, got %v", err)
	}
}

func TestNewRejectsEmptySecret(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty master secret")
	}
}

func flipLastHexDigit(hexStr string) string {
	if hexStr == "" {
		return hexStr
	}
	last := hexStr[len(hexStr)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	return hexStr[:len(hexStr)-1] + string(flipped)
}
