package rrt

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func testRequest() Request {
	return Request{
		ManifestID:   "man_1",
		ProductCode:  "DEMO",
		Version:      "1.2.0",
		CommitSHA:    "abc1234def",
		ManifestHash: "sha256:" + strings.Repeat("a", 64),
	}
}

func TestIssuePlaceholderToken(t *testing.T) {
	iss := &Issuer{Now: func() time.Time { return fixedNow }}
	tok, err := iss.Issue(testRequest())
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if tok.ExpiresAt.Sub(tok.IssuedAt) != 12*time.Hour {
		t.Fatalf("unexpected validity %s", tok.ExpiresAt.Sub(tok.IssuedAt))
	}
	if tok.ProductCode != "DEMO" || tok.CommitSHA != "abc1234def" {
		t.Fatalf("unexpected token metadata %+v", tok)
	}

	h, c, sig, err := Parse(tok.Token)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if h.Alg != AlgNone {
		t.Fatalf("expected alg none, got %q", h.Alg)
	}
	if c.Issuer != DefaultIssuer || c.Subject != "DEMO" || c.Version != "1.2.0" || c.CommitSHA != "abc1234def" {
		t.Fatalf("unexpected claims %+v", c)
	}
	if c.IssuedAt != fixedNow.Unix() || c.ExpiresAt != fixedNow.Add(12*time.Hour).Unix() {
		t.Fatalf("unexpected iat/exp %d/%d", c.IssuedAt, c.ExpiresAt)
	}
	if c.ID == "" {
		t.Fatalf("expected jti")
	}
	if string(sig) != "demo-signature-man_1-"+strconv.FormatInt(fixedNow.UnixMilli(), 10) {
		t.Fatalf("unexpected placeholder signature %q", sig)
	}
	if _, err := Verify(tok.Token, []byte("k"), fixedNow); !errors.Is(err, ErrUnsupportedAlg) {
		t.Fatalf("expected placeholder token to fail verification, got %v", err)
	}
}

func TestHMACTokenVerify(t *testing.T) {
	signer, err := NewHMACSigner("secret-1")
	if err != nil {
		t.Fatal(err)
	}
	iss := &Issuer{Issuer: "rosie-test", Validity: time.Hour, Signer: signer, Now: func() time.Time { return fixedNow }}
	tok, err := iss.Issue(testRequest())
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	c, err := Verify(tok.Token, []byte("secret-1"), fixedNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if c.Issuer != "rosie-test" {
		t.Fatalf("unexpected issuer %q", c.Issuer)
	}

	if _, err := Verify(tok.Token, []byte("secret-2"), fixedNow); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for wrong key, got %v", err)
	}
	if _, err := Verify(tok.Token, []byte("secret-1"), fixedNow.Add(2*time.Hour)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	parts := strings.Split(tok.Token, ".")
	other, _ := iss.Issue(Request{ManifestID: "man_2", ProductCode: "EVIL"})
	forged := parts[0] + "." + strings.Split(other.Token, ".")[1] + "." + parts[2]
	if _, err := Verify(forged, []byte("secret-1"), fixedNow); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for swapped claims, got %v", err)
	}
}

func TestNewHMACSignerRejectsEmptyKey(t *testing.T) {
	if _, err := NewHMACSigner("  "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestParseMalformed(t *testing.T) {
	for _, bad := range []string{"", "a.b", "!!!.e30.e30", "e30.!!!.e30"} {
		if _, _, _, err := Parse(bad); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Parse(%q): expected ErrMalformed, got %v", bad, err)
		}
	}
}
