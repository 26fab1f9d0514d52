// Package rrt issues and decodes release readiness tokens.
//
// A token has three base64url segments: a JSON header, a JSON claims set and
// a signature over "header.claims". The default signer emits an opaque
// placeholder signature with alg "none"; HMACSigner produces HS256 tokens
// that Verify can check.
package rrt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultIssuer   = "rosie-sor"
	DefaultValidity = 12 * time.Hour

	AlgNone  = "none"
	AlgHS256 = "HS256"
)

var (
	ErrMalformed      = errors.New("rrt: malformed token")
	ErrUnsupportedAlg = errors.New("rrt: unsupported algorithm")
	ErrBadSignature   = errors.New("rrt: signature mismatch")
	ErrExpired        = errors.New("rrt: token expired")
)

var b64 = base64.RawURLEncoding

type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type Claims struct {
	Issuer       string `json:"iss"`
	Subject      string `json:"sub"`
	Version      string `json:"ver"`
	CommitSHA    string `json:"sha"`
	ManifestHash string `json:"hash"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
	ID           string `json:"jti"`
}

// Request names the manifest a token is issued for.
type Request struct {
	ManifestID   string
	ProductCode  string
	Version      string
	CommitSHA    string
	ManifestHash string
}

type Token struct {
	Token       string    `json:"token"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ProductCode string    `json:"product_code"`
	Version     string    `json:"version"`
	CommitSHA   string    `json:"commit_sha"`
}

type Signer interface {
	Alg() string
	Sign(req Request, signingInput []byte, now time.Time) ([]byte, error)
}

// PlaceholderSigner marks tokens as unsigned. The signature segment only
// identifies the manifest and issuance instant.
type PlaceholderSigner struct{}

func (PlaceholderSigner) Alg() string { return AlgNone }

func (PlaceholderSigner) Sign(req Request, _ []byte, now time.Time) ([]byte, error) {
	return []byte(fmt.Sprintf("demo-signature-%s-%d", req.ManifestID, now.UnixMilli())), nil
}

type HMACSigner struct {
	Key []byte
}

func NewHMACSigner(key string) (*HMACSigner, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("rrt: signing key is empty")
	}
	return &HMACSigner{Key: []byte(key)}, nil
}

func (s *HMACSigner) Alg() string { return AlgHS256 }

func (s *HMACSigner) Sign(_ Request, signingInput []byte, _ time.Time) ([]byte, error) {
	return macSum(s.Key, signingInput), nil
}

func macSum(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(msg)
	return mac.Sum(nil)
}

type Issuer struct {
	Issuer   string
	Validity time.Duration
	Signer   Signer
	Now      func() time.Time
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

func (i *Issuer) Issue(req Request) (Token, error) {
	signer := i.Signer
	if signer == nil {
		signer = PlaceholderSigner{}
	}
	iss := i.Issuer
	if iss == "" {
		iss = DefaultIssuer
	}
	validity := i.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}

	now := i.now()
	exp := now.Add(validity)
	header, err := json.Marshal(Header{Alg: signer.Alg(), Typ: "JWT"})
	if err != nil {
		return Token{}, err
	}
	claims, err := json.Marshal(Claims{
		Issuer:       iss,
		Subject:      req.ProductCode,
		Version:      req.Version,
		CommitSHA:    req.CommitSHA,
		ManifestHash: req.ManifestHash,
		IssuedAt:     now.Unix(),
		ExpiresAt:    exp.Unix(),
		ID:           uuid.NewString(),
	})
	if err != nil {
		return Token{}, err
	}
	signingInput := b64.EncodeToString(header) + "." + b64.EncodeToString(claims)
	sig, err := signer.Sign(req, []byte(signingInput), now)
	if err != nil {
		return Token{}, fmt.Errorf("rrt: sign: %w", err)
	}
	return Token{
		Token:       signingInput + "." + b64.EncodeToString(sig),
		IssuedAt:    now,
		ExpiresAt:   exp,
		ProductCode: req.ProductCode,
		Version:     req.Version,
		CommitSHA:   req.CommitSHA,
	}, nil
}

// Parse decodes a token without checking its signature.
func Parse(token string) (Header, Claims, []byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Header{}, Claims{}, nil, ErrMalformed
	}
	var h Header
	var c Claims
	if err := decodeSegment(parts[0], &h); err != nil {
		return Header{}, Claims{}, nil, err
	}
	if err := decodeSegment(parts[1], &c); err != nil {
		return Header{}, Claims{}, nil, err
	}
	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return Header{}, Claims{}, nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	return h, c, sig, nil
}

func decodeSegment(seg string, dst any) error {
	b, err := b64.DecodeString(seg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Verify checks an HS256 token against key and its expiry against now.
func Verify(token string, key []byte, now time.Time) (Claims, error) {
	h, c, sig, err := Parse(token)
	if err != nil {
		return Claims{}, err
	}
	if h.Alg != AlgHS256 {
		return Claims{}, fmt.Errorf("%w: %q", ErrUnsupportedAlg, h.Alg)
	}
	signingInput := token[:strings.LastIndexByte(token, '.')]
	if !hmac.Equal(macSum(key, []byte(signingInput)), sig) {
		return Claims{}, ErrBadSignature
	}
	if now.Unix() >= c.ExpiresAt {
		return Claims{}, ErrExpired
	}
	return c, nil
}
