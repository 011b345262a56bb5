// Package token signs and verifies the compact bearer tokens used by the
// scan protocol: base64url(JSON payload) + "." + hex(HMAC-SHA256).
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrMalformed    = errors.New("token: malformed")
	ErrBadSignature = errors.New("token: bad signature")
)

// SigningConfig carries the shared scan secret. Injected explicitly; the
// codec keeps no process-wide state.
type SigningConfig struct {
	Secret string
}

type Codec struct {
	secret []byte
}

func NewCodec(cfg SigningConfig) *Codec {
	return &Codec{secret: []byte(cfg.Secret)}
}

// PersonalClaims is the payload of a short-lived per-user token. It is never
// persisted; the signed token is its only existence.
type PersonalClaims struct {
	UID   int64  `json:"uid"`
	Date  string `json:"date"`
	Exp   int64  `json:"exp"`
	Nonce string `json:"nonce"`
}

// SessionClaims is the payload of a scanner-session token.
type SessionClaims struct {
	SID   int64  `json:"sid"`
	Nonce string `json:"nonce"`
	Exp   int64  `json:"exp"`
}

// Sign encodes v as JSON and returns the signed compact token.
func (c *Codec) Sign(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.digest(encoded), nil
}

// Verify checks the signature and returns the raw JSON payload. Expiry is
// the caller's concern; Verify only answers "was this minted by us".
func (c *Codec) Verify(tok string) (json.RawMessage, error) {
	encoded, sig, ok := strings.Cut(tok, ".")
	if !ok || encoded == "" || sig == "" {
		return nil, ErrMalformed
	}
	if !hmac.Equal([]byte(c.digest(encoded)), []byte(sig)) {
		return nil, ErrBadSignature
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed
	}
	if !json.Valid(payload) {
		return nil, ErrMalformed
	}
	return payload, nil
}

func (c *Codec) digest(encoded string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

// DecodePersonal parses a verified payload into PersonalClaims, requiring uid.
func DecodePersonal(payload json.RawMessage) (PersonalClaims, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return PersonalClaims{}, ErrMalformed
	}
	if _, ok := probe["uid"]; !ok {
		return PersonalClaims{}, ErrMalformed
	}
	var claims PersonalClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return PersonalClaims{}, ErrMalformed
	}
	return claims, nil
}

// DecodeSession parses a verified payload into SessionClaims, requiring sid.
func DecodeSession(payload json.RawMessage) (SessionClaims, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return SessionClaims{}, ErrMalformed
	}
	if _, ok := probe["sid"]; !ok {
		return SessionClaims{}, ErrMalformed
	}
	var claims SessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return SessionClaims{}, ErrMalformed
	}
	return claims, nil
}

// NewNonce returns size random bytes hex-encoded. Callers pass at least 12.
func NewNonce(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
