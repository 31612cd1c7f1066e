package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const sessionCookie = "mailpin_session"

// Session is what a signed login cookie carries. The IMAP password is
// never stored; the nginx auth endpoint handles IMAP logins directly.
type Session struct {
	Username string    `json:"username"`
	Timezone string    `json:"timezone"`
	Theme    string    `json:"theme,omitempty"`
	Expires  time.Time `json:"expires"`
}

// Location resolves the session timezone, falling back to UTC.
func (s Session) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type sessionCodec struct {
	key []byte
	ttl time.Duration
}

func (c sessionCodec) encode(s Session) (string, error) {
	if s.Expires.IsZero() {
		s.Expires = time.Now().Add(c.ttl)
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return "", errors.Wrap(err, "encoding session")
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + c.sign(body), nil
}

func (c sessionCodec) decode(token string) (Session, error) {
	var s Session
	body, sig, found := strings.Cut(token, ".")
	if !found {
		return s, errors.New("malformed session token")
	}
	if !hmac.Equal([]byte(c.sign(body)), []byte(sig)) {
		return s, errors.New("session signature mismatch")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return s, errors.Wrap(err, "decoding session")
	}
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, errors.Wrap(err, "decoding session")
	}
	if time.Now().After(s.Expires) {
		return s, errors.New("session expired")
	}
	return s, nil
}

func (c sessionCodec) sign(body string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
