// Package message holds the parsed email model and the formatting
// helpers the view layer renders with.
package message

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"
)

// NoTextPlaceholder is rendered when a message has no readable body.
const NoTextPlaceholder = "(no text)"

// Address is a display-ready sender or recipient.
type Address struct {
	Name  string `json:"name"`
	Addr  string `json:"addr"`
	Hash  string `json:"hash"`
	Query string `json:"query"`
	// Expander is non-zero on the synthetic entry standing in for
	// collapsed addresses; it carries the hidden count.
	Expander int `json:"expander,omitempty"`
}

// Attachment describes one downloadable MIME part.
type Attachment struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// Email is the unit the web layer lists and renders.
type Email struct {
	UID        uint32       `json:"uid"`
	MsgID      string       `json:"msgid"`
	ThreadID   string       `json:"thrid,omitempty"`
	Parent     string       `json:"parent,omitempty"`
	DraftID    string       `json:"draft_id,omitempty"`
	From       *Address     `json:"from,omitempty"`
	FromList   []Address    `json:"from_list"`
	To         []Address    `json:"to,omitempty"`
	CC         []Address    `json:"cc,omitempty"`
	Subject    string       `json:"subject"`
	Date       time.Time    `json:"date"`
	Text       string       `json:"text,omitempty"`
	HTML       string       `json:"html,omitempty"`
	Preview    string       `json:"preview"`
	Tags       []string     `json:"tags"`
	IsUnread   bool         `json:"is_unread"`
	IsPinned   bool         `json:"is_pinned"`
	IsDraft    bool         `json:"is_draft"`
	Files      []Attachment `json:"files"`
	TimeHuman  string       `json:"time_human,omitempty"`
	TimeTitle  string       `json:"time_title,omitempty"`
	RawURL     string       `json:"url_raw,omitempty"`
	AddrsCount int          `json:"count,omitempty"`
	// ThreadCount is set on thread listing rows only.
	ThreadCount int `json:"thread_count,omitempty"`
}

// GravatarHash returns the gravatar lookup hash for an address.
func GravatarHash(addr string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(addr))))
	return hex.EncodeToString(sum[:])
}

const previewLimit = 200

// BuildPreview produces the short list-view excerpt of a body. Bodies
// without any text render the placeholder.
func BuildPreview(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return NoTextPlaceholder
	}
	if utf8.RuneCountInString(collapsed) <= previewLimit {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:previewLimit])
}
