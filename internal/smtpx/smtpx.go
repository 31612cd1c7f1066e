// Package smtpx composes outgoing messages and submits them over SMTP.
package smtpx

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Draft metadata headers carried on locally composed messages.
const (
	HeaderThreadID = "X-Thread-ID"
	HeaderDraftID  = "X-Draft-ID"
)

// Sender submits messages to an SMTP relay.
type Sender struct {
	Host     string
	Port     int
	Username string
	Password string

	// DisableStartTLS turns off the STARTTLS upgrade; only for tests
	// against local servers.
	DisableStartTLS bool
}

// Send submits a raw message. The connection is opened per call since
// mailpin sends rarely.
func (s *Sender) Send(from string, to []string, raw []byte) error {
	if strings.TrimSpace(s.Host) == "" {
		return errors.New("SMTP host is required")
	}
	if len(to) == 0 {
		return errors.New("at least one recipient is required")
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	var client *smtp.Client
	var err error
	if s.DisableStartTLS {
		client, err = smtp.Dial(addr)
	} else {
		client, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: s.Host})
	}
	if err != nil {
		return errors.Wrap(err, "connecting to SMTP server")
	}
	defer client.Close()

	if s.Password != "" {
		auth := sasl.NewPlainClient("", s.Username, s.Password)
		if err := client.Auth(auth); err != nil {
			return errors.Wrap(err, "SMTP authentication")
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return errors.Wrap(err, "MAIL FROM")
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return errors.Wrapf(err, "RCPT TO %s", rcpt)
		}
	}

	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "DATA")
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "writing message data")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "finishing message data")
	}

	return client.Quit()
}

// Compose describes an outgoing message before it is rendered to wire
// format.
type Compose struct {
	From       *mail.Address
	To         []*mail.Address
	Cc         []*mail.Address
	Subject    string
	Text       string
	InReplyTo  string
	References []string
	ThreadID   string
	DraftID    string
	Date       time.Time
}

// Render builds the RFC 5322 form of the message. Missing message,
// draft, and thread identifiers are generated.
func (c *Compose) Render() ([]byte, string, error) {
	if c.From == nil {
		return nil, "", errors.New("a sender address is required")
	}

	if c.DraftID == "" {
		c.DraftID = "<" + uuid.NewString() + "@mailpin>"
	}
	msgID := strings.Trim(uuid.NewString(), "<>")
	domain := "mailpin"
	if at := strings.LastIndex(c.From.Address, "@"); at >= 0 {
		domain = c.From.Address[at+1:]
	}
	messageID := fmt.Sprintf("%s@%s", msgID, domain)

	date := c.Date
	if date.IsZero() {
		date = time.Now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{c.From})
	if len(c.To) > 0 {
		h.SetAddressList("To", c.To)
	}
	if len(c.Cc) > 0 {
		h.SetAddressList("Cc", c.Cc)
	}
	h.SetSubject(c.Subject)
	h.SetMessageID(messageID)
	if c.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(c.InReplyTo, "<>")})
	}
	if len(c.References) > 0 {
		refs := make([]string, 0, len(c.References))
		for _, ref := range c.References {
			refs = append(refs, strings.Trim(ref, "<>"))
		}
		h.SetMsgIDList("References", refs)
	}
	h.Set(HeaderDraftID, c.DraftID)
	if c.ThreadID != "" {
		h.Set(HeaderThreadID, c.ThreadID)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", errors.Wrap(err, "creating message writer")
	}
	if _, err := io.WriteString(w, c.Text); err != nil {
		_ = w.Close()
		return nil, "", errors.Wrap(err, "writing message body")
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "finishing message")
	}

	return buf.Bytes(), "<" + messageID + ">", nil
}

// Recipients lists every envelope recipient address of the message.
func (c *Compose) Recipients() []string {
	out := make([]string, 0, len(c.To)+len(c.Cc))
	for _, a := range c.To {
		out = append(out, a.Address)
	}
	for _, a := range c.Cc {
		out = append(out, a.Address)
	}
	return out
}
