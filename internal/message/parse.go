package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message/mail"
)

// Parsed is the outcome of reading one raw RFC 5322 message.
type Parsed struct {
	MsgID      string
	InReplyTo  string
	References []string
	ThreadID   string
	DraftID    string
	Subject    string
	Date       time.Time
	From       []Address
	To         []Address
	CC         []Address
	Text       string
	HTML       string
	Files      []Attachment
}

// Parse reads a raw message: headers, inline text and HTML bodies, and
// attachment metadata. Each attachment is addressable by its position
// in the MIME walk ("1", "2", ...).
func Parse(raw []byte) (Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Parsed{}, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	var parsed Parsed
	parsed.Subject, _ = mr.Header.Subject()
	parsed.Date, _ = mr.Header.Date()
	parsed.MsgID, _ = mr.Header.MessageID()
	parsed.InReplyTo = strings.Trim(mr.Header.Get("In-Reply-To"), "<> ")
	parsed.ThreadID = strings.Trim(mr.Header.Get("X-Thread-ID"), "<> ")
	parsed.DraftID = strings.Trim(mr.Header.Get("X-Draft-ID"), "<> ")
	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		parsed.References = refs
	}
	parsed.From = headerAddresses(mr.Header, "From")
	parsed.To = headerAddresses(mr.Header, "To")
	parsed.CC = headerAddresses(mr.Header, "Cc")

	partNum := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		partNum++

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && parsed.Text == "":
				parsed.Text = string(body)
			case strings.HasPrefix(contentType, "text/html") && parsed.HTML == "":
				parsed.HTML = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			parsed.Files = append(parsed.Files, Attachment{
				Path:        fmt.Sprintf("%d", partNum),
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(body)),
			})
		}
	}

	return parsed, nil
}

// Thread resolves the conversation id for this message: an explicit
// X-Thread-ID wins, then the oldest reference, then the message id.
func (p Parsed) Thread() string {
	if p.ThreadID != "" {
		return p.ThreadID
	}
	if len(p.References) > 0 {
		return p.References[0]
	}
	if p.InReplyTo != "" {
		return p.InReplyTo
	}
	return p.MsgID
}

// PreviewText returns the text to excerpt for list views. HTML-only
// bodies are converted to markdown so the excerpt reads as prose.
func (p Parsed) PreviewText() string {
	if strings.TrimSpace(p.Text) != "" {
		return p.Text
	}
	if strings.TrimSpace(p.HTML) != "" {
		converted, err := md.ConvertString(p.HTML)
		if err == nil {
			return converted
		}
	}
	return ""
}

// Part re-reads the message and returns the body and content type of
// the MIME part at the given walk position.
func Part(raw []byte, path string) ([]byte, string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	partNum := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", err
		}
		partNum++
		if fmt.Sprintf("%d", partNum) != path {
			continue
		}

		var contentType string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			contentType, _, _ = h.ContentType()
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, "", err
		}
		return body, contentType, nil
	}

	return nil, "", fmt.Errorf("no part %q", path)
}

func headerAddresses(h mail.Header, field string) []Address {
	list, err := h.AddressList(field)
	if err != nil {
		return nil
	}
	addrs := make([]Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, Address{
			Name: a.Name,
			Addr: a.Address,
			Hash: GravatarHash(a.Address),
		})
	}
	return addrs
}
