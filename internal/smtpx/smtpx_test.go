package smtpx

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(name, address string) *mail.Address {
	return &mail.Address{Name: name, Address: address}
}

func TestComposeRender(t *testing.T) {
	c := &Compose{
		From:      addr("Alice", "alice@example.com"),
		To:        []*mail.Address{addr("Bob", "bob@example.org")},
		Subject:   "Weekend plans",
		Text:      "Let's go hiking.",
		InReplyTo: "<parent@example.org>",
		ThreadID:  "<root@example.org>",
		Date:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, msgID, err := c.Render()
	require.NoError(t, err)

	text := string(raw)
	assert.Contains(t, text, "alice@example.com")
	assert.Contains(t, text, "Subject: Weekend plans")
	assert.Contains(t, text, "In-Reply-To: <parent@example.org>")
	// go-message canonicalizes header case on output
	assert.Contains(t, text, "X-Thread-Id: <root@example.org>")
	assert.Contains(t, text, "X-Draft-Id: ")
	assert.Contains(t, text, "Let's go hiking.")

	assert.True(t, strings.HasPrefix(msgID, "<"))
	assert.True(t, strings.HasSuffix(msgID, "@example.com>"))

	assert.Equal(t, []string{"bob@example.org"}, c.Recipients())
}

func TestComposeRenderRequiresFrom(t *testing.T) {
	c := &Compose{Subject: "no sender"}
	_, _, err := c.Render()
	assert.Error(t, err)
}

func TestSenderSend(t *testing.T) {
	backend, addrStr := newTestSMTPServer(t)
	host, portStr, err := net.SplitHostPort(addrStr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	sender := &Sender{
		Host:            host,
		Port:            port,
		Username:        "testuser",
		Password:        "testpass",
		DisableStartTLS: true,
	}

	c := &Compose{
		From:    addr("Alice", "alice@example.com"),
		To:      []*mail.Address{addr("Bob", "bob@example.org")},
		Subject: "Hello",
		Text:    "hi there",
	}
	raw, _, err := c.Render()
	require.NoError(t, err)

	require.NoError(t, sender.Send("alice@example.com", c.Recipients(), raw))

	msgs := backend.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice@example.com", msgs[0].From)
	assert.Equal(t, []string{"bob@example.org"}, msgs[0].To)
	assert.Contains(t, string(msgs[0].Data), "Subject: Hello")
}

func TestSenderRequiresRecipients(t *testing.T) {
	sender := &Sender{Host: "localhost", Port: 25}
	assert.Error(t, sender.Send("a@b", nil, []byte("x")))
}

type smtpTestMessage struct {
	From string
	To   []string
	Data []byte
}

type smtpTestBackend struct {
	mu       sync.Mutex
	messages []*smtpTestMessage
}

func (be *smtpTestBackend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &smtpTestSession{backend: be}, nil
}

func (be *smtpTestBackend) Messages() []*smtpTestMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*smtpTestMessage{}, be.messages...)
}

type smtpTestSession struct {
	backend *smtpTestBackend
	msg     *smtpTestMessage
}

func (s *smtpTestSession) AuthMechanisms() []string { return []string{"PLAIN"} }

func (s *smtpTestSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != "testuser" || password != "testpass" {
			return errors.New("invalid credentials")
		}
		return nil
	}), nil
}

func (s *smtpTestSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.msg = &smtpTestMessage{From: from}
	return nil
}

func (s *smtpTestSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpTestSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *smtpTestSession) Reset()        { s.msg = nil }
func (s *smtpTestSession) Logout() error { return nil }

var _ gosmtp.AuthSession = (*smtpTestSession)(nil)

func newTestSMTPServer(t *testing.T) (*smtpTestBackend, string) {
	t.Helper()

	be := &smtpTestBackend{}
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	return be, ln.Addr().String()
}
