// Package web serves the mailpin UI and its JSON API on Fiber.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"
	"github.com/pkg/errors"

	"github.com/mailpin/mailpin/internal/config"
	"github.com/mailpin/mailpin/internal/smtpx"
	"github.com/mailpin/mailpin/internal/store"
)

const sessionTTL = 7 * 24 * time.Hour

// Mailbox is the slice of the local IMAP connection the web layer
// uses.
type Mailbox interface {
	SearchUIDs(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error)
	FetchMeta(ctx context.Context, uids []imap.UID) ([]*imapclient.FetchMessageBuffer, error)
	FetchRaw(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error)
	StoreFlags(ctx context.Context, uids []imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error
	Append(ctx context.Context, mailbox string, raw []byte, flags []imap.Flag, date time.Time) (imap.UID, error)
}

// LoginFunc validates a username and password against the local IMAP
// server.
type LoginFunc func(username, password string) error

type Server struct {
	app     *fiber.App
	logger  *slog.Logger
	store   *store.Store
	mailbox Mailbox
	cfg     config.Config
	local   config.LocalIMAP
	sender  *smtpx.Sender
	login   LoginFunc
	codec   sessionCodec
	avatars *avatarService
	proxy   *http.Client

	now func() time.Time
}

type Option func(*Server) error

func WithMailbox(m Mailbox) Option {
	return func(s *Server) error {
		s.mailbox = m
		return nil
	}
}

func WithStore(st *store.Store) Option {
	return func(s *Server) error {
		s.store = st
		return nil
	}
}

func WithConfig(cfg config.Config) Option {
	return func(s *Server) error {
		s.cfg = cfg
		return nil
	}
}

func WithLocalIMAP(local config.LocalIMAP) Option {
	return func(s *Server) error {
		s.local = local
		return nil
	}
}

func WithSender(sender *smtpx.Sender) Option {
	return func(s *Server) error {
		s.sender = sender
		return nil
	}
}

func WithLogin(login LoginFunc) Option {
	return func(s *Server) error {
		s.login = login
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

func WithSessionKey(key string) Option {
	return func(s *Server) error {
		s.codec = sessionCodec{key: []byte(key), ttl: sessionTTL}
		return nil
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Server) error {
		s.avatars = newAvatarService(client)
		s.proxy = client
		return nil
	}
}

func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.mailbox == nil {
		return nil, errors.New("a local mailbox is required")
	}
	if s.store == nil {
		return nil, errors.New("a store is required")
	}
	if s.login == nil {
		return nil, errors.New("a login check is required")
	}
	if len(s.codec.key) == 0 {
		return nil, errors.New("a session key is required")
	}
	if s.avatars == nil {
		s.avatars = newAvatarService(nil)
	}
	if s.proxy == nil {
		s.proxy = &http.Client{
			Timeout: 15 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// follow at most one redirect
				if len(via) > 1 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
	}

	engine := html.New(s.cfg.ViewsDir, ".html")
	s.app = fiber.New(fiber.Config{
		Views:       engine,
		ViewsLayout: "layouts/main",
	})
	s.app.Use(otelfiber.Middleware())
	if s.cfg.AssetsDir != "" {
		s.app.Static("/assets", s.cfg.AssetsDir)
	}

	s.routes()
	return s, nil
}

// App exposes the underlying Fiber app, mainly for handler tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen blocks serving HTTP on the configured address.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Listen)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) routes() {
	s.app.Get("/login", s.loginPage)
	s.app.Post("/login", s.loginSubmit)
	s.app.Get("/logout", s.logout)
	s.app.Get("/nginx", s.nginxAuth)

	authed := s.app.Group("", s.requireSession)
	authed.Get("/", s.index)
	authed.Get("/tags", s.listTags)
	authed.Post("/tag", s.createTag)
	authed.Post("/search", s.search)
	authed.Post("/thrs/info", s.threadInfo)
	authed.Post("/msgs/info", s.messageInfo)
	authed.Post("/msgs/body", s.messageBodies)
	authed.Post("/msgs/flag", s.flagMessages)
	authed.Post("/thrs/link", s.linkThreads)
	authed.Post("/send", s.send)
	authed.Get("/raw/:uid", s.rawMessage)
	authed.Get("/raw/:uid/:part", s.rawPart)
	authed.Get("/raw/:uid/:part/:filename", s.rawPart)
	authed.Get("/avatars.css", s.avatarsCSS)
	authed.Get("/proxy", s.proxyImage)

	s.app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).Render("404", nil)
	})
}

// requireSession rejects unauthenticated API calls and redirects
// browser page loads to the login form.
func (s *Server) requireSession(c *fiber.Ctx) error {
	token := c.Cookies(sessionCookie)
	if token != "" {
		session, err := s.codec.decode(token)
		if err == nil {
			c.Locals("session", session)
			return c.Next()
		}
	}
	if c.Method() == fiber.MethodGet && c.Path() == "/" {
		return c.Redirect("/login")
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"errors": []string{"authentication required"}})
}

func (s *Server) session(c *fiber.Ctx) Session {
	session, _ := c.Locals("session").(Session)
	return session
}
