package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"

	"github.com/mailpin/mailpin/internal/archive"
	"github.com/mailpin/mailpin/internal/config"
	"github.com/mailpin/mailpin/internal/imapx"
	"github.com/mailpin/mailpin/internal/query"
	"github.com/mailpin/mailpin/internal/smtpx"
	"github.com/mailpin/mailpin/internal/store"
	"github.com/mailpin/mailpin/internal/syncer"
	"github.com/mailpin/mailpin/internal/tags"
	"github.com/mailpin/mailpin/internal/watch"
	"github.com/mailpin/mailpin/internal/web"
	"github.com/mailpin/mailpin/pkg/telemetry"
)

const defaultEnvFile = ".env"

var tracer = otel.Tracer("mailpin/cmd")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mailpin",
		Usage: "tag-based webmail over an IMAP backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML settings file",
				EnvVars: []string{"MAILPIN_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			return loadEnvFile()
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the webmail HTTP server",
				Action: serveAction,
			},
			{
				Name:  "sync",
				Usage: "fetch new mail from the remote account and sync flags",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "archive", Usage: "export the local mailbox to mbox (and S3 when configured) after syncing"},
					&cli.StringFlag{Name: "mbox", Value: "mailpin.mbox", Usage: "mbox output path for --archive"},
				},
				Action: syncAction,
			},
			{
				Name:   "watch",
				Usage:  "IDLE on the remote inbox and sync on new mail",
				Action: watchAction,
			},
			{
				Name:   "tags",
				Usage:  "list known tags with unread and pinned counts",
				Action: tagsAction,
			},
		},
	}
}

func loadEnvFile() error {
	if _, err := os.Stat(defaultEnvFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(defaultEnvFile)
}

func loadSettings(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func dialMailbox(account config.RemoteAccount, mailbox string) (*imapx.Client, error) {
	client := &imapx.Client{
		Addr:     fmt.Sprintf("%s:%d", account.Host, account.Port),
		Username: account.User,
		Password: account.Pass,
		Mailbox:  mailbox,
	}
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

// seedTags registers the tags declared in the settings file.
func seedTags(ctx context.Context, st *store.Store, seeds []config.TagSeed) error {
	for _, seed := range seeds {
		name := strings.TrimSpace(seed.Name)
		if name == "" {
			continue
		}
		tag := store.Tag{ID: strings.ToLower(name), Name: name, Color: seed.Color}
		if err := st.UpsertTag(ctx, tag); err != nil {
			return err
		}
	}
	return nil
}

func serveAction(c *cli.Context) error {
	ctx := c.Context
	shutdown, err := telemetry.Setup(ctx)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())
	logger := telemetry.Logger("mailpin.serve")

	cfg, err := loadSettings(c)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, config.Summary(cfg))

	local, err := config.LocalIMAPFromEnv()
	if err != nil {
		return err
	}
	account, err := config.LocalAccountFromEnv()
	if err != nil {
		return err
	}
	sessionKey, err := config.SessionKeyFromEnv()
	if err != nil {
		return err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := seedTags(ctx, st, cfg.Tags); err != nil {
		return err
	}

	mailbox, err := dialMailbox(account, "All")
	if err != nil {
		return err
	}
	defer mailbox.Close()

	var sender *smtpx.Sender
	if smtpEnv, err := config.SMTPFromEnv(); err == nil {
		sender = &smtpx.Sender{
			Host:     smtpEnv.Host,
			Port:     smtpEnv.Port,
			Username: account.User,
			Password: account.Pass,
		}
	} else {
		logger.Info("smtp submission disabled", "reason", err.Error())
	}

	addr := fmt.Sprintf("%s:%d", local.Host, local.Port)
	srv, err := web.New(
		web.WithMailbox(mailbox),
		web.WithStore(st),
		web.WithConfig(cfg),
		web.WithLocalIMAP(local),
		web.WithSender(sender),
		web.WithSessionKey(sessionKey),
		web.WithLogger(logger),
		web.WithLogin(func(username, password string) error {
			probe := &imapx.Client{Addr: addr, Username: username, Password: password}
			if err := probe.Connect(); err != nil {
				return err
			}
			return probe.Close()
		}),
	)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen()
	}()
	logger.Info("serving", "listen", cfg.Listen)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Shutdown()
	case err := <-errCh:
		return err
	}
}

func syncAction(c *cli.Context) error {
	ctx := c.Context
	shutdown, err := telemetry.Setup(ctx)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())
	logger := telemetry.Logger("mailpin.sync")

	ctx, span := tracer.Start(ctx, "sync")
	defer span.End()

	cfg, err := loadSettings(c)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	account, err := config.LocalAccountFromEnv()
	if err != nil {
		return err
	}
	local, err := dialMailbox(account, "All")
	if err != nil {
		return err
	}
	defer local.Close()

	remote, ok, err := config.RemoteAccountFromEnv()
	if err != nil {
		return err
	}
	if ok {
		remoteClient, err := dialMailbox(remote, "INBOX")
		if err != nil {
			return err
		}
		defer remoteClient.Close()

		sync, err := syncer.New(
			syncer.WithLocal(local),
			syncer.WithRemote(remoteClient),
			syncer.WithStore(st),
			syncer.WithLogger(logger),
			syncer.WithRemoteIdentity(remote.Host, remote.User),
		)
		if err != nil {
			return err
		}
		if err := sync.Sync(ctx); err != nil {
			return err
		}
		logger.Info("sync complete")
	} else {
		logger.Info("no remote account configured, skipping fetch")
	}

	if !c.Bool("archive") {
		return nil
	}
	return runArchive(ctx, c, local, logger)
}

func runArchive(ctx context.Context, c *cli.Context, source archive.Source, logger *slog.Logger) error {
	opts := []archive.Option{
		archive.WithSource(source),
		archive.WithLogger(logger),
	}
	if config.ArchiveEnabled() {
		s3Env, err := config.S3FromEnv()
		if err != nil {
			return err
		}
		opts = append(opts, archive.WithS3(s3Env))
	}
	exporter, err := archive.New(opts...)
	if err != nil {
		return err
	}

	path := c.String("mbox")
	count, err := exporter.ExportMbox(ctx, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "exported %d messages to %s\n", count, path)

	if !config.ArchiveEnabled() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	key := fmt.Sprintf("mailpin/%s-%s", time.Now().UTC().Format("20060102T150405Z"), "all.mbox")
	if err := exporter.Upload(ctx, key, f); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "uploaded archive as %s\n", key)
	return nil
}

func watchAction(c *cli.Context) error {
	ctx := c.Context
	shutdown, err := telemetry.Setup(ctx)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())
	logger := telemetry.Logger("mailpin.watch")

	cfg, err := loadSettings(c)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	account, err := config.LocalAccountFromEnv()
	if err != nil {
		return err
	}
	local, err := dialMailbox(account, "All")
	if err != nil {
		return err
	}
	defer local.Close()

	remote, ok, err := config.RemoteAccountFromEnv()
	if err != nil {
		return err
	}
	if !ok {
		return cli.Exit("watch requires a remote account", 1)
	}

	updateCh := make(chan uint32, 1)
	remoteClient := &imapx.Client{
		Addr:                  fmt.Sprintf("%s:%d", remote.Host, remote.Port),
		Username:              remote.User,
		Password:              remote.Pass,
		Mailbox:               "INBOX",
		UnilateralDataHandler: watch.NewUpdateHandler(updateCh),
	}
	if err := remoteClient.Connect(); err != nil {
		return err
	}
	defer remoteClient.Close()

	sync, err := syncer.New(
		syncer.WithLocal(local),
		syncer.WithRemote(remoteClient),
		syncer.WithStore(st),
		syncer.WithLogger(logger),
		syncer.WithRemoteIdentity(remote.Host, remote.User),
	)
	if err != nil {
		return err
	}

	runner := &watch.Runner{
		Client:  remoteClient,
		Mailbox: "INBOX",
		Deps: watch.Deps{
			Ctx:  ctx,
			Log:  logger,
			Sync: sync.Sync,
		},
	}
	return runner.Run(updateCh)
}

// uidSearcher is the slice of the IMAP client the tags command needs.
type uidSearcher interface {
	SearchUIDs(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error)
}

// tagSummary computes unread and pinned counts per tag id.
func tagSummary(ctx context.Context, mailbox uidSearcher, infos map[string]tags.Info) (tags.List, error) {
	for id, info := range infos {
		base := tags.Query(id)

		unseen, err := query.Parse(base)
		if err != nil {
			return tags.List{}, err
		}
		unseen.Criteria.And(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}})
		unread, err := mailbox.SearchUIDs(ctx, unseen.Criteria)
		if err != nil {
			return tags.List{}, err
		}
		info.Unread = len(unread)

		pinned, err := query.Parse(base)
		if err != nil {
			return tags.List{}, err
		}
		pinned.Criteria.And(&imap.SearchCriteria{Flag: []imap.Flag{imap.FlagFlagged}})
		flagged, err := mailbox.SearchUIDs(ctx, pinned.Criteria)
		if err != nil {
			return tags.List{}, err
		}
		info.Pinned = len(flagged)

		infos[id] = info
	}
	return tags.Wrap(infos, []string{"#inbox", "\\Flagged", "\\Draft", "#sent", "#spam", "#trash"}), nil
}

func tagsAction(c *cli.Context) error {
	ctx := c.Context

	cfg, err := loadSettings(c)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	account, err := config.LocalAccountFromEnv()
	if err != nil {
		return err
	}
	mailbox, err := dialMailbox(account, "All")
	if err != nil {
		return err
	}
	defer mailbox.Close()

	stored, err := st.ListTags(ctx)
	if err != nil {
		return err
	}
	infos := map[string]tags.Info{
		"#inbox": {}, "\\Flagged": {}, "\\Draft": {}, "#sent": {}, "#spam": {}, "#trash": {},
	}
	for _, tag := range stored {
		infos[tag.ID] = tags.Info{Name: tag.Name, Color: tag.Color}
	}

	list, err := tagSummary(ctx, mailbox, infos)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tNAME\tUNREAD\tPINNED")
	for _, id := range list.IDs {
		info := list.Info[id]
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", id, info.Name, info.Unread, info.Pinned)
	}
	return w.Flush()
}
