// Package archive exports the local mailbox to mbox files and
// optionally uploads them to S3-compatible storage.
package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-mbox"
	"github.com/pkg/errors"

	"github.com/mailpin/mailpin/internal/config"
	"github.com/mailpin/mailpin/pkg/utils"
)

const exportBatchSize = 200

// Source is the mailbox surface the exporter reads from.
type Source interface {
	SearchUIDs(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error)
	FetchMeta(ctx context.Context, uids []imap.UID) ([]*imapclient.FetchMessageBuffer, error)
	FetchRaw(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error)
}

type uploaderAPI interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// Exporter writes mailbox snapshots in mbox format.
type Exporter struct {
	source   Source
	files    utils.FileManager
	logger   *slog.Logger
	uploader uploaderAPI
	bucket   string
}

type Option func(*Exporter) error

func WithSource(s Source) Option {
	return func(e *Exporter) error {
		e.source = s
		return nil
	}
}

func WithFileManager(fm utils.FileManager) Option {
	return func(e *Exporter) error {
		e.files = fm
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) error {
		e.logger = logger
		return nil
	}
}

// WithS3 configures uploads against an S3-compatible endpoint.
func WithS3(env config.S3Env) Option {
	return func(e *Exporter) error {
		sess, err := session.NewSession(&aws.Config{
			Region:           aws.String(env.Region),
			Endpoint:         aws.String(env.Endpoint),
			Credentials:      credentials.NewStaticCredentials(env.Key, env.Secret, ""),
			S3ForcePathStyle: aws.Bool(true),
		})
		if err != nil {
			return errors.Wrap(err, "creating AWS session")
		}
		e.uploader = s3manager.NewUploader(sess)
		e.bucket = env.Bucket
		return nil
	}
}

func withUploader(u uploaderAPI, bucket string) Option {
	return func(e *Exporter) error {
		e.uploader = u
		e.bucket = bucket
		return nil
	}
}

func New(opts ...Option) (*Exporter, error) {
	e := &Exporter{
		files:  utils.OSFileManager{},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.source == nil {
		return nil, errors.New("a mailbox source is required")
	}
	return e, nil
}

// ExportMbox writes every message in the mailbox to an mbox file at
// path and returns the number of messages written.
func (e *Exporter) ExportMbox(ctx context.Context, path string) (int, error) {
	uids, err := e.source.SearchUIDs(ctx, &imap.SearchCriteria{})
	if err != nil {
		return 0, errors.Wrap(err, "listing messages")
	}

	out, err := e.files.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "creating mbox file")
	}
	w := mbox.NewWriter(writerAdapter{out})

	written := 0
	for start := 0; start < len(uids); start += exportBatchSize {
		end := start + exportBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		raws, err := e.source.FetchRaw(ctx, batch)
		if err != nil {
			return written, errors.Wrap(err, "fetching message bodies")
		}
		metas, err := e.source.FetchMeta(ctx, batch)
		if err != nil {
			return written, errors.Wrap(err, "fetching message metadata")
		}

		for _, meta := range metas {
			raw, ok := raws[meta.UID]
			if !ok {
				continue
			}
			from := "unknown@unknown"
			date := time.Now()
			if env := meta.Envelope; env != nil {
				if len(env.From) > 0 {
					from = env.From[0].Addr()
				}
				if !env.Date.IsZero() {
					date = env.Date
				}
			}
			mw, err := w.CreateMessage(from, date)
			if err != nil {
				return written, errors.Wrap(err, "creating mbox entry")
			}
			if _, err := mw.Write(raw); err != nil {
				return written, errors.Wrap(err, "writing mbox entry")
			}
			written++
		}
	}

	if err := w.Close(); err != nil {
		return written, errors.Wrap(err, "closing mbox")
	}
	if err := out.Flush(); err != nil {
		return written, errors.Wrap(err, "flushing mbox file")
	}

	e.logger.InfoContext(ctx, "mailbox exported", slog.String("path", path), slog.Int("messages", written))
	return written, nil
}

// Upload pushes an exported archive to the configured S3 bucket.
func (e *Exporter) Upload(ctx context.Context, key string, body io.Reader) error {
	if e.uploader == nil {
		return errors.New("S3 upload is not configured")
	}
	_, err := e.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return errors.Wrapf(err, "uploading %s", key)
	}
	e.logger.InfoContext(ctx, "archive uploaded", slog.String("bucket", e.bucket), slog.String("key", key))
	return nil
}

// writerAdapter narrows a buffered utils.Writer to io.Writer for the
// mbox encoder.
type writerAdapter struct {
	w utils.Writer
}

func (a writerAdapter) Write(p []byte) (int, error) {
	return a.w.Write(p)
}
