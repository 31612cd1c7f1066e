// Package syncer pulls mail from a remote IMAP account into the local
// store and keeps flags in sync between the two sides.
package syncer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomessage "github.com/emersion/go-message"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/mailpin/mailpin/internal/store"
	"github.com/mailpin/mailpin/pkg/utils"
)

// Provenance headers stamped onto every fetched message so the local
// copy can always be traced back to its remote origin.
const (
	HeaderSHA256       = "X-SHA256"
	HeaderRemoteHost   = "X-Remote-Host"
	HeaderRemoteLogin  = "X-Remote-Login"
	HeaderRemoteFolder = "X-Remote-Folder"
	HeaderRemoteUID    = "X-Remote-UID"
)

const fetchBatchSize = 500

// syncedFlags are the only flags propagated between the local and
// remote sides. Service tags ride along as IMAP keywords so moves
// into trash or spam survive a round trip.
var syncedFlags = []imap.Flag{imap.FlagSeen, imap.FlagFlagged, "#trash", "#spam", "#inbox"}

// Mailbox is the connection surface the syncer needs from either side.
type Mailbox interface {
	Selected() *imap.SelectData
	SelectMailbox(name string) (*imap.SelectData, error)
	SearchUIDs(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error)
	FetchMeta(ctx context.Context, uids []imap.UID) ([]*imapclient.FetchMessageBuffer, error)
	FetchRaw(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error)
	FetchChangedSince(ctx context.Context, modSeq uint64) ([]*imapclient.FetchMessageBuffer, error)
	StoreFlags(ctx context.Context, uids []imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error
	Append(ctx context.Context, mailbox string, raw []byte, flags []imap.Flag, date time.Time) (imap.UID, error)
	Status(mailbox string) (*imap.StatusData, error)
	ListMailboxes() ([]*imap.ListData, error)
}

// Syncer copies mail from one remote account into the local all-mail
// mailbox and reconciles flag changes in both directions.
type Syncer struct {
	local        Mailbox
	remote       Mailbox
	store        *store.Store
	logger       *slog.Logger
	remoteHost   string
	remoteLogin  string
	localMailbox string

	// SkipDrafts leaves remote draft messages alone; drafts are
	// composed locally.
	SkipDrafts bool
}

type Option func(*Syncer) error

func WithLocal(m Mailbox) Option {
	return func(s *Syncer) error {
		s.local = m
		return nil
	}
}

func WithRemote(m Mailbox) Option {
	return func(s *Syncer) error {
		s.remote = m
		return nil
	}
}

func WithStore(st *store.Store) Option {
	return func(s *Syncer) error {
		s.store = st
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) error {
		s.logger = logger
		return nil
	}
}

func WithRemoteIdentity(host, login string) Option {
	return func(s *Syncer) error {
		s.remoteHost = host
		s.remoteLogin = login
		return nil
	}
}

func WithLocalMailbox(name string) Option {
	return func(s *Syncer) error {
		s.localMailbox = name
		return nil
	}
}

func New(opts ...Option) (*Syncer, error) {
	s := &Syncer{
		logger:       slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		localMailbox: "All",
		SkipDrafts:   true,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.local == nil {
		return nil, errors.New("local mailbox is required")
	}
	if s.remote == nil {
		return nil, errors.New("remote mailbox is required")
	}
	if s.store == nil {
		return nil, errors.New("store is required")
	}
	return s, nil
}

// RemoteFolder is one syncable folder on the remote side with the tag
// its messages receive locally.
type RemoteFolder struct {
	Name string
	Tag  string
	Skip bool
}

// ClassifyFolders maps remote mailboxes to local tags using their
// SPECIAL-USE attributes. Draft folders and virtual all-mail folders
// are skipped.
func ClassifyFolders(mailboxes []*imap.ListData) []RemoteFolder {
	out := make([]RemoteFolder, 0, len(mailboxes))
	for _, mb := range mailboxes {
		folder := RemoteFolder{Name: mb.Mailbox}
		if mb.Mailbox == "INBOX" {
			folder.Tag = "#inbox"
		}
		for _, attr := range mb.Attrs {
			switch attr {
			case imap.MailboxAttrJunk:
				folder.Tag = "#spam"
			case imap.MailboxAttrTrash:
				folder.Tag = "#trash"
			case imap.MailboxAttrSent:
				folder.Tag = "#sent"
			case imap.MailboxAttrDrafts, imap.MailboxAttrAll, imap.MailboxAttrNoSelect:
				folder.Skip = true
			}
		}
		out = append(out, folder)
	}
	return out
}

// Sync fetches new mail from every syncable remote folder and then
// reconciles flags. Folder errors are collected rather than aborting
// the whole run.
func (s *Syncer) Sync(ctx context.Context) error {
	mailboxes, err := s.remote.ListMailboxes()
	if err != nil {
		return errors.Wrap(err, "listing remote mailboxes")
	}

	var result *multierror.Error
	folders := ClassifyFolders(mailboxes)
	for _, folder := range folders {
		if folder.Skip {
			continue
		}
		if err := s.FetchFolder(ctx, folder); err != nil {
			s.logger.ErrorContext(ctx, err.Error(),
				slog.String("folder", folder.Name),
				slog.Any("error", utils.WrapError(err)))
			result = multierror.Append(result, errors.Wrapf(err, "fetching %q", folder.Name))
		}
	}

	if err := s.SyncFlags(ctx, folders); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// FetchFolder copies messages the local store has not seen yet from
// one remote folder into the local mailbox. A UIDVALIDITY change on
// the remote resets the saved position and refetches; the SHA-256
// dedup keeps refetched messages from duplicating.
func (s *Syncer) FetchFolder(ctx context.Context, folder RemoteFolder) error {
	key := s.accountKey(folder.Name)
	state, err := s.store.GetSyncState(ctx, key)
	if err != nil {
		return err
	}

	// a STATUS round trip is cheaper than SELECT plus SEARCH when
	// nothing arrived since the last run
	if status, err := s.remote.Status(folder.Name); err == nil && status != nil &&
		status.UIDValidity == state.UIDValidity && uint32(status.UIDNext) == state.UIDNext {
		s.logger.DebugContext(ctx, "folder unchanged", slog.String("folder", folder.Name))
		return nil
	}

	sel, err := s.remote.SelectMailbox(folder.Name)
	if err != nil {
		return errors.Wrap(err, "selecting remote folder")
	}
	if state.UIDValidity != sel.UIDValidity {
		s.logger.InfoContext(ctx, "remote UIDVALIDITY changed, refetching folder",
			slog.String("folder", folder.Name),
			slog.Uint64("old", uint64(state.UIDValidity)),
			slog.Uint64("new", uint64(sel.UIDValidity)))
		state.UIDNext = 1
		state.ModSeq = 0
	}

	var pending imap.UIDSet
	pending.AddRange(imap.UID(state.UIDNext), 0)
	found, err := s.remote.SearchUIDs(ctx, &imap.SearchCriteria{UID: []imap.UIDSet{pending}})
	if err != nil {
		return errors.Wrap(err, "searching new messages")
	}

	// N:* always matches the highest-UID message even when its UID is
	// below N, so the result still needs the lower bound applied
	uids := found[:0]
	for _, uid := range found {
		if uid >= imap.UID(state.UIDNext) {
			uids = append(uids, uid)
		}
	}

	known, err := s.store.KnownHashes(ctx)
	if err != nil {
		return err
	}

	fetched := 0
	for start := 0; start < len(uids); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		n, err := s.fetchBatch(ctx, folder, uids[start:end], known)
		if err != nil {
			return err
		}
		fetched += n
	}

	// modseq is advanced by SyncFlags once the flag window has been
	// consumed; persisting it here would skip every change made since
	// the previous run
	state.UIDValidity = sel.UIDValidity
	state.UIDNext = uint32(sel.UIDNext)
	if err := s.store.PutSyncState(ctx, state); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "folder fetched",
		slog.String("folder", folder.Name),
		slog.Int("new", fetched),
		slog.Int("seen", len(uids)-fetched))
	return nil
}

func (s *Syncer) fetchBatch(ctx context.Context, folder RemoteFolder, uids []imap.UID, known map[string]bool) (int, error) {
	raws, err := s.remote.FetchRaw(ctx, uids)
	if err != nil {
		return 0, errors.Wrap(err, "fetching message bodies")
	}
	metas, err := s.remote.FetchMeta(ctx, uids)
	if err != nil {
		return 0, errors.Wrap(err, "fetching message metadata")
	}

	fetched := 0
	var rows []store.MessageMeta
	for _, meta := range metas {
		raw, ok := raws[meta.UID]
		if !ok {
			continue
		}
		if s.SkipDrafts && hasFlag(meta.Flags, imap.FlagDraft) {
			continue
		}

		digest := sha256.Sum256(raw)
		sum := hex.EncodeToString(digest[:])
		if known[sum] {
			continue
		}
		known[sum] = true

		flags := localFlags(meta.Flags, folder.Tag)
		stamped := withProvenance(raw, [][2]string{
			{HeaderSHA256, sum},
			{HeaderRemoteHost, s.remoteHost},
			{HeaderRemoteLogin, s.remoteLogin},
			{HeaderRemoteFolder, folder.Name},
			{HeaderRemoteUID, strconv.FormatUint(uint64(meta.UID), 10)},
		})

		var date time.Time
		if meta.Envelope != nil {
			date = meta.Envelope.Date
		}
		localUID, err := s.local.Append(ctx, s.localMailbox, stamped, flags, date)
		if err != nil {
			return fetched, errors.Wrapf(err, "storing remote UID %d", meta.UID)
		}
		fetched++

		row := store.MessageMeta{
			UID:    uint32(localUID),
			SHA256: sum,
			Flags:  flagStrings(flags),
		}
		if env := meta.Envelope; env != nil {
			row.MsgID = strings.Trim(env.MessageID, "<> ")
			row.ThreadID = row.MsgID
			if len(env.InReplyTo) > 0 {
				row.ThreadID = strings.Trim(env.InReplyTo[0], "<> ")
			}
			row.Subject = env.Subject
			row.Date = env.Date
			if len(env.From) > 0 {
				row.Sender = env.From[0].Addr()
			}
		}
		rows = append(rows, row)
	}

	if err := s.store.UpsertMessages(ctx, rows); err != nil {
		return fetched, err
	}
	return fetched, nil
}

// SyncFlags reconciles flag changes since the last run using CONDSTORE
// MODSEQs. When the same message changed on both sides the local state
// wins. The local change window is fetched once and its modseq is
// persisted only after every folder has consumed it.
func (s *Syncer) SyncFlags(ctx context.Context, folders []RemoteFolder) error {
	if _, err := s.local.SelectMailbox(s.localMailbox); err != nil {
		return errors.Wrap(err, "selecting local mailbox")
	}
	localKey := "local/" + s.localMailbox
	localState, err := s.store.GetSyncState(ctx, localKey)
	if err != nil {
		return err
	}

	localChanged, err := s.local.FetchChangedSince(ctx, localState.ModSeq)
	if err != nil {
		return errors.Wrap(err, "fetching local changes")
	}

	var result *multierror.Error
	for _, folder := range folders {
		if folder.Skip {
			continue
		}
		if err := s.syncFolderFlags(ctx, folder, localChanged); err != nil {
			s.logger.ErrorContext(ctx, err.Error(),
				slog.String("folder", folder.Name),
				slog.Any("error", utils.WrapError(err)))
			result = multierror.Append(result, errors.Wrapf(err, "syncing flags for %q", folder.Name))
		}
	}

	if sel := s.local.Selected(); sel != nil {
		localState.UIDValidity = sel.UIDValidity
		localState.ModSeq = sel.HighestModSeq
		if localState.UIDNext < uint32(sel.UIDNext) {
			localState.UIDNext = uint32(sel.UIDNext)
		}
	}
	if err := s.store.PutSyncState(ctx, localState); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Syncer) syncFolderFlags(ctx context.Context, folder RemoteFolder, localChanged []*imapclient.FetchMessageBuffer) error {
	// local to remote first, remembering which remote UIDs the local
	// side already decided
	decided := map[imap.UID]bool{}
	remoteSel, err := s.remote.SelectMailbox(folder.Name)
	if err != nil {
		return errors.Wrap(err, "selecting remote folder")
	}
	implied := imap.Flag(folder.Tag)
	for _, msg := range localChanged {
		remoteFolder, remoteUID, err := s.provenance(ctx, msg.UID)
		if err != nil {
			return err
		}
		if remoteFolder != folder.Name {
			continue
		}
		if err := s.applyFlags(ctx, s.remote, remoteUID, msg.Flags, implied); err != nil {
			return errors.Wrapf(err, "pushing flags for remote UID %d", remoteUID)
		}
		decided[remoteUID] = true
	}

	key := s.accountKey(folder.Name)
	remoteState, err := s.store.GetSyncState(ctx, key)
	if err != nil {
		return err
	}
	remoteChanged, err := s.remote.FetchChangedSince(ctx, remoteState.ModSeq)
	if err != nil {
		return errors.Wrap(err, "fetching remote changes")
	}
	for _, msg := range remoteChanged {
		if decided[msg.UID] {
			continue
		}
		localUIDs, err := s.local.SearchUIDs(ctx, &imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{
				{Key: HeaderRemoteFolder, Value: folder.Name},
				{Key: HeaderRemoteUID, Value: strconv.FormatUint(uint64(msg.UID), 10)},
			},
		})
		if err != nil {
			return errors.Wrap(err, "locating local copy")
		}
		wanted := msg.Flags
		if implied != "" && !hasFlag(wanted, implied) {
			wanted = append(append([]imap.Flag{}, wanted...), implied)
		}
		for _, localUID := range localUIDs {
			if err := s.applyFlags(ctx, s.local, localUID, wanted, ""); err != nil {
				return errors.Wrapf(err, "pulling flags for local UID %d", localUID)
			}
		}
	}

	remoteState.UIDValidity = remoteSel.UIDValidity
	remoteState.ModSeq = remoteSel.HighestModSeq
	if remoteState.UIDNext < uint32(remoteSel.UIDNext) {
		remoteState.UIDNext = uint32(remoteSel.UIDNext)
	}
	return s.store.PutSyncState(ctx, remoteState)
}

// applyFlags makes the synced subset of flags on one side match the
// wanted set, leaving every other flag and keyword alone. implied is
// a tag the side carries by folder membership rather than as a
// keyword; it is never added or removed explicitly.
func (s *Syncer) applyFlags(ctx context.Context, side Mailbox, uid imap.UID, wanted []imap.Flag, implied imap.Flag) error {
	current, err := side.FetchMeta(ctx, []imap.UID{uid})
	if err != nil {
		return err
	}
	if len(current) == 0 {
		return nil
	}

	var add, del []imap.Flag
	for _, flag := range syncedFlags {
		explicit := hasFlag(current[0].Flags, flag)
		has := explicit || (implied != "" && flag == implied)
		want := hasFlag(wanted, flag)
		switch {
		case want && !has:
			add = append(add, flag)
		case !want && explicit:
			del = append(del, flag)
		}
	}

	if len(add) > 0 {
		if err := side.StoreFlags(ctx, []imap.UID{uid}, imap.StoreFlagsAdd, add); err != nil {
			return err
		}
	}
	if len(del) > 0 {
		if err := side.StoreFlags(ctx, []imap.UID{uid}, imap.StoreFlagsDel, del); err != nil {
			return err
		}
	}
	return nil
}

// provenance reads the remote folder and UID headers off a local copy.
func (s *Syncer) provenance(ctx context.Context, localUID imap.UID) (string, imap.UID, error) {
	raws, err := s.local.FetchRaw(ctx, []imap.UID{localUID})
	if err != nil {
		return "", 0, errors.Wrap(err, "fetching local message")
	}
	raw, ok := raws[localUID]
	if !ok {
		return "", 0, nil
	}

	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return "", 0, errors.Wrap(err, "parsing local message")
	}
	folder := entity.Header.Get(HeaderRemoteFolder)
	uidText := entity.Header.Get(HeaderRemoteUID)
	if uidText == "" {
		return folder, 0, nil
	}
	uid, err := strconv.ParseUint(uidText, 10, 32)
	if err != nil {
		return "", 0, errors.Wrapf(err, "bad %s header", HeaderRemoteUID)
	}
	return folder, imap.UID(uid), nil
}

func (s *Syncer) accountKey(folder string) string {
	return fmt.Sprintf("%s/%s/%s", s.remoteHost, s.remoteLogin, folder)
}

func localFlags(remote []imap.Flag, tag string) []imap.Flag {
	var out []imap.Flag
	for _, flag := range remote {
		switch flag {
		case imap.FlagSeen, imap.FlagFlagged, imap.FlagAnswered:
			out = append(out, flag)
		}
	}
	if tag != "" {
		out = append(out, imap.Flag(tag))
	}
	return out
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, len(flags))
	for i, flag := range flags {
		out[i] = string(flag)
	}
	return out
}

func hasFlag(flags []imap.Flag, want imap.Flag) bool {
	for _, flag := range flags {
		if flag == want {
			return true
		}
	}
	return false
}

func withProvenance(raw []byte, headers [][2]string) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h[0])
		buf.WriteString(": ")
		buf.WriteString(h[1])
		buf.WriteString("\r\n")
	}
	buf.Write(raw)
	return buf.Bytes()
}
