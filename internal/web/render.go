package web

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailpin/mailpin/internal/message"
	"github.com/mailpin/mailpin/internal/store"
	"github.com/mailpin/mailpin/internal/tags"
)

const addressCollapseLimit = 4

// buildEmail turns a fetched message into its view model.
func buildEmail(uid uint32, flags []imap.Flag, raw []byte, loc *time.Location, now time.Time) (*message.Email, error) {
	parsed, err := message.Parse(raw)
	if err != nil {
		return nil, err
	}

	email := &message.Email{
		UID:      uid,
		MsgID:    parsed.MsgID,
		ThreadID: parsed.Thread(),
		Parent:   parsed.InReplyTo,
		DraftID:  parsed.DraftID,
		Subject:  parsed.Subject,
		Date:     parsed.Date,
		Text:     parsed.Text,
		HTML:     parsed.HTML,
		Preview:  message.BuildPreview(parsed.PreviewText()),
		To:       parsed.To,
		CC:       parsed.CC,
		RawURL:   fmt.Sprintf("/raw/%d", uid),
	}
	if len(parsed.From) > 0 {
		email.From = &parsed.From[0]
	}

	email.IsUnread = !hasFlag(flags, imap.FlagSeen)
	email.IsPinned = hasFlag(flags, imap.FlagFlagged)
	email.IsDraft = hasFlag(flags, imap.FlagDraft)
	email.Tags = tags.Clean(flagIDs(flags), nil, nil)

	for _, att := range parsed.Files {
		att.URL = fmt.Sprintf("/raw/%d/%s/%s", uid, att.Path, url.PathEscape(att.Filename))
		email.Files = append(email.Files, att)
	}

	email.TimeHuman = message.HumanizeTime(email.Date, now, loc)
	email.TimeTitle = message.FormatTime(email.Date, loc)
	return email, nil
}

// collapseSenders fills FromList with the thread's collapsed sender
// row.
func collapseSenders(email *message.Email, senders []message.Address) {
	email.AddrsCount = len(senders)
	email.FromList = message.CollapseAddresses(senders, addressCollapseLimit)
}

// threadGroup is one conversation in a :threads listing.
type threadGroup struct {
	thrid string
	uids  []uint32
	metas []store.MessageMeta
}

// groupThreads buckets search results into conversations using the
// cached thread ids, merging threads joined by explicit links.
func groupThreads(ctx context.Context, st *store.Store, uids []uint32) ([]threadGroup, error) {
	root := map[string]string{}
	groups := map[string]*threadGroup{}
	var order []string

	for _, uid := range uids {
		meta, ok, err := st.GetMessage(ctx, uid)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		thrid := meta.ThreadID
		if canonical, seen := root[thrid]; seen {
			thrid = canonical
		} else {
			linked, err := st.LinkedMessageIDs(ctx, meta.ThreadID)
			if err != nil {
				return nil, err
			}
			canonical = meta.ThreadID
			for _, id := range linked {
				if existing, seen := root[id]; seen {
					canonical = existing
					break
				}
			}
			for _, id := range linked {
				root[id] = canonical
			}
			root[meta.ThreadID] = canonical
			thrid = canonical
		}

		g, ok := groups[thrid]
		if !ok {
			g = &threadGroup{thrid: thrid}
			groups[thrid] = g
			order = append(order, thrid)
		}
		g.uids = append(g.uids, uid)
		g.metas = append(g.metas, meta)
	}

	out := make([]threadGroup, 0, len(order))
	for _, thrid := range order {
		out = append(out, *groups[thrid])
	}
	return out, nil
}

// latest returns the newest message of the group for the list row.
func (g threadGroup) latest() store.MessageMeta {
	best := g.metas[0]
	for _, meta := range g.metas[1:] {
		if meta.Date.After(best.Date) {
			best = meta
		}
	}
	return best
}

func (g threadGroup) tagUnion(hide []string) []string {
	seen := map[string]bool{}
	var union []string
	for _, meta := range g.metas {
		for _, id := range tags.Clean(meta.Flags, nil, hide) {
			if !seen[id] {
				seen[id] = true
				union = append(union, id)
			}
		}
	}
	sort.Strings(union)
	return union
}

func (g threadGroup) unread() bool {
	for _, meta := range g.metas {
		if !containsString(meta.Flags, string(imap.FlagSeen)) {
			return true
		}
	}
	return false
}

func flagIDs(flags []imap.Flag) []string {
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

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

// parseFlagList converts API flag names to IMAP flags, lowercasing
// system flag aliases.
func parseFlagList(names []string) []imap.Flag {
	out := make([]imap.Flag, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		switch strings.ToLower(name) {
		case "\\seen", "seen":
			out = append(out, imap.FlagSeen)
		case "\\flagged", "flagged", "pinned":
			out = append(out, imap.FlagFlagged)
		case "\\answered", "answered":
			out = append(out, imap.FlagAnswered)
		case "\\draft", "draft":
			out = append(out, imap.FlagDraft)
		case "\\deleted", "deleted":
			out = append(out, imap.FlagDeleted)
		default:
			out = append(out, imap.Flag(name))
		}
	}
	return out
}
