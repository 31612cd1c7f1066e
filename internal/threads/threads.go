// Package threads assembles a single conversation for display: tag
// aggregation, repeated-subject collapsing, draft re-seating, and
// preload trimming for long threads.
package threads

import (
	"github.com/mailpin/mailpin/internal/message"
	"github.com/mailpin/mailpin/internal/tags"
)

// Thread is an assembled conversation.
type Thread struct {
	// UIDs in display order; Msgs holds the preloaded subset.
	UIDs []uint32
	Msgs map[uint32]*message.Email
	// Tags is the union across the thread.
	Tags []string
	// SameSubject lists UIDs whose subject repeats the previous
	// message's, so the view can collapse them.
	SameSubject []uint32
	// Hidden lists UIDs trimmed by preload; the view renders an
	// expander with this set.
	Hidden []uint32
}

// Assemble builds a thread from messages already sorted by date
// ascending. hideTags are filtered out of the aggregated tag set.
// preload limits how many messages arrive with full info; zero means
// everything.
func Assemble(ordered []*message.Email, hideTags []string, preload int) Thread {
	thr := Thread{Msgs: map[uint32]*message.Email{}}
	if len(ordered) == 0 {
		return thr
	}

	tagSet := map[string]bool{}
	for _, m := range ordered {
		thr.UIDs = append(thr.UIDs, m.UID)
		thr.Msgs[m.UID] = m
		for _, tag := range m.Tags {
			tagSet[tag] = true
		}
		// the thread view shows tags once, at the top
		m.Tags = []string{}
	}

	ids := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		ids = append(ids, tag)
	}
	thr.Tags = tags.Clean(ids, nil, hideTags)

	for i := 1; i < len(ordered); i++ {
		if ordered[i].Subject == ordered[i-1].Subject {
			thr.SameSubject = append(thr.SameSubject, ordered[i].UID)
		}
	}

	reseatDrafts(&thr)

	if preload > 0 && len(thr.UIDs) > preload*2 {
		trim(&thr, preload)
	}

	return thr
}

// reseatDrafts moves each draft directly after its parent message so
// a reply-in-progress renders under what it answers.
func reseatDrafts(thr *Thread) {
	byMsgID := map[string]uint32{}
	for _, uid := range thr.UIDs {
		if m := thr.Msgs[uid]; m.MsgID != "" {
			byMsgID[m.MsgID] = uid
		}
	}

	for _, uid := range append([]uint32(nil), thr.UIDs...) {
		m := thr.Msgs[uid]
		if !m.IsDraft || m.Parent == "" {
			continue
		}
		parentUID, ok := byMsgID[m.Parent]
		if !ok {
			continue
		}
		thr.UIDs = remove(thr.UIDs, uid)
		thr.UIDs = insertAfter(thr.UIDs, parentUID, uid)
	}
}

// trim keeps the first message, the last preload-1 messages, and every
// unread, pinned or draft message plus draft parents; the rest are
// listed as hidden.
func trim(thr *Thread, preload int) {
	parents := map[string]bool{}
	for _, m := range thr.Msgs {
		if m.IsDraft && m.Parent != "" {
			parents[m.Parent] = true
		}
	}

	keep := map[uint32]bool{thr.UIDs[0]: true}
	for _, uid := range thr.UIDs[len(thr.UIDs)-preload+1:] {
		keep[uid] = true
	}
	for uid, m := range thr.Msgs {
		if m.IsUnread || m.IsPinned || m.IsDraft || parents[m.MsgID] {
			keep[uid] = true
		}
	}

	msgs := make(map[uint32]*message.Email, len(keep))
	for _, uid := range thr.UIDs {
		if keep[uid] {
			msgs[uid] = thr.Msgs[uid]
		} else {
			thr.Hidden = append(thr.Hidden, uid)
		}
	}
	thr.Msgs = msgs
}

func remove(uids []uint32, uid uint32) []uint32 {
	out := uids[:0]
	for _, u := range uids {
		if u != uid {
			out = append(out, u)
		}
	}
	return out
}

func insertAfter(uids []uint32, after, uid uint32) []uint32 {
	out := make([]uint32, 0, len(uids)+1)
	for _, u := range uids {
		out = append(out, u)
		if u == after {
			out = append(out, uid)
		}
	}
	return out
}
