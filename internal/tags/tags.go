// Package tags models the tag registry. Tags are IMAP keywords: ids
// starting with a backslash are system flags, ids starting with # are
// service tags, anything else is user-assigned.
package tags

import (
	"fmt"
	"sort"
	"strings"
)

// Service tags that never show up as selectable tags.
var serviceHidden = map[string]bool{
	"#sent":   true,
	"#latest": true,
	"#link":   true,
}

// Info is the display record for one tag.
type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Color     string `json:"color,omitempty"`
	Unread    int    `json:"unread,omitempty"`
	Pinned    int    `json:"pinned,omitempty"`
	Query     string `json:"query"`
}

// List is the ordered tag set handed to the views.
type List struct {
	IDs  []string        `json:"ids"`
	Info map[string]Info `json:"info"`
}

// Clean filters out system flags and hidden service tags, honoring an
// explicit whitelist and an extra blacklist, and sorts the result.
func Clean(ids []string, whitelist, blacklist []string) []string {
	allow := map[string]bool{}
	for _, id := range whitelist {
		allow[id] = true
	}
	deny := map[string]bool{}
	for _, id := range blacklist {
		deny[id] = true
	}

	var out []string
	for _, id := range ids {
		if allow[id] {
			out = append(out, id)
			continue
		}
		if strings.HasPrefix(id, "\\") || serviceHidden[id] || deny[id] {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Query returns the canonical search for a tag id.
func Query(id string) string {
	if strings.HasPrefix(id, "\\") {
		switch id {
		case "\\Draft":
			return ":threads :draft"
		case "\\Flagged":
			return ":threads :pinned"
		default:
			return fmt.Sprintf(":threads :raw %s", strings.ToLower(id[1:]))
		}
	}
	return fmt.Sprintf(":threads tag:%s", strings.ToLower(id))
}

const shortNameLimit = 14

// ShortName truncates long tag names for the sidebar.
func ShortName(name string) string {
	runes := []rune(name)
	if len(runes) <= shortNameLimit {
		return name
	}
	return string(runes[:shortNameLimit]) + "…"
}

// Wrap orders tags for display and fills the derived fields. Tags with
// unread or pinned messages sort first, except #spam and #trash which
// always stay in the alphabetical tail.
func Wrap(infos map[string]Info, whitelist []string) List {
	ids := make([]string, 0, len(infos))
	for id := range infos {
		ids = append(ids, id)
	}
	ids = Clean(ids, whitelist, nil)

	sort.SliceStable(ids, func(i, j int) bool {
		ri, rj := sortRank(ids[i], infos[ids[i]]), sortRank(ids[j], infos[ids[j]])
		if ri != rj {
			return ri < rj
		}
		return displayName(ids[i], infos[ids[i]]) < displayName(ids[j], infos[ids[j]])
	})

	wrapped := make(map[string]Info, len(ids))
	for _, id := range ids {
		info := infos[id]
		info.ID = id
		if info.Name == "" {
			info.Name = id
		}
		info.ShortName = ShortName(info.Name)
		info.Query = Query(id)
		wrapped[id] = info
	}

	return List{IDs: ids, Info: wrapped}
}

func displayName(id string, info Info) string {
	if info.Name != "" {
		return info.Name
	}
	return id
}

func sortRank(id string, info Info) int {
	if id == "#spam" || id == "#trash" {
		return 1
	}
	if info.Unread > 0 || info.Pinned > 0 {
		return 0
	}
	return 1
}
