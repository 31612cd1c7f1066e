// Package query parses the mailpin search language into IMAP search
// criteria. The language is a line of free text mixed with operators:
//
//	tag:work from:ann@example.com subj:"quarterly report" date:2024-03
//	:threads :unread thr:1042 ref:<msgid@host> uid:17 :raw answered
package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Tags every search excludes unless they are explicitly asked for.
const (
	TagLink  = "#link"
	TagTrash = "#trash"
	TagSpam  = "#spam"
)

// Options carry the non-criteria outcomes of parsing.
type Options struct {
	// Thread requests a single-thread view anchored at ThreadUID.
	Thread    bool
	ThreadUID uint32
	// Threads requests the thread-list view instead of flat messages.
	Threads bool
	// Tags lists the tags explicitly selected by the query.
	Tags []string
	// Draft holds the draft ID from a draft:<id> operator.
	Draft string
}

// Query is a parsed search.
type Query struct {
	Criteria *imap.SearchCriteria
	Options  Options
}

// Parse converts a query line into IMAP search criteria plus options.
func Parse(q string) (Query, error) {
	criteria := &imap.SearchCriteria{}
	opts := Options{}
	var text []string

	tokens := tokenize(q)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		op, val, hasOp := splitOperator(tok)
		if !hasOp {
			switch strings.ToLower(tok) {
			case ":threads":
				opts.Threads = true
			case ":draft":
				criteria.Flag = append(criteria.Flag, imap.FlagDraft)
			case ":unread", ":unseen":
				criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
			case ":read", ":seen":
				criteria.Flag = append(criteria.Flag, imap.FlagSeen)
			case ":pin", ":pinned", ":flagged":
				criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
			case ":unpin", ":unpinned", ":unflagged":
				criteria.NotFlag = append(criteria.NotFlag, imap.FlagFlagged)
			case ":raw":
				// the remainder of the line is raw search keys
				applyRaw(criteria, tokens[i+1:])
				i = len(tokens)
			default:
				text = append(text, tok)
			}
			continue
		}

		switch op {
		case "tag", "in", "has":
			tag := strings.ToLower(val)
			opts.Tags = append(opts.Tags, tag)
			criteria.Flag = append(criteria.Flag, imap.Flag(tag))
		case "from":
			criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
				Key: "From", Value: val,
			})
		case "subj", "subject":
			criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
				Key: "Subject", Value: strings.Trim(val, `"`),
			})
		case "mid", "message_id":
			criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
				Key: "Message-Id", Value: val,
			})
		case "ref":
			criteria.And(&imap.SearchCriteria{
				Or: [][2]imap.SearchCriteria{{
					{Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: val}}},
					{Header: []imap.SearchCriteriaHeaderField{{Key: "References", Value: val}}},
				}},
			})
		case "uid":
			num, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Query{}, fmt.Errorf("invalid uid %q", val)
			}
			criteria.UID = append(criteria.UID, imap.UIDSetNum(imap.UID(num)))
		case "thr", "thread":
			num, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Query{}, fmt.Errorf("invalid thread uid %q", val)
			}
			opts.Thread = true
			opts.ThreadUID = uint32(num)
			criteria.UID = append(criteria.UID, imap.UIDSetNum(imap.UID(num)))
		case "draft":
			opts.Draft = val
			opts.Thread = true
			criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
				Key: "X-Draft-ID", Value: val,
			})
		case "date":
			since, before, err := dateBounds(val)
			if err != nil {
				return Query{}, err
			}
			criteria.Since = since
			criteria.Before = before
		default:
			text = append(text, tok)
		}
	}

	if len(text) > 0 {
		criteria.Text = append(criteria.Text, strings.Join(text, " "))
	}

	applyServiceExclusions(criteria, opts.Tags)

	return Query{Criteria: criteria, Options: opts}, nil
}

// applyServiceExclusions hides link markers, trash and spam unless the
// query targets those tags directly.
func applyServiceExclusions(criteria *imap.SearchCriteria, tags []string) {
	selected := map[string]bool{}
	for _, tag := range tags {
		selected[tag] = true
	}

	criteria.NotFlag = append(criteria.NotFlag, imap.Flag(TagLink))
	if !selected[TagTrash] {
		criteria.NotFlag = append(criteria.NotFlag, imap.Flag(TagTrash))
	}
	if !selected[TagSpam] && !selected[TagTrash] {
		criteria.NotFlag = append(criteria.NotFlag, imap.Flag(TagSpam))
	}
}

// applyRaw maps raw tokens to the classic IMAP search keys; anything
// unrecognized is searched as text.
func applyRaw(criteria *imap.SearchCriteria, tokens []string) {
	for _, tok := range tokens {
		switch strings.ToLower(tok) {
		case "all":
		case "seen":
			criteria.Flag = append(criteria.Flag, imap.FlagSeen)
		case "unseen":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
		case "flagged":
			criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
		case "unflagged":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagFlagged)
		case "answered":
			criteria.Flag = append(criteria.Flag, imap.FlagAnswered)
		case "unanswered":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagAnswered)
		case "draft":
			criteria.Flag = append(criteria.Flag, imap.FlagDraft)
		case "deleted":
			criteria.Flag = append(criteria.Flag, imap.FlagDeleted)
		case "undeleted":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagDeleted)
		default:
			criteria.Text = append(criteria.Text, tok)
		}
	}
}

// dateBounds expands date:YYYY[-MM[-DD]] into a [since, before) range.
func dateBounds(val string) (time.Time, time.Time, error) {
	switch strings.Count(val, "-") {
	case 0:
		year, err := strconv.Atoi(val)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q", val)
		}
		since := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return since, since.AddDate(1, 0, 0), nil
	case 1:
		since, err := time.Parse("2006-01", val)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q", val)
		}
		return since, since.AddDate(0, 1, 0), nil
	case 2:
		since, err := time.Parse("2006-01-02", val)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q", val)
		}
		return since, since.AddDate(0, 0, 1), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q", val)
	}
}

// splitOperator splits op:value tokens. Tokens without a colon, or
// starting with one, are not operators.
func splitOperator(tok string) (string, string, bool) {
	idx := strings.Index(tok, ":")
	if idx <= 0 {
		return "", "", false
	}
	op := strings.ToLower(tok[:idx])
	val := tok[idx+1:]
	if val == "" {
		return "", "", false
	}
	return op, val, true
}

// tokenize splits on spaces while keeping double-quoted spans inside a
// token, so subj:"quarterly report" stays together.
func tokenize(q string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	for _, r := range q {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}
