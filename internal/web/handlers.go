package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	gomail "github.com/emersion/go-message/mail"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/mailpin/mailpin/internal/message"
	"github.com/mailpin/mailpin/internal/query"
	"github.com/mailpin/mailpin/internal/smtpx"
	"github.com/mailpin/mailpin/internal/store"
	"github.com/mailpin/mailpin/internal/tags"
	"github.com/mailpin/mailpin/internal/threads"
	"github.com/mailpin/mailpin/pkg/utils"
)

const maxProxyBytes = 10 << 20

func (s *Server) loginPage(c *fiber.Ctx) error {
	return c.Render("login", fiber.Map{
		"Themes": s.cfg.Themes,
	})
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
	Timezone string `json:"timezone" form:"timezone"`
	Theme    string `json:"theme" form:"theme"`
}

func (s *Server) loginSubmit(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed login request")
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return badRequest(c, "username and password are required")
	}

	if err := s.login(req.Username, req.Password); err != nil {
		s.logger.WarnContext(c.UserContext(), "login rejected", "username", req.Username)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": []string{"wrong username or password"}})
	}

	token, err := s.codec.encode(Session{
		Username: req.Username,
		Timezone: req.Timezone,
		Theme:    req.Theme,
	})
	if err != nil {
		return s.internalError(c, err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    token,
		HTTPOnly: true,
		SameSite: "Lax",
		Expires:  time.Now().Add(sessionTTL),
	})
	return c.JSON(fiber.Map{"username": req.Username})
}

func (s *Server) logout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:    sessionCookie,
		Value:   "",
		Expires: time.Now().Add(-time.Hour),
	})
	return c.Redirect("/login")
}

// nginxAuth implements the nginx mail auth_http protocol so nginx can
// proxy IMAP and SMTP straight to the local backend.
func (s *Server) nginxAuth(c *fiber.Ctx) error {
	user := c.Get("Auth-User")
	pass := c.Get("Auth-Pass")
	if user == "" || pass == "" {
		c.Set("Auth-Status", "Invalid login or password")
		c.Set("Auth-Wait", "3")
		return c.SendStatus(fiber.StatusOK)
	}
	if err := s.login(user, pass); err != nil {
		c.Set("Auth-Status", "Invalid login or password")
		c.Set("Auth-Wait", "3")
		return c.SendStatus(fiber.StatusOK)
	}
	c.Set("Auth-Status", "OK")
	c.Set("Auth-Server", s.local.Host)
	c.Set("Auth-Port", strconv.Itoa(s.local.Port))
	return c.SendStatus(fiber.StatusOK)
}

func (s *Server) index(c *fiber.Ctx) error {
	session := s.session(c)
	theme := session.Theme
	if theme == "" && len(s.cfg.Themes) > 0 {
		theme = s.cfg.Themes[0]
	}
	return c.Render("index", fiber.Map{
		"Username": session.Username,
		"Theme":    theme,
	})
}

// systemTagIDs are always present in the tag panel regardless of what
// the user has created.
var systemTagIDs = []string{"#inbox", "\\Flagged", "\\Draft", "#sent", "#spam", "#trash"}

func (s *Server) listTags(c *fiber.Ctx) error {
	ctx := c.UserContext()

	stored, err := s.store.ListTags(ctx)
	if err != nil {
		return s.internalError(c, err)
	}

	infos := map[string]tags.Info{}
	for _, id := range systemTagIDs {
		infos[id] = tags.Info{}
	}
	for _, tag := range stored {
		infos[tag.ID] = tags.Info{Name: tag.Name, Color: tag.Color}
	}

	for id, info := range infos {
		unread, pinned, err := s.tagCounts(c, id)
		if err != nil {
			return s.internalError(c, err)
		}
		info.Unread = unread
		info.Pinned = pinned
		infos[id] = info
	}

	return c.JSON(tags.Wrap(infos, systemTagIDs))
}

func (s *Server) tagCounts(c *fiber.Ctx, id string) (int, int, error) {
	base := tags.Query(id)

	unseen, err := query.Parse(base)
	if err != nil {
		return 0, 0, err
	}
	unseen.Criteria.And(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}})
	unread, err := s.mailbox.SearchUIDs(c.UserContext(), unseen.Criteria)
	if err != nil {
		return 0, 0, err
	}

	flagged, err := query.Parse(base)
	if err != nil {
		return 0, 0, err
	}
	flagged.Criteria.And(&imap.SearchCriteria{Flag: []imap.Flag{imap.FlagFlagged}})
	pinned, err := s.mailbox.SearchUIDs(c.UserContext(), flagged.Criteria)
	if err != nil {
		return 0, 0, err
	}
	return len(unread), len(pinned), nil
}

type createTagRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (s *Server) createTag(c *fiber.Ctx) error {
	var req createTagRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed tag request")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return badRequest(c, "tag name is required")
	}
	if strings.HasPrefix(name, "\\") || strings.HasPrefix(name, "#") {
		return badRequest(c, "tag names cannot start with \\ or #")
	}

	id := strings.ToLower(name)
	if err := s.store.UpsertTag(c.UserContext(), store.Tag{ID: id, Name: name, Color: req.Color}); err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(fiber.Map{"id": id, "name": name, "color": req.Color})
}

type searchRequest struct {
	Query   string `json:"q"`
	Preload int    `json:"preload"`
}

func (s *Server) search(c *fiber.Ctx) error {
	var req searchRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed search request")
	}
	q, err := query.Parse(req.Query)
	if err != nil {
		return badRequest(c, err.Error())
	}

	preload := req.Preload
	if preload <= 0 {
		preload = s.cfg.ListPreload
	}

	ctx := c.UserContext()
	uids, err := s.mailbox.SearchUIDs(ctx, q.Criteria)
	if err != nil {
		return s.internalError(c, err)
	}

	if q.Options.Thread {
		anchor := q.Options.ThreadUID
		if q.Options.Draft != "" {
			if len(uids) == 0 {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"errors": []string{"unknown draft"}})
			}
			sortUIDsDesc(uids)
			anchor = uint32(uids[0])
		}
		threadPreload := req.Preload
		if threadPreload <= 0 {
			threadPreload = s.cfg.ThreadPreload
		}
		return s.renderThread(c, anchor, q.Options.Tags, threadPreload)
	}

	if q.Options.Threads {
		return s.searchThreads(c, uids, preload, q.Options.Tags)
	}

	// newest first
	sortUIDsDesc(uids)
	all := uidNums(uids)
	head := uids
	if len(head) > preload {
		head = head[:preload]
	}
	msgs, err := s.wrapMsgs(c, head)
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(fiber.Map{"uids": all, "msgs": msgs, "threads": false})
}

func (s *Server) searchThreads(c *fiber.Ctx, uids []imap.UID, preload int, hideTags []string) error {
	ctx := c.UserContext()
	groups, err := groupThreads(ctx, s.store, uidNums(uids))
	if err != nil {
		return s.internalError(c, err)
	}

	// newest conversation first
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].latest().Date.After(groups[j].latest().Date)
	})

	reps := make([]imap.UID, 0, len(groups))
	byRep := map[uint32]threadGroup{}
	for _, g := range groups {
		rep := g.latest().UID
		reps = append(reps, imap.UID(rep))
		byRep[rep] = g
	}

	head := reps
	if len(head) > preload {
		head = head[:preload]
	}
	msgs, err := s.wrapMsgs(c, head)
	if err != nil {
		return s.internalError(c, err)
	}
	for uid, email := range msgs {
		g := byRep[uid]
		email.Tags = g.tagUnion(hideTags)
		email.IsUnread = g.unread()
		email.ThreadCount = len(g.uids)
	}

	return c.JSON(fiber.Map{"uids": uidNums(reps), "msgs": msgs, "threads": true})
}

type uidsRequest struct {
	UIDs []uint32 `json:"uids"`
}

func (s *Server) messageInfo(c *fiber.Ctx) error {
	var req uidsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed request")
	}
	if len(req.UIDs) == 0 {
		return badRequest(c, "uids are required")
	}
	msgs, err := s.wrapMsgs(c, toUIDs(req.UIDs))
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(msgs)
}

type threadInfoRequest struct {
	UIDs     []uint32 `json:"uids"`
	HideTags []string `json:"hide_tags"`
}

func (s *Server) threadInfo(c *fiber.Ctx) error {
	var req threadInfoRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed request")
	}
	if len(req.UIDs) == 0 {
		return badRequest(c, "uids are required")
	}

	ctx := c.UserContext()
	msgs, err := s.wrapMsgs(c, toUIDs(req.UIDs))
	if err != nil {
		return s.internalError(c, err)
	}

	for _, uid := range req.UIDs {
		email, ok := msgs[uid]
		if !ok {
			continue
		}
		meta, ok, err := s.store.GetMessage(ctx, uid)
		if err != nil {
			return s.internalError(c, err)
		}
		if !ok {
			continue
		}
		metas, err := s.threadMetas(ctx, meta)
		if err != nil {
			return s.internalError(c, err)
		}
		g := threadGroup{metas: metas}
		email.Tags = g.tagUnion(req.HideTags)
		email.IsUnread = g.unread()
		email.ThreadCount = len(metas)
	}

	return c.JSON(msgs)
}

// threadMetas expands one message's conversation: its own thread plus
// every thread joined to it by an explicit link, ordered by date.
func (s *Server) threadMetas(ctx context.Context, meta store.MessageMeta) ([]store.MessageMeta, error) {
	thrids := []string{meta.ThreadID}
	linked, err := s.store.LinkedMessageIDs(ctx, meta.ThreadID)
	if err != nil {
		return nil, err
	}
	for _, id := range linked {
		if id != meta.ThreadID {
			thrids = append(thrids, id)
		}
	}

	var metas []store.MessageMeta
	for _, thrid := range thrids {
		part, err := s.store.ListThread(ctx, thrid)
		if err != nil {
			return nil, err
		}
		metas = append(metas, part...)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Date.Before(metas[j].Date) })
	return metas, nil
}

// renderThread returns the single-conversation view anchored at one
// of its messages.
func (s *Server) renderThread(c *fiber.Ctx, anchor uint32, hideTags []string, preload int) error {
	ctx := c.UserContext()
	meta, ok, err := s.store.GetMessage(ctx, anchor)
	if err != nil {
		return s.internalError(c, err)
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"errors": []string{"unknown message"}})
	}

	metas, err := s.threadMetas(ctx, meta)
	if err != nil {
		return s.internalError(c, err)
	}

	ordered := make([]imap.UID, 0, len(metas))
	for _, m := range metas {
		ordered = append(ordered, imap.UID(m.UID))
	}
	msgs, err := s.wrapMsgs(c, ordered)
	if err != nil {
		return s.internalError(c, err)
	}

	emails := make([]*message.Email, 0, len(ordered))
	var senders []message.Address
	for _, uid := range ordered {
		email, ok := msgs[uint32(uid)]
		if !ok {
			continue
		}
		emails = append(emails, email)
		if email.From != nil && email.From.Addr != "" {
			senders = append(senders, *email.From)
		}
	}

	thread := threads.Assemble(emails, hideTags, preload)
	if len(emails) > 0 {
		collapseSenders(emails[len(emails)-1], senders)
	}

	return c.JSON(fiber.Map{
		"uids":         thread.UIDs,
		"msgs":         thread.Msgs,
		"tags":         thread.Tags,
		"same_subject": thread.SameSubject,
		"hidden":       thread.Hidden,
	})
}

type bodiesRequest struct {
	UIDs []uint32 `json:"uids"`
	// Read defaults to true: opening a body marks it seen.
	Read *bool `json:"read"`
}

func (s *Server) messageBodies(c *fiber.Ctx) error {
	var req bodiesRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed request")
	}
	if len(req.UIDs) == 0 {
		return badRequest(c, "uids are required")
	}

	ctx := c.UserContext()
	uids := toUIDs(req.UIDs)
	raws, err := s.mailbox.FetchRaw(ctx, uids)
	if err != nil {
		return s.internalError(c, err)
	}
	metas, err := s.mailbox.FetchMeta(ctx, uids)
	if err != nil {
		return s.internalError(c, err)
	}

	var unseen []imap.UID
	for _, meta := range metas {
		if !hasFlag(meta.Flags, imap.FlagSeen) {
			unseen = append(unseen, meta.UID)
		}
	}
	if markRead := req.Read == nil || *req.Read; markRead && len(unseen) > 0 {
		if err := s.mailbox.StoreFlags(ctx, unseen, imap.StoreFlagsAdd, []imap.Flag{imap.FlagSeen}); err != nil {
			return s.internalError(c, err)
		}
	}

	out := map[uint32]fiber.Map{}
	for uid, raw := range raws {
		parsed, err := message.Parse(raw)
		if err != nil {
			s.logger.WarnContext(ctx, "unparsable message", "uid", uint32(uid), "error", err.Error())
			continue
		}
		out[uint32(uid)] = fiber.Map{"text": parsed.Text, "html": parsed.HTML}
	}
	return c.JSON(out)
}

type flagRequest struct {
	UIDs []uint32 `json:"uids"`
	New  []string `json:"new"`
	Old  []string `json:"old"`
}

func (s *Server) flagMessages(c *fiber.Ctx) error {
	var req flagRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed request")
	}
	if len(req.UIDs) == 0 {
		return badRequest(c, "uids are required")
	}

	ctx := c.UserContext()
	uids := toUIDs(req.UIDs)
	if add := parseFlagList(req.New); len(add) > 0 {
		if err := s.mailbox.StoreFlags(ctx, uids, imap.StoreFlagsAdd, add); err != nil {
			return s.internalError(c, err)
		}
	}
	if del := parseFlagList(req.Old); len(del) > 0 {
		if err := s.mailbox.StoreFlags(ctx, uids, imap.StoreFlagsDel, del); err != nil {
			return s.internalError(c, err)
		}
	}
	return c.JSON(fiber.Map{"uids": req.UIDs})
}

func (s *Server) linkThreads(c *fiber.Ctx) error {
	var req uidsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed request")
	}
	if len(req.UIDs) < 2 {
		return badRequest(c, "at least two messages are required to link")
	}

	ctx := c.UserContext()
	var thrids []string
	for _, uid := range req.UIDs {
		meta, ok, err := s.store.GetMessage(ctx, uid)
		if err != nil {
			return s.internalError(c, err)
		}
		if !ok {
			return badRequest(c, fmt.Sprintf("unknown message %d", uid))
		}
		thrids = append(thrids, meta.ThreadID)
	}

	if err := s.store.LinkThreads(ctx, uuid.NewString(), thrids); err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(fiber.Map{"uids": req.UIDs})
}

type sendRequest struct {
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Text      string   `json:"text"`
	InReplyTo string   `json:"in_reply_to"`
	ThreadID  string   `json:"thread_id"`
}

func (s *Server) send(c *fiber.Ctx) error {
	if s.sender == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"errors": []string{"sending is not configured"}})
	}

	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed request")
	}
	if len(req.To) == 0 {
		return badRequest(c, "at least one recipient is required")
	}

	session := s.session(c)
	to := make([]*gomail.Address, 0, len(req.To))
	for _, addr := range req.To {
		parsed, err := gomail.ParseAddress(addr)
		if err != nil {
			return badRequest(c, fmt.Sprintf("bad recipient %q", addr))
		}
		to = append(to, parsed)
	}

	compose := &smtpx.Compose{
		From:      &gomail.Address{Address: session.Username},
		To:        to,
		Subject:   req.Subject,
		Text:      req.Text,
		InReplyTo: req.InReplyTo,
		ThreadID:  req.ThreadID,
	}
	raw, msgID, err := compose.Render()
	if err != nil {
		return s.internalError(c, err)
	}

	if err := s.sender.Send(session.Username, compose.Recipients(), raw); err != nil {
		return s.internalError(c, err)
	}

	ctx := c.UserContext()
	uid, err := s.mailbox.Append(ctx, "All", raw, []imap.Flag{imap.FlagSeen, imap.Flag("#sent")}, time.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, err.Error(), slog.Any("error", utils.WrapError(err)))
	}

	return c.JSON(fiber.Map{"msgid": msgID, "uid": uint32(uid)})
}

func (s *Server) rawMessage(c *fiber.Ctx) error {
	raw, err := s.fetchRawByParam(c)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "message/rfc822")
	return c.Send(raw)
}

func (s *Server) rawPart(c *fiber.Ctx) error {
	raw, err := s.fetchRawByParam(c)
	if err != nil {
		return err
	}

	body, contentType, err := message.Part(raw, c.Params("part"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"errors": []string{"no such part"}})
	}

	if contentType != "" {
		c.Set(fiber.HeaderContentType, contentType)
	}
	if filename := c.Params("filename"); filename != "" {
		if decoded, err := url.PathUnescape(filename); err == nil {
			filename = decoded
		}
		c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	}
	return c.Send(body)
}

func (s *Server) fetchRawByParam(c *fiber.Ctx) ([]byte, error) {
	uid, err := strconv.ParseUint(c.Params("uid"), 10, 32)
	if err != nil {
		return nil, badRequest(c, "bad uid")
	}
	raws, err := s.mailbox.FetchRaw(c.UserContext(), []imap.UID{imap.UID(uid)})
	if err != nil {
		return nil, s.internalError(c, err)
	}
	raw, ok := raws[imap.UID(uid)]
	if !ok {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"errors": []string{"unknown message"}})
	}
	return raw, nil
}

func (s *Server) avatarsCSS(c *fiber.Ctx) error {
	hashes := strings.Split(c.Query("hashes"), ",")
	size, _ := strconv.Atoi(c.Query("size", "20"))
	fallback := c.Query("default", "identicon")

	css := s.avatars.CSS(hashes, size, fallback)
	c.Set(fiber.HeaderContentType, "text/css; charset=utf-8")
	c.Set(fiber.HeaderCacheControl, "private, max-age=3600")
	return c.SendString(css)
}

func (s *Server) proxyImage(c *fiber.Ctx) error {
	target := c.Query("url")
	if target == "" {
		return badRequest(c, "url is required")
	}
	if strings.HasPrefix(target, "//") {
		target = "https:" + target
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return badRequest(c, "only http and https URLs can be proxied")
	}

	req, err := http.NewRequestWithContext(c.UserContext(), http.MethodGet, target, nil)
	if err != nil {
		return badRequest(c, "bad url")
	}
	req.Header.Set("User-Agent", "mailpin-proxy")

	resp, err := s.proxy.Do(req)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"errors": []string{"upstream fetch failed"}})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.SendStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBytes))
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"errors": []string{"upstream read failed"}})
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		c.Set(fiber.HeaderContentType, ct)
	}
	c.Set(fiber.HeaderCacheControl, "private, max-age=3600")
	return c.Send(body)
}

// wrapMsgs fetches and renders a set of messages keyed by UID.
func (s *Server) wrapMsgs(c *fiber.Ctx, uids []imap.UID) (map[uint32]*message.Email, error) {
	out := make(map[uint32]*message.Email, len(uids))
	if len(uids) == 0 {
		return out, nil
	}

	ctx := c.UserContext()
	raws, err := s.mailbox.FetchRaw(ctx, uids)
	if err != nil {
		return nil, err
	}
	metas, err := s.mailbox.FetchMeta(ctx, uids)
	if err != nil {
		return nil, err
	}
	flagsByUID := map[imap.UID][]imap.Flag{}
	for _, meta := range metas {
		flagsByUID[meta.UID] = meta.Flags
	}

	loc := s.session(c).Location()
	now := s.now()
	for uid, raw := range raws {
		email, err := buildEmail(uint32(uid), flagsByUID[uid], raw, loc, now)
		if err != nil {
			s.logger.WarnContext(ctx, "unparsable message", "uid", uint32(uid), "error", err.Error())
			continue
		}
		out[uint32(uid)] = email
	}
	return out, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": []string{msg}})
}

func (s *Server) internalError(c *fiber.Ctx, err error) error {
	s.logger.ErrorContext(c.UserContext(), err.Error(), slog.Any("error", utils.WrapError(err)))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"errors": []string{"internal error"}})
}

func sortUIDsDesc(uids []imap.UID) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
}

func uidNums(uids []imap.UID) []uint32 {
	out := make([]uint32, len(uids))
	for i, uid := range uids {
		out[i] = uint32(uid)
	}
	return out
}

func toUIDs(nums []uint32) []imap.UID {
	out := make([]imap.UID, len(nums))
	for i, n := range nums {
		out[i] = imap.UID(n)
	}
	return out
}
