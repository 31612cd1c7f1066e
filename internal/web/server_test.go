package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpin/mailpin/internal/config"
	"github.com/mailpin/mailpin/internal/store"
)

type mockMailbox struct {
	SearchUIDsFunc func(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error)
	FetchMetaFunc  func(ctx context.Context, uids []imap.UID) ([]*imapclient.FetchMessageBuffer, error)
	FetchRawFunc   func(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error)
	StoreFlagsFunc func(ctx context.Context, uids []imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error
	AppendFunc     func(ctx context.Context, mailbox string, raw []byte, flags []imap.Flag, date time.Time) (imap.UID, error)
}

func (m *mockMailbox) SearchUIDs(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	if m.SearchUIDsFunc == nil {
		return nil, nil
	}
	return m.SearchUIDsFunc(ctx, criteria)
}

func (m *mockMailbox) FetchMeta(ctx context.Context, uids []imap.UID) ([]*imapclient.FetchMessageBuffer, error) {
	if m.FetchMetaFunc == nil {
		return nil, nil
	}
	return m.FetchMetaFunc(ctx, uids)
}

func (m *mockMailbox) FetchRaw(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error) {
	if m.FetchRawFunc == nil {
		return map[imap.UID][]byte{}, nil
	}
	return m.FetchRawFunc(ctx, uids)
}

func (m *mockMailbox) StoreFlags(ctx context.Context, uids []imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error {
	if m.StoreFlagsFunc == nil {
		return nil
	}
	return m.StoreFlagsFunc(ctx, uids, op, flags)
}

func (m *mockMailbox) Append(ctx context.Context, mailbox string, raw []byte, flags []imap.Flag, date time.Time) (imap.UID, error) {
	if m.AppendFunc == nil {
		return 1, nil
	}
	return m.AppendFunc(ctx, mailbox, raw, flags, date)
}

func writeTestViews(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "layouts"), 0o755))

	views := map[string]string{
		"layouts/main.html": "<html><body>{{embed}}</body></html>",
		"login.html":        "<form id=\"login\"></form>",
		"index.html":        "<div id=\"app\" data-user=\"{{.Username}}\"></div>",
		"404.html":          "<h1>not found</h1>",
	}
	for name, body := range views {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func newTestServer(t *testing.T, mailbox *mockMailbox, extra ...Option) (*Server, *store.Store) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.ViewsDir = writeTestViews(t)
	cfg.AssetsDir = ""

	opts := []Option{
		WithMailbox(mailbox),
		WithStore(st),
		WithConfig(cfg),
		WithLocalIMAP(config.LocalIMAP{Host: "127.0.0.1", Port: 993}),
		WithSessionKey("test-session-key"),
		WithLogin(func(username, password string) error {
			if username == "user@mailpin.test" && password == "secret" {
				return nil
			}
			return errors.New("bad credentials")
		}),
	}
	srv, err := New(append(opts, extra...)...)
	require.NoError(t, err)
	return srv, st
}

func authedRequest(t *testing.T, srv *Server, method, target string, body any) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := srv.codec.encode(Session{Username: "user@mailpin.test", Timezone: "UTC"})
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	return req
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func sampleRaw(from, subject, messageID, body string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\n"+
			"To: user@mailpin.test\r\n"+
			"Subject: %s\r\n"+
			"Date: Mon, 02 Jun 2025 10:00:00 +0000\r\n"+
			"Message-ID: <%s>\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"%s\r\n",
		from, subject, messageID, body))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox")

	_, err = New(WithMailbox(&mockMailbox{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")
}

func TestLoginFlow(t *testing.T) {
	srv, _ := newTestServer(t, &mockMailbox{})

	body := bytes.NewBufferString(`{"username": "user@mailpin.test", "password": "nope"}`)
	req := httptest.NewRequest(http.MethodPost, "/login", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body = bytes.NewBufferString(`{"username": "user@mailpin.test", "password": "secret", "timezone": "UTC"}`)
	req = httptest.NewRequest(http.MethodPost, "/login", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err = srv.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "login should set the session cookie")

	session, err := srv.codec.decode(cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "user@mailpin.test", session.Username)
}

func TestRequireSession(t *testing.T) {
	srv, _ := newTestServer(t, &mockMailbox{})

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp, err = srv.App().Test(httptest.NewRequest(http.MethodGet, "/tags", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = srv.App().Test(authedRequest(t, srv, http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNginxAuth(t *testing.T) {
	srv, _ := newTestServer(t, &mockMailbox{})

	req := httptest.NewRequest(http.MethodGet, "/nginx", nil)
	req.Header.Set("Auth-User", "user@mailpin.test")
	req.Header.Set("Auth-Pass", "secret")
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.Header.Get("Auth-Status"))
	assert.Equal(t, "127.0.0.1", resp.Header.Get("Auth-Server"))
	assert.Equal(t, "993", resp.Header.Get("Auth-Port"))

	req = httptest.NewRequest(http.MethodGet, "/nginx", nil)
	req.Header.Set("Auth-User", "user@mailpin.test")
	req.Header.Set("Auth-Pass", "wrong")
	resp, err = srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, "Invalid login or password", resp.Header.Get("Auth-Status"))
}

func TestCreateTag(t *testing.T) {
	srv, st := newTestServer(t, &mockMailbox{})

	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodPost, "/tag", map[string]string{"name": "#inbox"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = srv.App().Test(authedRequest(t, srv, http.MethodPost, "/tag", map[string]string{"name": "Invoices", "color": "#fca"}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tag, ok, err := st.GetTag(context.Background(), "invoices")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Invoices", tag.Name)
	assert.Equal(t, "#fca", tag.Color)
}

func TestSearchFlat(t *testing.T) {
	mailbox := &mockMailbox{
		SearchUIDsFunc: func(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error) {
			require.NotEmpty(t, criteria.Flag)
			return []imap.UID{3, 7}, nil
		},
		FetchRawFunc: func(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error) {
			return map[imap.UID][]byte{
				3: sampleRaw("alice@example.com", "hello", "a@example.com", "first message"),
				7: sampleRaw("bob@example.com", "again", "b@example.com", "second message"),
			}, nil
		},
		FetchMetaFunc: func(ctx context.Context, uids []imap.UID) ([]*imapclient.FetchMessageBuffer, error) {
			return []*imapclient.FetchMessageBuffer{
				{UID: 3, Flags: []imap.Flag{imap.FlagSeen, "#inbox"}},
				{UID: 7, Flags: []imap.Flag{"#inbox"}},
			}, nil
		},
	}
	srv, _ := newTestServer(t, mailbox)

	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodPost, "/search", map[string]any{"q": "tag:#inbox"}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		UIDs    []uint32                   `json:"uids"`
		Msgs    map[string]json.RawMessage `json:"msgs"`
		Threads bool                       `json:"threads"`
	}
	decodeJSON(t, resp, &out)
	assert.Equal(t, []uint32{7, 3}, out.UIDs, "newest first")
	assert.False(t, out.Threads)
	require.Len(t, out.Msgs, 2)
	assert.Contains(t, string(out.Msgs["7"]), "second message")
	assert.Contains(t, string(out.Msgs["7"]), "\"is_unread\":true")
}

func threadFixtureMailbox(raws map[imap.UID][]byte, metas map[imap.UID][]imap.Flag) *mockMailbox {
	return &mockMailbox{
		FetchRawFunc: func(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error) {
			out := map[imap.UID][]byte{}
			for _, uid := range uids {
				if raw, ok := raws[uid]; ok {
					out[uid] = raw
				}
			}
			return out, nil
		},
		FetchMetaFunc: func(ctx context.Context, uids []imap.UID) ([]*imapclient.FetchMessageBuffer, error) {
			var out []*imapclient.FetchMessageBuffer
			for _, uid := range uids {
				out = append(out, &imapclient.FetchMessageBuffer{UID: uid, Flags: metas[uid]})
			}
			return out, nil
		},
	}
}

func TestSearchThreadMode(t *testing.T) {
	mailbox := threadFixtureMailbox(
		map[imap.UID][]byte{
			8: sampleRaw("alice@example.com", "hello", "a@x", "opening message"),
			9: sampleRaw("bob@example.com", "hello", "b@x", "the reply"),
		},
		map[imap.UID][]imap.Flag{
			8: {imap.FlagSeen, "#inbox"},
			9: {"#inbox"},
		},
	)
	srv, st := newTestServer(t, mailbox)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessages(ctx, []store.MessageMeta{
		{UID: 8, MsgID: "a@x", ThreadID: "a@x", SHA256: "s1", Date: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		{UID: 9, MsgID: "b@x", ThreadID: "a@x", SHA256: "s2", Date: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)},
	}))

	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodPost, "/search", map[string]any{"q": "thr:9"}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		UIDs        []uint32                   `json:"uids"`
		Msgs        map[string]json.RawMessage `json:"msgs"`
		Tags        []string                   `json:"tags"`
		SameSubject []uint32                   `json:"same_subject"`
		Hidden      []uint32                   `json:"hidden"`
	}
	decodeJSON(t, resp, &out)
	assert.Equal(t, []uint32{8, 9}, out.UIDs, "oldest first")
	assert.Equal(t, []string{"#inbox"}, out.Tags)
	assert.Equal(t, []uint32{9}, out.SameSubject, "repeated subject collapses")
	assert.Contains(t, string(out.Msgs["9"]), "the reply")

	resp, err = srv.App().Test(authedRequest(t, srv, http.MethodPost, "/search", map[string]any{"q": "thr:99"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestThreadInfoBatch(t *testing.T) {
	mailbox := threadFixtureMailbox(
		map[imap.UID][]byte{
			9: sampleRaw("bob@example.com", "hello", "b@x", "the reply"),
		},
		map[imap.UID][]imap.Flag{
			9: {"#inbox", "work"},
		},
	)
	srv, st := newTestServer(t, mailbox)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessages(ctx, []store.MessageMeta{
		{UID: 8, MsgID: "a@x", ThreadID: "a@x", SHA256: "s1", Date: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
			Flags: []string{"\\Seen", "#inbox", "work"}},
		{UID: 9, MsgID: "b@x", ThreadID: "a@x", SHA256: "s2", Date: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
			Flags: []string{"#inbox", "work"}},
	}))

	body := map[string]any{"uids": []uint32{9}, "hide_tags": []string{"#inbox"}}
	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodPost, "/thrs/info", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]struct {
		Tags        []string `json:"tags"`
		IsUnread    bool     `json:"is_unread"`
		ThreadCount int      `json:"thread_count"`
	}
	decodeJSON(t, resp, &out)
	require.Contains(t, out, "9")
	assert.Equal(t, []string{"work"}, out["9"].Tags, "hidden tag filtered from the union")
	assert.True(t, out["9"].IsUnread)
	assert.Equal(t, 2, out["9"].ThreadCount)

	resp, err = srv.App().Test(authedRequest(t, srv, http.MethodPost, "/thrs/info", map[string]any{"uids": []uint32{}}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageBodiesMarksSeen(t *testing.T) {
	var stored []imap.Flag
	mailbox := &mockMailbox{
		FetchRawFunc: func(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error) {
			return map[imap.UID][]byte{
				4: sampleRaw("alice@example.com", "hello", "a@example.com", "unread body"),
			}, nil
		},
		FetchMetaFunc: func(ctx context.Context, uids []imap.UID) ([]*imapclient.FetchMessageBuffer, error) {
			return []*imapclient.FetchMessageBuffer{{UID: 4, Flags: []imap.Flag{"#inbox"}}}, nil
		},
		StoreFlagsFunc: func(ctx context.Context, uids []imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error {
			require.Equal(t, []imap.UID{4}, uids)
			require.Equal(t, imap.StoreFlagsAdd, op)
			stored = flags
			return nil
		},
	}
	srv, _ := newTestServer(t, mailbox)

	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodPost, "/msgs/body", map[string]any{"uids": []uint32{4}}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, stored)

	var out map[string]map[string]string
	decodeJSON(t, resp, &out)
	assert.Contains(t, out["4"]["text"], "unread body")

	// read=false leaves flags alone
	stored = nil
	body := map[string]any{"uids": []uint32{4}, "read": false}
	resp, err = srv.App().Test(authedRequest(t, srv, http.MethodPost, "/msgs/body", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, stored)
}

func TestFlagMessages(t *testing.T) {
	type storeCall struct {
		op    imap.StoreFlagsOp
		flags []imap.Flag
	}
	var calls []storeCall
	mailbox := &mockMailbox{
		StoreFlagsFunc: func(ctx context.Context, uids []imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error {
			assert.Equal(t, []imap.UID{5, 6}, uids)
			calls = append(calls, storeCall{op: op, flags: flags})
			return nil
		},
	}
	srv, _ := newTestServer(t, mailbox)

	body := map[string]any{"uids": []uint32{5, 6}, "new": []string{"pinned"}, "old": []string{"seen"}}
	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodPost, "/msgs/flag", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, calls, 2)
	assert.Equal(t, imap.StoreFlagsAdd, calls[0].op)
	assert.Equal(t, []imap.Flag{imap.FlagFlagged}, calls[0].flags)
	assert.Equal(t, imap.StoreFlagsDel, calls[1].op)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, calls[1].flags)
}

func TestLinkThreads(t *testing.T) {
	srv, st := newTestServer(t, &mockMailbox{})
	ctx := context.Background()

	require.NoError(t, st.UpsertMessages(ctx, []store.MessageMeta{
		{UID: 1, MsgID: "a@x", ThreadID: "a@x", SHA256: "s1", Date: time.Now()},
		{UID: 2, MsgID: "b@x", ThreadID: "b@x", SHA256: "s2", Date: time.Now()},
	}))

	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodPost, "/thrs/link", map[string]any{"uids": []uint32{1, 2}}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	linked, err := st.LinkedMessageIDs(ctx, "a@x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@x", "b@x"}, linked)

	resp, err = srv.App().Test(authedRequest(t, srv, http.MethodPost, "/thrs/link", map[string]any{"uids": []uint32{1}}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRawMessage(t *testing.T) {
	raw := sampleRaw("alice@example.com", "hello", "a@example.com", "the body")
	mailbox := &mockMailbox{
		FetchRawFunc: func(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error) {
			out := map[imap.UID][]byte{}
			for _, uid := range uids {
				if uid == 9 {
					out[uid] = raw
				}
			}
			return out, nil
		},
	}
	srv, _ := newTestServer(t, mailbox)

	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodGet, "/raw/9", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "message/rfc822", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, raw, body)

	resp, err = srv.App().Test(authedRequest(t, srv, http.MethodGet, "/raw/10", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t, &mockMailbox{})

	body := map[string]any{"to": []string{"bob@example.com"}, "subject": "hi", "text": "hello"}
	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodPost, "/send", body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProxyImage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, &mockMailbox{}, WithHTTPClient(upstream.Client()))

	resp, err := srv.App().Test(authedRequest(t, srv, http.MethodGet, "/proxy?url="+upstream.URL, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, err = srv.App().Test(authedRequest(t, srv, http.MethodGet, "/proxy?url=ftp://example.com/a.png", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
