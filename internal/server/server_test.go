package server

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/identity"
	"github.com/bryan-buckman/leapfrog/internal/ljimport"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/normalize"
	"github.com/bryan-buckman/leapfrog/internal/poll"
	"github.com/bryan-buckman/leapfrog/internal/stream"
)

type countingService struct {
	polled int
}

func (c *countingService) Name() string { return "example.com" }

func (c *countingService) Poll(ctx context.Context, acct *model.Account) (poll.Stats, error) {
	c.polled++
	return poll.Stats{Items: 2, Errors: 1}, nil
}

type fixture struct {
	db  *database.DB
	srv *Server
	svc *countingService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ident := identity.New(db)
	norm := normalize.New(db, ident, normalize.Config{})
	manager := poll.NewManager(db, poll.ManagerConfig{})
	svc := &countingService{}
	manager.Register(svc)
	importer := ljimport.New(ident, norm, stream.NewProjector(db))
	return &fixture{db: db, srv: New(db, ident, manager, importer), svc: svc}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string   `json:"status"`
		Database string   `json:"database"`
		Services []string `json:"services"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "SQLite", body.Database)
	assert.Equal(t, []string{"example.com"}, body.Services)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestCreateUserAndLinkAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/users", `{"name":"reader"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var user userView
	decodeBody(t, rec, &user)
	assert.Equal(t, "reader", user.Name)
	assert.NotZero(t, user.ID)

	path := "/api/users/" + itoa(user.ID) + "/accounts"
	rec = f.do(t, http.MethodPost, path, `{"service":"example.com","ident":"42","display_name":"Me","auth":"tok:sec"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var acct accountView
	decodeBody(t, rec, &acct)
	assert.Equal(t, "example.com", acct.Service)
	assert.Equal(t, "42", acct.Ident)
	assert.NotContains(t, rec.Body.String(), "tok:sec")

	stored, err := f.db.GetAccount(ctx, "example.com", "42")
	require.NoError(t, err)
	assert.Equal(t, "tok:sec", stored.AuthInfo)
	pollable, err := f.db.GetPollableAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, pollable, 1)
	assert.Equal(t, stored.ID, pollable[0].ID)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/users", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/users", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/users/abc/stream", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/users/999/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	user, err := f.db.CreateUser(context.Background(), "u")
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/users/"+itoa(user.ID)+"/accounts", `{"service":"example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/users/"+itoa(user.ID)+"/stream?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettings(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"polling_interval":15}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/settings", `{"polling_interval":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","polling_interval":15}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/settings", `{"polling_interval":60}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/settings", "")
	assert.JSONEq(t, `{"polling_interval":60}`, rec.Body.String())
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.db.CreateUser(ctx, "u")
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/api/users/"+itoa(user.ID)+"/accounts", `{"service":"example.com","ident":"a"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","accounts":1,"items":2,"errors":1}`, rec.Body.String())
	assert.Equal(t, 1, f.svc.polled)
}

const ljExport = `<livejournal username="writer" server="www.livejournal.com">
  <events>
    <event ditemid="5">
      <subject>Hello</subject>
      <date>2006-01-02 15:04:05</date>
      <event>first post</event>
      <comments><comment jtalkid="1" poster="friend"><body>welcome</body></comment></comments>
    </event>
  </events>
</livejournal>`

func upload(t *testing.T, f *fixture, path, field, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, "export.xml")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestImportAndStream(t *testing.T) {
	f := newFixture(t)
	user, err := f.db.CreateUser(context.Background(), "writer")
	require.NoError(t, err)
	base := "/api/users/" + itoa(user.ID)

	rec := upload(t, f, base+"/import/livejournal", "export", ljExport)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ljimport.Result
	decodeBody(t, rec, &res)
	assert.Equal(t, ljimport.Result{Posts: 1, Comments: 1}, res)

	rec = f.do(t, http.MethodGet, base+"/stream?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []streamEntryView `json:"entries"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Entries, 1)
	e := body.Entries[0]
	assert.Equal(t, model.VerbPost, e.Verb)
	assert.Equal(t, "Hello", e.Object.Title)
	assert.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), e.Object.PublishedAt.UTC())
	require.NotNil(t, e.Actor)
	assert.Equal(t, "http://writer.livejournal.com/", e.Actor.Ident)
	require.Len(t, e.Replies, 1)
	assert.Contains(t, e.Replies[0].Body, "welcome")

	rec = upload(t, f, base+"/import/livejournal", "export", "<nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = upload(t, f, base+"/import/livejournal", "wrongfield", ljExport)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/health", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `leapfrog_api_requests_total{method="GET",route="/api/health",status="200"}`)
}

func TestServiceStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	svc := f.srv.Service("127.0.0.1:0", time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, "http-server", svc.String())
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
