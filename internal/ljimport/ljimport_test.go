package ljimport

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/identity"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/normalize"
	"github.com/bryan-buckman/leapfrog/internal/stream"
)

const export = `<?xml version="1.0" encoding="utf-8"?>
<livejournal username="mark_t" server="www.livejournal.com">
  <friends>
    <friend><username>_system</username><fullname>System</fullname></friend>
    <friend><username>jo_ann</username><fullname>Jo Ann</fullname></friend>
  </friends>
  <events>
    <event ditemid="1001" security="public">
      <subject>First</subject>
      <date>2005-03-01 10:00:00</date>
      <event>line one
line two&lt;lj-cut text="more"&gt;&lt;b&gt;hidden&lt;/b&gt;&lt;/lj-cut&gt;</event>
      <comments>
        <comment jtalkid="7" poster="jo_ann">
          <body>nice</body>
          <date>2005-03-01T11:00:00Z</date>
          <comments>
            <comment jtalkid="8">
              <body>who are you</body>
              <date>2005-03-01T12:00:00Z</date>
            </comment>
          </comments>
        </comment>
        <comment poster="jo_ann"><body>no id</body></comment>
      </comments>
    </event>
    <event ditemid="1002">
      <subject>Raw</subject>
      <date>2005-03-02 10:00:00</date>
      <event>&lt;lj-raw&gt;keep
as is&lt;/lj-raw&gt;</event>
      <props><prop name="opt_preformatted" value="1"/></props>
    </event>
    <event ditemid="1003">
      <subject>Undated</subject>
      <event>lost</event>
      <comments><comment jtalkid="9" poster="jo_ann"><body>orphan</body></comment></comments>
    </event>
  </events>
</livejournal>`

type fixture struct {
	db   *database.DB
	im   *Importer
	user *model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "lj.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	user, err := db.CreateUser(context.Background(), "mark")
	require.NoError(t, err)
	ident := identity.New(db)
	im := New(ident, normalize.New(db, ident, normalize.Config{}), stream.NewProjector(db))
	return &fixture{db: db, im: im, user: user}
}

func TestImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.im.Import(ctx, strings.NewReader(export), f.user)
	require.NoError(t, err)
	assert.Equal(t, Result{Posts: 2, Comments: 2, Friends: 2, Errors: 2}, res)

	first, err := f.db.GetObject(ctx, "livejournal.com", "urn:lj:livejournal.com:atom1:mark_t:1001")
	require.NoError(t, err)
	assert.Equal(t, "First", first.Title)
	assert.Equal(t, time.Date(2005, 3, 1, 10, 0, 0, 0, time.UTC), first.PublishedAt.UTC())
	assert.Contains(t, first.Body, "line one<br/>")
	assert.Contains(t, first.Body, "<b>hidden</b>")
	assert.NotContains(t, first.Body, "lj-cut")
	assert.Equal(t, "http://mark-t.livejournal.com/1001.html", first.PermalinkURL)
	require.NotNil(t, first.Author)
	assert.Equal(t, OpenIDService, first.Author.Service)
	assert.Equal(t, "http://mark-t.livejournal.com/", first.Author.Ident)

	raw, err := f.db.GetObject(ctx, "livejournal.com", "urn:lj:livejournal.com:atom1:mark_t:1002")
	require.NoError(t, err)
	assert.Contains(t, raw.Body, "keep\nas is")
	assert.NotContains(t, raw.Body, "<br")
	assert.NotContains(t, raw.Body, "lj-raw")

	_, err = f.db.GetObject(ctx, "livejournal.com", "urn:lj:livejournal.com:atom1:mark_t:1003")
	assert.ErrorIs(t, err, database.ErrNotFound)

	reply, err := f.db.GetObject(ctx, "livejournal.com", "urn:lj:livejournal.com:atom1:mark_t:1001:talk:7")
	require.NoError(t, err)
	require.NotNil(t, reply.InReplyToID)
	assert.Equal(t, first.ID, *reply.InReplyToID)
	assert.Equal(t, "http://jo-ann.livejournal.com/", reply.Author.Ident)
	assert.Equal(t, "http://mark-t.livejournal.com/1001.html?thread=7#t7", reply.PermalinkURL)

	nested, err := f.db.GetObject(ctx, "livejournal.com", "urn:lj:livejournal.com:atom1:mark_t:1001:talk:8")
	require.NoError(t, err)
	require.NotNil(t, nested.InReplyToID)
	assert.Equal(t, reply.ID, *nested.InReplyToID)
	assert.Equal(t, "urn:lj:livejournal.com:anonymous", nested.Author.Ident)

	system, err := f.db.GetAccount(ctx, OpenIDService, "http://users.livejournal.com/_system/")
	require.NoError(t, err)
	assert.Equal(t, "System", system.DisplayName)

	entries, err := f.db.GetUserStream(ctx, f.user.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var thread model.StreamEntry
	for _, e := range entries {
		if e.ObjectID == first.ID {
			thread = e
		}
	}
	assert.Equal(t, model.VerbPost, thread.WhyVerb)
	assert.Equal(t, first.AuthorID, thread.WhyAccountID)
	require.Len(t, thread.Replies, 2)
	assert.Equal(t, reply.ID, thread.Replies[0].ID)
	assert.Equal(t, nested.ID, thread.Replies[1].ID)
}

func TestImportIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.im.Import(ctx, strings.NewReader(export), f.user)
	require.NoError(t, err)
	res, err := f.im.Import(ctx, strings.NewReader(export), f.user)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Posts)

	entries, err := f.db.GetUserStream(ctx, f.user.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestImportRejectsBadDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.im.Import(context.Background(), strings.NewReader("<livejournal>"), f.user)
	assert.ErrorIs(t, err, model.ErrMalformedPayload)

	_, err = f.im.Import(context.Background(), strings.NewReader(`<livejournal></livejournal>`), f.user)
	assert.ErrorIs(t, err, model.ErrMalformedPayload)
}

func TestOpenID(t *testing.T) {
	assert.Equal(t, "http://some-user.livejournal.com/", OpenID("livejournal.com", "some_user"))
	assert.Equal(t, "http://users.livejournal.com/_sys_tem/", OpenID("livejournal.com", "_sys_tem"))
}

func TestServerDomain(t *testing.T) {
	assert.Equal(t, "livejournal.com", ServerDomain("www.livejournal.com"))
	assert.Equal(t, "dreamwidth.org", ServerDomain("dreamwidth.org"))
	assert.Equal(t, "livejournal.com", ServerDomain("a.b.livejournal.com."))
}
