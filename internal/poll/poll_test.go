package poll

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/identity"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/normalize"
	"github.com/bryan-buckman/leapfrog/internal/stream"
	"github.com/bryan-buckman/leapfrog/internal/transport"
)

type fixture struct {
	db   *database.DB
	env  *Env
	user *model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "poll.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	user, err := db.CreateUser(context.Background(), "reader")
	require.NoError(t, err)

	cfg := transport.DefaultConfig()
	cfg.RequestsPerSecond = 1000
	ident := identity.New(db)
	return &fixture{
		db: db,
		env: &Env{
			Store:     db,
			Identity:  ident,
			Normalize: normalize.New(db, ident, normalize.Config{}),
			Projector: stream.NewProjector(db),
			Client:    transport.New(cfg),
		},
		user: user,
	}
}

// link creates an account owned by the fixture's user.
func (f *fixture) link(t *testing.T, service, ident, auth string) *model.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := f.env.Identity.ResolveAccount(ctx, model.ForeignUser{Service: service, ForeignID: ident})
	require.NoError(t, err)
	require.NoError(t, f.env.Identity.LinkUser(ctx, acct, f.user.ID))
	if auth != "" {
		require.NoError(t, f.db.SetAccountAuth(ctx, acct.ID, auth))
		acct.AuthInfo = auth
	}
	return acct
}

// streamByObject indexes the user's stream by root object id.
func (f *fixture) streamByObject(t *testing.T) map[int64]model.StreamEntry {
	t.Helper()
	entries, err := f.db.GetUserStream(context.Background(), f.user.ID, 100)
	require.NoError(t, err)
	out := make(map[int64]model.StreamEntry, len(entries))
	for _, e := range entries {
		out[e.ObjectID] = e
	}
	return out
}

func (f *fixture) object(t *testing.T, service, id string) *model.Object {
	t.Helper()
	obj, err := f.db.GetObject(context.Background(), service, id)
	require.NoError(t, err)
	return obj
}

func (f *fixture) account(t *testing.T, service, ident string) *model.Account {
	t.Helper()
	acct, err := f.db.GetAccount(context.Background(), service, ident)
	require.NoError(t, err)
	return acct
}

func serve(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	t.Cleanup(srv.Close)
	return srv.URL
}
