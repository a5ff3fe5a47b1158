package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

type fakeService struct {
	name  string
	stats Stats
	err   error
	hook  func()

	mu    sync.Mutex
	polls []string
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Poll(ctx context.Context, acct *model.Account) (Stats, error) {
	s.mu.Lock()
	s.polls = append(s.polls, acct.Ident)
	s.mu.Unlock()
	if s.hook != nil {
		s.hook()
	}
	return s.stats, s.err
}

func TestManagerPollAll(t *testing.T) {
	f := newFixture(t)
	ok := &fakeService{name: "ok.example", stats: Stats{Items: 3, Errors: 1}}
	broken := &fakeService{name: "broken.example", err: errors.New("boom")}

	m := NewManager(f.db, ManagerConfig{Workers: 4})
	m.Register(ok)
	m.Register(broken)
	assert.Equal(t, []string{"broken.example", "ok.example"}, m.Services())

	a := f.link(t, "ok.example", "a", "")
	b := f.link(t, "broken.example", "b", "")
	c := f.link(t, "nobody.example", "c", "")

	results, err := m.PollAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int64]Stats{a.ID: {Items: 3, Errors: 1}}, results)
	assert.NotContains(t, results, b.ID)
	assert.NotContains(t, results, c.ID)
	assert.Equal(t, []string{"a"}, ok.polls)
	assert.Equal(t, []string{"b"}, broken.polls)
}

func TestManagerSkipsUnlinkedAccounts(t *testing.T) {
	f := newFixture(t)
	svc := &fakeService{name: "ok.example"}
	m := NewManager(f.db, ManagerConfig{})
	m.Register(svc)

	_, err := f.env.Identity.ResolveAccount(context.Background(), model.ForeignUser{Service: "ok.example", ForeignID: "stranger"})
	require.NoError(t, err)

	results, err := m.PollAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, svc.polls)
}

func TestManagerPollAccountUnknownService(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.db, ManagerConfig{})
	acct := f.link(t, "nobody.example", "x", "")

	_, err := m.PollAccount(context.Background(), acct)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestManagerInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := NewManager(f.db, ManagerConfig{Interval: time.Minute})
	assert.Equal(t, MinInterval, m.cfg.Interval)

	require.NoError(t, f.db.SetSetting(ctx, model.SettingPollingInterval, "45"))
	assert.Equal(t, 45*time.Minute, m.interval(ctx))

	require.NoError(t, f.db.SetSetting(ctx, model.SettingPollingInterval, "1"))
	assert.Equal(t, MinInterval, m.interval(ctx))
}

func TestManagerServeStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := &fakeService{name: "ok.example", hook: cancel}
	m := NewManager(f.db, ManagerConfig{})
	m.Register(svc)
	f.link(t, "ok.example", "a", "")

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, []string{"a"}, svc.polls)
	assert.Equal(t, "poll-manager", m.String())
}
