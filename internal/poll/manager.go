package poll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/metrics"
	"github.com/bryan-buckman/leapfrog/internal/model"
)

// MinInterval is the shortest time between poll runs.
const MinInterval = database.MinPollingInterval * time.Minute

// runTimeout bounds one PollAll run of the background loop.
const runTimeout = 10 * time.Minute

// ErrUnknownService means no driver is registered for an account's service.
var ErrUnknownService = errors.New("no poller for service")

// ManagerConfig sizes the worker pool and sets the default interval.
type ManagerConfig struct {
	// Workers is the pool size when the store supports concurrent writers.
	Workers int
	// Interval is used when the settings table cannot be read.
	Interval time.Duration
}

// Manager polls every linked account with its service's driver.
type Manager struct {
	store    database.Store
	cfg      ManagerConfig
	log      zerolog.Logger
	mu       sync.RWMutex
	services map[string]Service
}

// NewManager creates a manager with no drivers registered.
func NewManager(store database.Store, cfg ManagerConfig) *Manager {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		log:      logging.WithComponent("poll"),
		services: make(map[string]Service),
	}
}

// Register adds a driver, replacing any for the same service.
func (m *Manager) Register(s Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.Name()] = s
}

// Services lists the registered service names.
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) service(name string) Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.services[name]
}

// PollAccount runs one account's driver.
func (m *Manager) PollAccount(ctx context.Context, acct *model.Account) (Stats, error) {
	svc := m.service(acct.Service)
	if svc == nil {
		return Stats{}, fmt.Errorf("account %d: %w: %s", acct.ID, ErrUnknownService, acct.Service)
	}
	if logging.CorrelationIDFromContext(ctx) == "" {
		ctx = logging.ContextWithNewCorrelationID(ctx)
	}

	start := time.Now()
	stats, err := svc.Poll(ctx, acct)
	metrics.RecordPoll(acct.Service, time.Since(start), stats.Items)
	if err != nil {
		metrics.PollErrors.WithLabelValues(acct.Service, errorKind(err)).Inc()
		return stats, fmt.Errorf("poll %s account %s: %w", acct.Service, acct.Ident, err)
	}
	logging.Ctx(ctx).Debug().
		Str("service", acct.Service).
		Str("account", acct.Ident).
		Int("items", stats.Items).
		Int("errors", stats.Errors).
		Dur("took", time.Since(start)).
		Msg("Polled account")
	return stats, nil
}

// result holds the outcome of polling a single account.
type result struct {
	accountID int64
	stats     Stats
	err       error
}

// PollAll polls every linked account. Accounts are polled one at a time on
// SQLite and by a worker pool on PostgreSQL. A failed account is logged
// and left out of the returned map.
func (m *Manager) PollAll(ctx context.Context) (map[int64]Stats, error) {
	accounts, err := m.store.GetPollableAccounts(ctx)
	if err != nil {
		return nil, err
	}
	results := make(map[int64]Stats)
	if len(accounts) == 0 {
		return results, nil
	}

	ctx = logging.ContextWithNewCorrelationID(ctx)
	workers := 1
	if m.store.SupportsHighConcurrency() {
		workers = m.cfg.Workers
	}
	logging.Ctx(ctx).Info().Int("accounts", len(accounts)).Int("workers", workers).Msg("Polling accounts")

	if workers <= 1 {
		return m.pollSequential(ctx, accounts, results)
	}
	return m.pollParallel(ctx, accounts, workers, results)
}

func (m *Manager) pollSequential(ctx context.Context, accounts []model.Account, results map[int64]Stats) (map[int64]Stats, error) {
	for i := range accounts {
		if err := ctx.Err(); err != nil {
			logging.Ctx(ctx).Warn().Int("done", i).Int("total", len(accounts)).Msg("PollAll cancelled")
			return results, err
		}
		acct := &accounts[i]
		stats, err := m.PollAccount(ctx, acct)
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Int64("account_id", acct.ID).Msg("Poll failed")
			continue
		}
		results[acct.ID] = stats
	}
	return results, nil
}

func (m *Manager) pollParallel(ctx context.Context, accounts []model.Account, workers int, results map[int64]Stats) (map[int64]Stats, error) {
	var wg sync.WaitGroup
	jobs := make(chan *model.Account)
	out := make(chan result, len(accounts))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for acct := range jobs {
				stats, err := m.PollAccount(ctx, acct)
				out <- result{accountID: acct.ID, stats: stats, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range accounts {
			select {
			case <-ctx.Done():
				return
			case jobs <- &accounts[i]:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	for r := range out {
		if r.err != nil {
			logging.Ctx(ctx).Error().Err(r.err).Int64("account_id", r.accountID).Msg("Poll failed")
			continue
		}
		results[r.accountID] = r.stats
	}
	return results, ctx.Err()
}

// interval reads the polling interval from settings.
func (m *Manager) interval(ctx context.Context) time.Duration {
	minutes, err := m.store.GetPollingInterval(ctx)
	if err != nil {
		m.log.Warn().Err(err).Dur("fallback", m.cfg.Interval).Msg("Could not read polling interval")
		return m.cfg.Interval
	}
	d := time.Duration(minutes) * time.Minute
	if d < MinInterval {
		d = MinInterval
	}
	return d
}

// Serve implements suture.Service: poll everything, sleep, repeat.
func (m *Manager) Serve(ctx context.Context) error {
	for {
		interval := m.interval(ctx)
		m.log.Info().Dur("interval", interval).Msg("Polling all accounts")

		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		results, err := m.PollAll(runCtx)
		cancel()

		if err != nil && ctx.Err() == nil {
			m.log.Error().Err(err).Msg("Poll run failed")
		} else if err == nil {
			var total Stats
			for _, s := range results {
				total.add(s)
			}
			metrics.PollLastSuccess.SetToCurrentTime()
			m.log.Info().Int("items", total.Items).Int("errors", total.Errors).Int("accounts", len(results)).Msg("Poll run finished")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (m *Manager) String() string {
	return "poll-manager"
}
