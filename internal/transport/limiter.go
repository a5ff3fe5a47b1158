package transport

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter bounds concurrent requests and request rate per host.
type hostLimiter struct {
	mu         sync.Mutex
	perHost    int
	rps        rate.Limit
	burst      int
	semaphores map[string]chan struct{}
	limiters   map[string]*rate.Limiter
}

func newHostLimiter(perHost int, rps float64) *hostLimiter {
	if perHost < 1 {
		perHost = 1
	}
	burst := perHost
	return &hostLimiter{
		perHost:    perHost,
		rps:        rate.Limit(rps),
		burst:      burst,
		semaphores: make(map[string]chan struct{}),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// acquire gets a slot for the host, blocking if necessary, then waits for
// the host's rate limiter.
func (hl *hostLimiter) acquire(ctx context.Context, host string) error {
	hl.mu.Lock()
	sem, ok := hl.semaphores[host]
	if !ok {
		sem = make(chan struct{}, hl.perHost)
		hl.semaphores[host] = sem
	}
	lim, ok := hl.limiters[host]
	if !ok {
		lim = rate.NewLimiter(hl.rps, hl.burst)
		hl.limiters[host] = lim
	}
	hl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := lim.Wait(ctx); err != nil {
		<-sem
		return err
	}
	return nil
}

// release returns a slot for the host.
func (hl *hostLimiter) release(host string) {
	hl.mu.Lock()
	sem := hl.semaphores[host]
	hl.mu.Unlock()
	if sem != nil {
		<-sem
	}
}

// hostOf gets the host from a URL.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
