package embed

import (
	"context"
	"errors"

	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/model"
)

// Resolver turns a URL into the post it points at. Resolvers return
// ErrUnsupported for URLs they do not handle.
type Resolver interface {
	ResolveURL(ctx context.Context, url string) (*model.ForeignPost, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, url string) (*model.ForeignPost, error)

func (f ResolverFunc) ResolveURL(ctx context.Context, url string) (*model.ForeignPost, error) {
	return f(ctx, url)
}

// Chain tries each resolver in order until one handles the URL. A
// resolver that fails upstream is skipped so one unhealthy service does
// not block the rest. Every failure comes back as a *model.ResolutionFailure.
type Chain []Resolver

// ResolveURL implements the normalizer's URL resolver.
func (c Chain) ResolveURL(ctx context.Context, url string) (*model.ForeignPost, error) {
	last := ErrUnsupported
	for _, r := range c {
		if r == nil {
			continue
		}
		post, err := r.ResolveURL(ctx, url)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		if model.IsTransport(err) {
			logging.Ctx(ctx).Debug().Err(err).Str("component", "embed").Str("url", url).Msg("Resolver failed, trying next")
			last = err
			continue
		}
		if err != nil {
			return nil, &model.ResolutionFailure{URL: url, Err: err}
		}
		if post == nil {
			continue
		}
		return post, nil
	}
	return nil, &model.ResolutionFailure{URL: url, Err: last}
}
