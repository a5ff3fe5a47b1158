// Package poll pulls activity from foreign services and feeds it through
// normalization into user streams.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/identity"
	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/metrics"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/normalize"
	"github.com/bryan-buckman/leapfrog/internal/stream"
	"github.com/bryan-buckman/leapfrog/internal/transport"
)

// Service polls one foreign service on behalf of a linked account.
type Service interface {
	Name() string
	Poll(ctx context.Context, acct *model.Account) (Stats, error)
}

// Stats counts the outcome of one account poll.
type Stats struct {
	Items  int // items projected into the owner's stream
	Errors int // items that failed and were skipped
}

func (s *Stats) add(o Stats) {
	s.Items += o.Items
	s.Errors += o.Errors
}

// Env is what every driver needs to turn payloads into stream rows.
type Env struct {
	Store     database.Store
	Identity  *identity.Resolver
	Normalize *normalize.Normalizer
	Projector *stream.Projector
	Client    *transport.Client
}

// Item is one activity reported by a service.
type Item struct {
	Post model.ForeignPost
	// Actor did Verb; nil means the post's author.
	Actor *model.ForeignUser
	// Verb is derived when empty: reply for threaded objects, else post.
	Verb model.Verb
	// Time defaults to the post's publish time.
	Time time.Time
}

// owner returns the local user of acct, or nil when there is none and the
// poll should be skipped.
func (e *Env) owner(ctx context.Context, acct *model.Account) (*model.User, error) {
	if acct == nil {
		return nil, errors.New("nil account")
	}
	return e.Projector.UserFor(ctx, acct)
}

// handle normalizes and projects one item, recording any failure in stats
// instead of returning it.
func (e *Env) handle(ctx context.Context, user *model.User, it Item, stats *Stats) {
	if err := e.ingest(ctx, user, it); err != nil {
		e.fail(ctx, it.Post.Service, it.Post.Key().String(), err, stats)
		return
	}
	stats.Items++
}

func (e *Env) ingest(ctx context.Context, user *model.User, it Item) error {
	obj, shared, err := e.Normalize.Normalize(ctx, it.Post)
	if err != nil {
		return err
	}

	who := it.Post.Author
	if it.Actor != nil {
		who = *it.Actor
	}
	actor, err := e.Identity.ResolveAccount(ctx, who)
	if err != nil {
		return fmt.Errorf("actor: %w", err)
	}

	verb := it.Verb
	switch {
	case shared:
		verb = model.VerbShare
	case verb == "" && obj.InReplyToID != nil:
		verb = model.VerbReply
	case verb == "":
		verb = model.VerbPost
	}
	at := it.Time
	if at.IsZero() {
		at = it.Post.PublishedAt
	}

	_, err = e.Projector.Project(ctx, user, obj, actor, verb, at)
	return err
}

// fail logs and counts an item that could not be handled.
func (e *Env) fail(ctx context.Context, service, ref string, err error, stats *Stats) {
	stats.Errors++
	kind := errorKind(err)
	metrics.PollErrors.WithLabelValues(service, kind).Inc()
	logging.Ctx(ctx).Warn().Err(err).Str("service", service).Str("item", ref).Str("kind", kind).Msg("Skipping item")
}

func errorKind(err error) string {
	switch {
	case model.IsTransport(err):
		return "transport"
	case errors.Is(err, model.ErrMalformedPayload):
		return "malformed"
	default:
		return "other"
	}
}
