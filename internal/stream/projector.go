// Package stream projects normalized activity into per-user streams.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/metrics"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/thread"
)

// Result counts the rows a projection added.
type Result struct {
	StreamCreated  bool
	RepliesCreated int
}

// Projector writes stream and reply stream rows.
type Projector struct {
	store database.Store
}

// NewProjector creates a projector over store.
func NewProjector(store database.Store) *Projector {
	return &Projector{store: store}
}

// Project records that actor did verb to leaf at t in user's stream.
//
// The stream entry is keyed on the thread root and the first entry for a
// root wins. When leaf is a reply, leaf and each ancestor below the root
// get a reply row under that root. A nil user projects nothing.
func (p *Projector) Project(ctx context.Context, user *model.User, leaf *model.Object, actor *model.Account, verb model.Verb, t time.Time) (Result, error) {
	var res Result
	if user == nil || leaf == nil {
		return res, nil
	}
	if actor == nil {
		return res, fmt.Errorf("project object %d: nil actor", leaf.ID)
	}

	root := thread.RootOf(leaf)
	created, err := p.store.AddUserStream(ctx, &model.UserStream{
		UserID:       user.ID,
		ObjectID:     root.ID,
		WhyAccountID: actor.ID,
		WhyVerb:      verb,
		Time:         t,
	})
	if err != nil {
		return res, err
	}
	if created {
		res.StreamCreated = true
		metrics.StreamEntriesCreated.WithLabelValues(string(verb)).Inc()
	}

	for _, node := range thread.Chain(leaf) {
		created, err := p.store.AddUserReplyStream(ctx, &model.UserReplyStream{
			UserID:    user.ID,
			RootID:    root.ID,
			ReplyID:   node.ID,
			RootTime:  root.PublishedAt,
			ReplyTime: node.PublishedAt,
		})
		if err != nil {
			return res, err
		}
		if created {
			res.RepliesCreated++
		}
	}
	metrics.ReplyEntriesCreated.Add(float64(res.RepliesCreated))
	return res, nil
}

// UserFor returns the local user that owns acct, or nil if nobody does.
func (p *Projector) UserFor(ctx context.Context, acct *model.Account) (*model.User, error) {
	if acct == nil {
		return nil, nil
	}
	person, err := p.store.GetPerson(ctx, acct.PersonID)
	if err != nil {
		return nil, fmt.Errorf("person of account %d: %w", acct.ID, err)
	}
	if person.UserID == nil {
		return nil, nil
	}
	user, err := p.store.GetUser(ctx, *person.UserID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return user, err
}
