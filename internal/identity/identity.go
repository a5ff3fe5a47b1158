// Package identity maps foreign service users onto local accounts and people.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/keylock"
	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/metrics"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/validation"
)

// Resolver finds or creates the Account for a ForeignUser.
type Resolver struct {
	store database.Store
	locks keylock.Map
	log   zerolog.Logger
}

// New creates a resolver over store.
func New(store database.Store) *Resolver {
	return &Resolver{
		store: store,
		log:   logging.WithComponent("identity"),
	}
}

// ResolveAccount returns the stored account for u, creating the avatar,
// person and account on first sight. Existing accounts are returned as
// stored; their profile is not refreshed.
func (r *Resolver) ResolveAccount(ctx context.Context, u model.ForeignUser) (*model.Account, error) {
	if err := validation.Struct(&u); err != nil {
		return nil, fmt.Errorf("%w: foreign user: %v", model.ErrMalformedPayload, err)
	}

	acct, err := r.store.GetAccount(ctx, u.Service, u.ForeignID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("lookup account %s:%s: %w", u.Service, u.ForeignID, err)
	}

	key := model.Key{Service: u.Service, ForeignID: u.ForeignID}
	unlock := r.locks.Lock(key.String())
	defer unlock()

	// Another caller may have created it while we waited.
	acct, err = r.store.GetAccount(ctx, u.Service, u.ForeignID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("lookup account %s: %w", key, err)
	}

	ni := database.NewIdentity{
		Person: model.Person{
			DisplayName:  displayName(u),
			PermalinkURL: u.PermalinkURL,
		},
		Account: model.Account{
			Service:     u.Service,
			Ident:       u.ForeignID,
			DisplayName: u.DisplayName,
			Extra:       u.Extra,
		},
	}
	if u.AvatarURL != "" {
		ni.Avatar = &model.Media{
			ImageURL: u.AvatarURL,
			Width:    u.AvatarWidth,
			Height:   u.AvatarHeight,
		}
	}

	acct, created, err := r.store.CreateIdentity(ctx, ni)
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", key, err)
	}
	if created {
		metrics.AccountsCreated.WithLabelValues(u.Service).Inc()
		r.log.Debug().Str("account", key.String()).Int64("account_id", acct.ID).Msg("Created account")
	}
	return acct, nil
}

// LinkUser makes the person behind acct belong to a local user, so the
// account is polled and its activity projected into that user's stream.
func (r *Resolver) LinkUser(ctx context.Context, acct *model.Account, userID int64) error {
	if _, err := r.store.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("link account %d to user %d: %w", acct.ID, userID, err)
	}
	if err := r.store.LinkPersonToUser(ctx, acct.PersonID, userID); err != nil {
		return fmt.Errorf("link account %d to user %d: %w", acct.ID, userID, err)
	}
	r.log.Info().Str("service", acct.Service).Str("ident", acct.Ident).Int64("user_id", userID).Msg("Linked account")
	return nil
}

func displayName(u model.ForeignUser) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ForeignID
}
