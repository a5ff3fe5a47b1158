// Package database provides storage backends for leapfrog.
package database

import (
	"context"
	"errors"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// NewIdentity is the Media, Person and Account created together for a
// previously unseen foreign account.
type NewIdentity struct {
	Avatar  *model.Media // nil when the account has no avatar
	Person  model.Person
	Account model.Account
}

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// User operations
	CreateUser(ctx context.Context, name string) (*model.User, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)

	// Identity operations
	GetAccount(ctx context.Context, service, ident string) (*model.Account, error)
	GetAccountByID(ctx context.Context, accountID int64) (*model.Account, error)
	// CreateIdentity inserts avatar, person and account in one transaction.
	// If another writer already created the account, its row is returned
	// with created=false and nothing is inserted.
	CreateIdentity(ctx context.Context, id NewIdentity) (acct *model.Account, created bool, err error)
	GetPerson(ctx context.Context, personID int64) (*model.Person, error)
	LinkPersonToUser(ctx context.Context, personID, userID int64) error
	SetAccountAuth(ctx context.Context, accountID int64, authInfo string) error
	// GetPollableAccounts returns accounts whose person belongs to a user.
	GetPollableAccounts(ctx context.Context) ([]model.Account, error)

	// Object operations. Returned objects carry author, image and ancestry.
	GetObject(ctx context.Context, service, foreignID string) (*model.Object, error)
	GetObjectByID(ctx context.Context, objectID int64) (*model.Object, error)
	// CreateObject inserts image and object in one transaction. If the
	// (service, foreign_id) key is taken, the stored object is returned
	// with created=false.
	CreateObject(ctx context.Context, obj *model.Object, image *model.Media) (stored *model.Object, created bool, err error)

	// Stream operations. Inserts are first-write-wins.
	AddUserStream(ctx context.Context, e *model.UserStream) (bool, error)
	AddUserReplyStream(ctx context.Context, e *model.UserReplyStream) (bool, error)
	GetUserStream(ctx context.Context, userID int64, limit int) ([]model.StreamEntry, error)
	GetUserReplies(ctx context.Context, userID, rootID int64) ([]*model.Object, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetPollingInterval(ctx context.Context) (int, error)
}
