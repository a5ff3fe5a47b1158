package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

// --- User Methods ---

// CreateUser adds a local user.
func (b *base) CreateUser(ctx context.Context, name string) (*model.User, error) {
	u := &model.User{Name: name, CreatedAt: time.Now().UTC()}
	id, _, err := b.insertID(ctx, b.conn,
		"INSERT INTO users (name, created_at) VALUES (?, ?) RETURNING id", u.Name, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	return u, nil
}

// GetUser returns a user by ID.
func (b *base) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var u model.User
	err := b.queryRow(ctx, b.conn, "SELECT id, name, created_at FROM users WHERE id = ?", userID).
		Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// --- Account Methods ---

const accountColumns = "id, person_id, service, ident, display_name, auth_info, extra"

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var extra string
	if err := row.Scan(&a.ID, &a.PersonID, &a.Service, &a.Ident, &a.DisplayName, &a.AuthInfo, &extra); err != nil {
		return nil, err
	}
	if extra != "" {
		if err := json.Unmarshal([]byte(extra), &a.Extra); err != nil {
			return nil, fmt.Errorf("decode account %d extra: %w", a.ID, err)
		}
	}
	return &a, nil
}

func encodeExtra(extra map[string]string) (string, error) {
	if len(extra) == 0 {
		return "", nil
	}
	buf, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// GetAccount finds an account by service and foreign identifier.
func (b *base) GetAccount(ctx context.Context, service, ident string) (*model.Account, error) {
	a, err := scanAccount(b.queryRow(ctx, b.conn,
		"SELECT "+accountColumns+" FROM accounts WHERE service = ? AND ident = ?", service, ident))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// GetAccountByID returns an account by ID.
func (b *base) GetAccountByID(ctx context.Context, accountID int64) (*model.Account, error) {
	a, err := scanAccount(b.queryRow(ctx, b.conn,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", accountID))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// CreateIdentity inserts the avatar, person and account of a new foreign
// account in one transaction.
func (b *base) CreateIdentity(ctx context.Context, ni NewIdentity) (*model.Account, bool, error) {
	extra, err := encodeExtra(ni.Account.Extra)
	if err != nil {
		return nil, false, fmt.Errorf("encode extra: %w", err)
	}

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var avatarID *int64
	if ni.Avatar != nil {
		id, _, err := b.insertID(ctx, tx,
			"INSERT INTO media (image_url, width, height) VALUES (?, ?, ?) RETURNING id",
			ni.Avatar.ImageURL, ni.Avatar.Width, ni.Avatar.Height)
		if err != nil {
			return nil, false, fmt.Errorf("insert avatar: %w", err)
		}
		avatarID = &id
	}

	personID, _, err := b.insertID(ctx, tx,
		"INSERT INTO persons (display_name, permalink_url, avatar_id, user_id) VALUES (?, ?, ?, ?) RETURNING id",
		ni.Person.DisplayName, ni.Person.PermalinkURL, avatarID, ni.Person.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("insert person: %w", err)
	}

	acct := ni.Account
	accountID, inserted, err := b.insertID(ctx, tx, `
		INSERT INTO accounts (person_id, service, ident, display_name, auth_info, extra)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (service, ident) DO NOTHING
		RETURNING id`,
		personID, acct.Service, acct.Ident, acct.DisplayName, acct.AuthInfo, extra)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	if !inserted {
		// Lost the race; drop our person and avatar and use the winner.
		if err := tx.Rollback(); err != nil {
			return nil, false, fmt.Errorf("rollback: %w", err)
		}
		winner, err := b.GetAccount(ctx, acct.Service, acct.Ident)
		if err != nil {
			return nil, false, fmt.Errorf("read existing account: %w", err)
		}
		return winner, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	acct.ID = accountID
	acct.PersonID = personID
	return &acct, true, nil
}

// --- Person Methods ---

// GetPerson returns a person with its avatar.
func (b *base) GetPerson(ctx context.Context, personID int64) (*model.Person, error) {
	var p model.Person
	var avatarID, userID sql.NullInt64
	var imageURL sql.NullString
	var width, height sql.NullInt64
	err := b.queryRow(ctx, b.conn, `
		SELECT p.id, p.display_name, p.permalink_url, p.avatar_id, p.user_id,
			m.image_url, m.width, m.height
		FROM persons p LEFT JOIN media m ON m.id = p.avatar_id
		WHERE p.id = ?`, personID).
		Scan(&p.ID, &p.DisplayName, &p.PermalinkURL, &avatarID, &userID, &imageURL, &width, &height)
	if err != nil {
		return nil, notFound(err)
	}
	p.AvatarID = nullableID(avatarID)
	p.UserID = nullableID(userID)
	if p.AvatarID != nil && imageURL.Valid {
		p.Avatar = &model.Media{
			ID:       *p.AvatarID,
			ImageURL: imageURL.String,
			Width:    int(width.Int64),
			Height:   int(height.Int64),
		}
	}
	return &p, nil
}

// LinkPersonToUser marks a person as belonging to a local user.
func (b *base) LinkPersonToUser(ctx context.Context, personID, userID int64) error {
	res, err := b.exec(ctx, b.conn, "UPDATE persons SET user_id = ? WHERE id = ?", userID, personID)
	if err != nil {
		return fmt.Errorf("link person %d: %w", personID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAccountAuth stores credentials for polling an account.
func (b *base) SetAccountAuth(ctx context.Context, accountID int64, authInfo string) error {
	res, err := b.exec(ctx, b.conn, "UPDATE accounts SET auth_info = ? WHERE id = ?", authInfo, accountID)
	if err != nil {
		return fmt.Errorf("set account auth %d: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPollableAccounts returns every account owned by a local user.
func (b *base) GetPollableAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := b.query(ctx, b.conn, `
		SELECT a.id, a.person_id, a.service, a.ident, a.display_name, a.auth_info, a.extra
		FROM accounts a JOIN persons p ON p.id = a.person_id
		WHERE p.user_id IS NOT NULL
		ORDER BY a.service, a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}
