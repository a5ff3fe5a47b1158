package database

import (
	"context"
	"fmt"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

// AddUserStream records that the user saw an object. The first entry for a
// (user, object) pair wins; later calls return false and change nothing.
func (b *base) AddUserStream(ctx context.Context, e *model.UserStream) (bool, error) {
	id, inserted, err := b.insertID(ctx, b.conn, `
		INSERT INTO user_streams (user_id, object_id, why_account_id, why_verb, event_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, object_id) DO NOTHING
		RETURNING id`,
		e.UserID, e.ObjectID, e.WhyAccountID, string(e.WhyVerb), dbTime(e.Time))
	if err != nil {
		return false, fmt.Errorf("add user stream: %w", err)
	}
	if inserted {
		e.ID = id
	}
	return inserted, nil
}

// AddUserReplyStream records a reply under a root in the user's stream.
func (b *base) AddUserReplyStream(ctx context.Context, e *model.UserReplyStream) (bool, error) {
	id, inserted, err := b.insertID(ctx, b.conn, `
		INSERT INTO user_reply_streams (user_id, root_id, reply_id, root_time, reply_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, root_id, reply_id) DO NOTHING
		RETURNING id`,
		e.UserID, e.RootID, e.ReplyID, dbTime(e.RootTime), dbTime(e.ReplyTime))
	if err != nil {
		return false, fmt.Errorf("add user reply stream: %w", err)
	}
	if inserted {
		e.ID = id
	}
	return inserted, nil
}

// GetUserStream returns the newest stream entries with object, actor and
// replies attached.
func (b *base) GetUserStream(ctx context.Context, userID int64, limit int) ([]model.StreamEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.query(ctx, b.conn, `
		SELECT id, user_id, object_id, why_account_id, why_verb, event_time
		FROM user_streams WHERE user_id = ?
		ORDER BY event_time DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	var entries []model.StreamEntry
	for rows.Next() {
		var e model.StreamEntry
		var verb string
		if err := rows.Scan(&e.ID, &e.UserID, &e.ObjectID, &e.WhyAccountID, &verb, &e.Time); err != nil {
			rows.Close()
			return nil, err
		}
		e.WhyVerb = model.Verb(verb)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Hydrate after the cursor is closed; SQLite may only have one connection free.
	for i := range entries {
		e := &entries[i]
		if e.Object, err = b.GetObjectByID(ctx, e.ObjectID); err != nil {
			return nil, fmt.Errorf("load stream object %d: %w", e.ObjectID, err)
		}
		if e.Actor, err = b.GetAccountByID(ctx, e.WhyAccountID); err != nil {
			return nil, fmt.Errorf("load stream actor %d: %w", e.WhyAccountID, err)
		}
		if e.Replies, err = b.GetUserReplies(ctx, userID, e.ObjectID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// GetUserReplies returns the replies under a root, oldest first.
func (b *base) GetUserReplies(ctx context.Context, userID, rootID int64) ([]*model.Object, error) {
	rows, err := b.query(ctx, b.conn, `
		SELECT reply_id FROM user_reply_streams
		WHERE user_id = ? AND root_id = ?
		ORDER BY reply_time ASC, id ASC`, userID, rootID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	replies := make([]*model.Object, 0, len(ids))
	for _, id := range ids {
		o, err := b.GetObjectByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load reply %d: %w", id, err)
		}
		replies = append(replies, o)
	}
	return replies, nil
}
