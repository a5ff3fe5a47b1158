package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

// maxAncestry bounds ancestry hydration for rows written before any
// depth limit applied.
const maxAncestry = 10000

const objectColumns = `o.id, o.service, o.foreign_id, o.title, o.body, o.render_mode, o.permalink_url,
	o.published_at, o.author_id, o.image_id, o.in_reply_to_id, m.image_url, m.width, m.height`

const objectFrom = " FROM objects o LEFT JOIN media m ON m.id = o.image_id "

func scanObject(row interface{ Scan(...any) error }) (*model.Object, error) {
	var o model.Object
	var mode string
	var imageID, replyTo sql.NullInt64
	var imageURL sql.NullString
	var width, height sql.NullInt64
	err := row.Scan(&o.ID, &o.Service, &o.ForeignID, &o.Title, &o.Body, &mode, &o.PermalinkURL,
		&o.PublishedAt, &o.AuthorID, &imageID, &replyTo, &imageURL, &width, &height)
	if err != nil {
		return nil, err
	}
	o.RenderMode = model.RenderMode(mode)
	o.ImageID = nullableID(imageID)
	o.InReplyToID = nullableID(replyTo)
	if o.ImageID != nil && imageURL.Valid {
		o.Image = &model.Media{
			ID:       *o.ImageID,
			ImageURL: imageURL.String,
			Width:    int(width.Int64),
			Height:   int(height.Int64),
		}
	}
	return &o, nil
}

// GetObject finds an object by its foreign key.
func (b *base) GetObject(ctx context.Context, service, foreignID string) (*model.Object, error) {
	o, err := scanObject(b.queryRow(ctx, b.conn,
		"SELECT "+objectColumns+objectFrom+"WHERE o.service = ? AND o.foreign_id = ?", service, foreignID))
	if err != nil {
		return nil, notFound(err)
	}
	if err := b.hydrate(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// GetObjectByID returns an object by ID.
func (b *base) GetObjectByID(ctx context.Context, objectID int64) (*model.Object, error) {
	o, err := b.objectRow(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if err := b.hydrate(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (b *base) objectRow(ctx context.Context, objectID int64) (*model.Object, error) {
	o, err := scanObject(b.queryRow(ctx, b.conn,
		"SELECT "+objectColumns+objectFrom+"WHERE o.id = ?", objectID))
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

// hydrate attaches authors and the InReplyTo chain. A revisited id stops
// the walk so a corrupt chain still yields a finite graph.
func (b *base) hydrate(ctx context.Context, o *model.Object) error {
	authors := make(map[int64]*model.Account)
	author := func(id int64) (*model.Account, error) {
		if a, ok := authors[id]; ok {
			return a, nil
		}
		a, err := b.GetAccountByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load author %d: %w", id, err)
		}
		authors[id] = a
		return a, nil
	}

	var err error
	if o.Author, err = author(o.AuthorID); err != nil {
		return err
	}

	seen := map[int64]bool{o.ID: true}
	cur := o
	for depth := 0; cur.InReplyToID != nil && depth < maxAncestry; depth++ {
		pid := *cur.InReplyToID
		if seen[pid] {
			break
		}
		parent, err := b.objectRow(ctx, pid)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return fmt.Errorf("load ancestor %d: %w", pid, err)
		}
		if parent.Author, err = author(parent.AuthorID); err != nil {
			return err
		}
		seen[pid] = true
		cur.InReplyTo = parent
		cur = parent
	}
	return nil
}

// CreateObject inserts an object and its image. On a (service, foreign_id)
// conflict nothing is written and the stored object is returned.
func (b *base) CreateObject(ctx context.Context, obj *model.Object, image *model.Media) (*model.Object, bool, error) {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	imageID := obj.ImageID
	if image != nil {
		id, _, err := b.insertID(ctx, tx,
			"INSERT INTO media (image_url, width, height) VALUES (?, ?, ?) RETURNING id",
			image.ImageURL, image.Width, image.Height)
		if err != nil {
			return nil, false, fmt.Errorf("insert image: %w", err)
		}
		imageID = &id
	}

	id, inserted, err := b.insertID(ctx, tx, `
		INSERT INTO objects (service, foreign_id, title, body, render_mode, permalink_url,
			published_at, author_id, image_id, in_reply_to_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service, foreign_id) DO NOTHING
		RETURNING id`,
		obj.Service, obj.ForeignID, obj.Title, obj.Body, string(obj.RenderMode), obj.PermalinkURL,
		dbTime(obj.PublishedAt), obj.AuthorID, imageID, obj.InReplyToID)
	if err != nil {
		return nil, false, fmt.Errorf("insert object: %w", err)
	}
	if !inserted {
		if err := tx.Rollback(); err != nil {
			return nil, false, fmt.Errorf("rollback: %w", err)
		}
		winner, err := b.GetObject(ctx, obj.Service, obj.ForeignID)
		if err != nil {
			return nil, false, fmt.Errorf("read existing object: %w", err)
		}
		return winner, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	stored, err := b.GetObjectByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}
