package server

import (
	"time"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

type userView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func newUserView(u *model.User) userView {
	return userView{ID: u.ID, Name: u.Name, CreatedAt: u.CreatedAt}
}

type accountView struct {
	ID          int64             `json:"id"`
	PersonID    int64             `json:"person_id"`
	Service     string            `json:"service"`
	Ident       string            `json:"ident"`
	DisplayName string            `json:"display_name,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

func newAccountView(a *model.Account) *accountView {
	if a == nil {
		return nil
	}
	return &accountView{
		ID:          a.ID,
		PersonID:    a.PersonID,
		Service:     a.Service,
		Ident:       a.Ident,
		DisplayName: a.DisplayName,
		Extra:       a.Extra,
	}
}

type mediaView struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type objectView struct {
	ID           int64            `json:"id"`
	Service      string           `json:"service"`
	ForeignID    string           `json:"foreign_id"`
	Title        string           `json:"title,omitempty"`
	Body         string           `json:"body,omitempty"`
	RenderMode   model.RenderMode `json:"render_mode"`
	PermalinkURL string           `json:"permalink_url,omitempty"`
	PublishedAt  time.Time        `json:"published_at"`
	InReplyToID  *int64           `json:"in_reply_to_id,omitempty"`
	Author       *accountView     `json:"author,omitempty"`
	Image        *mediaView       `json:"image,omitempty"`
}

func newObjectView(o *model.Object) objectView {
	v := objectView{
		ID:           o.ID,
		Service:      o.Service,
		ForeignID:    o.ForeignID,
		Title:        o.Title,
		Body:         o.Body,
		RenderMode:   o.RenderMode,
		PermalinkURL: o.PermalinkURL,
		PublishedAt:  o.PublishedAt,
		InReplyToID:  o.InReplyToID,
		Author:       newAccountView(o.Author),
	}
	if o.Image != nil {
		v.Image = &mediaView{URL: o.Image.ImageURL, Width: o.Image.Width, Height: o.Image.Height}
	}
	return v
}

type streamEntryView struct {
	ID      int64        `json:"id"`
	Verb    model.Verb   `json:"verb"`
	Time    time.Time    `json:"time"`
	Actor   *accountView `json:"actor"`
	Object  objectView   `json:"object"`
	Replies []objectView `json:"replies"`
}

func newStreamEntryView(e *model.StreamEntry) streamEntryView {
	v := streamEntryView{
		ID:      e.ID,
		Verb:    e.WhyVerb,
		Time:    e.Time,
		Actor:   newAccountView(e.Actor),
		Replies: make([]objectView, 0, len(e.Replies)),
	}
	if e.Object != nil {
		v.Object = newObjectView(e.Object)
	}
	for _, r := range e.Replies {
		v.Replies = append(v.Replies, newObjectView(r))
	}
	return v
}
