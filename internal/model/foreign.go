package model

import "time"

// ForeignUser describes an account on a foreign service as reported by a poller.
type ForeignUser struct {
	Service      string `validate:"required"`
	ForeignID    string `validate:"required"`
	DisplayName  string
	PermalinkURL string
	AvatarURL    string
	AvatarWidth  int
	AvatarHeight int
	Extra        map[string]string
}

// ForeignImage is an image attached to a foreign post.
type ForeignImage struct {
	URL    string `validate:"required"`
	Width  int    `validate:"gte=0"`
	Height int    `validate:"gte=0"`
}

// ParentKind tags which variant of Parent is set.
type ParentKind int

const (
	// ParentNone marks a thread root.
	ParentNone ParentKind = iota
	// ParentPost carries the parent payload inline.
	ParentPost
	// ParentRef names a parent on the same or another service that may
	// have to be fetched.
	ParentRef
	// ParentURL is a linked external page that may resolve to an object.
	ParentURL
)

// Parent is the reply-to, reblog-of or linked content of a ForeignPost.
type Parent struct {
	Kind ParentKind

	Post *ForeignPost // ParentPost

	Service   string // ParentRef
	ForeignID string // ParentRef

	URL      string // ParentURL
	LinkText string // ParentURL: the link as it appears in the post text
}

// NoParent is the zero Parent.
var NoParent = Parent{}

// InlineParent returns a Parent carrying p.
func InlineParent(p *ForeignPost) Parent {
	if p == nil {
		return NoParent
	}
	return Parent{Kind: ParentPost, Post: p}
}

// RefParent returns a Parent referencing a foreign post by id.
func RefParent(service, foreignID string) Parent {
	return Parent{Kind: ParentRef, Service: service, ForeignID: foreignID}
}

// LinkParent returns a Parent for a linked URL.
func LinkParent(url, linkText string) Parent {
	return Parent{Kind: ParentURL, URL: url, LinkText: linkText}
}

// ForeignPost is the poll result shape every service adapter produces.
type ForeignPost struct {
	Service      string `validate:"required"`
	ForeignID    string `validate:"required"`
	Author       ForeignUser
	Title        string
	BodyHTML     string
	Text         string // plain text, used for share detection
	Preformatted bool   // body is already formatted; keep bare newlines
	RenderHint   RenderMode
	Image        *ForeignImage `validate:"omitempty"`
	PublishedAt  time.Time     `validate:"required"`
	PermalinkURL string
	Parent       Parent `validate:"-"`
}

// Key returns the deduplication key of the post.
func (p *ForeignPost) Key() Key {
	return Key{Service: p.Service, ForeignID: p.ForeignID}
}

// Key identifies a foreign object or account.
type Key struct {
	Service   string
	ForeignID string
}

func (k Key) String() string {
	return k.Service + ":" + k.ForeignID
}
