// Package model defines shared data structures.
package model

import "time"

// RenderMode says how an Object's content should be displayed.
type RenderMode string

const (
	RenderStatus RenderMode = "status"
	RenderImage  RenderMode = "image"
	RenderMixed  RenderMode = "mixed"
	RenderPhoto  RenderMode = "photo"
)

// Valid reports whether m is one of the known render modes.
func (m RenderMode) Valid() bool {
	switch m {
	case RenderStatus, RenderImage, RenderMixed, RenderPhoto:
		return true
	}
	return false
}

// Verb is the reason an object surfaced in a user's stream.
type Verb string

const (
	VerbPost  Verb = "post"
	VerbShare Verb = "share"
	VerbReply Verb = "reply"
	VerbLike  Verb = "like"
)

// User is a local account that owns an activity stream.
type User struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Media is an image asset reference.
type Media struct {
	ID       int64
	ImageURL string
	Width    int
	Height   int
}

// Person is a real-world identity behind one or more service accounts.
type Person struct {
	ID           int64
	DisplayName  string
	PermalinkURL string
	AvatarID     *int64 // nullable
	UserID       *int64 // nullable if no local user claims this person
	Avatar       *Media
}

// Account is a per-service identity belonging to exactly one Person.
// (Service, Ident) is globally unique and never changes after creation.
type Account struct {
	ID          int64
	PersonID    int64
	Service     string
	Ident       string
	DisplayName string
	AuthInfo    string            // opaque credential blob, e.g. "token:secret"
	Extra       map[string]string // service specific fields
}

// Object is the canonical normalized post, photo or status.
// (Service, ForeignID) is globally unique.
type Object struct {
	ID           int64
	Service      string
	ForeignID    string
	Title        string
	Body         string
	RenderMode   RenderMode
	PermalinkURL string
	PublishedAt  time.Time
	AuthorID     int64
	ImageID      *int64 // nullable
	InReplyToID  *int64 // nullable for thread roots

	// Hydrated by the store.
	Author    *Account
	Image     *Media
	InReplyTo *Object
}

// UserStream records that an object appeared in a user's stream because an
// account performed a verb at a time. At most one per (UserID, ObjectID).
type UserStream struct {
	ID           int64
	UserID       int64
	ObjectID     int64
	WhyAccountID int64
	WhyVerb      Verb
	Time         time.Time
}

// UserReplyStream records that Reply is part of the thread under Root,
// visible to the user. At most one per (UserID, RootID, ReplyID).
type UserReplyStream struct {
	ID        int64
	UserID    int64
	RootID    int64
	ReplyID   int64
	RootTime  time.Time
	ReplyTime time.Time
}

// StreamEntry is a UserStream row joined with its object and actor, for display.
type StreamEntry struct {
	UserStream
	Object  *Object
	Actor   *Account
	Replies []*Object
}

// Settings key constants.
const (
	SettingPollingInterval = "polling_interval_minutes"
)
