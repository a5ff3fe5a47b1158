package poll

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bryan-buckman/leapfrog/internal/embed"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/sanitize"
)

const (
	typepadService = "typepad.com"

	// typepadMaxImage is the largest photo edge shown before switching to
	// the 1024pi rendition.
	typepadMaxImage = 1024
)

// TypePadConfig configures the TypePad driver.
type TypePadConfig struct {
	APIBase string
	// BlacklistedGroups are container ids whose notes are dropped.
	BlacklistedGroups []string
}

// TypePad polls an account's notifications.
type TypePad struct {
	env       *Env
	base      string
	blacklist map[string]bool
}

// NewTypePad creates a new TypePad driver.
func NewTypePad(env *Env, cfg TypePadConfig) *TypePad {
	bl := make(map[string]bool, len(cfg.BlacklistedGroups))
	for _, id := range cfg.BlacklistedGroups {
		bl[id] = true
	}
	return &TypePad{env: env, base: strings.TrimRight(cfg.APIBase, "/"), blacklist: bl}
}

func (t *TypePad) Name() string { return typepadService }

type typepadImageLink struct {
	URL         string  `json:"url"`
	Width       flexInt `json:"width"`
	Height      flexInt `json:"height"`
	URLTemplate string  `json:"urlTemplate"`
}

type typepadUser struct {
	URLID          string           `json:"urlId"`
	DisplayName    string           `json:"displayName"`
	ProfilePageURL string           `json:"profilePageUrl"`
	AvatarLink     typepadImageLink `json:"avatarLink"`
}

type typepadRef struct {
	URLID      string `json:"urlId"`
	ObjectType string `json:"objectType"`
}

type typepadAsset struct {
	URLID           string            `json:"urlId"`
	ObjectType      string            `json:"objectType"`
	Title           string            `json:"title"`
	Content         string            `json:"content"`
	RenderedContent string            `json:"renderedContent"`
	Published       string            `json:"published"`
	PermalinkURL    string            `json:"permalinkUrl"`
	Author          *typepadUser      `json:"author"`
	InReplyTo       *typepadRef       `json:"inReplyTo"`
	ReblogOf        *typepadRef       `json:"reblogOf"`
	ImageLink       *typepadImageLink `json:"imageLink"`
	Container       *typepadRef       `json:"container"`
	Source          *struct {
		ByUser bool `json:"byUser"`
	} `json:"source"`
}

type typepadNote struct {
	Verb      string        `json:"verb"`
	Published string        `json:"published"`
	Actor     *typepadUser  `json:"actor"`
	Object    *typepadAsset `json:"object"`
}

// typeName drops the "tag:api.typepad.com,2009:" prefix some responses carry.
func typeName(s string) string {
	if i := strings.LastIndexAny(s, ":,"); i >= 0 {
		return s[i+1:]
	}
	return s
}

var typepadVerbs = map[string]model.Verb{
	"AddedFavorite": model.VerbLike,
	"NewAsset":      model.VerbPost,
	"Comment":       model.VerbReply,
	"Reblog":        model.VerbReply,
}

// Poll ingests acct's TypePad notifications.
func (t *TypePad) Poll(ctx context.Context, acct *model.Account) (Stats, error) {
	var stats Stats
	user, err := t.env.owner(ctx, acct)
	if err != nil || user == nil {
		return stats, err
	}

	var notes struct {
		Entries []typepadNote `json:"entries"`
	}
	endpoint := fmt.Sprintf("%s/users/%s/notifications.json", t.base, url.PathEscape(acct.Ident))
	if err := t.env.Client.GetJSON(ctx, typepadService, endpoint, nil, &notes); err != nil {
		return stats, err
	}

	for i := len(notes.Entries) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		note := &notes.Entries[i]
		verb, ok := t.noteVerb(note)
		if !ok {
			continue
		}
		item, err := t.noteItem(note, verb)
		if err != nil {
			ref := ""
			if note.Object != nil {
				ref = note.Object.URLID
			}
			t.env.fail(ctx, typepadService, typepadService+":"+ref, err, &stats)
			continue
		}
		t.env.handle(ctx, user, item, &stats)
	}
	return stats, nil
}

// noteVerb filters notes and names what the actor did.
func (t *TypePad) noteVerb(note *typepadNote) (string, bool) {
	verb := typeName(note.Verb)
	switch verb {
	case "AddedNeighbor", "SharedBlog", "JoinedGroup":
		return "", false
	}

	obj := note.Object
	switch {
	case obj == nil: // deleted
		return "", false
	case obj.PermalinkURL == "":
		return "", false
	case obj.Source != nil && obj.Source.ByUser: // boomerang
		return "", false
	case obj.Container != nil && t.blacklist[obj.Container.URLID]:
		return "", false
	}

	if verb == "NewAsset" {
		switch {
		case obj.InReplyTo != nil:
			verb = "Comment"
		case obj.ReblogOf != nil:
			verb = "Reblog"
		default:
			okay := map[string]bool{"Post": true}
			if obj.Container != nil && typeName(obj.Container.ObjectType) == "Group" {
				for _, typ := range []string{"Photo", "Audio", "Video", "Link"} {
					okay[typ] = true
				}
			}
			if !okay[typeName(obj.ObjectType)] {
				return "", false
			}
		}
	}
	if _, ok := typepadVerbs[verb]; !ok {
		return "", false
	}
	return verb, true
}

func (t *TypePad) noteItem(note *typepadNote, verb string) (Item, error) {
	post, err := typepadPost(note.Object)
	if err != nil {
		return Item{}, err
	}
	if note.Actor == nil || note.Actor.URLID == "" {
		return Item{}, model.Malformed("note on %s has no actor", note.Object.URLID)
	}
	actor := typepadAccount(note.Actor)
	at, err := time.Parse(time.RFC3339, note.Published)
	if err != nil {
		return Item{}, model.Malformed("note on %s: bad published %q", note.Object.URLID, note.Published)
	}
	return Item{Post: post, Actor: &actor, Verb: typepadVerbs[verb], Time: at.UTC()}, nil
}

// FetchPost loads an asset up a comment or reblog chain.
func (t *TypePad) FetchPost(ctx context.Context, foreignID string) (*model.ForeignPost, error) {
	var asset typepadAsset
	endpoint := fmt.Sprintf("%s/assets/%s.json", t.base, url.PathEscape(foreignID))
	if err := t.env.Client.GetJSON(ctx, typepadService, endpoint, nil, &asset); err != nil {
		return nil, err
	}
	post, err := typepadPost(&asset)
	if err != nil {
		return nil, err
	}
	return &post, nil
}

// ResolveURL finds the TypePad asset published at rawURL.
func (t *TypePad) ResolveURL(ctx context.Context, rawURL string) (*model.ForeignPost, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, embed.ErrUnsupported
	}
	var result struct {
		IsFullMatch bool          `json:"isFullMatch"`
		Asset       *typepadAsset `json:"asset"`
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	endpoint := fmt.Sprintf("%s/domains/%s/resolve-path.json?path=%s", t.base, url.PathEscape(u.Host), url.QueryEscape(path))
	if err := t.env.Client.GetJSON(ctx, typepadService, endpoint, nil, &result); err != nil {
		var te *model.TransportError
		if errors.As(err, &te) && te.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s is not a TypePad domain", embed.ErrUnsupported, u.Host)
		}
		return nil, err
	}
	if !result.IsFullMatch || result.Asset == nil {
		return nil, fmt.Errorf("%w: no TypePad asset at %s", embed.ErrUnsupported, rawURL)
	}
	post, err := typepadPost(result.Asset)
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func typepadAccount(u *typepadUser) model.ForeignUser {
	fu := model.ForeignUser{
		Service:      typepadService,
		ForeignID:    u.URLID,
		DisplayName:  u.DisplayName,
		PermalinkURL: u.ProfilePageURL,
	}
	if tmpl := u.AvatarLink.URLTemplate; tmpl != "" {
		fu.AvatarURL = strings.ReplaceAll(tmpl, "{spec}", "50si")
		fu.AvatarWidth, fu.AvatarHeight = 50, 50
	} else {
		fu.AvatarURL = u.AvatarLink.URL
		fu.AvatarWidth, fu.AvatarHeight = int(u.AvatarLink.Width), int(u.AvatarLink.Height)
	}
	return fu
}

func typepadPost(a *typepadAsset) (model.ForeignPost, error) {
	if a == nil || a.URLID == "" {
		return model.ForeignPost{}, model.Malformed("asset without urlId")
	}
	if a.Author == nil || a.Author.URLID == "" {
		return model.ForeignPost{}, model.Malformed("asset %s has no author", a.URLID)
	}
	published, err := time.Parse(time.RFC3339, a.Published)
	if err != nil {
		return model.ForeignPost{}, model.Malformed("asset %s: bad published %q", a.URLID, a.Published)
	}

	body := a.RenderedContent
	if body == "" {
		body = a.Content
	}
	post := model.ForeignPost{
		Service:      typepadService,
		ForeignID:    a.URLID,
		Author:       typepadAccount(a.Author),
		Title:        a.Title,
		Preformatted: true,
		RenderHint:   model.RenderMixed,
		PublishedAt:  published.UTC(),
		PermalinkURL: a.PermalinkURL,
	}
	switch {
	case a.InReplyTo != nil && a.InReplyTo.URLID != "":
		post.Parent = model.RefParent(typepadService, a.InReplyTo.URLID)
	case a.ReblogOf != nil && a.ReblogOf.URLID != "":
		post.Parent = model.RefParent(typepadService, a.ReblogOf.URLID)
		body = sanitize.StripReblogQuote(body)
	}
	post.BodyHTML = body

	if typeName(a.ObjectType) == "Photo" && a.ImageLink != nil {
		post.Image = typepadImage(a.ImageLink)
		post.RenderHint = model.RenderImage
	}
	return post, nil
}

// typepadImage picks the 1024pi rendition for large photos.
func typepadImage(l *typepadImageLink) *model.ForeignImage {
	img := &model.ForeignImage{URL: l.URL, Width: int(l.Width), Height: int(l.Height)}
	if l.URLTemplate == "" || (img.Width <= typepadMaxImage && img.Height <= typepadMaxImage) {
		return img
	}
	img.URL = strings.ReplaceAll(l.URLTemplate, "{spec}", "1024pi")
	if img.Height > img.Width {
		img.Width = typepadMaxImage * img.Width / img.Height
		img.Height = typepadMaxImage
	} else {
		img.Height = typepadMaxImage * img.Height / img.Width
		img.Width = typepadMaxImage
	}
	return img
}
