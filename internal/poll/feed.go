package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

// FeedService is the service name of RSS and Atom subscriptions. The
// account ident is the feed URL.
const FeedService = "feed"

// Feed polls an RSS or Atom feed.
type Feed struct {
	env    *Env
	parser *gofeed.Parser
}

// NewFeed creates the RSS/Atom feed driver.
func NewFeed(env *Env) *Feed {
	return &Feed{env: env, parser: gofeed.NewParser()}
}

func (f *Feed) Name() string { return FeedService }

// Poll fetches the feed at acct.Ident and ingests its items.
func (f *Feed) Poll(ctx context.Context, acct *model.Account) (Stats, error) {
	var stats Stats
	user, err := f.env.owner(ctx, acct)
	if err != nil || user == nil {
		return stats, err
	}

	resp, err := f.env.Client.Get(ctx, FeedService, acct.Ident, nil)
	if err != nil {
		return stats, err
	}
	defer resp.Body.Close()
	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return stats, model.Malformed("parse feed %s: %v", acct.Ident, err)
	}

	author := model.ForeignUser{
		Service:      FeedService,
		ForeignID:    acct.Ident,
		DisplayName:  parsed.Title,
		PermalinkURL: parsed.Link,
	}
	if parsed.Image != nil {
		author.AvatarURL = parsed.Image.URL
	}

	for i := len(parsed.Items) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		item := parsed.Items[i]
		post, err := feedPost(acct.Ident, author, item)
		if err != nil {
			ref := item.GUID
			if ref == "" {
				ref = item.Link
			}
			f.env.fail(ctx, FeedService, FeedService+":"+ref, err, &stats)
			continue
		}
		f.env.handle(ctx, user, Item{Post: post, Verb: model.VerbPost}, &stats)
	}
	return stats, nil
}

func feedPost(feedURL string, author model.ForeignUser, item *gofeed.Item) (model.ForeignPost, error) {
	guid := item.GUID
	if guid == "" {
		guid = item.Link
	}
	if guid == "" {
		return model.ForeignPost{}, model.Malformed("feed item without guid or link")
	}

	var published time.Time
	switch {
	case item.PublishedParsed != nil:
		published = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		published = *item.UpdatedParsed
	default:
		return model.ForeignPost{}, model.Malformed("feed item %s has no date", guid)
	}

	body := item.Content
	if body == "" {
		body = item.Description
	}
	return model.ForeignPost{
		Service:      FeedService,
		ForeignID:    fmt.Sprintf("%s#%s", feedURL, guid),
		Author:       author,
		Title:        item.Title,
		BodyHTML:     body,
		Preformatted: true,
		RenderHint:   model.RenderMixed,
		PublishedAt:  published.UTC(),
		PermalinkURL: item.Link,
	}, nil
}
