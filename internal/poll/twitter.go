package poll

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bryan-buckman/leapfrog/internal/embed"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/transport"
)

const (
	twitterService = "twitter.com"
	twitpicService = "twitpic.com"

	tweetTimeLayout   = "Mon Jan 02 15:04:05 +0000 2006"
	twitpicTimeLayout = "2006-01-02 15:04:05"
)

// TwitterConfig configures the Twitter driver.
type TwitterConfig struct {
	APIBase        string
	TwitpicAPIBase string
	ConsumerKey    string
	ConsumerSecret string
}

// Twitter polls an account's home timeline.
type Twitter struct {
	env *Env
	cfg TwitterConfig
}

// NewTwitter creates a new Twitter driver.
func NewTwitter(env *Env, cfg TwitterConfig) *Twitter {
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.TwitpicAPIBase = strings.TrimRight(cfg.TwitpicAPIBase, "/")
	return &Twitter{env: env, cfg: cfg}
}

func (t *Twitter) Name() string { return twitterService }

type twitterUser struct {
	IDStr                     string `json:"id_str"`
	Name                      string `json:"name"`
	ScreenName                string `json:"screen_name"`
	ProfileImageURL           string `json:"profile_image_url"`
	ProfileBackgroundColor    string `json:"profile_background_color"`
	ProfileBackgroundImageURL string `json:"profile_background_image_url"`
	ProfileBackgroundTile     bool   `json:"profile_background_tile"`
}

type tweet struct {
	IDStr                string       `json:"id_str"`
	Text                 string       `json:"text"`
	CreatedAt            string       `json:"created_at"`
	User                 twitterUser  `json:"user"`
	InReplyToStatusIDStr string       `json:"in_reply_to_status_id_str"`
	RetweetedStatus      *tweet       `json:"retweeted_status"`
	Entities             *tweetEntity `json:"entities"`
}

type tweetEntity struct {
	URLs         []urlEntity     `json:"urls"`
	UserMentions []mentionEntity `json:"user_mentions"`
	Hashtags     []hashtagEntity `json:"hashtags"`
}

type urlEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	Indices     [2]int `json:"indices"`
}

func (u urlEntity) target() string {
	if u.ExpandedURL != "" {
		return u.ExpandedURL
	}
	return u.URL
}

type mentionEntity struct {
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
	Indices    [2]int `json:"indices"`
}

type hashtagEntity struct {
	Text    string `json:"text"`
	Indices [2]int `json:"indices"`
}

type authKey struct{}

// withAuth carries the polling account's signer to parent fetches.
func withAuth(ctx context.Context, a transport.Authorizer) context.Context {
	return context.WithValue(ctx, authKey{}, a)
}

func authFrom(ctx context.Context) transport.Authorizer {
	a, _ := ctx.Value(authKey{}).(transport.Authorizer)
	return a
}

func (t *Twitter) authorizer(acct *model.Account) (transport.Authorizer, error) {
	token, secret, err := splitAuth(acct.AuthInfo)
	if err != nil {
		return nil, fmt.Errorf("twitter account %s: %w", acct.Ident, err)
	}
	return &oauth1{
		consumerKey:    t.cfg.ConsumerKey,
		consumerSecret: t.cfg.ConsumerSecret,
		token:          token,
		tokenSecret:    secret,
	}, nil
}

// Poll ingests acct's home timeline.
func (t *Twitter) Poll(ctx context.Context, acct *model.Account) (Stats, error) {
	var stats Stats
	user, err := t.env.owner(ctx, acct)
	if err != nil || user == nil {
		return stats, err
	}
	auth, err := t.authorizer(acct)
	if err != nil {
		return stats, err
	}
	ctx = withAuth(ctx, auth)

	var timeline []tweet
	endpoint := t.cfg.APIBase + "/statuses/home_timeline.json?include_entities=true"
	if err := t.env.Client.GetJSON(ctx, twitterService, endpoint, auth, &timeline); err != nil {
		return stats, err
	}

	// Oldest first, so replies find their parents already stored.
	for i := len(timeline) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		orig := &timeline[i]
		tw, verb := orig, model.Verb("")
		if orig.RetweetedStatus != nil {
			tw, verb = orig.RetweetedStatus, model.VerbShare
		}

		post, err := tweetPost(tw)
		if err != nil {
			t.env.fail(ctx, twitterService, twitterService+":"+orig.IDStr, err, &stats)
			continue
		}
		actor := twitterAccount(orig.User)
		t.env.handle(ctx, user, Item{Post: post, Actor: &actor, Verb: verb}, &stats)
	}
	return stats, nil
}

// FetchPost loads a tweet up a reply chain, signed as the polling account.
func (t *Twitter) FetchPost(ctx context.Context, foreignID string) (*model.ForeignPost, error) {
	q := url.Values{"id": {foreignID}, "include_entities": {"true"}}
	var tw tweet
	if err := t.env.Client.GetJSON(ctx, twitterService, t.cfg.APIBase+"/statuses/show.json?"+q.Encode(), authFrom(ctx), &tw); err != nil {
		return nil, err
	}
	post, err := tweetPost(&tw)
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func twitterAccount(u twitterUser) model.ForeignUser {
	fu := model.ForeignUser{
		Service:      twitterService,
		ForeignID:    u.IDStr,
		DisplayName:  u.Name,
		PermalinkURL: "http://twitter.com/" + u.ScreenName,
		AvatarURL:    u.ProfileImageURL,
		AvatarWidth:  48,
		AvatarHeight: 48,
		Extra:        map[string]string{},
	}
	if u.ProfileBackgroundColor != "" {
		fu.Extra["status_background_color"] = u.ProfileBackgroundColor
	}
	if u.ProfileBackgroundImageURL != "" {
		fu.Extra["status_background_image_url"] = u.ProfileBackgroundImageURL
	}
	if u.ProfileBackgroundTile {
		fu.Extra["status_background_tile"] = "true"
	}
	return fu
}

func tweetPost(tw *tweet) (model.ForeignPost, error) {
	if tw.IDStr == "" || tw.User.IDStr == "" {
		return model.ForeignPost{}, model.Malformed("tweet without id or user")
	}
	published, err := time.Parse(tweetTimeLayout, tw.CreatedAt)
	if err != nil {
		return model.ForeignPost{}, model.Malformed("tweet %s: bad created_at %q", tw.IDStr, tw.CreatedAt)
	}
	synthesizeEntities(tw)

	post := model.ForeignPost{
		Service:      twitterService,
		ForeignID:    tw.IDStr,
		Author:       twitterAccount(tw.User),
		BodyHTML:     tweetHTML(tw),
		Text:         tw.Text,
		Preformatted: true,
		RenderHint:   model.RenderStatus,
		PublishedAt:  published.UTC(),
		PermalinkURL: fmt.Sprintf("http://twitter.com/%s/status/%s", tw.User.ScreenName, tw.IDStr),
	}
	switch {
	case tw.InReplyToStatusIDStr != "":
		post.Parent = model.RefParent(twitterService, tw.InReplyToStatusIDStr)
	case len(tw.Entities.URLs) == 1:
		u := tw.Entities.URLs[0]
		post.Parent = model.LinkParent(u.target(), runeSlice(tw.Text, u.Indices))
	}
	return post, nil
}

type mutation struct {
	indices [2]int
	html    string
}

// tweetHTML links the entities of a tweet, replacing from the end so
// earlier indices stay valid.
func tweetHTML(tw *tweet) string {
	if tw.Entities == nil {
		return tw.Text
	}
	var muts []mutation
	for _, u := range tw.Entities.URLs {
		target := html.EscapeString(u.target())
		muts = append(muts, mutation{u.Indices, fmt.Sprintf(`<a href="%s">%s</a>`, target, target)})
	}
	for _, m := range tw.Entities.UserMentions {
		muts = append(muts, mutation{m.Indices, fmt.Sprintf(`@<a href="http://twitter.com/%s" title="%s">%s</a>`,
			m.ScreenName, html.EscapeString(m.Name), m.ScreenName)})
	}
	for _, h := range tw.Entities.Hashtags {
		muts = append(muts, mutation{h.Indices, fmt.Sprintf(`<a href="http://twitter.com/search?q=%%23%s">#%s</a>`,
			url.QueryEscape(h.Text), h.Text)})
	}
	sort.SliceStable(muts, func(i, j int) bool { return muts[i].indices[0] > muts[j].indices[0] })

	text := []rune(tw.Text)
	for _, m := range muts {
		start, end := m.indices[0], m.indices[1]
		if start < 0 || end > len(text) || start > end {
			continue
		}
		text = append(text[:start:start], append([]rune(m.html), text[end:]...)...)
	}
	return string(text)
}

func runeSlice(s string, idx [2]int) string {
	r := []rune(s)
	if idx[0] < 0 || idx[1] > len(r) || idx[0] > idx[1] {
		return ""
	}
	return string(r[idx[0]:idx[1]])
}

var (
	urlPattern     = regexp.MustCompile(`(?i)https?://[-\w;/?:@&=+$.!~*'()%,#]+[\w/]`)
	mentionPattern = regexp.MustCompile(`(?:^|\s)@(\w+)`)
	tagPattern     = regexp.MustCompile(`(?:^|\s)#(\w\S*\w)`)
)

const (
	urlBefore = " \t\n\r.:;?-]<("
	urlAfter  = " \t\n\r.,!:;?-[]>)"
)

// synthesizeEntities fills in entities for tweets fetched without them.
func synthesizeEntities(tw *tweet) {
	if tw.Entities != nil {
		return
	}
	text := tw.Text
	ents := &tweetEntity{}

	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		if loc[0] > 0 && !strings.ContainsRune(urlBefore, lastRune(text[:loc[0]])) {
			continue
		}
		if loc[1] < len(text) && !strings.ContainsRune(urlAfter, firstRune(text[loc[1]:])) {
			continue
		}
		ents.URLs = append(ents.URLs, urlEntity{
			URL:     text[loc[0]:loc[1]],
			Indices: runeIndices(text, loc[0], loc[1]),
		})
	}

	for _, m := range mentionPattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		ents.UserMentions = append(ents.UserMentions, mentionEntity{
			ScreenName: name,
			Name:       name,
			Indices:    runeIndices(text, m[2]-1, m[3]),
		})
	}

	for _, m := range tagPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		tag := text[start:end]
		// Possessives are not part of the tag.
		if strings.HasSuffix(tag, "'s") {
			tag = strings.TrimSuffix(tag, "'s")
			end -= 2
			if utf8.RuneCountInString(tag) < 2 {
				continue
			}
		}
		ents.Hashtags = append(ents.Hashtags, hashtagEntity{
			Text:    tag,
			Indices: runeIndices(text, start-1, end),
		})
	}
	tw.Entities = ents
}

func runeIndices(s string, start, end int) [2]int {
	return [2]int{utf8.RuneCountInString(s[:start]), utf8.RuneCountInString(s[:end])}
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

// Twitpic resolves twitpic.com links into image objects.
type Twitpic struct {
	client *transport.Client
	base   string
}

var twitpicLink = regexp.MustCompile(`^https?://(?:www\.)?twitpic\.com/(\w+)`)

// Twitpic returns the twitpic resolver sharing this driver's client.
func (t *Twitter) Twitpic() *Twitpic {
	return &Twitpic{client: t.env.Client, base: t.cfg.TwitpicAPIBase}
}

type twitpicMedia struct {
	Message   string  `json:"message"`
	Width     flexInt `json:"width"`
	Height    flexInt `json:"height"`
	Timestamp string  `json:"timestamp"`
	User      struct {
		TwitterID flexID `json:"twitter_id"`
		Username  string `json:"username"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	} `json:"user"`
}

// ResolveURL turns a twitpic.com link into an image post.
func (tp *Twitpic) ResolveURL(ctx context.Context, rawURL string) (*model.ForeignPost, error) {
	m := twitpicLink.FindStringSubmatch(rawURL)
	if m == nil {
		return nil, embed.ErrUnsupported
	}
	id := m[1]

	var pic twitpicMedia
	if err := tp.client.GetJSON(ctx, twitpicService, tp.base+"/media/show.json?id="+url.QueryEscape(id), nil, &pic); err != nil {
		return nil, err
	}
	published, err := time.Parse(twitpicTimeLayout, pic.Timestamp)
	if err != nil {
		return nil, model.Malformed("twitpic %s: bad timestamp %q", id, pic.Timestamp)
	}
	author := twitterAccount(twitterUser{
		IDStr:           string(pic.User.TwitterID),
		Name:            pic.User.Name,
		ScreenName:      pic.User.Username,
		ProfileImageURL: pic.User.AvatarURL,
	})
	return &model.ForeignPost{
		Service:   twitpicService,
		ForeignID: id,
		Author:    author,
		Title:     pic.Message,
		Image: &model.ForeignImage{
			URL:    "http://twitpic.com/show/large/" + id,
			Width:  int(pic.Width),
			Height: int(pic.Height),
		},
		RenderHint:   model.RenderImage,
		PublishedAt:  published,
		PermalinkURL: rawURL,
	}, nil
}
