package poll

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/model"
)

const flickrService = "flickr.com"

// FlickrConfig configures the Flickr driver.
type FlickrConfig struct {
	APIBase   string
	APIKey    string
	APISecret string
}

// Flickr polls recent photos from an account's contacts.
type Flickr struct {
	env *Env
	cfg FlickrConfig
}

// NewFlickr creates a new Flickr driver.
func NewFlickr(env *Env, cfg FlickrConfig) *Flickr {
	return &Flickr{env: env, cfg: cfg}
}

func (f *Flickr) Name() string { return flickrService }

type flickrContent struct {
	Content string `json:"_content"`
}

type flickrPerson struct {
	NSID       string        `json:"nsid"`
	IconServer flexID        `json:"iconserver"`
	IconFarm   flexInt       `json:"iconfarm"`
	Username   flickrContent `json:"username"`
	RealName   flickrContent `json:"realname"`
	ProfileURL flickrContent `json:"profileurl"`
}

type flickrPhoto struct {
	ID         string  `json:"id"`
	Owner      string  `json:"owner"`
	Secret     string  `json:"secret"`
	Server     flexID  `json:"server"`
	Farm       flexInt `json:"farm"`
	Title      string  `json:"title"`
	DateUpload flexID  `json:"dateupload"`
}

// flickrResponse decodes one body into the status envelope and the payload.
type flickrResponse struct {
	envelope any
	v        any
}

func (r *flickrResponse) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, r.envelope); err != nil {
		return err
	}
	if r.v == nil {
		return nil
	}
	return json.Unmarshal(b, r.v)
}

// call invokes a Flickr REST method and decodes the response into v.
func (f *Flickr) call(ctx context.Context, method string, sign bool, params url.Values, v any) error {
	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("api_key", f.cfg.APIKey)
	q.Set("method", method)
	q.Set("format", "json")
	q.Set("nojsoncallback", "1")
	if sign {
		q.Set("api_sig", flickrSignature(f.cfg.APISecret, q))
	}

	endpoint := f.cfg.APIBase
	if strings.Contains(endpoint, "?") {
		endpoint += "&" + q.Encode()
	} else {
		endpoint += "?" + q.Encode()
	}

	var envelope struct {
		Stat    string `json:"stat"`
		Message string `json:"message"`
	}
	raw := &flickrResponse{envelope: &envelope, v: v}
	if err := f.env.Client.GetJSON(ctx, flickrService, endpoint, nil, raw); err != nil {
		return err
	}
	if envelope.Stat != "ok" {
		return &model.TransportError{Service: flickrService, URL: f.cfg.APIBase, Err: fmt.Errorf("%s failed: %s", method, envelope.Message)}
	}
	return nil
}

// Poll ingests recent photos from acct's contacts.
func (f *Flickr) Poll(ctx context.Context, acct *model.Account) (Stats, error) {
	var stats Stats
	user, err := f.env.owner(ctx, acct)
	if err != nil || user == nil {
		return stats, err
	}
	if acct.AuthInfo == "" {
		return stats, fmt.Errorf("flickr account %s has no auth token", acct.Ident)
	}

	var recent struct {
		Photos struct {
			Photo []flickrPhoto `json:"photo"`
		} `json:"photos"`
	}
	params := url.Values{"auth_token": {acct.AuthInfo}, "extras": {"date_upload"}}
	if err := f.call(ctx, "flickr.photos.getContactsPhotos", true, params, &recent); err != nil {
		return stats, err
	}

	for i := range recent.Photos.Photo {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		photo := &recent.Photos.Photo[i]
		post, err := f.photoPost(ctx, photo)
		if err != nil {
			f.env.fail(ctx, flickrService, flickrService+":"+photo.ID, err, &stats)
			continue
		}
		f.env.handle(ctx, user, Item{Post: post, Verb: model.VerbPost}, &stats)
	}
	return stats, nil
}

func (f *Flickr) photoPost(ctx context.Context, p *flickrPhoto) (model.ForeignPost, error) {
	if p.ID == "" || p.Owner == "" {
		return model.ForeignPost{}, model.Malformed("photo without id or owner")
	}
	secs, err := strconv.ParseInt(string(p.DateUpload), 10, 64)
	if err != nil {
		return model.ForeignPost{}, model.Malformed("photo %s: bad dateupload %q", p.ID, p.DateUpload)
	}
	author, err := f.owner(ctx, p.Owner)
	if err != nil {
		return model.ForeignPost{}, err
	}
	return model.ForeignPost{
		Service:   flickrService,
		ForeignID: p.ID,
		Author:    author,
		Title:     p.Title,
		Image: &model.ForeignImage{
			URL: fmt.Sprintf("http://farm%d.static.flickr.com/%s/%s_%s_b.jpg", p.Farm, p.Server, p.ID, p.Secret),
		},
		RenderHint:   model.RenderPhoto,
		PublishedAt:  time.Unix(secs, 0).UTC(),
		PermalinkURL: fmt.Sprintf("http://www.flickr.com/photos/%s/%s/", p.Owner, p.ID),
	}, nil
}

// owner describes a photo owner, asking Flickr only for unknown accounts.
func (f *Flickr) owner(ctx context.Context, nsid string) (model.ForeignUser, error) {
	fu := model.ForeignUser{Service: flickrService, ForeignID: nsid}
	_, err := f.env.Store.GetAccount(ctx, flickrService, nsid)
	if err == nil {
		return fu, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return fu, err
	}

	var info struct {
		Person flickrPerson `json:"person"`
	}
	if err := f.call(ctx, "flickr.people.getInfo", false, url.Values{"user_id": {nsid}}, &info); err != nil {
		return fu, err
	}
	p := info.Person
	fu.DisplayName = p.RealName.Content
	fu.PermalinkURL = p.ProfileURL.Content
	if p.IconFarm != 0 {
		fu.AvatarURL = fmt.Sprintf("http://farm%d.static.flickr.com/%s/buddyicons/%s.jpg", p.IconFarm, p.IconServer, nsid)
		fu.AvatarWidth, fu.AvatarHeight = 48, 48
	}
	return fu, nil
}
