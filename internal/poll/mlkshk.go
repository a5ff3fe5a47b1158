package poll

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

const mlkshkService = "mlkshk.com"

// MlkshkConfig configures the mlkshk driver.
type MlkshkConfig struct {
	APIBase string
}

// Mlkshk polls an account's friend shake.
type Mlkshk struct {
	env  *Env
	base string
}

// NewMlkshk creates a new mlkshk driver.
func NewMlkshk(env *Env, cfg MlkshkConfig) *Mlkshk {
	return &Mlkshk{env: env, base: strings.TrimRight(cfg.APIBase, "/")}
}

func (m *Mlkshk) Name() string { return mlkshkService }

type mlkshkPost struct {
	PermalinkPage    string  `json:"permalink_page"`
	OriginalImageURL string  `json:"original_image_url"`
	Width            flexInt `json:"width"`
	Height           flexInt `json:"height"`
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	PostedAt         string  `json:"posted_at"`
	UserID           flexID  `json:"user_id"`
	UserName         string  `json:"user_name"`
}

// Poll ingests the friend shake of acct.
func (m *Mlkshk) Poll(ctx context.Context, acct *model.Account) (Stats, error) {
	var stats Stats
	user, err := m.env.owner(ctx, acct)
	if err != nil || user == nil {
		return stats, err
	}
	token, secret, err := splitAuth(acct.AuthInfo)
	if err != nil {
		return stats, fmt.Errorf("mlkshk account %s: %w", acct.Ident, err)
	}

	var shake struct {
		FriendShake []mlkshkPost `json:"friend_shake"`
	}
	auth := &macAuth{token: token, secret: secret}
	if err := m.env.Client.GetJSON(ctx, mlkshkService, m.base+"/api/friends", auth, &shake); err != nil {
		return stats, err
	}

	for i := range shake.FriendShake {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		sp := &shake.FriendShake[i]
		post, err := mlkshkForeignPost(sp)
		if err != nil {
			m.env.fail(ctx, mlkshkService, mlkshkService+":"+sp.PermalinkPage, err, &stats)
			continue
		}
		m.env.handle(ctx, user, Item{Post: post, Verb: model.VerbPost}, &stats)
	}
	return stats, nil
}

func mlkshkForeignPost(sp *mlkshkPost) (model.ForeignPost, error) {
	sharekey := path.Base(strings.TrimRight(sp.PermalinkPage, "/"))
	if sp.PermalinkPage == "" || sharekey == "." || sharekey == "/" {
		return model.ForeignPost{}, model.Malformed("mlkshk post without permalink")
	}
	if sp.UserID == "" {
		return model.ForeignPost{}, model.Malformed("mlkshk post %s has no user", sharekey)
	}
	posted, err := time.Parse(time.RFC3339, sp.PostedAt)
	if err != nil {
		return model.ForeignPost{}, model.Malformed("mlkshk post %s: bad posted_at %q", sharekey, sp.PostedAt)
	}
	return model.ForeignPost{
		Service:   mlkshkService,
		ForeignID: sharekey,
		Author: model.ForeignUser{
			Service:      mlkshkService,
			ForeignID:    string(sp.UserID),
			DisplayName:  sp.UserName,
			PermalinkURL: "http://mlkshk.com/user/" + sp.UserName,
		},
		Title:    sp.Title,
		BodyHTML: sp.Description,
		Image: &model.ForeignImage{
			URL:    sp.OriginalImageURL,
			Width:  int(sp.Width),
			Height: int(sp.Height),
		},
		RenderHint:   model.RenderImage,
		PublishedAt:  posted.UTC(),
		PermalinkURL: sp.PermalinkPage,
	}, nil
}
