package poll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

func TestMlkshkPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := serve(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/friends", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), `MAC token="tok", timestamp="`))
		w.Write([]byte(`{"friend_shake":[
  {"permalink_page":"http://mlkshk.com/p/ABC1","original_image_url":"http://s.mlkshk.com/r/ABC1",
   "width":640,"height":"480","title":"cat","description":"a <b>cat</b>",
   "posted_at":"2011-06-01T12:00:00Z","user_id":77,"user_name":"hal"},
  {"permalink_page":"http://mlkshk.com/p/ABC2","original_image_url":"http://s.mlkshk.com/r/ABC2",
   "posted_at":"last week","user_id":77,"user_name":"hal"}
]}`))
	})))

	ml := NewMlkshk(f.env, MlkshkConfig{APIBase: base})
	acct := f.link(t, mlkshkService, "me", "tok:sec")

	stats, err := ml.Poll(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, Stats{Items: 1, Errors: 1}, stats)

	obj := f.object(t, mlkshkService, "ABC1")
	assert.Equal(t, model.RenderImage, obj.RenderMode)
	assert.Equal(t, "cat", obj.Title)
	require.NotNil(t, obj.Image)
	assert.Equal(t, "http://s.mlkshk.com/r/ABC1", obj.Image.ImageURL)
	assert.Equal(t, 640, obj.Image.Width)
	assert.Equal(t, 480, obj.Image.Height)

	author := f.account(t, mlkshkService, "77")
	assert.Equal(t, author.ID, obj.AuthorID)
	entries := f.streamByObject(t)
	assert.Equal(t, model.VerbPost, entries[obj.ID].WhyVerb)
}

func TestMlkshkNeedsCredentials(t *testing.T) {
	f := newFixture(t)
	acct := f.link(t, mlkshkService, "me", "")
	_, err := NewMlkshk(f.env, MlkshkConfig{APIBase: "http://127.0.0.1:1"}).Poll(context.Background(), acct)
	assert.Error(t, err)
}

func TestMlkshkForeignPost(t *testing.T) {
	_, err := mlkshkForeignPost(&mlkshkPost{PostedAt: "2011-06-01T12:00:00Z", UserID: "1"})
	assert.ErrorIs(t, err, model.ErrMalformedPayload)

	post, err := mlkshkForeignPost(&mlkshkPost{
		PermalinkPage: "http://mlkshk.com/p/XYZ/",
		PostedAt:      "2011-06-01T12:00:00Z",
		UserID:        "1",
		UserName:      "ann",
	})
	require.NoError(t, err)
	assert.Equal(t, "XYZ", post.ForeignID)
	assert.Equal(t, "http://mlkshk.com/user/ann", post.Author.PermalinkURL)
}
