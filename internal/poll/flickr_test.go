package poll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/leapfrog/internal/model"
)

func TestFlickrPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var infos atomic.Int32
	base := serve(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "key", q.Get("api_key"))
		assert.Equal(t, "json", q.Get("format"))
		switch q.Get("method") {
		case "flickr.photos.getContactsPhotos":
			assert.Equal(t, "tok", q.Get("auth_token"))
			assert.Equal(t, flickrSignature("secret", q), q.Get("api_sig"))
			w.Write([]byte(`{"stat":"ok","photos":{"photo":[
  {"id":"11","owner":"42@N00","secret":"abc","server":"1234","farm":5,"title":"Lake","dateupload":"1306929600"},
  {"id":"12","owner":"42@N00","secret":"def","server":1234,"farm":"5","title":"Hill","dateupload":"1306929700"},
  {"id":"13","owner":"42@N00","secret":"ghi","server":"1234","farm":5,"title":"Bad","dateupload":"soon"}
]}}`))
		case "flickr.people.getInfo":
			infos.Add(1)
			assert.Empty(t, q.Get("api_sig"))
			assert.Equal(t, "42@N00", q.Get("user_id"))
			w.Write([]byte(`{"stat":"ok","person":{"nsid":"42@N00","iconserver":"99","iconfarm":3,
  "realname":{"_content":"Gus"},"profileurl":{"_content":"http://www.flickr.com/people/gus/"}}}`))
		default:
			t.Errorf("unexpected method %q", q.Get("method"))
		}
	})))

	fl := NewFlickr(f.env, FlickrConfig{APIBase: base + "/services/rest/", APIKey: "key", APISecret: "secret"})
	acct := f.link(t, flickrService, "me@N00", "tok")

	stats, err := fl.Poll(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, Stats{Items: 2, Errors: 1}, stats)

	stats, err = fl.Poll(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Items)
	assert.Equal(t, int32(1), infos.Load(), "owner info is fetched once")

	lake := f.object(t, flickrService, "11")
	assert.Equal(t, model.RenderPhoto, lake.RenderMode)
	assert.Equal(t, "http://www.flickr.com/photos/42@N00/11/", lake.PermalinkURL)
	assert.Equal(t, time.Unix(1306929600, 0).UTC(), lake.PublishedAt.UTC())
	require.NotNil(t, lake.Image)
	assert.Equal(t, "http://farm5.static.flickr.com/1234/11_abc_b.jpg", lake.Image.ImageURL)

	owner := f.account(t, flickrService, "42@N00")
	person, err := f.db.GetPerson(ctx, owner.PersonID)
	require.NoError(t, err)
	assert.Equal(t, "Gus", person.DisplayName)
	require.NotNil(t, person.Avatar)
	assert.Equal(t, "http://farm3.static.flickr.com/99/buddyicons/42@N00.jpg", person.Avatar.ImageURL)

	entries := f.streamByObject(t)
	assert.Len(t, entries, 2)
	assert.Equal(t, model.VerbPost, entries[lake.ID].WhyVerb)
	assert.Equal(t, owner.ID, entries[lake.ID].WhyAccountID)
}

func TestFlickrErrorStat(t *testing.T) {
	f := newFixture(t)
	base := serve(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stat":"fail","code":98,"message":"Invalid auth token"}`))
	})))
	fl := NewFlickr(f.env, FlickrConfig{APIBase: base, APIKey: "key", APISecret: "secret"})
	acct := f.link(t, flickrService, "me@N00", "expired")

	_, err := fl.Poll(context.Background(), acct)
	require.Error(t, err)
	assert.True(t, model.IsTransport(err))
	assert.Contains(t, err.Error(), "Invalid auth token")
}

func TestFlickrRequiresToken(t *testing.T) {
	f := newFixture(t)
	acct := f.link(t, flickrService, "me@N00", "")
	_, err := NewFlickr(f.env, FlickrConfig{APIBase: "http://127.0.0.1:1"}).Poll(context.Background(), acct)
	assert.Error(t, err)
}
