package poll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/leapfrog/internal/embed"
	"github.com/bryan-buckman/leapfrog/internal/model"
)

// Newest first.
const typepadNotes = `{"entries":[
  {"verb":"NewAsset","published":"2011-06-01T12:06:00Z",
   "actor":{"urlId":"6p-rebl","displayName":"Reblogger"},
   "object":{"urlId":"r1","objectType":"Post","title":"","published":"2011-06-01T12:06:00Z",
     "permalinkUrl":"http://rebl.typepad.com/r1.html",
     "content":"<blockquote><p>quoted text</p></blockquote><p><small>via someone</small></p><p>my take</p>",
     "author":{"urlId":"6p-rebl","displayName":"Reblogger"},
     "reblogOf":{"urlId":"p1"}}},
  {"verb":"NewAsset","published":"2011-06-01T12:05:00Z",
   "actor":{"urlId":"6p-x","displayName":"X"},
   "object":{"urlId":"b1","objectType":"Post","published":"2011-06-01T12:05:00Z",
     "permalinkUrl":"http://x.typepad.com/b1.html","author":{"urlId":"6p-x"},
     "container":{"urlId":"blocked","objectType":"Group"}}},
  {"verb":"NewAsset","published":"2011-06-01T12:04:00Z",
   "actor":{"urlId":"6p-x","displayName":"X"},
   "object":{"urlId":"s1","objectType":"Post","published":"2011-06-01T12:04:00Z",
     "permalinkUrl":"http://x.typepad.com/s1.html","author":{"urlId":"6p-x"},
     "source":{"byUser":true}}},
  {"verb":"NewAsset","published":"2011-06-01T12:03:00Z",
   "actor":{"urlId":"6p-x","displayName":"X"},
   "object":{"urlId":"ph0","objectType":"Photo","published":"2011-06-01T12:03:00Z",
     "permalinkUrl":"http://x.typepad.com/ph0.html","author":{"urlId":"6p-x"},
     "container":{"urlId":"blog","objectType":"Blog"}}},
  {"verb":"AddedFavorite","published":"2011-06-01T12:02:00Z",
   "actor":{"urlId":"6p-fav","displayName":"Fav",
     "avatarLink":{"url":"http://a/fav.png","width":75,"height":75,"urlTemplate":"http://a/fav-{spec}.png"}},
   "object":{"urlId":"p2","objectType":"Photo","title":"Big","published":"2011-05-01T00:00:00Z",
     "permalinkUrl":"http://x.typepad.com/p2.html","author":{"urlId":"6p-x","displayName":"X"},
     "imageLink":{"url":"http://a/p2.jpg","width":2048,"height":1536,"urlTemplate":"http://a/p2-{spec}.jpg"}}},
  {"verb":"NewAsset","published":"2011-06-01T12:01:00Z",
   "actor":{"urlId":"6p-comm","displayName":"Commenter","avatarLink":{"url":"http://a/c.png","width":40,"height":40}},
   "object":{"urlId":"c1","objectType":"Comment","content":"nice post","published":"2011-06-01T12:01:00Z",
     "permalinkUrl":"http://poster.typepad.com/p1.html#c1","author":{"urlId":"6p-comm","displayName":"Commenter"},
     "inReplyTo":{"urlId":"p1"}}},
  {"verb":"AddedNeighbor","published":"2011-06-01T12:00:00Z",
   "actor":{"urlId":"6p-n"},"object":{"urlId":"6p-n"}}
]}`

const typepadP1 = `{"urlId":"p1","objectType":"Post","title":"Original","content":"<p>original post</p>",
  "published":"2011-05-31T08:00:00Z","permalinkUrl":"http://poster.typepad.com/p1.html",
  "author":{"urlId":"6p-poster","displayName":"Poster"}}`

func typepadServer(t *testing.T) string {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/6p-me/notifications.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(typepadNotes))
	})
	mux.HandleFunc("/assets/p1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(typepadP1))
	})
	mux.HandleFunc("/domains/poster.typepad.com/resolve-path.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") != "/p1.html" {
			w.Write([]byte(`{"isFullMatch":false}`))
			return
		}
		w.Write([]byte(`{"isFullMatch":true,"asset":` + typepadP1 + `}`))
	})
	return serve(t, httptest.NewServer(mux))
}

func TestTypePadPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tp := NewTypePad(f.env, TypePadConfig{APIBase: typepadServer(t), BlacklistedGroups: []string{"blocked"}})
	f.env.Normalize.RegisterFetcher(typepadService, tp)
	acct := f.link(t, typepadService, "6p-me", "")

	stats, err := tp.Poll(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, Stats{Items: 3}, stats)

	entries := f.streamByObject(t)
	require.Len(t, entries, 2)

	p1 := f.object(t, typepadService, "p1")
	thread := entries[p1.ID]
	assert.Equal(t, model.VerbReply, thread.WhyVerb)
	assert.Equal(t, f.account(t, typepadService, "6p-comm").ID, thread.WhyAccountID, "first attribution sticks")
	require.Len(t, thread.Replies, 2)
	assert.Equal(t, "c1", thread.Replies[0].ForeignID)
	assert.Equal(t, "r1", thread.Replies[1].ForeignID)

	reblog := f.object(t, typepadService, "r1")
	assert.NotContains(t, reblog.Body, "quoted text")
	assert.NotContains(t, reblog.Body, "via someone")
	assert.Contains(t, reblog.Body, "my take")
	assert.Equal(t, model.RenderMixed, reblog.RenderMode)

	p2 := f.object(t, typepadService, "p2")
	fav := entries[p2.ID]
	assert.Equal(t, model.VerbLike, fav.WhyVerb)
	favActor := f.account(t, typepadService, "6p-fav")
	assert.Equal(t, favActor.ID, fav.WhyAccountID)
	assert.Equal(t, model.RenderImage, p2.RenderMode)
	require.NotNil(t, p2.Image)
	assert.Equal(t, "http://a/p2-1024pi.jpg", p2.Image.ImageURL)
	assert.Equal(t, 1024, p2.Image.Width)
	assert.Equal(t, 768, p2.Image.Height)

	person, err := f.db.GetPerson(ctx, favActor.PersonID)
	require.NoError(t, err)
	require.NotNil(t, person.Avatar)
	assert.Equal(t, "http://a/fav-50si.png", person.Avatar.ImageURL)
	assert.Equal(t, 50, person.Avatar.Width)

	for _, skipped := range []string{"b1", "s1", "ph0"} {
		_, err := f.db.GetObject(ctx, typepadService, skipped)
		assert.Error(t, err, skipped)
	}
}

func TestTypePadResolveURL(t *testing.T) {
	f := newFixture(t)
	tp := NewTypePad(f.env, TypePadConfig{APIBase: typepadServer(t)})
	ctx := context.Background()

	post, err := tp.ResolveURL(ctx, "http://poster.typepad.com/p1.html")
	require.NoError(t, err)
	assert.Equal(t, "p1", post.ForeignID)
	assert.Equal(t, "Original", post.Title)

	_, err = tp.ResolveURL(ctx, "http://poster.typepad.com/elsewhere.html")
	assert.ErrorIs(t, err, embed.ErrUnsupported)

	_, err = tp.ResolveURL(ctx, "http://not-typepad.example/p1.html")
	assert.ErrorIs(t, err, embed.ErrUnsupported)
}

func TestTypePadImage(t *testing.T) {
	tall := typepadImage(&typepadImageLink{URL: "u", Width: 1000, Height: 2000, URLTemplate: "t-{spec}"})
	assert.Equal(t, &model.ForeignImage{URL: "t-1024pi", Width: 512, Height: 1024}, tall)

	small := typepadImage(&typepadImageLink{URL: "u", Width: 300, Height: 200, URLTemplate: "t-{spec}"})
	assert.Equal(t, &model.ForeignImage{URL: "u", Width: 300, Height: 200}, small)

	noTemplate := typepadImage(&typepadImageLink{URL: "u", Width: 3000, Height: 2000})
	assert.Equal(t, "u", noTemplate.URL)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "NewAsset", typeName("tag:api.typepad.com,2009:NewAsset"))
	assert.Equal(t, "Post", typeName("Post"))
}
