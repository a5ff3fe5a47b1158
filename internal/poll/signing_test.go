package poll

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuth1Signature(t *testing.T) {
	// Worked example from the OAuth 1.0 specification.
	req, err := http.NewRequest(http.MethodGet, "http://photos.example.net/photos?file=vacation.jpg&size=original", nil)
	require.NoError(t, err)

	o := &oauth1{
		consumerKey:    "dpf43f3p2l4k3l03",
		consumerSecret: "kd94hf93k423kf44",
		token:          "nnch734d00sl2jdk",
		tokenSecret:    "pfkkdhi9sl3r4s00",
		now:            func() time.Time { return time.Unix(1191242096, 0) },
		nonce:          func() string { return "kllo9940pd9333jh" },
	}
	require.NoError(t, o.Authorize(req))

	h := req.Header.Get("Authorization")
	assert.Contains(t, h, `oauth_signature="tR3%2BTy81lMeYAr%2FFid0kMTYa%2FWM%3D"`)
	assert.Contains(t, h, `oauth_token="nnch734d00sl2jdk"`)
	assert.Regexp(t, `^OAuth `, h)
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "Ladies%20%2B%20Gentlemen", percentEncode("Ladies + Gentlemen"))
	assert.Equal(t, "An%20encoded%20string%21", percentEncode("An encoded string!"))
	assert.Equal(t, "-._~", percentEncode("-._~"))
	assert.Equal(t, "%E2%98%83", percentEncode("☃"))
}

func TestFlickrSignature(t *testing.T) {
	q := url.Values{
		"method":  {"flickr.test.echo"},
		"api_key": {"key"},
		"api_sig": {"stale"},
	}
	sum := md5.Sum([]byte("secretapi_keykeymethodflickr.test.echo"))
	assert.Equal(t, hex.EncodeToString(sum[:]), flickrSignature("secret", q))
}

func TestMACAuth(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://mlkshk.com/api/friends", nil)
	require.NoError(t, err)

	m := &macAuth{
		token:  "tok",
		secret: "sec",
		now:    func() time.Time { return time.Unix(1300000000, 0) },
		nonce:  func() string { return "abcdefghij" },
	}
	require.NoError(t, m.Authorize(req))

	mac := hmac.New(sha1.New, []byte("sec"))
	mac.Write([]byte("tok\n1300000000\nabcdefghij\nGET\nmlkshk.com\n443\n/api/friends\n"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t,
		`MAC token="tok", timestamp="1300000000", nonce="abcdefghij", signature="`+want+`"`,
		req.Header.Get("Authorization"))
}

func TestSplitAuth(t *testing.T) {
	tok, sec, err := splitAuth("a:b:c")
	require.NoError(t, err)
	assert.Equal(t, "a", tok)
	assert.Equal(t, "b:c", sec)

	_, _, err = splitAuth("nocolon")
	assert.Error(t, err)
}
