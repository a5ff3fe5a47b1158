package poll

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// splitAuth splits an "token:secret" auth blob.
func splitAuth(authInfo string) (token, secret string, err error) {
	token, secret, ok := strings.Cut(authInfo, ":")
	if !ok || token == "" {
		return "", "", fmt.Errorf("auth info is not token:secret")
	}
	return token, secret, nil
}

func nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// oauth1 signs requests with OAuth 1.0a HMAC-SHA1.
type oauth1 struct {
	consumerKey    string
	consumerSecret string
	token          string
	tokenSecret    string
	now            func() time.Time
	nonce          func() string
}

func (o *oauth1) Authorize(req *http.Request) error {
	now, nonceFn := o.now, o.nonce
	if now == nil {
		now = time.Now
	}
	if nonceFn == nil {
		nonceFn = nonce
	}
	params := map[string]string{
		"oauth_consumer_key":     o.consumerKey,
		"oauth_nonce":            nonceFn(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if o.token != "" {
		params["oauth_token"] = o.token
	}
	params["oauth_signature"] = o.signature(req, params)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf(`%s="%s"`, percentEncode(k), percentEncode(params[k]))
	}
	req.Header.Set("Authorization", "OAuth "+strings.Join(parts, ", "))
	return nil
}

func (o *oauth1) signature(req *http.Request, oauthParams map[string]string) string {
	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range req.URL.Query() {
		for _, v := range vs {
			pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
		}
	}
	for k, v := range oauthParams {
		pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = p.k + "=" + p.v
	}

	base := *req.URL
	base.RawQuery = ""
	base.Fragment = ""
	base.Scheme = strings.ToLower(base.Scheme)
	base.Host = strings.ToLower(base.Host)

	baseString := strings.Join([]string{
		strings.ToUpper(req.Method),
		percentEncode(base.String()),
		percentEncode(strings.Join(encoded, "&")),
	}, "&")
	key := percentEncode(o.consumerSecret) + "&" + percentEncode(o.tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode is RFC 3986 encoding as OAuth requires it.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// flickrSignature is md5(secret + sorted key/value pairs) as hex.
func flickrSignature(secret string, query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		if k == "api_sig" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := md5.New()
	h.Write([]byte(secret))
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(query.Get(k)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// macAuth signs mlkshk requests with a MAC access token.
type macAuth struct {
	token  string
	secret string
	now    func() time.Time
	nonce  func() string
}

func (m *macAuth) Authorize(req *http.Request) error {
	now, nonceFn := m.now, m.nonce
	if now == nil {
		now = time.Now
	}
	if nonceFn == nil {
		nonceFn = func() string { return nonce()[:10] }
	}
	timestamp := strconv.FormatInt(now().Unix(), 10)
	n := nonceFn()
	req.Header.Set("Authorization", fmt.Sprintf(`MAC token="%s", timestamp="%s", nonce="%s", signature="%s"`,
		m.token, timestamp, n, m.signature(req, timestamp, n)))
	return nil
}

func (m *macAuth) signature(req *http.Request, timestamp, n string) string {
	port := req.URL.Port()
	if port == "" {
		port = "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
	}
	normalized := strings.Join([]string{
		m.token, timestamp, n, req.Method, req.URL.Host, port, req.URL.Path, req.URL.RawQuery,
	}, "\n")
	mac := hmac.New(sha1.New, []byte(m.secret))
	mac.Write([]byte(normalized))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
