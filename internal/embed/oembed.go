// Package embed turns linked URLs into foreign posts, through oEmbed
// provider endpoints or a chain of service specific resolvers.
package embed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/transport"
)

// ErrUnsupported means a resolver does not handle a URL and the next one
// should be tried.
var ErrUnsupported = errors.New("url not supported")

const (
	serviceName = "oembed"

	typeJSON = "application/json+oembed"
	typeXML  = "text/xml+oembed"

	// DefaultMaxBodyBytes bounds how much of a page is read for discovery.
	DefaultMaxBodyBytes = 512 << 10
)

// Endpoint is an oEmbed provider API and the URL schemes it serves.
type Endpoint struct {
	URL     string
	Schemes []string

	patterns []*regexp.Regexp
}

// NewEndpoint compiles schemes such as "http://*.flickr.com/*".
func NewEndpoint(endpointURL string, schemes ...string) Endpoint {
	e := Endpoint{URL: endpointURL, Schemes: schemes}
	for _, s := range schemes {
		pat := strings.ReplaceAll(regexp.QuoteMeta(s), `\*`, `.*`)
		pat = strings.Replace(pat, "http://", "https?://", 1)
		e.patterns = append(e.patterns, regexp.MustCompile("^"+pat+"$"))
	}
	return e
}

func (e Endpoint) matches(rawURL string) bool {
	for _, p := range e.patterns {
		if p.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// Flickr is the one provider known without discovery.
var Flickr = NewEndpoint("http://www.flickr.com/services/oembed", "http://*.flickr.com/*", "http://flic.kr/*")

// OEmbed resolves URLs through known endpoints, falling back to discovery
// of an oEmbed link in the page head.
type OEmbed struct {
	client    *transport.Client
	endpoints []Endpoint
	maxBody   int64
	now       func() time.Time
}

// NewOEmbed creates an oEmbed resolver that tries endpoints before discovery.
func NewOEmbed(client *transport.Client, maxBody int64, endpoints ...Endpoint) *OEmbed {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &OEmbed{client: client, endpoints: endpoints, maxBody: maxBody, now: time.Now}
}

// ResolveURL implements the normalizer's URL resolver.
func (o *OEmbed) ResolveURL(ctx context.Context, rawURL string) (*model.ForeignPost, error) {
	api, format, err := o.endpointFor(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	doc, err := o.fetch(ctx, api, format)
	if err != nil {
		return nil, err
	}
	return doc.post(rawURL, o.now())
}

// endpointFor returns the oEmbed API URL for rawURL and its format.
func (o *OEmbed) endpointFor(ctx context.Context, rawURL string) (string, string, error) {
	for _, e := range o.endpoints {
		if e.matches(rawURL) {
			return withQuery(e.URL, url.Values{"url": {rawURL}, "format": {"json"}}), typeJSON, nil
		}
	}
	return o.discover(ctx, rawURL)
}

// discover finds the oEmbed link of an HTML page.
func (o *OEmbed) discover(ctx context.Context, rawURL string) (string, string, error) {
	resp, err := o.client.Get(ctx, serviceName, rawURL, nil)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return "", "", fmt.Errorf("%w: %s has no content type", ErrUnsupported, rawURL)
	}
	if !strings.Contains(strings.ToLower(ct), "html") {
		return "", "", fmt.Errorf("%w: %s is %s, not an HTML page", ErrUnsupported, rawURL, ct)
	}

	page, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, o.maxBody))
	if err != nil {
		return "", "", fmt.Errorf("%w: parse %s: %v", ErrUnsupported, rawURL, err)
	}
	links := page.Find("head link[rel=alternate]")
	for _, typ := range []string{typeJSON, typeXML} {
		href, ok := links.FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.EqualFold(s.AttrOr("type", ""), typ)
		}).First().Attr("href")
		if ok && href != "" {
			return resolveRef(rawURL, href), typ, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s has no oembed link", ErrUnsupported, rawURL)
}

func (o *OEmbed) fetch(ctx context.Context, api, format string) (*document, error) {
	var doc document
	if format == typeJSON {
		if err := o.client.GetJSON(ctx, serviceName, api, nil, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	}

	resp, err := o.client.Get(ctx, serviceName, api, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := xml.NewDecoder(io.LimitReader(resp.Body, o.maxBody)).Decode(&doc); err != nil {
		return nil, &model.TransportError{Service: serviceName, URL: api, Status: resp.StatusCode, Err: fmt.Errorf("decode xml: %w", err)}
	}
	return &doc, nil
}

// document is an oEmbed response.
type document struct {
	XMLName      xml.Name  `json:"-" xml:"oembed"`
	Type         string    `json:"type" xml:"type"`
	Title        string    `json:"title" xml:"title"`
	AuthorName   string    `json:"author_name" xml:"author_name"`
	AuthorURL    string    `json:"author_url" xml:"author_url"`
	ProviderName string    `json:"provider_name" xml:"provider_name"`
	ProviderURL  string    `json:"provider_url" xml:"provider_url"`
	URL          string    `json:"url" xml:"url"`
	HTML         string    `json:"html" xml:"html"`
	Width        dimension `json:"width" xml:"width"`
	Height       dimension `json:"height" xml:"height"`
}

// dimension accepts both numbers and numeric strings. Anything else is 0.
type dimension int

func (d *dimension) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	*d = dimension(n)
	return nil
}

func (d *dimension) UnmarshalText(b []byte) error {
	return d.UnmarshalJSON(b)
}

func (d *document) post(rawURL string, now time.Time) (*model.ForeignPost, error) {
	service := hostService(rawURL)
	if service == "" {
		return nil, model.Malformed("no host in %q", rawURL)
	}

	author := model.ForeignUser{
		Service:      service,
		ForeignID:    firstNonEmpty(d.AuthorURL, d.AuthorName, d.ProviderURL, service),
		DisplayName:  firstNonEmpty(d.AuthorName, d.ProviderName),
		PermalinkURL: firstNonEmpty(d.AuthorURL, d.ProviderURL),
	}
	p := &model.ForeignPost{
		Service:      service,
		ForeignID:    rawURL,
		Author:       author,
		Title:        d.Title,
		PublishedAt:  now,
		PermalinkURL: rawURL,
	}
	switch d.Type {
	case "photo":
		if d.URL == "" {
			return nil, model.Malformed("photo embed of %s has no url", rawURL)
		}
		p.Image = &model.ForeignImage{URL: d.URL, Width: int(d.Width), Height: int(d.Height)}
		p.RenderHint = model.RenderImage
	case "video", "rich":
		p.BodyHTML = d.HTML
		p.RenderHint = model.RenderMixed
	case "link":
		p.RenderHint = model.RenderStatus
	default:
		return nil, model.Malformed("unknown embed type %q for %s", d.Type, rawURL)
	}
	return p, nil
}

// hostService names the service of a page by its host, without "www.".
func hostService(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func withQuery(base string, q url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

func resolveRef(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
