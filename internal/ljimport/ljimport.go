// Package ljimport imports LiveJournal XML exports into a user's stream.
package ljimport

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/leapfrog/internal/identity"
	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/metrics"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/normalize"
	"github.com/bryan-buckman/leapfrog/internal/sanitize"
	"github.com/bryan-buckman/leapfrog/internal/stream"
)

// OpenIDService is the account service of LiveJournal users. The ident is
// the user's OpenID URL.
const OpenIDService = "openid"

const source = "livejournal"

// Export is the root of a LiveJournal XML export.
type Export struct {
	XMLName  xml.Name `xml:"livejournal"`
	Username string   `xml:"username,attr"`
	Server   string   `xml:"server,attr"`
	Friends  []Friend `xml:"friends>friend"`
	Events   []Event  `xml:"events>event"`
}

// Friend is an entry of the journal's friends list.
type Friend struct {
	Username string `xml:"username"`
	FullName string `xml:"fullname"`
}

// Prop is a name/value property of an event or comment.
type Prop struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Event is a journal entry.
type Event struct {
	DItemID  string    `xml:"ditemid,attr"`
	Security string    `xml:"security,attr"`
	Subject  string    `xml:"subject"`
	Date     string    `xml:"date"`
	Body     string    `xml:"event"`
	Props    []Prop    `xml:"props>prop"`
	Comments []Comment `xml:"comments>comment"`
}

// Comment is a comment on an event or on another comment.
type Comment struct {
	JTalkID  string    `xml:"jtalkid,attr"`
	Poster   string    `xml:"poster,attr"`
	Subject  string    `xml:"subject"`
	Date     string    `xml:"date"`
	Body     string    `xml:"body"`
	Props    []Prop    `xml:"props>prop"`
	Comments []Comment `xml:"comments>comment"`
}

// Parse decodes an export document.
func Parse(r io.Reader) (*Export, error) {
	var doc Export
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode livejournal export: %v", model.ErrMalformedPayload, err)
	}
	if doc.Username == "" || doc.Server == "" {
		return nil, model.Malformed("livejournal export without username or server")
	}
	return &doc, nil
}

// Result counts what an import did.
type Result struct {
	Posts    int `json:"posts"`
	Comments int `json:"comments"`
	Friends  int `json:"friends"`
	Errors   int `json:"errors"`
}

// Importer turns an export into objects and stream rows.
type Importer struct {
	identity  *identity.Resolver
	normalize *normalize.Normalizer
	projector *stream.Projector
}

// New creates a new importer.
func New(ident *identity.Resolver, norm *normalize.Normalizer, proj *stream.Projector) *Importer {
	return &Importer{
		identity:  ident,
		normalize: norm,
		projector: proj,
	}
}

// journal carries per-export naming.
type journal struct {
	domain string
	user   string
	prefix string // atom id prefix of events
	owner  model.ForeignUser
}

// ServerDomain returns the last two labels of an export's server name.
func ServerDomain(server string) string {
	labels := strings.Split(strings.Trim(server, "."), ".")
	if len(labels) <= 2 {
		return strings.Join(labels, ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// OpenID returns the OpenID URL LiveJournal gives username.
func OpenID(domain, username string) string {
	if strings.HasPrefix(username, "_") {
		return fmt.Sprintf("http://users.%s/%s/", domain, username)
	}
	return fmt.Sprintf("http://%s.%s/", strings.ReplaceAll(username, "_", "-"), domain)
}

func (j *journal) person(username, displayName string) model.ForeignUser {
	if displayName == "" {
		displayName = username
	}
	openid := OpenID(j.domain, username)
	return model.ForeignUser{
		Service:      OpenIDService,
		ForeignID:    openid,
		DisplayName:  displayName,
		PermalinkURL: openid,
	}
}

func (j *journal) anonymous() model.ForeignUser {
	return model.ForeignUser{
		Service:     OpenIDService,
		ForeignID:   fmt.Sprintf("urn:lj:%s:anonymous", j.domain),
		DisplayName: "Anonymous",
	}
}

// Import reads an export from r into user's stream. A malformed document
// fails the whole import; a bad event or comment is skipped and counted.
func (im *Importer) Import(ctx context.Context, r io.Reader, user *model.User) (Result, error) {
	var res Result
	if user == nil {
		return res, fmt.Errorf("import: nil user")
	}
	if logging.CorrelationIDFromContext(ctx) == "" {
		ctx = logging.ContextWithNewCorrelationID(ctx)
	}
	doc, err := Parse(r)
	if err != nil {
		return res, err
	}

	j := &journal{domain: ServerDomain(doc.Server), user: doc.Username}
	j.prefix = fmt.Sprintf("urn:lj:%s:atom1:%s:", j.domain, j.user)
	j.owner = j.person(doc.Username, "")
	log := logging.Ctx(ctx).With().Str("component", "ljimport").Str("journal", j.owner.ForeignID).Logger()
	log.Info().Int("events", len(doc.Events)).Int("friends", len(doc.Friends)).Msg("Importing LiveJournal export")

	for _, f := range doc.Friends {
		if f.Username == "" {
			continue
		}
		if _, err := im.identity.ResolveAccount(ctx, j.person(f.Username, f.FullName)); err != nil {
			im.fail(ctx, "friend "+f.Username, err, &res)
			continue
		}
		res.Friends++
	}

	for i := range doc.Events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		im.importEvent(ctx, j, user, &doc.Events[i], &res)
	}

	metrics.ImportItems.WithLabelValues(source, "post").Add(float64(res.Posts))
	metrics.ImportItems.WithLabelValues(source, "comment").Add(float64(res.Comments))
	metrics.ImportItems.WithLabelValues(source, "error").Add(float64(res.Errors))
	log.Info().
		Int("posts", res.Posts).
		Int("comments", res.Comments).
		Int("friends", res.Friends).
		Int("errors", res.Errors).
		Msg("Imported LiveJournal export")
	return res, nil
}

func (im *Importer) importEvent(ctx context.Context, j *journal, user *model.User, ev *Event, res *Result) {
	post, err := eventPost(j, ev)
	if err != nil {
		im.fail(ctx, "event "+ev.DItemID, err, res)
		return
	}
	if err := im.project(ctx, user, post, model.VerbPost); err != nil {
		im.fail(ctx, "event "+ev.DItemID, err, res)
		return
	}
	res.Posts++
	im.importComments(ctx, j, user, post, ev.Comments, res)
}

func (im *Importer) importComments(ctx context.Context, j *journal, user *model.User, parent *model.ForeignPost, comments []Comment, res *Result) {
	for i := range comments {
		c := &comments[i]
		post, err := commentPost(j, parent, c)
		if err == nil {
			err = im.project(ctx, user, post, model.VerbReply)
		}
		if err != nil {
			// Replies below a failed comment have nothing to attach to.
			im.fail(ctx, "comment "+c.JTalkID, err, res)
			continue
		}
		res.Comments++
		im.importComments(ctx, j, user, post, c.Comments, res)
	}
}

func (im *Importer) project(ctx context.Context, user *model.User, post *model.ForeignPost, verb model.Verb) error {
	obj, _, err := im.normalize.Normalize(ctx, *post)
	if err != nil {
		return err
	}
	actor, err := im.identity.ResolveAccount(ctx, post.Author)
	if err != nil {
		return err
	}
	_, err = im.projector.Project(ctx, user, obj, actor, verb, post.PublishedAt)
	return err
}

func (im *Importer) fail(ctx context.Context, ref string, err error, res *Result) {
	res.Errors++
	logging.Ctx(ctx).Warn().Err(err).Str("component", "ljimport").Str("item", ref).Msg("Skipping LiveJournal item")
}

func props(ps []Prop) map[string]string {
	m := make(map[string]string, len(ps))
	for _, p := range ps {
		m[p.Name] = p.Value
	}
	return m
}

func preformatted(ps []Prop) bool {
	n, _ := strconv.Atoi(props(ps)["opt_preformatted"])
	return n != 0
}

// body applies LiveJournal formatting and drops its private tags.
func body(raw string, pre bool) string {
	return sanitize.Unwrap(sanitize.FormatBody(raw, pre), "lj-raw", "lj-cut")
}

var dateLayouts = []string{"2006-01-02 15:04:05", time.RFC3339}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func eventPost(j *journal, ev *Event) (*model.ForeignPost, error) {
	if ev.DItemID == "" {
		return nil, model.Malformed("event without ditemid")
	}
	published, ok := parseDate(ev.Date)
	if !ok {
		return nil, model.Malformed("event %s has no usable date %q", ev.DItemID, ev.Date)
	}
	return &model.ForeignPost{
		Service:      j.domain,
		ForeignID:    j.prefix + ev.DItemID,
		Author:       j.owner,
		Title:        ev.Subject,
		BodyHTML:     body(ev.Body, preformatted(ev.Props)),
		Preformatted: true,
		RenderHint:   model.RenderMixed,
		PublishedAt:  published,
		PermalinkURL: fmt.Sprintf("%s%s.html", j.owner.ForeignID, ev.DItemID),
	}, nil
}

// commentPost builds a comment replying inline to parent. Comments without
// a date take their parent's.
func commentPost(j *journal, parent *model.ForeignPost, c *Comment) (*model.ForeignPost, error) {
	if c.JTalkID == "" {
		return nil, model.Malformed("comment without jtalkid under %s", parent.ForeignID)
	}
	published, ok := parseDate(c.Date)
	if !ok {
		published = parent.PublishedAt
	}
	author := j.anonymous()
	if c.Poster != "" {
		author = j.person(c.Poster, "")
	}

	root := parent.ForeignID
	if i := strings.Index(root, ":talk:"); i >= 0 {
		root = root[:i]
	}
	permalink := parent.PermalinkURL
	if i := strings.IndexByte(permalink, '?'); i >= 0 {
		permalink = permalink[:i]
	}
	return &model.ForeignPost{
		Service:      j.domain,
		ForeignID:    root + ":talk:" + c.JTalkID,
		Author:       author,
		Title:        c.Subject,
		BodyHTML:     body(c.Body, preformatted(c.Props)),
		Preformatted: true,
		RenderHint:   model.RenderMixed,
		PublishedAt:  published,
		PermalinkURL: fmt.Sprintf("%s?thread=%s#t%s", permalink, c.JTalkID, c.JTalkID),
		Parent:       model.InlineParent(parent),
	}, nil
}
