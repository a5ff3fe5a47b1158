// Package normalize folds foreign posts into stored Objects.
//
// A post and its parents are walked leaf to root with an explicit stack,
// then persisted root first so every object is written once with its
// InReplyTo already known. A stored object ends the walk: it is returned
// as is and never normalized again.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bryan-buckman/leapfrog/internal/database"
	"github.com/bryan-buckman/leapfrog/internal/identity"
	"github.com/bryan-buckman/leapfrog/internal/keylock"
	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/metrics"
	"github.com/bryan-buckman/leapfrog/internal/model"
	"github.com/bryan-buckman/leapfrog/internal/sanitize"
	"github.com/bryan-buckman/leapfrog/internal/validation"
)

// DefaultMaxDepth is used when Config.MaxDepth is not positive.
const DefaultMaxDepth = 64

// ErrNoFetcher means a parent referenced a service with no registered PostFetcher.
var ErrNoFetcher = errors.New("no post fetcher for service")

// PostFetcher loads one post of a service by its foreign id.
type PostFetcher interface {
	FetchPost(ctx context.Context, foreignID string) (*model.ForeignPost, error)
}

// URLResolver turns a linked URL into the post it points at.
type URLResolver interface {
	ResolveURL(ctx context.Context, url string) (*model.ForeignPost, error)
}

// Config tunes a Normalizer.
type Config struct {
	// MaxDepth bounds how many ancestors of one post are walked.
	MaxDepth int
}

// Normalizer folds foreign posts and their parents into stored objects.
type Normalizer struct {
	store    database.Store
	identity *identity.Resolver
	cfg      Config
	locks    keylock.Map
	log      zerolog.Logger

	mu       sync.RWMutex
	fetchers map[string]PostFetcher
	resolver URLResolver
}

// New creates a normalizer with no fetchers or resolver registered.
func New(store database.Store, ident *identity.Resolver, cfg Config) *Normalizer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Normalizer{
		store:    store,
		identity: ident,
		cfg:      cfg,
		log:      logging.WithComponent("normalize"),
		fetchers: make(map[string]PostFetcher),
	}
}

// RegisterFetcher sets the fetcher used for ParentRef parents of service.
func (n *Normalizer) RegisterFetcher(service string, f PostFetcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fetchers[service] = f
}

// SetResolver sets the resolver used for ParentURL parents.
func (n *Normalizer) SetResolver(r URLResolver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolver = r
}

func (n *Normalizer) fetcher(service string) PostFetcher {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fetchers[service]
}

func (n *Normalizer) urlResolver() URLResolver {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.resolver
}

// frame is one node of the walk.
type frame struct {
	post   *model.ForeignPost
	stored *model.Object

	// linked is set when this node's parent came from a ParentURL; the
	// node is then checked for being a bare share of it.
	linked   bool
	linkText string
}

// Normalize returns the stored Object for p, creating it and any missing
// ancestors. isShare is true when p only shared a link: p is then not
// stored and the shared object is returned.
func (n *Normalizer) Normalize(ctx context.Context, p model.ForeignPost) (*model.Object, bool, error) {
	if err := validatePost(&p); err != nil {
		return nil, false, err
	}

	frames, err := n.walk(ctx, &p)
	if err != nil {
		return nil, false, err
	}

	// The leaf was already stored.
	if len(frames) == 1 && frames[0].stored != nil {
		metrics.ObjectsDeduplicated.WithLabelValues(p.Service).Inc()
		return frames[0].stored, false, nil
	}

	var parent *model.Object
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.stored != nil {
			parent = f.stored
			continue
		}
		if f.linked && parent != nil && isShare(postText(f.post), f.linkText, parent.Title) {
			metrics.SharesCollapsed.WithLabelValues(f.post.Service).Inc()
			n.log.Debug().Str("post", f.post.Key().String()).Int64("shared_id", parent.ID).Msg("Post is a share")
			if i == 0 {
				return parent, true, nil
			}
			// Sharing is transitive: the node below replies to what was shared.
			continue
		}
		obj, err := n.persist(ctx, f.post, parent)
		if err != nil {
			return nil, false, err
		}
		parent = obj
	}
	return parent, false, nil
}

// walk collects the leaf and its unstored ancestors, leaf first. It stops
// at a stored object (pushed as the last frame), a parentless post, a
// repeated key or the depth bound.
func (n *Normalizer) walk(ctx context.Context, leaf *model.ForeignPost) ([]frame, error) {
	var frames []frame
	seen := make(map[model.Key]bool)

	post := leaf
	for post != nil {
		key := post.Key()
		if seen[key] {
			n.cut(ctx, key, "cycle")
			break
		}
		seen[key] = true

		stored, err := n.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			frames = append(frames, frame{stored: stored})
			break
		}

		if len(frames) > n.cfg.MaxDepth {
			n.cut(ctx, key, "depth")
			// The last pushed frame becomes a root.
			frames[len(frames)-1].linked = false
			break
		}

		frames = append(frames, frame{post: post})
		top := len(frames) - 1

		next, err := n.parentOf(ctx, post, seen, &frames)
		if err != nil {
			return nil, err
		}
		if next != nil && post.Parent.Kind == model.ParentURL {
			frames[top].linked = true
			frames[top].linkText = post.Parent.LinkText
			if frames[top].linkText == "" {
				frames[top].linkText = post.Parent.URL
			}
		}
		post = next
	}
	return frames, nil
}

// parentOf returns the next post to walk. A stored ParentRef target is
// pushed onto frames directly and nil is returned.
func (n *Normalizer) parentOf(ctx context.Context, post *model.ForeignPost, seen map[model.Key]bool, frames *[]frame) (*model.ForeignPost, error) {
	par := post.Parent
	switch par.Kind {
	case model.ParentPost:
		if par.Post == nil {
			return nil, nil
		}
		if err := validatePost(par.Post); err != nil {
			return nil, fmt.Errorf("parent of %s: %w", post.Key(), err)
		}
		return par.Post, nil

	case model.ParentRef:
		key := model.Key{Service: par.Service, ForeignID: par.ForeignID}
		if seen[key] {
			n.cut(ctx, key, "cycle")
			return nil, nil
		}
		stored, err := n.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			seen[key] = true
			*frames = append(*frames, frame{stored: stored})
			return nil, nil
		}
		f := n.fetcher(par.Service)
		if f == nil {
			return nil, fmt.Errorf("parent %s of %s: %w", key, post.Key(), ErrNoFetcher)
		}
		fetched, err := f.FetchPost(ctx, par.ForeignID)
		if err != nil {
			return nil, fmt.Errorf("fetch parent %s of %s: %w", key, post.Key(), err)
		}
		if err := validatePost(fetched); err != nil {
			return nil, fmt.Errorf("parent %s of %s: %w", key, post.Key(), err)
		}
		return fetched, nil

	case model.ParentURL:
		r := n.urlResolver()
		if r == nil || par.URL == "" {
			return nil, nil
		}
		resolved, err := r.ResolveURL(ctx, par.URL)
		if err == nil {
			err = validatePost(resolved)
		}
		if err != nil {
			rf := &model.ResolutionFailure{URL: par.URL, Err: err}
			metrics.ResolutionFailures.Inc()
			logging.Ctx(ctx).Warn().Err(rf).Str("post", post.Key().String()).Msg("Treating linked post as standalone")
			return nil, nil
		}
		return resolved, nil
	}
	return nil, nil
}

func (n *Normalizer) cut(ctx context.Context, key model.Key, reason string) {
	metrics.CyclesCut.Inc()
	logging.Ctx(ctx).Warn().Str("post", key.String()).Str("reason", reason).Msg("Cutting reply chain")
}

func (n *Normalizer) lookup(ctx context.Context, key model.Key) (*model.Object, error) {
	obj, err := n.store.GetObject(ctx, key.Service, key.ForeignID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup object %s: %w", key, err)
	}
	return obj, nil
}

// persist stores one post whose parent is already resolved.
func (n *Normalizer) persist(ctx context.Context, p *model.ForeignPost, parent *model.Object) (*model.Object, error) {
	author, err := n.identity.ResolveAccount(ctx, p.Author)
	if err != nil {
		return nil, fmt.Errorf("author of %s: %w", p.Key(), err)
	}

	key := p.Key()
	unlock := n.locks.Lock(key.String())
	defer unlock()

	if existing, err := n.lookup(ctx, key); err != nil || existing != nil {
		return existing, err
	}

	body := sanitize.FormatBody(p.BodyHTML, p.Preformatted)
	obj := &model.Object{
		Service:      p.Service,
		ForeignID:    p.ForeignID,
		Title:        p.Title,
		Body:         body,
		RenderMode:   renderMode(p),
		PermalinkURL: p.PermalinkURL,
		PublishedAt:  p.PublishedAt,
		AuthorID:     author.ID,
	}
	if parent != nil {
		obj.InReplyToID = &parent.ID
	}
	var image *model.Media
	if p.Image != nil {
		image = &model.Media{ImageURL: p.Image.URL, Width: p.Image.Width, Height: p.Image.Height}
	}

	stored, created, err := n.store.CreateObject(ctx, obj, image)
	if err != nil {
		return nil, fmt.Errorf("store object %s: %w", key, err)
	}
	if created {
		metrics.ObjectsCreated.WithLabelValues(p.Service).Inc()
		n.log.Debug().Str("post", key.String()).Int64("object_id", stored.ID).Msg("Created object")
	}
	return stored, nil
}

func validatePost(p *model.ForeignPost) error {
	if p == nil {
		return fmt.Errorf("%w: nil post", model.ErrMalformedPayload)
	}
	if err := validation.Struct(p); err != nil {
		return fmt.Errorf("%w: post %s: %v", model.ErrMalformedPayload, p.Key(), err)
	}
	return nil
}

// renderMode classifies p by its payload. Breaks added by FormatBody do not
// count as markup.
func renderMode(p *model.ForeignPost) model.RenderMode {
	switch {
	case p.RenderHint.Valid():
		return p.RenderHint
	case p.Image != nil:
		return model.RenderImage
	case sanitize.HasMarkup(p.BodyHTML):
		return model.RenderMixed
	default:
		return model.RenderStatus
	}
}

func postText(p *model.ForeignPost) string {
	if p.Text != "" {
		return p.Text
	}
	return sanitize.Text(p.BodyHTML)
}

var whitespace = regexp.MustCompile(`\s`)

// isShare reports whether text is nothing but the link and the linked
// object's title.
func isShare(text, linkText, title string) bool {
	if linkText != "" {
		text = strings.Replace(text, linkText, "", 1)
	}
	text = strings.ToLower(text)
	if title != "" {
		text = strings.ReplaceAll(text, strings.ToLower(title), "")
	}
	return whitespace.ReplaceAllString(text, "") == ""
}
