// Package related discovers the pages a page depends on: the templates it
// transcludes, the files it embeds, its categories and the pages it links to.
package related

import (
	"context"
	"log/slog"
	"time"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
)

// Type classifies a related title.
type Type string

const (
	TypeWikipage Type = "wikipage"
	TypeTemplate Type = "template"
	TypeFile     Type = "file"
	TypeCategory Type = "category"
	TypeOriginal Type = "original"
)

// Relation tells how a related title is used by the page.
type Relation string

const (
	Linked      Relation = "linked"
	Transcluded Relation = "transcluded"
)

// Title is a page related to the page being pushed.
type Title struct {
	Ref      title.Ref `json:"ref"`
	Type     Type      `json:"type"`
	Relation Relation  `json:"relation"`
}

// Classify returns the type of a title by its namespace.
func Classify(ref title.Ref) Type {
	switch ref.Namespace {
	case title.NamespaceTemplate:
		return TypeTemplate
	case title.NamespaceFile:
		return TypeFile
	case title.NamespaceCategory:
		return TypeCategory
	default:
		return TypeWikipage
	}
}

// RenderedPage is the parser output of a page, reduced to existing pages.
type RenderedPage struct {
	Page       title.Ref
	Templates  []title.Ref
	Media      []title.Ref
	Categories []title.Ref
	Links      []title.Ref
}

// Renderer parses the latest revision of a page.
type Renderer interface {
	Render(ctx context.Context, ref title.Ref) (*RenderedPage, error)
}

// RevisionLookup returns the timestamp of the latest revision of a page.
type RevisionLookup interface {
	LatestRevision(ctx context.Context, ref title.Ref) (time.Time, error)
}

// History answers whether a page changed since it was last pushed.
type History interface {
	IsChangedSincePush(ctx context.Context, pageID int, target string, latestRevision time.Time) (bool, error)
}

// Filter narrows the pages to push. The zero Filter keeps everything.
type Filter struct {
	// ChangedSince drops pages whose latest revision is older.
	ChangedSince time.Time

	// OnlyChangedSincePush drops pages not edited since their last push to Target.
	OnlyChangedSincePush bool

	Target string
}

func (f *Filter) active() bool {
	return f != nil && (!f.ChangedSince.IsZero() || (f.OnlyChangedSincePush && f.Target != ""))
}

// Set is an ordered, duplicate-free collection of related titles.
type Set struct {
	titles []Title
	index  map[string]int
}

func newSet() *Set {
	return &Set{index: make(map[string]int)}
}

// add keeps the first position of a title; a transcluded sighting upgrades
// a linked one.
func (s *Set) add(ref title.Ref, rel Relation) {
	key := ref.PrefixedDBKey()
	if i, ok := s.index[key]; ok {
		if rel == Transcluded {
			s.titles[i].Relation = Transcluded
		}
		return
	}
	s.index[key] = len(s.titles)
	s.titles = append(s.titles, Title{Ref: ref, Type: Classify(ref), Relation: rel})
}

// Titles returns the titles in discovery order.
func (s *Set) Titles() []Title {
	return append([]Title(nil), s.titles...)
}

func (s *Set) Len() int {
	return len(s.titles)
}

// Contains reports whether the prefixed DB key is in the set.
func (s *Set) Contains(prefixedDBKey string) bool {
	_, ok := s.index[prefixedDBKey]
	return ok
}

// Resolver computes the related titles of a page.
type Resolver struct {
	renderer  Renderer
	revisions RevisionLookup
	history   History
	logger    *slog.Logger
}

// NewResolver creates a resolver. history may be nil when only-changed
// filtering is never requested.
func NewResolver(renderer Renderer, revisions RevisionLookup, history History, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		renderer:  renderer,
		revisions: revisions,
		history:   history,
		logger:    logger,
	}
}

// Resolve returns the existing pages page depends on, in the order templates,
// files, categories, links. The page itself is never included.
func (r *Resolver) Resolve(ctx context.Context, page title.Ref, f *Filter) (*Set, error) {
	rendered, err := r.renderer.Render(ctx, page)
	if err != nil {
		if apierrors.IsKind(err, apierrors.KindRevisionNotFound) || apierrors.IsKind(err, apierrors.KindRenderFailed) {
			return nil, err
		}
		return nil, apierrors.Wrap(apierrors.KindRenderFailed, "failed to render "+page.PrefixedDBKey(), err)
	}

	all := newSet()
	seed := page.PrefixedDBKey()
	collect := func(refs []title.Ref, rel Relation) {
		for _, ref := range refs {
			if !ref.Exists || ref.PrefixedDBKey() == seed {
				continue
			}
			all.add(ref, rel)
		}
	}
	collect(rendered.Templates, Transcluded)
	collect(rendered.Media, Transcluded)
	collect(rendered.Categories, Linked)
	collect(rendered.Links, Linked)

	if !f.active() {
		return all, nil
	}

	kept := newSet()
	for _, t := range all.titles {
		keep, err := r.Keep(ctx, t.Ref, f)
		if err != nil {
			return nil, err
		}
		if keep {
			kept.add(t.Ref, t.Relation)
		} else {
			r.logger.Debug("Related title filtered out", "page", seed, "related", t.Ref.PrefixedDBKey())
		}
	}
	return kept, nil
}

// Keep applies f to a single page. A page without a readable revision is
// kept by both the date and the push history filter.
func (r *Resolver) Keep(ctx context.Context, ref title.Ref, f *Filter) (bool, error) {
	if !f.active() {
		return true, nil
	}

	latest, err := r.revisions.LatestRevision(ctx, ref)
	if err != nil {
		if !apierrors.IsKind(err, apierrors.KindRevisionNotFound) {
			return false, err
		}
		latest = time.Time{}
	}

	if !f.ChangedSince.IsZero() && !latest.IsZero() && latest.Before(f.ChangedSince) {
		return false, nil
	}

	if f.OnlyChangedSincePush && f.Target != "" && r.history != nil && !latest.IsZero() {
		changed, err := r.history.IsChangedSincePush(ctx, ref.ID, f.Target, latest)
		if err != nil {
			return false, err
		}
		return changed, nil
	}
	return true, nil
}
