package related

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/history"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
)

type fakeRenderer map[string]*RenderedPage

func (f fakeRenderer) Render(_ context.Context, ref title.Ref) (*RenderedPage, error) {
	page, ok := f[ref.PrefixedDBKey()]
	if !ok {
		return nil, apierrors.New(apierrors.KindRevisionNotFound, "no revision")
	}
	return page, nil
}

type fakeRevisions map[string]time.Time

func (f fakeRevisions) LatestRevision(_ context.Context, ref title.Ref) (time.Time, error) {
	ts, ok := f[ref.PrefixedDBKey()]
	if !ok {
		return time.Time{}, apierrors.New(apierrors.KindRevisionNotFound, "no revision")
	}
	return ts, nil
}

func ref(ns int, nsText, key string, id int) title.Ref {
	return title.Ref{Namespace: ns, NamespaceText: nsText, DBKey: key, ID: id, Exists: true}
}

var (
	foo      = ref(0, "", "Foo", 1)
	bar      = ref(0, "", "Bar", 2)
	baz      = ref(title.NamespaceTemplate, "Template", "Baz", 3)
	logo     = ref(title.NamespaceFile, "File", "Logo.png", 4)
	cat      = ref(title.NamespaceCategory, "Category", "Docs", 5)
	missing  = title.Ref{Namespace: 0, DBKey: "Nowhere"}
	discard  = slog.New(slog.NewTextHandler(io.Discard, nil))
	baseTime = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
)

func keys(s *Set) []string {
	var out []string
	for _, t := range s.Titles() {
		out = append(out, t.Ref.PrefixedDBKey())
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		ref  title.Ref
		want Type
	}{
		{foo, TypeWikipage},
		{baz, TypeTemplate},
		{logo, TypeFile},
		{cat, TypeCategory},
		{ref(title.NamespaceHelp, "Help", "Intro", 9), TypeWikipage},
	}
	for _, tt := range tests {
		if got := Classify(tt.ref); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.ref, got, tt.want)
		}
	}
}

func TestResolve_OrderAndRelations(t *testing.T) {
	renderer := fakeRenderer{
		"Foo": {
			Page:       foo,
			Templates:  []title.Ref{baz},
			Media:      []title.Ref{logo},
			Categories: []title.Ref{cat},
			Links:      []title.Ref{bar, baz, foo, missing, bar},
		},
	}
	r := NewResolver(renderer, fakeRevisions{}, nil, discard)

	set, err := r.Resolve(context.Background(), foo, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := []string{"Template:Baz", "File:Logo.png", "Category:Docs", "Bar"}
	if got := keys(set); !reflect.DeepEqual(got, want) {
		t.Fatalf("titles = %v, want %v", got, want)
	}

	titles := set.Titles()
	wantMeta := []struct {
		typ Type
		rel Relation
	}{
		{TypeTemplate, Transcluded},
		{TypeFile, Transcluded},
		{TypeCategory, Linked},
		{TypeWikipage, Linked},
	}
	for i, w := range wantMeta {
		if titles[i].Type != w.typ || titles[i].Relation != w.rel {
			t.Errorf("%s: type=%s relation=%s, want %s/%s", titles[i].Ref, titles[i].Type, titles[i].Relation, w.typ, w.rel)
		}
	}
	if set.Contains("Foo") {
		t.Error("the page itself must not be related to itself")
	}
	if set.Contains("Nowhere") {
		t.Error("missing pages must be skipped")
	}
}

func TestResolve_TransclusionWins(t *testing.T) {
	// Linked first, then transcluded: position kept, relation upgraded.
	s := newSet()
	s.add(baz, Linked)
	s.add(bar, Linked)
	s.add(baz, Transcluded)
	s.add(baz, Linked)

	titles := s.Titles()
	if len(titles) != 2 || titles[0].Ref.DBKey != "Baz" || titles[0].Relation != Transcluded {
		t.Errorf("unexpected set %+v", titles)
	}
}

func TestResolve_Filters(t *testing.T) {
	renderer := fakeRenderer{
		"Foo": {Page: foo, Templates: []title.Ref{baz}, Links: []title.Ref{bar}},
	}
	revisions := fakeRevisions{
		"Bar":          baseTime.Add(-48 * time.Hour),
		"Template:Baz": baseTime.Add(time.Hour),
	}

	mem := history.NewMemory()
	store := history.NewStore(mem)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter *Filter
		setup  func()
		want   []string
	}{
		{
			name:   "no filter",
			filter: &Filter{},
			want:   []string{"Template:Baz", "Bar"},
		},
		{
			name:   "changed since drops older pages",
			filter: &Filter{ChangedSince: baseTime},
			want:   []string{"Template:Baz"},
		},
		{
			name:   "never pushed counts as changed",
			filter: &Filter{OnlyChangedSincePush: true, Target: "staging"},
			want:   []string{"Template:Baz", "Bar"},
		},
		{
			name:   "pushed after last edit is dropped",
			filter: &Filter{OnlyChangedSincePush: true, Target: "staging"},
			setup: func() {
				_ = mem.Upsert(ctx, history.Record{PageID: bar.ID, Target: "staging", Timestamp: baseTime})
				_ = mem.Upsert(ctx, history.Record{PageID: baz.ID, Target: "staging", Timestamp: baseTime})
			},
			want: []string{"Template:Baz"},
		},
		{
			name:   "both filters are combined",
			filter: &Filter{ChangedSince: baseTime.Add(2 * time.Hour), OnlyChangedSincePush: true, Target: "staging"},
			want:   nil,
		},
	}

	r := NewResolver(renderer, revisions, store, discard)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			set, err := r.Resolve(ctx, foo, tt.filter)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got := keys(set); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("titles = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeep_MissingRevisionPassesDateFilter(t *testing.T) {
	r := NewResolver(fakeRenderer{}, fakeRevisions{}, nil, discard)
	keep, err := r.Keep(context.Background(), foo, &Filter{ChangedSince: baseTime})
	if err != nil || !keep {
		t.Errorf("keep=%v err=%v, want kept", keep, err)
	}
}

func TestKeep_MissingRevisionPassesHistoryFilter(t *testing.T) {
	ctx := context.Background()
	mem := history.NewMemory()
	if err := mem.Upsert(ctx, history.Record{PageID: foo.ID, Target: "staging", Timestamp: baseTime}); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(fakeRenderer{}, fakeRevisions{}, history.NewStore(mem), discard)

	keep, err := r.Keep(ctx, foo, &Filter{OnlyChangedSincePush: true, Target: "staging"})
	if err != nil || !keep {
		t.Errorf("keep=%v err=%v, want kept", keep, err)
	}
}

type failingRevisions struct{}

func (failingRevisions) LatestRevision(context.Context, title.Ref) (time.Time, error) {
	return time.Time{}, errors.New("source unreachable")
}

func TestKeep_LookupErrorPropagates(t *testing.T) {
	r := NewResolver(fakeRenderer{}, failingRevisions{}, nil, discard)
	if _, err := r.Keep(context.Background(), foo, &Filter{ChangedSince: baseTime}); err == nil {
		t.Error("expected lookup error")
	}
}

func TestResolve_RevisionNotFound(t *testing.T) {
	r := NewResolver(fakeRenderer{}, fakeRevisions{}, nil, discard)
	_, err := r.Resolve(context.Background(), foo, nil)
	if !apierrors.IsKind(err, apierrors.KindRevisionNotFound) {
		t.Errorf("expected RevisionNotFound, got %v", err)
	}
}
