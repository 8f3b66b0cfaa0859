package service

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/history"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/orchestrator"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/pusher"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/target"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/wikitest"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/wiki"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	source  *wikitest.Server
	target  *wikitest.Server
	history *history.Store
	svc     *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{source: wikitest.New(), target: wikitest.New()}
	t.Cleanup(f.source.Close)
	t.Cleanup(f.target.Close)

	f.source.AddPage(wikitest.Page{ID: 1, Title: "Foo", Content: "{{Baz}} [[Bar]]",
		Templates:  []string{"Template:Baz"},
		Links:      []string{"Bar"},
		Categories: []string{"Docs"},
	})
	f.source.AddPage(wikitest.Page{ID: 2, Title: "Bar", Content: "Bar text", Categories: []string{"Docs"}})
	f.source.AddPage(wikitest.Page{ID: 3, Title: "Template:Baz", Content: "Baz"})

	client := wiki.NewClient(&wiki.Config{BaseURL: f.source.APIURL(), Timeout: 5 * time.Second, MaxRetries: 1}, discardLogger())
	t.Cleanup(client.Close)

	targets, err := target.NewManager(map[string]target.Spec{
		"staging": {
			URL:         f.target.APIURL(),
			Users:       []target.Credential{{User: "Bot1@transfer", Password: "one"}, {User: "Bot2@transfer", Password: "two"}},
			DisplayText: "Staging",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.history = history.NewStore(history.NewMemory())
	f.svc = New(client, targets, f.history, discardLogger(), opts...)
	return f
}

func TestListTargets(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.ListTargets(context.Background(), ListTargetsArgs{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Targets) != 1 {
		t.Fatalf("targets = %+v", res.Targets)
	}
	got := res.Targets[0]
	if got.Key != "staging" || got.DisplayText != "Staging" || !reflect.DeepEqual(got.Users, []string{"Bot1@transfer", "Bot2@transfer"}) {
		t.Errorf("unexpected target %+v", got)
	}
}

func TestPushAndGetPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	push, err := f.svc.Push(ctx, PushArgs{PushInfoArgs: PushInfoArgs{
		PageSelectionArgs: PageSelectionArgs{Titles: []string{"Foo"}},
		Targets:           "staging=Bot2@transfer",
		IncludeRelated:    true,
	}})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if push.Succeeded != 3 || push.Failed != 0 || push.RunID == "" {
		t.Fatalf("unexpected push result %+v", push)
	}
	for _, e := range f.target.Edits() {
		if e.User != "Bot2@transfer" {
			t.Errorf("edit of %s by %s, want the selected user", e.Title, e.User)
		}
	}
	if len(push.Purged["staging"]) != 3 {
		t.Errorf("purged = %v", push.Purged)
	}

	pages, err := f.svc.GetPages(ctx, GetPagesArgs{
		PageSelectionArgs: PageSelectionArgs{Category: "Docs"},
		Target:            "staging",
	})
	if err != nil {
		t.Fatalf("GetPages failed: %v", err)
	}
	if len(pages.Pages) != 2 || pages.Total != 2 {
		t.Fatalf("unexpected pages %+v", pages)
	}
	for _, p := range pages.Pages {
		if p.LastPushed == "" {
			t.Errorf("%s has no push date", p.Title)
		}
	}

	modified, err := f.svc.GetPages(ctx, GetPagesArgs{
		PageSelectionArgs: PageSelectionArgs{Category: "Docs", OnlyModified: true},
		Target:            "staging",
	})
	if err != nil {
		t.Fatalf("GetPages failed: %v", err)
	}
	if len(modified.Pages) != 0 || modified.Total != 0 {
		t.Errorf("nothing changed since the push, got %+v", modified)
	}
}

func TestPush_RecordsPushingUser(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		argsUser string
		want     string
	}{
		{"default", nil, "", pusher.DefaultUser},
		{"configured", []Option{WithPushUser("Operator")}, "", "Operator"},
		{"request wins", []Option{WithPushUser("Operator")}, "Alice", "Alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			ctx := context.Background()

			push, err := f.svc.Push(ctx, PushArgs{PushInfoArgs: PushInfoArgs{
				PageSelectionArgs: PageSelectionArgs{Titles: []string{"Bar"}},
				Targets:           "staging",
				User:              tt.argsUser,
			}})
			if err != nil || push.Succeeded != 1 {
				t.Fatalf("Push failed: %+v, %v", push, err)
			}
			rec, err := f.history.LastPush(ctx, 2, "staging")
			if err != nil || rec == nil {
				t.Fatalf("no history record: %v", err)
			}
			if rec.User != tt.want {
				t.Errorf("recorded user = %q, want %q", rec.User, tt.want)
			}
		})
	}
}

func TestPushInfo(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.PushInfo(context.Background(), PushInfoArgs{
		PageSelectionArgs: PageSelectionArgs{Titles: []string{"Foo"}},
		Targets:           "staging",
		IncludeRelated:    true,
	})
	if err != nil {
		t.Fatalf("PushInfo failed: %v", err)
	}
	if res.Plan.Len() != 3 || res.Plan.Targets[0].User != "Bot1@transfer" {
		t.Errorf("unexpected plan %+v", res.Plan.Targets[0])
	}
	if len(f.target.Requests()) != 0 {
		t.Error("planning must not contact the target")
	}
}

func TestPushInfo_ExplicitTitles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	help := 12

	// Explicit titles bypass the category and namespace filters.
	res, err := f.svc.PushInfo(ctx, PushInfoArgs{
		PageSelectionArgs: PageSelectionArgs{Titles: []string{"Template:Baz", "No such page"}, Category: "Docs", Namespace: &help},
		Targets:           "staging",
	})
	if err != nil {
		t.Fatalf("PushInfo failed: %v", err)
	}
	tp := res.Plan.Targets[0]
	if len(tp.Pages) != 1 || tp.Pages[0].TargetTitle != "Template:Baz" {
		t.Errorf("planned %+v, want only Template:Baz", tp.Pages)
	}
	if len(tp.Notes) != 1 || !strings.Contains(tp.Notes[0], "No_such_page: page does not exist") {
		t.Errorf("notes = %q", tp.Notes)
	}

	pages, err := f.svc.GetPages(ctx, GetPagesArgs{PageSelectionArgs: PageSelectionArgs{Titles: []string{"Foo", "No such page"}}})
	if err != nil {
		t.Fatalf("GetPages failed: %v", err)
	}
	if len(pages.Pages) != 1 || !reflect.DeepEqual(pages.Missing, []string{"No such page"}) {
		t.Errorf("unexpected pages %+v", pages)
	}
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Purge(context.Background(), PurgeArgs{Target: "staging", Titles: []string{"Foo", "Bar"}})
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if !reflect.DeepEqual(res.Purged, []string{"Foo", "Bar"}) || !reflect.DeepEqual(f.target.Purged(), []string{"Foo", "Bar"}) {
		t.Errorf("purged %v / %v", res.Purged, f.target.Purged())
	}
}

func TestInvalidArgs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Push(ctx, PushArgs{PushInfoArgs: PushInfoArgs{Targets: "nowhere"}}); !apierrors.IsKind(err, apierrors.KindInvalidTarget) {
		t.Errorf("expected InvalidTarget, got %v", err)
	}
	if _, err := f.svc.Push(ctx, PushArgs{PushInfoArgs: PushInfoArgs{Targets: "staging"}, OnFailure: "ask"}); !apierrors.IsValidation(err) {
		t.Errorf("expected validation error for on_failure, got %v", err)
	}
	if _, err := f.svc.PushInfo(ctx, PushInfoArgs{Targets: "staging", PageSelectionArgs: PageSelectionArgs{Titles: []string{"Foo"}, ModifiedSince: "yesterday"}}); !apierrors.IsValidation(err) {
		t.Errorf("expected validation error for modified_since, got %v", err)
	}
	if _, err := f.svc.GetPages(ctx, GetPagesArgs{PageSelectionArgs: PageSelectionArgs{OnlyModified: true}}); !apierrors.IsValidation(err) {
		t.Errorf("expected validation error without target, got %v", err)
	}
	if _, err := f.svc.Purge(ctx, PurgeArgs{Target: "staging"}); !apierrors.IsValidation(err) {
		t.Errorf("expected validation error without titles, got %v", err)
	}
}

func TestExecute_Decider(t *testing.T) {
	f := newFixture(t)
	f.target.AddPage(wikitest.Page{Title: "Bar", Content: "old", Protected: true})
	ctx := context.Background()

	info, err := f.svc.PushInfo(ctx, PushInfoArgs{
		PageSelectionArgs: PageSelectionArgs{Titles: []string{"Bar"}},
		Targets:           "staging",
	})
	if err != nil {
		t.Fatalf("PushInfo failed: %v", err)
	}
	report, err := f.svc.Execute(ctx, info.Plan, orchestrator.ExecuteOptions{Decider: orchestrator.Policy(orchestrator.DecisionForce)})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if report.Succeeded() != 1 || !report.Results[0].Forced {
		t.Errorf("unexpected report %+v", report.Results)
	}
}
