package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/history"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/orchestrator"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/wikitest"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"pages and target", []string{"-targets", "staging", "-pages", "Foo,Bar"}, false},
		{"category", []string{"-targets", "staging", "-category", "Docs", "-dry"}, false},
		{"missing targets", []string{"-pages", "Foo"}, true},
		{"missing selection", []string{"-targets", "staging"}, true},
		{"unknown flag", []string{"-targets", "staging", "-pages", "Foo", "-bogus"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseFlags(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestPushArgs(t *testing.T) {
	opts, err := parseFlags([]string{"-targets", "staging,production=Bot2", "-user", "Operator", "-pages", "Foo, Bar ,", "-namespace", "10"})
	if err != nil {
		t.Fatal(err)
	}
	args, err := opts.pushArgs()
	if err != nil {
		t.Fatal(err)
	}
	if args.Targets != "staging,production=Bot2" || args.User != "Operator" {
		t.Errorf("Targets = %q, User = %q", args.Targets, args.User)
	}
	if len(args.Titles) != 2 || args.Titles[1] != "Bar" {
		t.Errorf("Titles = %q", args.Titles)
	}
	if args.Namespace == nil || *args.Namespace != 10 {
		t.Errorf("Namespace = %v", args.Namespace)
	}

	opts.namespace = "main"
	if _, err := opts.pushArgs(); err == nil {
		t.Error("expected an error for a non-numeric namespace")
	}
}

func TestDecider(t *testing.T) {
	tests := []struct {
		mode    string
		want    string
		wantErr bool
	}{
		{"", "orchestrator.Policy", false},
		{"force", "orchestrator.Policy", false},
		{"ask", "*orchestrator.PromptDecider", false},
		{"maybe", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			d, err := decider(tt.mode, strings.NewReader(""), &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("decider(%q) error = %v", tt.mode, err)
			}
			if err == nil && fmt.Sprintf("%T", d) != tt.want {
				t.Errorf("decider(%q) = %T, want %s", tt.mode, d, tt.want)
			}
		})
	}

	d, _ := decider("", nil, nil)
	if got, _ := d.Decide(context.Background(), orchestrator.PendingDecision{}); got != orchestrator.DecisionSkip {
		t.Errorf("default decision = %s, want skip", got)
	}
}

// writeRunConfig writes a configuration for source and target. The push
// history is kept in memory unless historyDir is set.
func writeRunConfig(t *testing.T, source, target *wikitest.Server, historyDir string) string {
	t.Helper()
	for _, key := range []string{"CONTENTTRANSFER_CONFIG", "CONTENTTRANSFER_HISTORY_DSN", "LOG_LEVEL", "METRICS_ADDR", "MEDIAWIKI_URL", "MEDIAWIKI_USERNAME", "MEDIAWIKI_PASSWORD"} {
		t.Setenv(key, "")
	}
	content := fmt.Sprintf(`
source:
  url: %s
targets:
  staging:
    url: %s
    user: Bot@transfer
    password: secret
    displayText: Staging
log:
  level: error
`, source.APIURL(), target.APIURL())
	if historyDir == "" {
		content += "history:\n  driver: memory\n"
	} else {
		content += fmt.Sprintf("history:\n  driver: badger\n  path: %s\n", historyDir)
	}
	path := filepath.Join(t.TempDir(), "transfer.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun(t *testing.T) {
	source := wikitest.New()
	defer source.Close()
	target := wikitest.New()
	defer target.Close()
	source.AddPage(wikitest.Page{ID: 1, Title: "Foo", Content: "{{Baz}}", Templates: []string{"Template:Baz"}})
	source.AddPage(wikitest.Page{ID: 2, Title: "Template:Baz", Content: "Baz"})
	cfg := writeRunConfig(t, source, target, "")

	t.Run("dry prints the plan only", func(t *testing.T) {
		var out bytes.Buffer
		err := run(context.Background(), []string{"-config", cfg, "-targets", "staging", "-pages", "Foo", "-include-related", "-dry"}, strings.NewReader(""), &out, &bytes.Buffer{})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if !strings.Contains(out.String(), "2 pushes planned") || !strings.Contains(out.String(), "Template:Baz") {
			t.Errorf("unexpected plan output:\n%s", out.String())
		}
		if len(target.Edits()) != 0 {
			t.Error("dry run must not edit the target")
		}
	})

	t.Run("push", func(t *testing.T) {
		var out bytes.Buffer
		err := run(context.Background(), []string{"-config", cfg, "-targets", "staging", "-pages", "Foo", "-include-related"}, strings.NewReader(""), &out, &bytes.Buffer{})
		if err != nil {
			t.Fatalf("run failed: %v\n%s", err, out.String())
		}
		if !strings.Contains(out.String(), "2 succeeded, 0 failed") {
			t.Errorf("unexpected report:\n%s", out.String())
		}
		if len(target.Edits()) != 2 {
			t.Errorf("edits = %d, want 2", len(target.Edits()))
		}
	})
}

func TestRun_FailuresAreReported(t *testing.T) {
	source := wikitest.New()
	defer source.Close()
	target := wikitest.New()
	defer target.Close()
	source.AddPage(wikitest.Page{ID: 1, Title: "Foo", Content: "Foo"})
	target.EditError = &wikitest.APIError{Code: "readonly", Info: "The wiki is in read-only mode"}
	cfg := writeRunConfig(t, source, target, "")

	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", cfg, "-targets", "staging", "-pages", "Foo"}, strings.NewReader(""), &out, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected an error for failed pushes")
	}
	if !strings.Contains(out.String(), "The wiki is in read-only mode") {
		t.Errorf("remote message missing from report:\n%s", out.String())
	}
}

func TestRun_RecordsPushingUser(t *testing.T) {
	source := wikitest.New()
	defer source.Close()
	target := wikitest.New()
	defer target.Close()
	source.AddPage(wikitest.Page{ID: 1, Title: "Foo", Content: "Foo"})
	dir := filepath.Join(t.TempDir(), "history")
	cfg := writeRunConfig(t, source, target, dir)

	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", cfg, "-targets", "staging", "-pages", "Foo", "-user", "Operator"}, strings.NewReader(""), &out, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out.String())
	}
	if edits := target.Edits(); len(edits) != 1 || edits[0].User != "Bot@transfer" {
		t.Fatalf("unexpected edits %+v", edits)
	}

	backend, err := history.Open(context.Background(), history.DriverBadger, dir, "")
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()
	rec, err := backend.Get(context.Background(), 1, "staging")
	if err != nil || rec == nil {
		t.Fatalf("no history record: %v", err)
	}
	if rec.User != "Operator" {
		t.Errorf("recorded user = %q, want Operator", rec.User)
	}
}
