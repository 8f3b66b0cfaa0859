package session

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/apiclient"
	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/target"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/wikitest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(t *testing.T, wiki *wikitest.Server, spec target.Spec) *Session {
	t.Helper()
	spec.URL = wiki.APIURL()
	tgt, err := target.New("staging", spec)
	if err != nil {
		t.Fatalf("target.New failed: %v", err)
	}
	api := apiclient.New(apiclient.Config{
		Name:       tgt.Key(),
		URL:        tgt.URL(),
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	}, apiclient.WithLogger(discardLogger()))
	return New(tgt, api, WithLogger(discardLogger()))
}

func botSpec() target.Spec {
	return target.Spec{User: "Bot@transfer", Password: "secret"}
}

func TestSession_StateProgression(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()
	wiki.Users = map[string]string{"Bot@transfer": "secret"}

	s := newSession(t, wiki, botSpec())
	ctx := context.Background()

	if s.State() != Unauthenticated {
		t.Fatalf("initial state = %s", s.State())
	}
	if err := s.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if s.State() != LoggedIn {
		t.Fatalf("state after login = %s", s.State())
	}

	token, err := s.CSRFToken(ctx)
	if err != nil {
		t.Fatalf("CSRFToken failed: %v", err)
	}
	if token != wikitest.CSRFToken || s.State() != CSRFObtained {
		t.Errorf("token=%q state=%s", token, s.State())
	}

	// Cached: no second token request.
	if _, err := s.CSRFToken(ctx); err != nil {
		t.Fatal(err)
	}
	if n := wiki.CountRequests(map[string]string{"meta": "tokens", "type": "csrf"}); n != 1 {
		t.Errorf("csrf token requested %d times, want 1", n)
	}
	if n := wiki.CountRequests(map[string]string{"action": "login"}); n != 1 {
		t.Errorf("login performed %d times, want 1", n)
	}
	if s.Status() != nil {
		t.Errorf("Status() = %v, want nil", s.Status())
	}
}

func TestSession_AuthenticationFailure(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()
	wiki.Users = map[string]string{"Bot@transfer": "other"}

	s := newSession(t, wiki, botSpec())
	err := s.Authenticate(context.Background())
	if !apierrors.IsKind(err, apierrors.KindAuthenticationFailed) {
		t.Fatalf("expected AuthenticationFailed, got %v", err)
	}
	if apierrors.RemoteMessage(err) == "" {
		t.Error("remote reason should be preserved")
	}
	if s.State() != Unauthenticated {
		t.Errorf("state = %s", s.State())
	}
	if s.Status() == nil {
		t.Error("Status() should report the failure")
	}

	if _, err := s.PageProps(context.Background(), "Foo"); !apierrors.IsKind(err, apierrors.KindAuthenticationFailed) {
		t.Errorf("PageProps should fail with the authentication error, got %v", err)
	}
}

func TestSession_NoLoginToken(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()
	wiki.FailTokens = true

	s := newSession(t, wiki, botSpec())
	if err := s.Authenticate(context.Background()); !apierrors.IsKind(err, apierrors.KindNoLoginToken) {
		t.Fatalf("expected NoLoginToken, got %v", err)
	}
}

func TestSession_StaticToken(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()
	wiki.AccessToken = "abc123"

	s := newSession(t, wiki, target.Spec{AccessToken: "abc123"})
	token, err := s.CSRFToken(context.Background())
	if err != nil {
		t.Fatalf("CSRFToken failed: %v", err)
	}
	if token != wikitest.CSRFToken {
		t.Errorf("token = %q", token)
	}
	if n := wiki.CountRequests(map[string]string{"action": "login"}); n != 0 {
		t.Errorf("static token must not log in, got %d login calls", n)
	}
}

func TestSession_AnonymousTokenRejected(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()
	wiki.AccessToken = "expected"

	s := newSession(t, wiki, target.Spec{AccessToken: "wrong"})
	if _, err := s.CSRFToken(context.Background()); !apierrors.IsKind(err, apierrors.KindNoCSRFToken) {
		t.Fatalf("expected NoCSRFToken for anonymous session, got %v", err)
	}
}

func TestSession_PageProps(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()
	wiki.AddPage(wikitest.Page{ID: 42, Title: "Foo", Content: "x", Protected: true})

	s := newSession(t, wiki, botSpec())
	ctx := context.Background()

	props, err := s.PageProps(ctx, "Foo")
	if err != nil {
		t.Fatalf("PageProps failed: %v", err)
	}
	if props.PageID != 42 || !props.Exists() || props.Namespace != 0 {
		t.Errorf("unexpected props %+v", props)
	}

	if _, err := s.PageProps(ctx, "Foo"); err != nil {
		t.Fatal(err)
	}
	if n := wiki.CountRequests(map[string]string{"prop": "pageprops", "titles": "Foo"}); n != 1 {
		t.Errorf("pageprops requested %d times, want 1 (cached)", n)
	}

	prot, err := s.Protection(ctx, "Foo")
	if err != nil {
		t.Fatalf("Protection failed: %v", err)
	}
	if len(prot) != 1 || prot[0].Type != "edit" || !props.EditProtected() {
		t.Errorf("unexpected protection %+v", prot)
	}

	missing, err := s.PageProps(ctx, "Does not exist")
	if err != nil {
		t.Fatalf("PageProps for missing page failed: %v", err)
	}
	if missing.Exists() || !missing.Missing {
		t.Errorf("expected missing page, got %+v", missing)
	}
	if prot, err := s.Protection(ctx, "Does not exist"); err != nil || len(prot) != 0 {
		t.Errorf("missing page has no protection, got %v %v", prot, err)
	}

	// Unknown namespace prefixes resolve to Main on the target.
	unknown, err := s.PageProps(ctx, "Entwurf:Foo")
	if err != nil {
		t.Fatal(err)
	}
	if unknown.Namespace != 0 {
		t.Errorf("namespace = %d, want 0", unknown.Namespace)
	}
}

func TestSession_PagePropsInvalidTitle(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()

	s := newSession(t, wiki, botSpec())
	if _, err := s.PageProps(context.Background(), "Template:"); !apierrors.IsKind(err, apierrors.KindCannotCreate) {
		t.Errorf("expected CannotCreate, got %v", err)
	}
}

func TestSession_RunPushRequestPreflight(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()

	s := newSession(t, wiki, botSpec())
	ctx := context.Background()
	params := url.Values{"action": {"edit"}, "title": {"Foo"}, "text": {"hello"}}

	if _, err := s.RunPushRequest(ctx, params); !apierrors.IsKind(err, apierrors.KindPreflightNotMet) {
		t.Fatalf("expected PreflightNotMet, got %v", err)
	}
	if n := len(wiki.Requests()); n != 0 {
		t.Errorf("RunPushRequest must not contact the wiki before preflight, got %d requests", n)
	}

	if _, err := s.CSRFToken(ctx); err != nil {
		t.Fatal(err)
	}
	resp, err := s.RunPushRequest(ctx, params)
	if err != nil {
		t.Fatalf("RunPushRequest failed: %v", err)
	}
	if !resp.Has("edit") {
		t.Error("expected edit result")
	}
	edits := wiki.Edits()
	if len(edits) != 1 || edits[0].Title != "Foo" || edits[0].Text != "hello" || edits[0].User != "Bot@transfer" {
		t.Errorf("unexpected edits %+v", edits)
	}
}

func TestSession_RunAuthenticatedRequest(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()

	s := newSession(t, wiki, botSpec())
	resp, err := s.RunAuthenticatedRequest(context.Background(), url.Values{
		"action": {"purge"},
		"titles": {"Foo|Bar"},
	})
	if err != nil {
		t.Fatalf("RunAuthenticatedRequest failed: %v", err)
	}
	if !resp.Has("purge") {
		t.Error("expected purge result")
	}
	if got := wiki.Purged(); len(got) != 2 {
		t.Errorf("purged = %v", got)
	}
	if s.State() != CSRFObtained {
		t.Errorf("state = %s", s.State())
	}
	last := wiki.Requests()[len(wiki.Requests())-1]
	if last.Get("token") != wikitest.CSRFToken {
		t.Errorf("token not attached: %v", last)
	}
}

func TestSession_UploadFile(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()

	s := newSession(t, wiki, botSpec())
	ctx := context.Background()
	file := File{Name: "Logo.png", ContentType: "image/png", Data: []byte("PNGDATA")}

	if err := s.UploadFile(ctx, file, "A logo", "Logo.png"); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	// Same bytes again: fileexists-no-change counts as success.
	if err := s.UploadFile(ctx, file, "A logo", "Logo.png"); err != nil {
		t.Fatalf("re-upload should succeed, got %v", err)
	}

	uploads := wiki.Uploads()
	if len(uploads) != 1 || uploads[0].Filename != "Logo.png" || string(uploads[0].Data) != "PNGDATA" {
		t.Errorf("unexpected uploads %+v", uploads)
	}
	req := wiki.Requests()[len(wiki.Requests())-1]
	if req.Get("ignorewarnings") != "1" || req.Get("filesize") != "7" {
		t.Errorf("unexpected upload params %v", req)
	}
}

func TestSession_UploadFileError(t *testing.T) {
	wiki := wikitest.New()
	defer wiki.Close()
	wiki.UploadError = &wikitest.APIError{Code: "verification-error", Info: "File extension does not match the detected MIME type."}

	s := newSession(t, wiki, botSpec())
	err := s.UploadFile(context.Background(), File{Data: []byte("x")}, "", "Bad.png")
	if !apierrors.IsKind(err, apierrors.KindUploadFailed) {
		t.Fatalf("expected UploadFailed, got %v", err)
	}
	if got := apierrors.RemoteMessage(err); got != "File extension does not match the detected MIME type." {
		t.Errorf("remote message = %q", got)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Unauthenticated: "unauthenticated",
		LoggedIn:        "logged-in",
		CSRFObtained:    "csrf-obtained",
		State(9):        "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
