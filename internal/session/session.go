// Package session holds the authenticated conversation with one target wiki:
// login, CSRF token, page metadata probes and the write requests of a push.
package session

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/apiclient"
	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/target"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
)

// State is the progress of a session towards being able to write.
type State int

const (
	Unauthenticated State = iota
	LoggedIn
	CSRFObtained
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case LoggedIn:
		return "logged-in"
	case CSRFObtained:
		return "csrf-obtained"
	default:
		return "unknown"
	}
}

// API is the transport a session talks through.
type API interface {
	Post(ctx context.Context, params url.Values, decorate apiclient.Decorator) (*apiclient.Response, error)
	PostMultipart(ctx context.Context, params url.Values, file apiclient.FilePart, decorate apiclient.Decorator) (*apiclient.Response, error)
}

// Session is the authenticated state against one target. It is meant to be
// reused for every page pushed to that target within a run and is never
// shared between targets.
type Session struct {
	target *target.Target
	api    API
	auth   target.Authenticator
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	csrf   string
	props  map[string]*PageProps
	status error
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithAuthenticator replaces the authenticator derived from the target
func WithAuthenticator(a target.Authenticator) Option {
	return func(s *Session) {
		s.auth = a
	}
}

// New creates a session against t that sends requests through api.
func New(t *target.Target, api API, opts ...Option) *Session {
	s := &Session{
		target: t,
		api:    api,
		auth:   t.NewAuthenticator(),
		logger: slog.Default(),
		props:  make(map[string]*PageProps),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("target", t.Key())
	return s
}

// Open creates a session with its own API client for the target's endpoint.
func Open(t *target.Target, logger *slog.Logger, clientOpts ...apiclient.Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	clientOpts = append([]apiclient.Option{apiclient.WithLogger(logger)}, clientOpts...)
	return New(t, apiclient.New(t.Endpoint(), clientOpts...), WithLogger(logger))
}

func (s *Session) Target() *target.Target {
	return s.target
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the last failure of the session, or nil.
func (s *Session) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != nil {
		return s.status
	}
	return s.auth.Status()
}

// Authenticate logs in to the target. It is idempotent.
func (s *Session) Authenticate(ctx context.Context) error {
	if s.State() >= LoggedIn {
		return nil
	}
	if err := s.auth.Authenticate(ctx, s.api); err != nil {
		s.logger.Warn("Authentication failed", "user", s.target.SelectedUser(), "error", err)
		return s.fail(err)
	}

	s.mu.Lock()
	if s.state < LoggedIn {
		s.state = LoggedIn
	}
	s.mu.Unlock()
	s.logger.Debug("Authenticated", "user", s.target.SelectedUser())
	return nil
}

// CSRFToken returns the edit token of the session, authenticating first.
func (s *Session) CSRFToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state == CSRFObtained {
		token := s.csrf
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	if err := s.Authenticate(ctx); err != nil {
		return "", err
	}

	resp, err := s.api.Post(ctx, url.Values{
		"action": {"query"},
		"meta":   {"tokens"},
		"type":   {"csrf"},
	}, s.auth.Decorate)
	if err != nil {
		return "", s.fail(apierrors.Wrap(apierrors.KindNoCSRFToken, "could not obtain CSRF token", err))
	}

	var out struct {
		Query struct {
			Tokens struct {
				CSRF string `json:"csrftoken"`
			} `json:"tokens"`
		} `json:"query"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", s.fail(apierrors.Wrap(apierrors.KindNoCSRFToken, "could not obtain CSRF token", err))
	}
	// "+\" is the token of an anonymous session.
	if out.Query.Tokens.CSRF == "" || out.Query.Tokens.CSRF == `+\` {
		return "", s.fail(apierrors.New(apierrors.KindNoCSRFToken, "target did not issue a CSRF token for this session"))
	}

	s.mu.Lock()
	s.csrf = out.Query.Tokens.CSRF
	s.state = CSRFObtained
	s.mu.Unlock()
	return out.Query.Tokens.CSRF, nil
}

// RunAuthenticatedRequest authenticates, obtains a CSRF token and executes
// the request with the token attached.
func (s *Session) RunAuthenticatedRequest(ctx context.Context, params url.Values) (*apiclient.Response, error) {
	token, err := s.CSRFToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.api.Post(ctx, withToken(params, token), s.auth.Decorate)
}

// RunPushRequest executes a write request on an already prepared session.
// It never authenticates on its own; without a CSRF token it fails with
// KindPreflightNotMet.
func (s *Session) RunPushRequest(ctx context.Context, params url.Values) (*apiclient.Response, error) {
	s.mu.Lock()
	ready := s.state == CSRFObtained && s.auth.IsAuthenticated()
	token := s.csrf
	s.mu.Unlock()
	if !ready {
		return nil, apierrors.New(apierrors.KindPreflightNotMet, "Preflight conditions not met")
	}
	return s.api.Post(ctx, withToken(params, token), s.auth.Decorate)
}

// File is a file to upload to the target.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// UploadFile uploads f under filename with text as its description page.
// Warnings are ignored; an unchanged re-upload counts as success.
func (s *Session) UploadFile(ctx context.Context, f File, text, filename string) error {
	token, err := s.CSRFToken(ctx)
	if err != nil {
		return err
	}

	params := url.Values{
		"action":         {"upload"},
		"token":          {token},
		"filename":       {filename},
		"text":           {text},
		"ignorewarnings": {"1"},
		"filesize":       {strconv.Itoa(len(f.Data))},
	}
	resp, err := s.api.PostMultipart(ctx, params, apiclient.FilePart{
		FileName:    filename,
		ContentType: f.ContentType,
		Data:        f.Data,
	}, s.auth.Decorate)

	var apiErr *apiclient.APIError
	switch {
	case asAPIError(err, &apiErr) && apiErr.Code == "fileexists-no-change":
		s.logger.Debug("File unchanged on target", "file", filename)
		return nil
	case apiErr != nil:
		return apierrors.Remote(apierrors.KindUploadFailed, "upload of "+filename+" failed", apiErr.Info)
	case err != nil:
		return apierrors.Wrap(apierrors.KindUploadFailed, "upload of "+filename+" failed", err)
	case !resp.Has("upload"):
		return apierrors.New(apierrors.KindUploadFailed, "upload of "+filename+" returned no result")
	}

	metrics.UploadBytes.WithLabelValues(s.target.Key()).Observe(float64(len(f.Data)))
	return nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.status = err
	s.mu.Unlock()
	return err
}

func withToken(params url.Values, token string) url.Values {
	out := make(url.Values, len(params)+1)
	for k, v := range params {
		out[k] = append([]string(nil), v...)
	}
	if out.Get("token") == "" {
		out.Set("token", token)
	}
	return out
}
