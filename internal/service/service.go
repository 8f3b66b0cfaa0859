// Package service exposes transfer operations with Args/Result types shared
// by the MCP tools and the batch CLI.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/history"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/orchestrator"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/pusher"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/related"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/session"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/target"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/wiki"
)

// Service runs transfers from one source wiki to the configured targets.
type Service struct {
	source   *wiki.Client
	targets  *target.Manager
	history  *history.Store
	sessions orchestrator.SessionFactory
	pushUser string
	logger   *slog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithSessionFactory replaces how target sessions are opened
func WithSessionFactory(f orchestrator.SessionFactory) Option {
	return func(s *Service) {
		s.sessions = f
	}
}

// WithPushUser sets the source wiki user recorded in the push history when
// a request names none
func WithPushUser(user string) Option {
	return func(s *Service) {
		s.pushUser = user
	}
}

// New creates a service. store may be nil, which disables the push history.
func New(source *wiki.Client, targets *target.Manager, store *history.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		source:  source,
		targets: targets,
		history: store,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Targets returns the target manager
func (s *Service) Targets() *target.Manager {
	return s.targets
}

// Orchestrator builds an orchestrator using the current source namespaces.
func (s *Service) Orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	namespaces, err := s.source.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load source namespaces: %w", err)
	}
	factory := &pusher.Factory{
		Source:     s.source,
		History:    s.history,
		Namespaces: namespaces,
		User:       s.pushUser,
		Logger:     s.logger,
	}
	opts := []orchestrator.Option{orchestrator.WithLogger(s.logger)}
	if s.sessions != nil {
		opts = append(opts, orchestrator.WithSessionFactory(s.sessions))
	}
	return orchestrator.New(s.resolver(), factory, opts...), nil
}

func (s *Service) resolver() *related.Resolver {
	// A nil *history.Store must not become a non-nil interface
	var h related.History
	if s.history != nil {
		h = s.history
	}
	return related.NewResolver(s.source, s.source, h, s.logger)
}

// ListTargets returns the configured targets without credentials
func (s *Service) ListTargets(_ context.Context, _ ListTargetsArgs) (ListTargetsResult, error) {
	views := s.targets.ForClient()
	out := ListTargetsResult{Targets: make([]TargetSummary, 0, len(views))}
	for _, key := range s.targets.Keys() {
		out.Targets = append(out.Targets, TargetSummary{Key: key, ClientView: views[key]})
	}
	return out, nil
}

// GetPages returns the source pages matching the selection
func (s *Service) GetPages(ctx context.Context, args GetPagesArgs) (GetPagesResult, error) {
	var t *target.Target
	if args.Target != "" {
		var err error
		if t, err = s.targets.Get(args.Target); err != nil {
			return GetPagesResult{}, err
		}
	} else if args.OnlyModified {
		return GetPagesResult{}, apierrors.NewValidationError("target", "", "only_modified needs a target")
	}

	filter, err := args.filter()
	if err != nil {
		return GetPagesResult{}, err
	}
	if t != nil {
		filter.Target = t.Key()
	}

	sel, err := s.source.Select(ctx, args.selection())
	if err != nil {
		return GetPagesResult{}, err
	}

	resolver := s.resolver()
	out := GetPagesResult{Pages: make([]PageSummary, 0, len(sel.Pages)), Total: sel.Total, Truncated: sel.Truncated}
	for _, ref := range sel.Missing {
		out.Missing = append(out.Missing, ref.PrefixedText())
	}
	for _, ref := range sel.Pages {
		keep, err := resolver.Keep(ctx, ref, filter)
		if err != nil {
			return GetPagesResult{}, err
		}
		if !keep {
			out.Total--
			continue
		}
		summary := PageSummary{Title: ref.PrefixedText(), PageID: ref.ID, Type: related.Classify(ref)}
		if t != nil && s.history != nil {
			rec, err := s.history.LastPush(ctx, ref.ID, t.Key())
			if err != nil {
				return GetPagesResult{}, err
			}
			if rec != nil {
				summary.LastPushed = rec.Timestamp.UTC().Format(time.RFC3339)
			}
		}
		out.Pages = append(out.Pages, summary)
	}
	return out, nil
}

// PushInfo plans a push without writing anything
func (s *Service) PushInfo(ctx context.Context, args PushInfoArgs) (PushInfoResult, error) {
	orch, req, err := s.prepare(ctx, args)
	if err != nil {
		return PushInfoResult{}, err
	}
	plan, err := orch.Plan(ctx, req)
	if err != nil {
		return PushInfoResult{}, err
	}
	return PushInfoResult{Plan: plan}, nil
}

// Push plans and executes a push. Pushes needing a decision are answered
// with args.OnFailure.
func (s *Service) Push(ctx context.Context, args PushArgs) (PushResult, error) {
	policy := orchestrator.DecisionSkip
	if args.OnFailure != "" {
		d, err := orchestrator.ParseDecision(args.OnFailure)
		if err != nil {
			return PushResult{}, apierrors.NewValidationError("on_failure", args.OnFailure, err.Error())
		}
		policy = d
	}

	orch, req, err := s.prepare(ctx, args.PushInfoArgs)
	if err != nil {
		return PushResult{}, err
	}
	plan, report, err := orch.Run(ctx, req, orchestrator.ExecuteOptions{Decider: orchestrator.Policy(policy)})
	if err != nil && report == nil {
		return PushResult{}, err
	}
	return newPushResult(plan, report), err
}

// Execute runs a plan returned by PushInfo with full control over
// execution, as the batch CLI needs.
func (s *Service) Execute(ctx context.Context, plan *orchestrator.Plan, opts orchestrator.ExecuteOptions) (*orchestrator.Report, error) {
	orch, err := s.Orchestrator(ctx)
	if err != nil {
		return nil, err
	}
	return orch.Execute(ctx, plan, opts)
}

// Purge purges titles on a target
func (s *Service) Purge(ctx context.Context, args PurgeArgs) (PurgeResult, error) {
	t, err := s.targets.Get(args.Target)
	if err != nil {
		return PurgeResult{}, err
	}
	if len(args.Titles) == 0 {
		return PurgeResult{}, apierrors.NewValidationError("titles", "", "no titles to purge")
	}
	orch, err := s.Orchestrator(ctx)
	if err != nil {
		return PurgeResult{}, err
	}
	sess := s.openSession(t)
	purged, err := orch.Purge(ctx, sess, args.Titles)
	if err != nil {
		return PurgeResult{}, err
	}
	return PurgeResult{Target: t.Key(), Purged: purged}, nil
}

func (s *Service) openSession(t *target.Target) *session.Session {
	if s.sessions != nil {
		return s.sessions(t)
	}
	return session.Open(t, s.logger)
}

func (s *Service) prepare(ctx context.Context, args PushInfoArgs) (*orchestrator.Orchestrator, orchestrator.Request, error) {
	targets, err := s.targets.ParseSelection(args.Targets)
	if err != nil {
		return nil, orchestrator.Request{}, err
	}
	filter, err := args.filter()
	if err != nil {
		return nil, orchestrator.Request{}, err
	}
	orch, err := s.Orchestrator(ctx)
	if err != nil {
		return nil, orchestrator.Request{}, err
	}
	sel, err := s.source.Select(ctx, args.selection())
	if err != nil {
		return nil, orchestrator.Request{}, err
	}
	if sel.Truncated {
		s.logger.Warn("Page selection truncated", "selected", len(sel.Pages), "total", sel.Total)
	}
	// Missing explicit titles stay in the request so the plan notes them
	pages := append(sel.Pages, sel.Missing...)
	return orch, orchestrator.Request{
		Pages:          pages,
		Targets:        targets,
		IncludeRelated: args.IncludeRelated,
		OnlyModified:   filter.OnlyChangedSincePush,
		ModifiedSince:  filter.ChangedSince,
		Force:          args.Force,
		User:           args.User,
	}, nil
}

func (a PageSelectionArgs) selection() wiki.Selection {
	return wiki.Selection{
		Titles:                a.Titles,
		Category:              a.Category,
		Namespace:             a.Namespace,
		Search:                a.Search,
		Limit:                 a.Limit,
		OnlyContentNamespaces: a.OnlyContentNamespaces,
	}
}

func (a PageSelectionArgs) filter() (*related.Filter, error) {
	since, err := orchestrator.ParseModifiedSince(a.ModifiedSince)
	if err != nil {
		return nil, err
	}
	return &related.Filter{ChangedSince: since, OnlyChangedSincePush: a.OnlyModified}, nil
}

func newPushResult(plan *orchestrator.Plan, report *orchestrator.Report) PushResult {
	out := PushResult{RunID: plan.RunID, Results: []pusher.Result{}}
	for _, tp := range plan.Targets {
		if len(tp.Notes) > 0 {
			if out.Notes == nil {
				out.Notes = make(map[string][]string)
			}
			out.Notes[tp.Key] = tp.Notes
		}
	}
	if report == nil {
		return out
	}
	out.Results = report.Results
	out.Succeeded = report.Succeeded()
	out.Failed = report.Failed()
	out.Stopped = report.Stopped
	if len(report.Purged) > 0 {
		out.Purged = report.Purged
	}
	return out
}
