// Package orchestrator plans and runs a transfer: it expands the selected
// pages with their related titles, pushes every planned page to every
// target and purges what was pushed.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/pusher"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/related"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/session"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/target"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
)

// Request describes what to transfer where.
type Request struct {
	Pages   []title.Ref
	Targets []*target.Target

	IncludeRelated bool

	// OnlyModified skips pages not edited since their last push to a target
	OnlyModified  bool
	ModifiedSince time.Time

	Force bool

	// User is the source wiki user recorded in the push history.
	User string
}

// PlannedPage is one page scheduled for a target.
type PlannedPage struct {
	Ref         title.Ref        `json:"-"`
	Title       string           `json:"title"`
	TargetTitle string           `json:"target_title"`
	Type        related.Type     `json:"type"`
	Relation    related.Relation `json:"relation,omitempty"`
}

// TargetPlan lists the pages to push to one target, seeds first.
type TargetPlan struct {
	Target      *target.Target `json:"-"`
	Key         string         `json:"target"`
	DisplayText string         `json:"display_text"`
	User        string         `json:"user,omitempty"`
	Pages       []PlannedPage  `json:"pages"`
	Notes       []string       `json:"notes,omitempty"`
}

// Plan is the result of planning a request.
type Plan struct {
	RunID   string        `json:"run_id"`
	Force   bool          `json:"force,omitempty"`
	User    string        `json:"pushed_by,omitempty"`
	Targets []*TargetPlan `json:"targets"`
}

// Len returns the number of planned pushes over all targets.
func (p *Plan) Len() int {
	n := 0
	for _, tp := range p.Targets {
		n += len(tp.Pages)
	}
	return n
}

// ExecuteOptions control how a plan is executed.
type ExecuteOptions struct {
	// Decider answers failed pushes that need a user action. Defaults to
	// skipping them.
	Decider Decider

	ParallelTargets bool
	Dry             bool
}

// Report is the outcome of executing a plan.
type Report struct {
	RunID    string              `json:"run_id"`
	Results  []pusher.Result     `json:"results"`
	Purged   map[string][]string `json:"purged,omitempty"`
	Stopped  bool                `json:"stopped,omitempty"`
	Started  time.Time           `json:"started"`
	Finished time.Time           `json:"finished"`
}

// Succeeded counts successful pushes.
func (r *Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// Failed counts failed pushes.
func (r *Report) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// SessionFactory opens the session used for all pushes to one target.
type SessionFactory func(t *target.Target) *session.Session

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithSessionFactory replaces how target sessions are opened.
func WithSessionFactory(f SessionFactory) Option {
	return func(o *Orchestrator) {
		o.sessions = f
	}
}

// Orchestrator plans and executes transfers.
type Orchestrator struct {
	resolver *related.Resolver
	pushers  *pusher.Factory
	sessions SessionFactory
	logger   *slog.Logger
}

// New creates an orchestrator pushing through factory.
func New(resolver *related.Resolver, factory *pusher.Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver: resolver,
		pushers:  factory,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sessions == nil {
		logger := o.logger
		o.sessions = func(t *target.Target) *session.Session {
			return session.Open(t, logger)
		}
	}
	return o
}

// Plan computes the pages to push to each target.
func (o *Orchestrator) Plan(ctx context.Context, req Request) (*Plan, error) {
	if len(req.Targets) == 0 {
		return nil, apierrors.NewValidationError("targets", "", "at least one target is required")
	}
	if len(req.Pages) == 0 {
		return nil, apierrors.NewValidationError("pages", "", "no pages selected")
	}

	plan := &Plan{RunID: uuid.NewString(), Force: req.Force, User: req.User}
	for _, t := range req.Targets {
		tp, err := o.planTarget(ctx, req, t)
		if err != nil {
			return nil, err
		}
		plan.Targets = append(plan.Targets, tp)
	}
	o.logger.Info("Planned transfer", "run", plan.RunID, "targets", len(plan.Targets), "pushes", plan.Len())
	return plan, nil
}

func (o *Orchestrator) planTarget(ctx context.Context, req Request, t *target.Target) (*TargetPlan, error) {
	tp := &TargetPlan{
		Target:      t,
		Key:         t.Key(),
		DisplayText: t.DisplayText(),
		User:        t.SelectedUser(),
		Pages:       []PlannedPage{},
	}
	filter := &related.Filter{
		ChangedSince:         req.ModifiedSince,
		OnlyChangedSincePush: req.OnlyModified,
		Target:               t.Key(),
	}

	seen := make(map[string]bool)
	var expansion []related.Title
	for _, seed := range req.Pages {
		key := seed.PrefixedDBKey()
		if !seed.Exists {
			tp.Notes = append(tp.Notes, key+": page does not exist on the source wiki")
			continue
		}
		if seen[key] {
			continue
		}
		keep, err := o.resolver.Keep(ctx, seed, filter)
		if err != nil {
			return nil, err
		}
		if !keep {
			tp.Notes = append(tp.Notes, key+": not modified, skipped")
			continue
		}
		seen[key] = true
		tp.Pages = append(tp.Pages, o.planned(seed, t, related.TypeOriginal, ""))

		if !req.IncludeRelated {
			continue
		}
		set, err := o.resolver.Resolve(ctx, seed, filter)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.logger.Warn("Related titles unavailable", "target", t.Key(), "page", key, "error", err)
			tp.Notes = append(tp.Notes, key+": related titles unavailable: "+err.Error())
			continue
		}
		expansion = append(expansion, set.Titles()...)
	}

	for _, rt := range expansion {
		key := rt.Ref.PrefixedDBKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		tp.Pages = append(tp.Pages, o.planned(rt.Ref, t, related.Classify(rt.Ref), rt.Relation))
	}
	return tp, nil
}

func (o *Orchestrator) planned(ref title.Ref, t *target.Target, typ related.Type, rel related.Relation) PlannedPage {
	namespaces := o.pushers.Namespaces
	if namespaces == nil {
		namespaces = title.Default()
	}
	return PlannedPage{
		Ref:         ref,
		Title:       ref.PrefixedText(),
		TargetTitle: pusher.TargetTitle(ref, t, namespaces),
		Type:        typ,
		Relation:    rel,
	}
}

// Execute pushes every planned page. Failures are reported per page; the
// returned error is only set when ctx ends the run early.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan, opts ExecuteOptions) (*Report, error) {
	report := &Report{
		RunID:   plan.RunID,
		Results: []pusher.Result{},
		Purged:  make(map[string][]string),
		Started: time.Now(),
	}
	if opts.Dry {
		report.Finished = report.Started
		return report, nil
	}

	decider := opts.Decider
	if decider == nil {
		decider = Policy(DecisionSkip)
	}
	run := &execution{
		orchestrator: o,
		plan:         plan,
		decider:      decider,
	}

	results := make([][]pusher.Result, len(plan.Targets))
	purged := make([][]string, len(plan.Targets))
	if opts.ParallelTargets && len(plan.Targets) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i, tp := range plan.Targets {
			g.Go(func() error {
				results[i], purged[i] = run.target(gctx, tp)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, tp := range plan.Targets {
			results[i], purged[i] = run.target(ctx, tp)
		}
	}

	for i, tp := range plan.Targets {
		report.Results = append(report.Results, results[i]...)
		if len(purged[i]) > 0 {
			report.Purged[tp.Key] = purged[i]
		}
	}
	report.Stopped = run.stopped.Load()
	report.Finished = time.Now()

	o.logger.Info("Transfer finished",
		"run", plan.RunID,
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"stopped", report.Stopped,
		"duration", report.Finished.Sub(report.Started))
	return report, ctx.Err()
}

// Run plans req and executes the plan unless opts.Dry is set.
func (o *Orchestrator) Run(ctx context.Context, req Request, opts ExecuteOptions) (*Plan, *Report, error) {
	plan, err := o.Plan(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if opts.Dry {
		return plan, nil, nil
	}
	report, err := o.Execute(ctx, plan, opts)
	return plan, report, err
}

// execution is the shared state of one Execute call.
type execution struct {
	orchestrator *Orchestrator
	plan         *Plan
	decider      Decider

	decideMu sync.Mutex
	stopped  atomic.Bool
}

func (e *execution) target(ctx context.Context, tp *TargetPlan) ([]pusher.Result, []string) {
	o := e.orchestrator
	sess := o.sessions(tp.Target)
	results := make([]pusher.Result, 0, len(tp.Pages))
	var pushed []string

	for _, page := range tp.Pages {
		if e.stopped.Load() || ctx.Err() != nil {
			break
		}
		res := e.push(ctx, sess, tp, page)
		results = append(results, res)
		if res.Success {
			pushed = append(pushed, res.TargetTitle)
		}
	}

	purged, err := o.Purge(ctx, sess, pushed)
	if err != nil {
		o.logger.Warn("Purge failed", "target", tp.Key, "error", err)
	}
	return results, purged
}

// push pushes one page, asking the decider what to do when the failure
// needs a user action.
func (e *execution) push(ctx context.Context, sess *session.Session, tp *TargetPlan, page PlannedPage) pusher.Result {
	force := e.plan.Force
	for {
		res := e.orchestrator.pushers.New(page.Ref, sess, force).As(e.plan.User).Push(ctx)
		if res.Success || res.UserAction == pusher.ActionNone {
			return res
		}

		decision := e.decide(ctx, PendingDecision{
			RunID:       e.plan.RunID,
			Target:      tp.Key,
			Title:       res.Title,
			TargetTitle: res.TargetTitle,
			Kind:        res.Kind,
			Message:     res.Message,
			Action:      res.UserAction,
		})
		switch decision {
		case DecisionForce:
			if res.UserAction == pusher.ActionForce && !force {
				force = true
				continue
			}
			return res
		case DecisionStop:
			e.stopped.Store(true)
			return res
		default:
			return res
		}
	}
}

func (e *execution) decide(ctx context.Context, pending PendingDecision) Decision {
	e.decideMu.Lock()
	defer e.decideMu.Unlock()

	if e.stopped.Load() {
		return DecisionStop
	}
	decision, err := e.decider.Decide(ctx, pending)
	if err != nil {
		e.orchestrator.logger.Warn("Decision failed, stopping", "target", pending.Target, "page", pending.Title, "error", err)
		decision = DecisionStop
	}
	metrics.DecisionsTotal.WithLabelValues(pending.Kind, string(decision)).Inc()
	return decision
}
