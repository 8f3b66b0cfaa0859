// Package pusher writes a single source page to a target wiki.
package pusher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/apiclient"
	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/history"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/session"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/target"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/wikitext"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/tracing"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/wiki"
)

// EditSummary is the summary of every edit made by a push.
const EditSummary = "Pushed content"

// State is the progress of a single push.
type State int

const (
	Init State = iota
	ProbedTarget
	PossibilityChecked
	Authenticated
	Pushed
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case ProbedTarget:
		return "probed-target"
	case PossibilityChecked:
		return "possibility-checked"
	case Authenticated:
		return "authenticated"
	case Pushed:
		return "pushed"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// UserAction is what a user can do about a failed push.
type UserAction string

const (
	ActionNone        UserAction = ""
	ActionAcknowledge UserAction = "ack"
	ActionForce       UserAction = "force"
)

// Result is the outcome of pushing one page to one target.
type Result struct {
	PageID       int        `json:"page_id"`
	Title        string     `json:"title"`
	TargetTitle  string     `json:"target_title"`
	Target       string     `json:"target"`
	Success      bool       `json:"success"`
	TargetPageID int        `json:"target_page_id,omitempty"`
	Message      string     `json:"message,omitempty"`
	Kind         string     `json:"kind,omitempty"`
	UserAction   UserAction `json:"user_action,omitempty"`
	Forced       bool       `json:"forced,omitempty"`

	Err error `json:"-"`
}

// ContentSource provides what is pushed: page wikitext and file bytes.
type ContentSource interface {
	Content(ctx context.Context, ref title.Ref) (string, error)
	File(ctx context.Context, ref title.Ref) (*wiki.File, error)
}

// AdditionalRequests returns extra write requests to run after a page was
// pushed, e.g. to set page properties on the target.
type AdditionalRequests func(page title.Ref, t *target.Target, targetPageID int) []url.Values

// DefaultUser is recorded in the push history when no pushing user is given.
const DefaultUser = "ContentTransfer"

// Factory builds pushers sharing the same source and history.
type Factory struct {
	Source     ContentSource
	History    *history.Store
	Namespaces *title.Namespaces
	Additional AdditionalRequests
	// User is the source wiki user recorded as having pushed. Defaults to DefaultUser.
	User       string
	Logger     *slog.Logger
}

// New creates a pusher for page on the session's target.
func (f *Factory) New(page title.Ref, sess *session.Session, force bool) *Pusher {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	namespaces := f.Namespaces
	if namespaces == nil {
		namespaces = title.Default()
	}
	user := f.User
	if user == "" {
		user = DefaultUser
	}
	return &Pusher{
		page:       page,
		session:    sess,
		user:       user,
		source:     f.Source,
		history:    f.History,
		namespaces: namespaces,
		additional: f.Additional,
		force:      force,
		logger:     logger.With("target", sess.Target().Key(), "page", page.PrefixedDBKey()),
	}
}

// Pusher runs the push of one page. It is used once.
type Pusher struct {
	page       title.Ref
	session    *session.Session
	user       string
	source     ContentSource
	history    *history.Store
	namespaces *title.Namespaces
	additional AdditionalRequests
	force      bool
	logger     *slog.Logger

	state State
}

// As sets the source wiki user recorded in the push history. An empty user
// keeps the factory default.
func (p *Pusher) As(user string) *Pusher {
	if user != "" {
		p.user = user
	}
	return p
}

// State returns how far the push got.
func (p *Pusher) State() State {
	return p.state
}

// TargetTitle returns the title the page gets on the target.
func (p *Pusher) TargetTitle() string {
	return TargetTitle(p.page, p.session.Target(), p.namespaces)
}

// TargetTitle resolves the title of page on t. Namespace prefixes are
// written in their canonical form so any content language understands them.
func TargetTitle(page title.Ref, t *target.Target, namespaces *title.Namespaces) string {
	if !t.PushToDraft() {
		return namespaces.CanonicalPrefixed(page)
	}
	draft := t.DraftNamespace()
	if page.IsFile() {
		file := namespaces.Canonical(title.NamespaceFile)
		if file == "" {
			file = "File"
		}
		return file + ":" + draft + "_" + page.DBKey
	}
	return draft + ":" + namespaces.CanonicalPrefixed(page)
}

// Push runs the push. Failures are reported in the result, never returned.
func (p *Pusher) Push(ctx context.Context) Result {
	t := p.session.Target()
	targetTitle := p.TargetTitle()

	ctx, span := tracing.StartSpan(ctx, "contenttransfer.push")
	defer span.End()
	tracing.AddPushAttributes(span, t.Key(), p.page.PrefixedDBKey(), targetTitle)

	start := time.Now()
	res := Result{
		PageID:      p.page.ID,
		Title:       p.page.PrefixedDBKey(),
		TargetTitle: targetTitle,
		Target:      t.Key(),
		Forced:      p.force,
	}

	pageID, err := p.run(ctx, targetTitle, &res)
	if err != nil {
		p.state = Failed
		res.Err = err
		res.Message = err.Error()
		res.Kind = string(apierrors.KindOf(err))
		tracing.RecordError(span, err)
		metrics.RecordPush(t.Key(), "failed", time.Since(start).Seconds())
		p.logger.Info("Push failed", "kind", res.Kind, "error", err)
		return res
	}

	p.runAdditionalRequests(ctx, pageID)

	p.state = Completed
	res.Success = true
	res.TargetPageID = pageID
	metrics.RecordPush(t.Key(), "success", time.Since(start).Seconds())
	p.logger.Info("Page pushed", "target_title", targetTitle, "target_page_id", pageID)
	return res
}

func (p *Pusher) run(ctx context.Context, targetTitle string, res *Result) (int, error) {
	props, err := p.session.PageProps(ctx, targetTitle)
	if err != nil {
		return 0, err
	}
	p.state = ProbedTarget

	if action, err := p.ensurePushPossible(ctx, targetTitle, props); err != nil {
		res.UserAction = action
		return 0, err
	}
	p.state = PossibilityChecked

	if _, err := p.session.CSRFToken(ctx); err != nil {
		return 0, err
	}
	p.state = Authenticated

	pageID, err := p.doPush(ctx, targetTitle)
	if err != nil {
		return 0, err
	}
	p.state = Pushed
	return pageID, nil
}

func (p *Pusher) ensurePushPossible(ctx context.Context, targetTitle string, props *session.PageProps) (UserAction, error) {
	// The target parsed the prefix as part of a Main title: it lacks the namespace.
	if p.page.Namespace != title.NamespaceMain && props.Namespace == title.NamespaceMain {
		ns := p.page.NamespaceText
		if ns == "" {
			ns = p.namespaces.Local(p.page.Namespace)
		}
		return ActionAcknowledge, apierrors.New(apierrors.KindNamespaceNotFound,
			"namespace "+ns+" does not exist on the target")
	}
	if p.force {
		return ActionNone, nil
	}
	if p.isProtected(ctx, targetTitle, props) {
		return ActionForce, apierrors.New(apierrors.KindPageProtected, "page is protected on the target")
	}
	return ActionNone, nil
}

// isProtected treats a failed protection probe as protected.
func (p *Pusher) isProtected(ctx context.Context, targetTitle string, props *session.PageProps) bool {
	if _, err := p.session.Protection(ctx, targetTitle); err != nil {
		p.logger.Warn("Protection probe failed", "error", err)
		return true
	}
	return props.EditProtected()
}

func (p *Pusher) doPush(ctx context.Context, targetTitle string) (int, error) {
	content, err := p.source.Content(ctx, p.page)
	if err != nil {
		return 0, err
	}
	content = wikitext.CanonicalizeNamespaces(content, p.namespaces)
	metrics.ContentSize.Observe(float64(len(content)))

	if p.page.IsFile() {
		if err := p.uploadFile(ctx, content); err != nil {
			return 0, err
		}
	}

	resp, err := p.session.RunPushRequest(ctx, url.Values{
		"action":  {"edit"},
		"summary": {EditSummary},
		"text":    {content},
		"title":   {targetTitle},
	})
	var apiErr *apiclient.APIError
	switch {
	case apierrors.IsKind(err, apierrors.KindPreflightNotMet):
		return 0, err
	case errors.As(err, &apiErr):
		return 0, apierrors.Remote(apierrors.KindEditFailed, "edit failed", apiErr.Info)
	case err != nil:
		return 0, apierrors.Wrap(apierrors.KindEditFailed, "edit failed", err)
	}

	var out struct {
		Edit struct {
			Result string `json:"result"`
			PageID int    `json:"pageid"`
			NewRev int    `json:"newrevid"`
		} `json:"edit"`
	}
	if err := resp.Decode(&out); err != nil {
		return 0, apierrors.Wrap(apierrors.KindEditFailed, "edit failed", err)
	}
	if out.Edit.Result != "Success" {
		return 0, apierrors.Remote(apierrors.KindEditFailed, "edit failed", "edit result "+out.Edit.Result)
	}

	p.session.Forget(targetTitle)

	t := p.session.Target()
	if p.history != nil {
		if err := p.history.RecordPush(ctx, p.page.ID, t.Key(), p.user); err != nil {
			p.logger.Warn("Failed to record push history", "error", err)
		}
	}
	return out.Edit.PageID, nil
}

func (p *Pusher) uploadFile(ctx context.Context, description string) error {
	f, err := p.source.File(ctx, p.page)
	if err != nil {
		return apierrors.Wrap(apierrors.KindUploadFailed, "could not read file "+p.page.DBKey, err)
	}
	filename := f.Name
	if filename == "" {
		filename = p.page.DBKey
	}
	t := p.session.Target()
	if t.PushToDraft() {
		filename = t.DraftNamespace() + "_" + filename
	}
	return p.session.UploadFile(ctx, session.File{
		Name:        f.Name,
		ContentType: f.MIME,
		Data:        f.Data,
	}, description, filename)
}

func (p *Pusher) runAdditionalRequests(ctx context.Context, pageID int) {
	if p.additional == nil {
		return
	}
	for _, params := range p.additional(p.page, p.session.Target(), pageID) {
		if _, err := p.session.RunAuthenticatedRequest(ctx, params); err != nil {
			p.logger.Warn("Additional request failed", "action", params.Get("action"), "error", err)
		}
	}
}
