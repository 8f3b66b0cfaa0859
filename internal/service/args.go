package service

import (
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/orchestrator"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/pusher"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/related"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/target"
)

// ListTargetsArgs has no parameters
type ListTargetsArgs struct{}

// ListTargetsResult lists the configured targets without credentials
type ListTargetsResult struct {
	Targets []TargetSummary `json:"targets"`
}

// TargetSummary is a target as shown to clients
type TargetSummary struct {
	Key string `json:"key"`
	target.ClientView
}

// PageSelectionArgs selects source pages. Filters are combined, except that
// explicit titles are not filtered by category, namespace or search.
type PageSelectionArgs struct {
	Titles    []string `json:"titles,omitempty" jsonschema:"Explicit page titles; category, namespace and search are then ignored"`
	Category  string   `json:"category,omitempty" jsonschema:"Only pages in this category"`
	Namespace *int     `json:"namespace,omitempty" jsonschema:"Namespace ID (0 is the main namespace)"`
	Search    string   `json:"search,omitempty" jsonschema:"Title search term"`
	Limit     int      `json:"limit,omitempty" jsonschema:"Maximum number of pages (default 500)"`

	OnlyContentNamespaces bool `json:"only_content_namespaces,omitempty" jsonschema:"Restrict to content namespaces"`

	OnlyModified  bool   `json:"only_modified,omitempty" jsonschema:"Skip pages not edited since their last push to the target"`
	ModifiedSince string `json:"modified_since,omitempty" jsonschema:"Only pages edited on or after this date (DD.MM.YYYY)"`
}

// GetPagesArgs contains parameters for listing candidate pages
type GetPagesArgs struct {
	PageSelectionArgs

	// Target is used for the only-modified filter and push dates
	Target string `json:"target,omitempty" jsonschema:"Target key to compare push history against"`
}

// GetPagesResult lists the selected source pages
type GetPagesResult struct {
	Pages     []PageSummary `json:"pages"`
	Total     int           `json:"total"`
	Truncated bool          `json:"truncated,omitempty"`

	// Missing lists explicit titles not found on the source wiki
	Missing []string `json:"missing,omitempty"`
}

// PageSummary is one selected source page
type PageSummary struct {
	Title  string       `json:"title"`
	PageID int          `json:"page_id"`
	Type   related.Type `json:"type"`

	// LastPushed is the RFC 3339 time of the last push to the target
	LastPushed string `json:"last_pushed,omitempty"`
}

// PushInfoArgs contains parameters for planning a push
type PushInfoArgs struct {
	PageSelectionArgs

	Targets        string `json:"targets" jsonschema:"Comma-separated target keys, optionally key=user"`
	IncludeRelated bool   `json:"include_related,omitempty" jsonschema:"Also push templates, files, categories and linked pages"`
	Force          bool   `json:"force,omitempty" jsonschema:"Overwrite protected pages"`
	User           string `json:"user,omitempty" jsonschema:"Source wiki user recorded as having pushed (default from configuration)"`
}

// PushInfoResult is the planned push
type PushInfoResult struct {
	Plan *orchestrator.Plan `json:"plan"`
}

// PushArgs contains parameters for a push
type PushArgs struct {
	PushInfoArgs

	OnFailure string `json:"on_failure,omitempty" jsonschema:"What to do with pushes needing a decision: skip (default), force or stop"`
}

// PushResult is the outcome of a push
type PushResult struct {
	RunID     string              `json:"run_id"`
	Results   []pusher.Result     `json:"results"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Stopped   bool                `json:"stopped,omitempty"`
	Purged    map[string][]string `json:"purged,omitempty"`
	Notes     map[string][]string `json:"notes,omitempty"`
}

// PurgeArgs contains parameters for purging target pages
type PurgeArgs struct {
	Target string   `json:"target" jsonschema:"Target key"`
	Titles []string `json:"titles" jsonschema:"Titles on the target to purge"`
}

// PurgeResult lists the purged titles
type PurgeResult struct {
	Target string   `json:"target"`
	Purged []string `json:"purged"`
}
