package tools

// AllTools contains all tool specifications for the content transfer MCP server.
// Tool descriptions follow a structured format for optimal LLM tool selection:
// - USE WHEN: Natural language triggers
// - NOT FOR: Disambiguation from similar tools
// - PARAMETERS: Key arguments with defaults
// - RETURNS: What the tool returns
var AllTools = []ToolSpec{
	// ==========================================================================
	// READ TOOLS
	// ==========================================================================
	{
		Name:     "contenttransfer_list_targets",
		Method:   "ListTargets",
		Title:    "List Transfer Targets",
		Category: "read",
		Description: `List the wikis content can be pushed to.

USE WHEN: User asks "where can I push", "which wikis are configured", or before any push to pick a target key.

PARAMETERS: none

RETURNS: Target keys with URL, display text, draft settings and the bot users that can be selected (no passwords).`,
		ReadOnly:   true,
		Idempotent: true,
	},
	{
		Name:     "contenttransfer_get_pages",
		Method:   "GetPages",
		Title:    "Select Source Pages",
		Category: "read",
		Description: `Select pages on the source wiki that could be transferred.

USE WHEN: User says "which pages are in category X", "what changed since the last push to staging", "list templates to transfer".

NOT FOR: Seeing what a push would write (use contenttransfer_push_info).

PARAMETERS:
- titles: Explicit page titles; category, namespace and search are then ignored (optional)
- category: Category name, with or without prefix (optional)
- namespace: Namespace ID (optional, default main when nothing else is set)
- search: Title search term (optional)
- limit: Max pages (default 500)
- only_modified: Skip pages unchanged since their last push (needs target)
- modified_since: Only pages edited since DD.MM.YYYY
- target: Target key used for push dates

RETURNS: Page titles, IDs, types and the last push date to the target, plus explicit titles missing on the source.`,
		ReadOnly:   true,
		Idempotent: true,
		OpenWorld:  true,
	},
	{
		Name:     "contenttransfer_push_info",
		Method:   "PushInfo",
		Title:    "Plan Push",
		Category: "read",
		Description: `Show exactly what a push would write, without writing.

USE WHEN: User says "what would be pushed", "preview the transfer", or before contenttransfer_push.

PARAMETERS:
- targets: Comma-separated target keys, optionally key=user (required)
- titles / category / namespace / search / limit: Page selection
- include_related: Also plan templates, files, categories and linked pages (default false)
- only_modified, modified_since: Change filters

RETURNS: Per target, the pages in push order with their titles on the target, plus notes about skipped pages.`,
		ReadOnly:   true,
		Idempotent: true,
		OpenWorld:  true,
	},

	// ==========================================================================
	// WRITE TOOLS
	// ==========================================================================
	{
		Name:     "contenttransfer_push",
		Method:   "Push",
		Title:    "Push Pages",
		Category: "write",
		Description: `Push pages from the source wiki to one or more target wikis.

USE WHEN: User says "push X to staging", "transfer the docs category to production", "sync changed pages".

NOT FOR: Previewing (use contenttransfer_push_info first).

PARAMETERS:
- targets: Comma-separated target keys, optionally key=user (required)
- titles / category / namespace / search / limit: Page selection
- include_related: Also push templates, files, categories and linked pages
- force: Overwrite protected pages
- on_failure: skip (default), force or stop for pushes that need a decision
- user: Source wiki user recorded in the push history (default from configuration)

WARNING: Overwrites the pages on the target. Pushed pages are purged afterwards.

RETURNS: Per page result with the target title, success and the remote message of failures.`,
		Destructive: true,
		OpenWorld:   true,
	},
	{
		Name:     "contenttransfer_purge",
		Method:   "Purge",
		Title:    "Purge Target Pages",
		Category: "write",
		Description: `Purge pages on a target wiki so pages using them are re-rendered.

USE WHEN: User says "refresh pages on staging", "purge the cache of X", or a push was interrupted before purging.

PARAMETERS:
- target: Target key (required)
- titles: Titles on the target (required)

RETURNS: The purged titles.`,
		Idempotent: true,
		OpenWorld:  true,
	},
}
