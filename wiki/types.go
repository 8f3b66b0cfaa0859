package wiki

// Constants for response limits
const (
	DefaultLimit = 500
	MaxLimit     = 5000

	// titlesPerQuery is the most titles the API accepts in one titles= parameter
	titlesPerQuery = 50

	// listBatch is the page size used when walking list modules
	listBatch = 500
)

// Selection describes which source pages to transfer. Filters are combined:
// a page must satisfy every filter that is set.
type Selection struct {
	// Titles selects explicit pages; the other filters still apply to them.
	Titles []string `json:"titles,omitempty" jsonschema:"Explicit page titles to select"`

	Category string `json:"category,omitempty" jsonschema:"Only pages in this category (with or without prefix)"`

	// Namespace restricts to one namespace id when set.
	Namespace *int `json:"namespace,omitempty" jsonschema:"Namespace ID (0=main, 10=template, etc.)"`

	// Search keeps pages whose title contains the term.
	Search string `json:"search,omitempty" jsonschema:"Title search term"`

	Limit int `json:"limit,omitempty" jsonschema:"Maximum pages to return"`

	OnlyContentNamespaces bool `json:"only_content_namespaces,omitempty" jsonschema:"Restrict to content namespaces"`
}

// File is a file stored on the source wiki.
type File struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	MIME string `json:"mime"`
	Size int    `json:"size"`
	Data []byte `json:"-"`
}
