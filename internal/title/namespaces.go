package title

import (
	"sort"
	"strings"
)

// Namespace describes one namespace of a wiki as reported by siteinfo.
type Namespace struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`      // localized name
	Canonical string `json:"canonical"` // language-independent name
	Content   bool   `json:"content,omitempty"`
}

// Namespaces is a lookup table from namespace ids and names (local,
// canonical and aliases) to namespaces.
type Namespaces struct {
	byID   map[int]Namespace
	byName map[string]int
}

// NewNamespaces builds a table from a namespace list and an alias map
// (alias name -> namespace id).
func NewNamespaces(list []Namespace, aliases map[string]int) *Namespaces {
	n := &Namespaces{
		byID:   make(map[int]Namespace, len(list)),
		byName: make(map[string]int, len(list)*2+len(aliases)),
	}
	for _, ns := range list {
		ns.Name = dbForm(ns.Name)
		ns.Canonical = dbForm(ns.Canonical)
		if ns.ID == NamespaceMain {
			ns.Name, ns.Canonical = "", ""
		}
		if ns.Canonical == "" {
			ns.Canonical = ns.Name
		}
		n.byID[ns.ID] = ns
		if ns.Name != "" {
			n.byName[nameKey(ns.Name)] = ns.ID
		}
		if ns.Canonical != "" {
			n.byName[nameKey(ns.Canonical)] = ns.ID
		}
	}
	for alias, id := range aliases {
		if _, ok := n.byID[id]; ok && alias != "" {
			n.byName[nameKey(alias)] = id
		}
	}
	return n
}

// Default returns the table of an English wiki without extensions.
func Default() *Namespaces {
	return NewNamespaces([]Namespace{
		{ID: NamespaceMedia, Name: "Media", Canonical: "Media"},
		{ID: NamespaceSpecial, Name: "Special", Canonical: "Special"},
		{ID: NamespaceMain, Content: true},
		{ID: NamespaceTalk, Name: "Talk", Canonical: "Talk"},
		{ID: NamespaceUser, Name: "User", Canonical: "User"},
		{ID: 3, Name: "User talk", Canonical: "User talk"},
		{ID: NamespaceProject, Name: "Project", Canonical: "Project"},
		{ID: 5, Name: "Project talk", Canonical: "Project talk"},
		{ID: NamespaceFile, Name: "File", Canonical: "File"},
		{ID: 7, Name: "File talk", Canonical: "File talk"},
		{ID: NamespaceMediaWiki, Name: "MediaWiki", Canonical: "MediaWiki"},
		{ID: 9, Name: "MediaWiki talk", Canonical: "MediaWiki talk"},
		{ID: NamespaceTemplate, Name: "Template", Canonical: "Template"},
		{ID: 11, Name: "Template talk", Canonical: "Template talk"},
		{ID: NamespaceHelp, Name: "Help", Canonical: "Help"},
		{ID: 13, Name: "Help talk", Canonical: "Help talk"},
		{ID: NamespaceCategory, Name: "Category", Canonical: "Category"},
		{ID: 15, Name: "Category talk", Canonical: "Category talk"},
	}, map[string]int{"Image": NamespaceFile, "Image talk": 7})
}

// Get returns the namespace with the given id.
func (n *Namespaces) Get(id int) (Namespace, bool) {
	ns, ok := n.byID[id]
	return ns, ok
}

// Lookup resolves a local name, canonical name or alias to its namespace.
// Matching ignores case and treats underscores and spaces alike.
func (n *Namespaces) Lookup(name string) (Namespace, bool) {
	id, ok := n.byName[nameKey(name)]
	if !ok {
		return Namespace{}, false
	}
	return n.byID[id], true
}

// Canonical returns the canonical name of a namespace in DB key form,
// or "" for Main and unknown ids.
func (n *Namespaces) Canonical(id int) string {
	return n.byID[id].Canonical
}

// Local returns the localized name of a namespace in DB key form.
func (n *Namespaces) Local(id int) string {
	return n.byID[id].Name
}

// IsContent reports whether the namespace is flagged as a content namespace.
func (n *Namespaces) IsContent(id int) bool {
	return n.byID[id].Content
}

// IDs returns all namespace ids in ascending order.
func (n *Namespaces) IDs() []int {
	ids := make([]int, 0, len(n.byID))
	for id := range n.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Parse splits prefixed display text into a Ref. Unknown prefixes stay part
// of the DB key in the Main namespace.
func (n *Namespaces) Parse(text string) Ref {
	text = strings.TrimPrefix(strings.TrimSpace(text), ":")
	if prefix, rest, ok := strings.Cut(text, ":"); ok {
		if ns, found := n.Lookup(prefix); found && ns.ID != NamespaceMain {
			return Ref{
				Namespace:     ns.ID,
				NamespaceText: ns.Name,
				DBKey:         DBKey(rest),
			}
		}
	}
	return Ref{Namespace: NamespaceMain, DBKey: DBKey(text)}
}

// CanonicalPrefixed returns the title of ref with its namespace replaced by
// the canonical name, e.g. "File:Logo.png" for "Datei:Logo.png".
func (n *Namespaces) CanonicalPrefixed(ref Ref) string {
	if ref.Namespace == NamespaceMain {
		return ref.DBKey
	}
	canonical := n.Canonical(ref.Namespace)
	if canonical == "" {
		return ref.PrefixedDBKey()
	}
	return canonical + ":" + ref.DBKey
}

func dbForm(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

func nameKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}
