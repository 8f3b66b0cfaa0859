// Package title models wiki page identities and namespace tables.
package title

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Well-known namespace ids shared by every MediaWiki installation.
const (
	NamespaceMedia     = -2
	NamespaceSpecial   = -1
	NamespaceMain      = 0
	NamespaceTalk      = 1
	NamespaceUser      = 2
	NamespaceProject   = 4
	NamespaceFile      = 6
	NamespaceMediaWiki = 8
	NamespaceTemplate  = 10
	NamespaceHelp      = 12
	NamespaceCategory  = 14
)

// Ref identifies a page on the source wiki.
type Ref struct {
	Namespace     int    `json:"namespace"`
	NamespaceText string `json:"namespace_text,omitempty"` // local namespace prefix, DB key form
	DBKey         string `json:"dbkey"`
	ID            int    `json:"page_id,omitempty"`
	Exists        bool   `json:"exists"`
}

// PrefixedDBKey returns the title with its local namespace prefix, e.g. "Datei:Logo.png".
func (r Ref) PrefixedDBKey() string {
	if r.Namespace == NamespaceMain || r.NamespaceText == "" {
		return r.DBKey
	}
	return r.NamespaceText + ":" + r.DBKey
}

// PrefixedText is PrefixedDBKey with spaces instead of underscores.
func (r Ref) PrefixedText() string {
	return strings.ReplaceAll(r.PrefixedDBKey(), "_", " ")
}

// IsFile reports whether the page lives in the File namespace.
func (r Ref) IsFile() bool {
	return r.Namespace == NamespaceFile
}

func (r Ref) String() string {
	return r.PrefixedDBKey()
}

// DBKey normalizes display text into DB key form: trimmed, spaces collapsed to
// underscores and the first letter upper-cased.
func DBKey(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "_", " "))
	text = strings.Join(strings.Fields(text), "_")
	if text == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(text)
	return string(unicode.ToUpper(r)) + text[size:]
}
