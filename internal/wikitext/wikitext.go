// Package wikitext rewrites wikitext so that it survives a transfer between
// wikis with different content languages.
package wikitext

import (
	"regexp"
	"strings"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
)

var internalLink = regexp.MustCompile(`\[\[(.*?)\]\]`)

// CanonicalizeNamespaces replaces localized namespace prefixes in internal
// links with their canonical names, so "[[Datei:Logo.png]]" becomes
// "[[File:Logo.png]]" and "[[:Datei:Logo.png]]" becomes "[[:File:Logo.png]]".
// Links without a known namespace prefix are left untouched. Applying the
// function twice yields the same result as applying it once.
func CanonicalizeNamespaces(content string, namespaces *title.Namespaces) string {
	if namespaces == nil || !strings.Contains(content, "[[") {
		return content
	}
	return internalLink.ReplaceAllStringFunc(content, func(match string) string {
		inner := match[2 : len(match)-2]
		parts := strings.Split(inner, ":")
		if len(parts) < 2 {
			return match
		}

		// "[[:File:X]]" links to the file page instead of embedding it.
		pos := 0
		if parts[0] == "" {
			pos = 1
		}
		if pos >= len(parts)-1 {
			return match
		}

		ns, ok := namespaces.Lookup(parts[pos])
		if !ok || ns.Canonical == "" || nameKey(parts[pos]) == nameKey(ns.Canonical) {
			return match
		}
		parts[pos] = ns.Canonical
		return "[[" + strings.Join(parts, ":") + "]]"
	})
}

// nameKey folds the spellings MediaWiki treats as the same namespace name.
func nameKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}
