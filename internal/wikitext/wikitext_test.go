package wikitext

import (
	"testing"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
)

func germanNamespaces() *title.Namespaces {
	return title.NewNamespaces([]title.Namespace{
		{ID: title.NamespaceMedia, Name: "Medium", Canonical: "Media"},
		{ID: title.NamespaceMain},
		{ID: 3, Name: "Benutzer Diskussion", Canonical: "User talk"},
		{ID: title.NamespaceFile, Name: "Datei", Canonical: "File"},
		{ID: title.NamespaceTemplate, Name: "Vorlage", Canonical: "Template"},
		{ID: 11, Name: "Vorlage Diskussion", Canonical: "Template talk"},
		{ID: title.NamespaceCategory, Name: "Kategorie", Canonical: "Category"},
	}, map[string]int{"Bild": title.NamespaceFile})
}

func TestCanonicalizeNamespaces(t *testing.T) {
	input := `
[[Datei:SomeFile.png]]

[[Medium:Huh.pdf]]


[[:Datei:SomeFile2.png]]

[[:Medium:Huh2.pdf]]


[[File:SomeFile3.png]]

[[Media:Huh3.pdf]]


[[:File:SomeFile4.png]]

[[:Media:Huh4.pdf]]

[[Regular_Link]]`

	want := `
[[File:SomeFile.png]]

[[Media:Huh.pdf]]


[[:File:SomeFile2.png]]

[[:Media:Huh2.pdf]]


[[File:SomeFile3.png]]

[[Media:Huh3.pdf]]


[[:File:SomeFile4.png]]

[[:Media:Huh4.pdf]]

[[Regular_Link]]`

	got := CanonicalizeNamespaces(input, germanNamespaces())
	if got != want {
		t.Errorf("CanonicalizeNamespaces() =\n%s\nwant\n%s", got, want)
	}
}

func TestCanonicalizeNamespaces_Cases(t *testing.T) {
	ns := germanNamespaces()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"alias", "[[Bild:Old.jpg|thumb]]", "[[File:Old.jpg|thumb]]"},
		{"category", "[[Kategorie:Hilfe]]", "[[Category:Hilfe]]"},
		{"piped text kept", "[[Vorlage:Box|Die Vorlage: Box]]", "[[Template:Box|Die Vorlage: Box]]"},
		{"unknown prefix", "[[wikipedia:Berlin]]", "[[wikipedia:Berlin]]"},
		{"no links", "plain text", "plain text"},
		{"leading colon only", "[[:Hauptseite]]", "[[:Hauptseite]]"},
		{"two links on one line", "[[Datei:A.png]] und [[Datei:B.png]]", "[[File:A.png]] und [[File:B.png]]"},
		{"local name with space", "[[Benutzer Diskussion:Bob]]", "[[User_talk:Bob]]"},
		{"canonical name with space", "[[User talk:Bob]]", "[[User talk:Bob]]"},
		{"canonical piped name with space", "[[Template talk:X|y]]", "[[Template talk:X|y]]"},
		{"canonical lower case", "[[file:A.png]]", "[[file:A.png]]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalizeNamespaces(tt.input, ns); got != tt.want {
				t.Errorf("CanonicalizeNamespaces(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeNamespaces_FixedPoint(t *testing.T) {
	ns := germanNamespaces()
	inputs := []string{
		"[[Datei:SomeFile.png]] [[:Medium:x.pdf]] [[Foo]]",
		"[[Kategorie:A]]\n[[Vorlage:B]]",
		"[[Benutzer Diskussion:Alice]] [[User talk:Bob]]",
	}
	for _, in := range inputs {
		once := CanonicalizeNamespaces(in, ns)
		twice := CanonicalizeNamespaces(once, ns)
		if once != twice {
			t.Errorf("not a fixed point: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestCanonicalizeNamespaces_NilTable(t *testing.T) {
	in := "[[Datei:X.png]]"
	if got := CanonicalizeNamespaces(in, nil); got != in {
		t.Errorf("CanonicalizeNamespaces(nil table) = %q, want unchanged", got)
	}
}
