package wiki

import (
	"context"
	"net/url"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/related"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
)

// Render parses the latest revision of ref and returns the pages it uses,
// resolved to their source identities.
func (c *Client) Render(ctx context.Context, ref title.Ref) (*related.RenderedPage, error) {
	namespaces, err := c.Namespaces(ctx)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindRenderFailed, "failed to render "+ref.PrefixedDBKey(), err)
	}

	resp, err := c.apiRequest(ctx, url.Values{
		"action":             {"parse"},
		"page":               {ref.PrefixedDBKey()},
		"prop":               {"templates|images|categories|links"},
		"disablelimitreport": {"1"},
	})
	if isMissingTitle(err) {
		return nil, revisionNotFound(ref)
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindRenderFailed, "failed to render "+ref.PrefixedDBKey(), err)
	}
	parse := getMap(resp["parse"])
	if parse == nil {
		return nil, apierrors.New(apierrors.KindRenderFailed, "parser output missing for "+ref.PrefixedDBKey())
	}

	fileNS := namespaces.Local(title.NamespaceFile)
	categoryNS := namespaces.Local(title.NamespaceCategory)

	var templates, media, categories, links []string
	for _, raw := range getSlice(parse["templates"]) {
		templates = append(templates, getString(getMap(raw)["*"]))
	}
	for _, raw := range getSlice(parse["images"]) {
		media = append(media, fileNS+":"+getString(raw))
	}
	for _, raw := range getSlice(parse["categories"]) {
		categories = append(categories, categoryNS+":"+getString(getMap(raw)["*"]))
	}
	for _, raw := range getSlice(parse["links"]) {
		links = append(links, getString(getMap(raw)["*"]))
	}

	all := make([]string, 0, len(templates)+len(media)+len(categories)+len(links))
	for _, group := range [][]string{templates, media, categories, links} {
		all = append(all, group...)
	}
	resolved, err := c.ResolveTitles(ctx, all)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindRenderFailed, "failed to resolve links of "+ref.PrefixedDBKey(), err)
	}
	byKey := make(map[string]title.Ref, len(resolved))
	for _, r := range resolved {
		byKey[r.PrefixedDBKey()] = r
	}
	lookup := func(names []string) []title.Ref {
		out := make([]title.Ref, 0, len(names))
		for _, name := range names {
			if r, ok := byKey[namespaces.Parse(name).PrefixedDBKey()]; ok {
				out = append(out, r)
			}
		}
		return out
	}

	page := ref
	page.ID = getInt(parse["pageid"])
	page.Exists = page.ID > 0
	return &related.RenderedPage{
		Page:       page,
		Templates:  lookup(templates),
		Media:      lookup(media),
		Categories: lookup(categories),
		Links:      lookup(links),
	}, nil
}
