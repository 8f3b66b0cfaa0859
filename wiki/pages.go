package wiki

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
)

// SelectResult is the outcome of a page selection
type SelectResult struct {
	Pages []title.Ref `json:"pages"`

	// Total counts the matching pages before the limit was applied
	Total     int  `json:"total"`
	Truncated bool `json:"truncated,omitempty"`

	// Missing lists explicit titles that do not exist on the source wiki
	Missing []title.Ref `json:"missing,omitempty"`
}

// Select returns the existing source pages matching sel, in listing order.
// Explicit titles are not filtered by category, namespace or search.
func (c *Client) Select(ctx context.Context, sel Selection) (*SelectResult, error) {
	namespaces, err := c.Namespaces(ctx)
	if err != nil {
		return nil, err
	}

	limit := sel.Limit
	if limit <= 0 {
		limit = c.config.PageLimit
	}
	limit = normalizeLimit(limit, DefaultLimit, MaxLimit)
	onlyContent := sel.OnlyContentNamespaces || c.config.OnlyContentNamespaces

	if len(sel.Titles) > 0 {
		refs, err := c.ResolveTitles(ctx, sel.Titles)
		if err != nil {
			return nil, err
		}
		result := &SelectResult{Pages: []title.Ref{}}
		for _, ref := range refs {
			if !ref.Exists {
				result.Missing = append(result.Missing, ref)
				continue
			}
			result.add(ref, limit)
		}
		c.logger.Debug("Selected explicit source pages", "count", len(result.Pages), "missing", len(result.Missing))
		return result, nil
	}

	var candidates []title.Ref
	switch {
	case sel.Category != "":
		candidates, err = c.categoryMembers(ctx, normalizeCategoryName(sel.Category, namespaces), sel.Namespace)
	case sel.Search != "":
		candidates, err = c.searchTitles(ctx, sel.Search, sel.Namespace)
	default:
		ns := title.NamespaceMain
		if sel.Namespace != nil {
			ns = *sel.Namespace
		}
		candidates, err = c.allPages(ctx, ns)
	}
	if err != nil {
		return nil, err
	}

	term := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(sel.Search), "_", " "))
	result := &SelectResult{Pages: []title.Ref{}}
	seen := make(map[string]bool, len(candidates))
	for _, ref := range candidates {
		key := ref.PrefixedDBKey()
		switch {
		case !ref.Exists || seen[key]:
			continue
		case sel.Namespace != nil && ref.Namespace != *sel.Namespace:
			continue
		case term != "" && !strings.Contains(strings.ToLower(ref.PrefixedText()), term):
			continue
		case onlyContent && !namespaces.IsContent(ref.Namespace):
			continue
		}
		seen[key] = true
		result.add(ref, limit)
	}

	c.logger.Debug("Selected source pages", "count", len(result.Pages), "total", result.Total)
	return result, nil
}

// ResolveTitles looks up titles on the source wiki. The result keeps the
// order of titles without duplicates; missing pages have Exists unset.
func (c *Client) ResolveTitles(ctx context.Context, titles []string) ([]title.Ref, error) {
	namespaces, err := c.Namespaces(ctx)
	if err != nil {
		return nil, err
	}

	var order []string
	wanted := make(map[string]title.Ref)
	for _, raw := range titles {
		ref := namespaces.Parse(raw)
		if ref.DBKey == "" {
			continue
		}
		key := ref.PrefixedDBKey()
		if _, dup := wanted[key]; dup {
			continue
		}
		order = append(order, key)
		wanted[key] = ref
	}

	for start := 0; start < len(order); start += titlesPerQuery {
		end := start + titlesPerQuery
		if end > len(order) {
			end = len(order)
		}
		batch := order[start:end]

		resp, err := c.apiRequest(ctx, url.Values{
			"action": {"query"},
			"prop":   {"info"},
			"titles": {strings.Join(batch, "|")},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to look up titles: %w", err)
		}
		query := getMap(resp["query"])
		for _, raw := range getMap(query["pages"]) {
			page := getMap(raw)
			if page == nil {
				continue
			}
			if _, missing := page["missing"]; missing {
				continue
			}
			if _, invalid := page["invalid"]; invalid {
				continue
			}
			ref := namespaces.Parse(getString(page["title"]))
			if _, ok := wanted[ref.PrefixedDBKey()]; !ok {
				continue
			}
			ref.ID = getInt(page["pageid"])
			ref.Exists = ref.ID > 0
			wanted[ref.PrefixedDBKey()] = ref
		}
	}

	out := make([]title.Ref, 0, len(order))
	for _, key := range order {
		out = append(out, wanted[key])
	}
	return out, nil
}

func (c *Client) categoryMembers(ctx context.Context, category string, namespace *int) ([]title.Ref, error) {
	if category == "" {
		return nil, fmt.Errorf("category is required")
	}
	namespaces, err := c.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"action":  {"query"},
		"list":    {"categorymembers"},
		"cmtitle": {namespaces.Local(title.NamespaceCategory) + ":" + category},
		"cmlimit": {strconv.Itoa(listBatch)},
	}
	if namespace != nil {
		params.Set("cmnamespace", strconv.Itoa(*namespace))
	}
	return c.walkList(ctx, params, "categorymembers")
}

func (c *Client) searchTitles(ctx context.Context, term string, namespace *int) ([]title.Ref, error) {
	params := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {"intitle:" + strings.TrimSpace(term)},
		"srwhat":   {"title"},
		"srlimit":  {strconv.Itoa(listBatch)},
	}
	if namespace != nil {
		params.Set("srnamespace", strconv.Itoa(*namespace))
	} else {
		params.Set("srnamespace", "*")
	}
	return c.walkList(ctx, params, "search")
}

func (c *Client) allPages(ctx context.Context, namespace int) ([]title.Ref, error) {
	return c.walkList(ctx, url.Values{
		"action":      {"query"},
		"list":        {"allpages"},
		"apnamespace": {strconv.Itoa(namespace)},
		"aplimit":     {strconv.Itoa(listBatch)},
	}, "allpages")
}

// walkList follows continuation of a list module up to MaxLimit entries
func (c *Client) walkList(ctx context.Context, params url.Values, key string) ([]title.Ref, error) {
	namespaces, err := c.Namespaces(ctx)
	if err != nil {
		return nil, err
	}

	var out []title.Ref
	for {
		resp, err := c.apiRequest(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", key, err)
		}
		query := getMap(resp["query"])
		if query == nil {
			return nil, fmt.Errorf("unexpected response format: missing query")
		}
		for _, raw := range getSlice(query[key]) {
			entry := getMap(raw)
			if entry == nil {
				continue
			}
			ref := namespaces.Parse(getString(entry["title"]))
			ref.ID = getInt(entry["pageid"])
			ref.Exists = ref.ID > 0
			out = append(out, ref)
		}

		cont := getMap(resp["continue"])
		if cont == nil || len(out) >= MaxLimit {
			break
		}
		next := make(url.Values, len(params)+len(cont))
		for k, v := range params {
			next[k] = v
		}
		for k, v := range cont {
			next.Set(k, fmt.Sprint(v))
		}
		params = next
	}
	return out, nil
}
