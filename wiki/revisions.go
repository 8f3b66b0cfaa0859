package wiki

import (
	"context"
	"fmt"
	"net/url"
	"time"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
)

// LatestRevision returns the timestamp of the latest revision of ref.
func (c *Client) LatestRevision(ctx context.Context, ref title.Ref) (time.Time, error) {
	key := ref.PrefixedDBKey()
	if ts, ok := c.revisions.Get(key); ok {
		metrics.RecordCacheAccess(true)
		return ts, nil
	}
	metrics.RecordCacheAccess(false)

	rev, err := c.latestRevision(ctx, ref, "ids|timestamp")
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339, getString(rev["timestamp"]))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid revision timestamp for %s: %w", key, err)
	}
	c.revisions.Set(key, ts, revisionTTL)
	return ts, nil
}

// Content returns the wikitext of the latest revision of ref.
func (c *Client) Content(ctx context.Context, ref title.Ref) (string, error) {
	rev, err := c.latestRevision(ctx, ref, "ids|timestamp|content")
	if err != nil {
		return "", err
	}
	main := getMap(getMap(rev["slots"])["main"])
	if main == nil {
		// Wikis before multi-content revisions put the text on the revision itself
		return getString(rev["*"]), nil
	}
	return getString(main["*"]), nil
}

// File returns the file described by the file page ref, including its bytes.
func (c *Client) File(ctx context.Context, ref title.Ref) (*File, error) {
	if !ref.IsFile() {
		return nil, fmt.Errorf("%s is not a file page", ref.PrefixedDBKey())
	}
	resp, err := c.apiRequest(ctx, url.Values{
		"action": {"query"},
		"prop":   {"imageinfo"},
		"iiprop": {"url|mime|size"},
		"titles": {ref.PrefixedDBKey()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	var info map[string]any
	for _, raw := range getMap(getMap(resp["query"])["pages"]) {
		if ii := getSlice(getMap(raw)["imageinfo"]); len(ii) > 0 {
			info = getMap(ii[0])
		}
	}
	if info == nil {
		return nil, &apierrors.NotFoundError{Wiki: "source", EntityType: "file", Identifier: ref.DBKey}
	}

	f := &File{
		Name: ref.DBKey,
		URL:  getString(info["url"]),
		MIME: getString(info["mime"]),
		Size: getInt(info["size"]),
	}
	f.Data, err = c.api.Download(ctx, f.URL, c.decorate())
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", f.Name, err)
	}
	return f, nil
}

func (c *Client) latestRevision(ctx context.Context, ref title.Ref, rvprop string) (map[string]any, error) {
	resp, err := c.apiRequest(ctx, url.Values{
		"action":  {"query"},
		"prop":    {"revisions"},
		"rvprop":  {rvprop},
		"rvslots": {"main"},
		"titles":  {ref.PrefixedDBKey()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read revision of %s: %w", ref.PrefixedDBKey(), err)
	}
	for _, raw := range getMap(getMap(resp["query"])["pages"]) {
		revs := getSlice(getMap(raw)["revisions"])
		if len(revs) > 0 {
			return getMap(revs[0]), nil
		}
	}
	return nil, revisionNotFound(ref)
}
