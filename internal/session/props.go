package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/apiclient"
	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
)

// Protection is one protection entry of a page.
type Protection struct {
	Type   string `json:"type"`
	Level  string `json:"level"`
	Expiry string `json:"expiry"`
}

// PageProps is what the target reports about a title.
type PageProps struct {
	PageID    int               `json:"page_id"`
	Namespace int               `json:"namespace"`
	Title     string            `json:"title"`
	Missing   bool              `json:"missing"`
	Props     map[string]string `json:"props,omitempty"`

	Protection        []Protection `json:"protection,omitempty"`
	protectionChecked bool
}

// Exists reports whether the page exists on the target.
func (p *PageProps) Exists() bool {
	return p.PageID > 0 && !p.Missing
}

// EditProtected reports whether editing the page is restricted.
func (p *PageProps) EditProtected() bool {
	for _, pr := range p.Protection {
		if pr.Type == "edit" {
			return true
		}
	}
	return false
}

type queryPage struct {
	PageID     int            `json:"pageid"`
	NS         int            `json:"ns"`
	Title      string         `json:"title"`
	Missing    *string        `json:"missing"`
	Invalid    *string        `json:"invalid"`
	PageProps  map[string]any `json:"pageprops"`
	Protection []Protection   `json:"protection"`
}

type queryResponse struct {
	Query struct {
		Pages map[string]queryPage `json:"pages"`
	} `json:"query"`
}

// PageProps probes the target for pageTitle. Results are cached per title
// for the lifetime of the session.
func (s *Session) PageProps(ctx context.Context, pageTitle string) (*PageProps, error) {
	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}

	key := cacheKey(pageTitle)
	s.mu.Lock()
	if cached, ok := s.props[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	page, err := s.queryTitle(ctx, url.Values{
		"action": {"query"},
		"prop":   {"pageprops"},
		"titles": {pageTitle},
	})
	if err != nil {
		if apierrors.IsKind(err, apierrors.KindCannotCreate) {
			return nil, s.fail(err)
		}
		return nil, s.fail(apierrors.Wrap(apierrors.KindNoPageProps, "could not read page properties of "+pageTitle, err))
	}

	props := &PageProps{
		PageID:    page.PageID,
		Namespace: page.NS,
		Title:     page.Title,
		Missing:   page.Missing != nil,
		Props:     make(map[string]string, len(page.PageProps)),
	}
	for k, v := range page.PageProps {
		props.Props[k] = fmt.Sprint(v)
	}

	s.mu.Lock()
	s.props[key] = props
	s.mu.Unlock()
	return props, nil
}

// Protection returns the protection entries of pageTitle and merges them
// into the cached page properties.
func (s *Session) Protection(ctx context.Context, pageTitle string) ([]Protection, error) {
	props, err := s.PageProps(ctx, pageTitle)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if props.protectionChecked {
		out := props.Protection
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	if !props.Exists() {
		s.mu.Lock()
		props.protectionChecked = true
		s.mu.Unlock()
		return nil, nil
	}

	page, err := s.queryTitle(ctx, url.Values{
		"action": {"query"},
		"prop":   {"info"},
		"inprop": {"protection"},
		"titles": {pageTitle},
	})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindNoPageProps, "could not read protection of "+pageTitle, err)
	}

	s.mu.Lock()
	props.Protection = page.Protection
	props.protectionChecked = true
	s.mu.Unlock()
	return page.Protection, nil
}

// Forget drops the cached properties of pageTitle, e.g. after it was edited.
func (s *Session) Forget(pageTitle string) {
	s.mu.Lock()
	delete(s.props, cacheKey(pageTitle))
	s.mu.Unlock()
}

func (s *Session) queryTitle(ctx context.Context, params url.Values) (*queryPage, error) {
	resp, err := s.api.Post(ctx, params, s.auth.Decorate)
	if err != nil {
		return nil, err
	}
	var out queryResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Query.Pages) == 0 {
		return nil, apierrors.New(apierrors.KindCannotCreate, "target returned no page for "+params.Get("titles"))
	}
	for _, page := range out.Query.Pages {
		if page.Invalid != nil {
			return nil, apierrors.New(apierrors.KindCannotCreate, "title "+params.Get("titles")+" is invalid on target")
		}
		p := page
		return &p, nil
	}
	return nil, nil
}

func cacheKey(pageTitle string) string {
	return strings.ReplaceAll(strings.TrimSpace(pageTitle), " ", "_")
}

func asAPIError(err error, out **apiclient.APIError) bool {
	return err != nil && errors.As(err, out)
}
