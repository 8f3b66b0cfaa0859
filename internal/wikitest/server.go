// Package wikitest runs an in-memory MediaWiki action API for tests. It
// understands the subset of modules content transfer talks to: tokens, login,
// page queries, parse, edit, upload, purge and the listing modules.
package wikitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
)

const (
	LoginToken = "test-login-token"
	CSRFToken  = "test-csrf-token"

	// AnonymousToken is what MediaWiki hands out as CSRF token to logged-out clients.
	AnonymousToken = "+\\"

	sessionCookie = "fakewiki_session"
)

// Page is a page stored on the fake wiki.
type Page struct {
	ID        int
	Title     string // prefixed DB key, e.g. "Template:Box"
	Namespace int
	Content   string
	Revision  int
	Timestamp time.Time
	Protected bool
	File      []byte
	MIME      string

	// Parser output returned by action=parse.
	Templates  []string
	Images     []string // file names without namespace
	Categories []string // category names without namespace
	Links      []string
}

// Edit is a recorded action=edit call.
type Edit struct {
	Title   string
	Text    string
	Summary string
	User    string
}

// Upload is a recorded action=upload call.
type Upload struct {
	Filename string
	Text     string
	Data     []byte
}

// APIError makes the next matching module answer with an error object.
type APIError struct {
	Code string
	Info string
}

// Server is a fake wiki. Exported fields may be set before requests are made;
// use the accessor methods to read recorded calls.
type Server struct {
	*httptest.Server

	// Users maps bot-password users to passwords. Empty accepts any login.
	Users map[string]string

	// AccessToken, if set, is accepted as a bearer token.
	AccessToken string

	EditError   *APIError
	UploadError *APIError
	PurgeError  *APIError

	// FailTokens answers meta=tokens with an empty token set.
	FailTokens bool

	mu         sync.Mutex
	namespaces *title.Namespaces
	nsList     []title.Namespace
	aliases    map[string]int
	pages      map[string]*Page
	nextID     int
	nextRev    int
	sessions   map[string]string
	edits      []Edit
	uploads    []Upload
	purged     []string
	requests   []url.Values
	now        func() time.Time
}

// New starts a fake wiki with the English namespace table.
func New() *Server {
	s := &Server{
		pages:    make(map[string]*Page),
		sessions: make(map[string]string),
		nextID:   1,
		nextRev:  100,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.SetNamespaces(defaultNamespaces(), map[string]int{"Image": title.NamespaceFile})
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// APIURL returns the api.php endpoint.
func (s *Server) APIURL() string {
	return s.URL + "/w/api.php"
}

// SetNamespaces replaces the namespace table, e.g. with a localized one.
func (s *Server) SetNamespaces(list []title.Namespace, aliases map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nsList = list
	s.aliases = aliases
	s.namespaces = title.NewNamespaces(list, aliases)
}

// AddPage stores a page. Title is parsed against the namespace table; ID,
// Revision and Timestamp are filled in when zero.
func (s *Server) AddPage(p Page) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.namespaces.Parse(p.Title)
	p.Title = ref.PrefixedDBKey()
	p.Namespace = ref.Namespace
	if p.ID == 0 {
		p.ID = s.nextID
	}
	if p.ID >= s.nextID {
		s.nextID = p.ID + 1
	}
	if p.Revision == 0 {
		s.nextRev++
		p.Revision = s.nextRev
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	stored := p
	s.pages[p.Title] = &stored
	return &stored
}

// Page returns a copy of the stored page with the given title.
func (s *Server) Page(name string) (Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[s.namespaces.Parse(name).PrefixedDBKey()]
	if !ok {
		return Page{}, false
	}
	return *p, true
}

// Edits returns the recorded edits in order.
func (s *Server) Edits() []Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Edit(nil), s.edits...)
}

// Uploads returns the recorded uploads in order.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Purged returns every title purged so far.
func (s *Server) Purged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.purged...)
}

// Requests returns the parameters of every API request received.
func (s *Server) Requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.requests...)
}

// CountRequests counts received requests whose parameters contain all of match.
func (s *Server) CountRequests(match map[string]string) int {
	n := 0
	for _, req := range s.Requests() {
		ok := true
		for k, v := range match {
			if req.Get(k) != v {
				ok = false
				break
			}
		}
		if ok {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/images/") {
		s.serveFile(w, r)
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params := r.Form

	s.mu.Lock()
	s.requests = append(s.requests, cloneValues(params))
	s.mu.Unlock()

	user := s.userOf(r)

	switch params.Get("action") {
	case "login":
		s.handleLogin(w, params)
	case "query":
		s.handleQuery(w, params, user)
	case "parse":
		s.handleParse(w, params)
	case "edit":
		s.handleEdit(w, params, user)
	case "upload":
		s.handleUpload(w, r, user)
	case "purge":
		s.handlePurge(w, params, user)
	default:
		writeError(w, "badvalue", "Unrecognized value for parameter \"action\"")
	}
}

func (s *Server) userOf(r *http.Request) string {
	if s.AccessToken != "" && r.Header.Get("Authorization") == "Bearer "+s.AccessToken {
		return "token-user"
	}
	ck, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[ck.Value]
}

func (s *Server) handleLogin(w http.ResponseWriter, params url.Values) {
	if params.Get("lgtoken") != LoginToken {
		writeJSON(w, map[string]any{"login": map[string]any{"result": "WrongToken"}})
		return
	}
	name, password := params.Get("lgname"), params.Get("lgpassword")
	if s.Users != nil {
		if want, ok := s.Users[name]; !ok || want != password {
			writeJSON(w, map[string]any{"login": map[string]any{
				"result": "Failed",
				"reason": "Incorrect username or password entered. Please try again.",
			}})
			return
		}
	}

	s.mu.Lock()
	id := "sess-" + strconv.Itoa(len(s.sessions)+1)
	s.sessions[id] = name
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/"})
	writeJSON(w, map[string]any{"login": map[string]any{"result": "Success", "lgusername": name}})
}

func (s *Server) handleQuery(w http.ResponseWriter, params url.Values, user string) {
	out := map[string]any{"batchcomplete": ""}
	query := map[string]any{}

	if strings.Contains(params.Get("meta"), "tokens") {
		query["tokens"] = s.tokens(params.Get("type"), user)
	}
	if strings.Contains(params.Get("meta"), "siteinfo") {
		s.siteinfo(query, params.Get("siprop"))
	}

	switch params.Get("list") {
	case "categorymembers":
		query["categorymembers"] = s.categoryMembers(params.Get("cmtitle"))
	case "allpages":
		ns, _ := strconv.Atoi(params.Get("apnamespace"))
		query["allpages"] = s.allPages(ns)
	case "search":
		query["search"] = s.search(params.Get("srsearch"))
	}

	if titles := params.Get("titles"); titles != "" {
		s.pageQuery(query, strings.Split(titles, "|"), params)
	}

	out["query"] = query
	writeJSON(w, out)
}

func (s *Server) tokens(kind, user string) map[string]any {
	tokens := map[string]any{}
	if s.FailTokens {
		return tokens
	}
	switch kind {
	case "login":
		tokens["logintoken"] = LoginToken
	case "csrf", "":
		if user != "" {
			tokens["csrftoken"] = CSRFToken
		} else {
			tokens["csrftoken"] = AnonymousToken
		}
	}
	return tokens
}

func (s *Server) siteinfo(query map[string]any, siprop string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(siprop, "namespaces") {
		nss := map[string]any{}
		for _, ns := range s.nsList {
			entry := map[string]any{
				"id": ns.ID,
				"*":  strings.ReplaceAll(ns.Name, "_", " "),
			}
			if ns.Canonical != "" {
				entry["canonical"] = strings.ReplaceAll(ns.Canonical, "_", " ")
			}
			if ns.Content {
				entry["content"] = ""
			}
			nss[strconv.Itoa(ns.ID)] = entry
		}
		query["namespaces"] = nss
	}
	if strings.Contains(siprop, "namespacealiases") {
		aliases := make([]any, 0, len(s.aliases))
		names := make([]string, 0, len(s.aliases))
		for name := range s.aliases {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			aliases = append(aliases, map[string]any{"id": s.aliases[name], "*": name})
		}
		query["namespacealiases"] = aliases
	}
}

func (s *Server) pageQuery(query map[string]any, titles []string, params url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()

	props := params.Get("prop")
	pages := map[string]any{}
	missing := -1
	for _, raw := range titles {
		ref := s.namespaces.Parse(raw)
		key := ref.PrefixedDBKey()
		display := strings.ReplaceAll(key, "_", " ")

		page, ok := s.pages[key]
		if !ok || ref.DBKey == "" {
			entry := map[string]any{"ns": ref.Namespace, "title": display}
			if ref.DBKey == "" {
				entry["invalid"] = ""
			} else {
				entry["missing"] = ""
			}
			pages[strconv.Itoa(missing)] = entry
			missing--
			continue
		}

		entry := map[string]any{"pageid": page.ID, "ns": page.Namespace, "title": display}
		if strings.Contains(props, "pageprops") {
			entry["pageprops"] = map[string]any{}
		}
		if strings.Contains(props, "info") {
			entry["lastrevid"] = page.Revision
			entry["touched"] = page.Timestamp.Format(time.RFC3339)
			protection := []any{}
			if page.Protected {
				protection = append(protection, map[string]any{"type": "edit", "level": "sysop", "expiry": "infinity"})
			}
			entry["protection"] = protection
		}
		if strings.Contains(props, "revisions") {
			rev := map[string]any{
				"revid":     page.Revision,
				"timestamp": page.Timestamp.Format(time.RFC3339),
			}
			if strings.Contains(params.Get("rvprop"), "content") {
				rev["slots"] = map[string]any{"main": map[string]any{"contentmodel": "wikitext", "*": page.Content}}
			}
			entry["revisions"] = []any{rev}
		}
		if strings.Contains(props, "imageinfo") && page.File != nil {
			name := strings.TrimPrefix(key, s.namespaces.Local(title.NamespaceFile)+":")
			entry["imageinfo"] = []any{map[string]any{
				"url":  s.URL + "/images/" + name,
				"mime": page.MIME,
				"size": len(page.File),
			}}
		}
		pages[strconv.Itoa(page.ID)] = entry
	}
	query["pages"] = pages
}

func (s *Server) categoryMembers(cmtitle string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat := s.namespaces.Parse(cmtitle).DBKey
	members := []any{}
	for _, p := range s.sortedPages() {
		for _, c := range p.Categories {
			if title.DBKey(c) == cat {
				members = append(members, map[string]any{"pageid": p.ID, "ns": p.Namespace, "title": strings.ReplaceAll(p.Title, "_", " ")})
				break
			}
		}
	}
	return members
}

func (s *Server) allPages(ns int) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []any{}
	for _, p := range s.sortedPages() {
		if p.Namespace == ns {
			out = append(out, map[string]any{"pageid": p.ID, "ns": p.Namespace, "title": strings.ReplaceAll(p.Title, "_", " ")})
		}
	}
	return out
}

func (s *Server) search(query string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	term := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(query, "intitle:")))
	out := []any{}
	for _, p := range s.sortedPages() {
		text := strings.ToLower(strings.ReplaceAll(p.Title, "_", " "))
		if strings.Contains(text, term) {
			out = append(out, map[string]any{"pageid": p.ID, "ns": p.Namespace, "title": strings.ReplaceAll(p.Title, "_", " ")})
		}
	}
	return out
}

func (s *Server) sortedPages() []*Page {
	out := make([]*Page, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) handleParse(w http.ResponseWriter, params url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := s.namespaces.Parse(params.Get("page"))
	page, ok := s.pages[ref.PrefixedDBKey()]
	if !ok {
		writeError(w, "missingtitle", "The page you specified doesn't exist.")
		return
	}

	templates := []any{}
	for _, t := range page.Templates {
		tr := s.namespaces.Parse(t)
		templates = append(templates, s.linkEntry(tr))
	}
	links := []any{}
	for _, l := range page.Links {
		lr := s.namespaces.Parse(l)
		links = append(links, s.linkEntry(lr))
	}
	categories := []any{}
	for _, c := range page.Categories {
		categories = append(categories, map[string]any{"sortkey": "", "*": title.DBKey(c)})
	}
	images := []any{}
	for _, img := range page.Images {
		images = append(images, title.DBKey(img))
	}

	writeJSON(w, map[string]any{"parse": map[string]any{
		"title":      strings.ReplaceAll(page.Title, "_", " "),
		"pageid":     page.ID,
		"revid":      page.Revision,
		"templates":  templates,
		"images":     images,
		"categories": categories,
		"links":      links,
	}})
}

func (s *Server) linkEntry(ref title.Ref) map[string]any {
	entry := map[string]any{"ns": ref.Namespace, "*": strings.ReplaceAll(ref.PrefixedDBKey(), "_", " ")}
	if _, ok := s.pages[ref.PrefixedDBKey()]; ok {
		entry["exists"] = ""
	}
	return entry
}

func (s *Server) handleEdit(w http.ResponseWriter, params url.Values, user string) {
	if params.Get("token") != CSRFToken || user == "" {
		writeError(w, "badtoken", "Invalid CSRF token.")
		return
	}
	if s.EditError != nil {
		writeError(w, s.EditError.Code, s.EditError.Info)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := s.namespaces.Parse(params.Get("title"))
	key := ref.PrefixedDBKey()
	page, ok := s.pages[key]
	if !ok {
		page = &Page{ID: s.nextID, Title: key, Namespace: ref.Namespace}
		s.nextID++
		s.pages[key] = page
	}
	s.nextRev++
	page.Content = params.Get("text")
	page.Revision = s.nextRev
	page.Timestamp = s.now()

	s.edits = append(s.edits, Edit{Title: key, Text: params.Get("text"), Summary: params.Get("summary"), User: user})
	writeJSON(w, map[string]any{"edit": map[string]any{
		"result":   "Success",
		"pageid":   page.ID,
		"title":    strings.ReplaceAll(key, "_", " "),
		"newrevid": page.Revision,
	}})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user string) {
	if r.FormValue("token") != CSRFToken || user == "" {
		writeError(w, "badtoken", "Invalid CSRF token.")
		return
	}
	if s.UploadError != nil {
		writeError(w, s.UploadError.Code, s.UploadError.Info)
		return
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, "nofile", "No file was uploaded.")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, "internal_api_error", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filename := title.DBKey(r.FormValue("filename"))
	key := s.namespaces.Local(title.NamespaceFile) + ":" + filename
	if existing, ok := s.pages[key]; ok && string(existing.File) == string(data) {
		writeError(w, "fileexists-no-change", "The upload is an exact duplicate of the current version of [[:File:"+filename+"]].")
		return
	}

	page, ok := s.pages[key]
	if !ok {
		page = &Page{ID: s.nextID, Title: key, Namespace: title.NamespaceFile, Content: r.FormValue("text")}
		s.nextID++
		s.pages[key] = page
	}
	s.nextRev++
	page.File = data
	page.Revision = s.nextRev
	page.Timestamp = s.now()

	s.uploads = append(s.uploads, Upload{Filename: filename, Text: r.FormValue("text"), Data: data})
	writeJSON(w, map[string]any{"upload": map[string]any{"result": "Success", "filename": filename}})
}

func (s *Server) handlePurge(w http.ResponseWriter, params url.Values, user string) {
	if s.PurgeError != nil {
		writeError(w, s.PurgeError.Code, s.PurgeError.Info)
		return
	}
	titles := strings.Split(params.Get("titles"), "|")

	s.mu.Lock()
	defer s.mu.Unlock()
	result := []any{}
	for _, t := range titles {
		if t == "" {
			continue
		}
		s.purged = append(s.purged, t)
		result = append(result, map[string]any{"title": t, "purged": ""})
	}
	writeJSON(w, map[string]any{"batchcomplete": "", "purge": result})
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.TrimPrefix(r.URL.Path, "/images/")
	page, ok := s.pages[s.namespaces.Local(title.NamespaceFile)+":"+name]
	if !ok || page.File == nil {
		http.NotFound(w, r)
		return
	}
	if page.MIME != "" {
		w.Header().Set("Content-Type", page.MIME)
	}
	_, _ = w.Write(page.File)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code, info string) {
	writeJSON(w, map[string]any{"error": map[string]any{"code": code, "info": info}})
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func defaultNamespaces() []title.Namespace {
	return []title.Namespace{
		{ID: title.NamespaceMedia, Name: "Media", Canonical: "Media"},
		{ID: title.NamespaceSpecial, Name: "Special", Canonical: "Special"},
		{ID: title.NamespaceMain, Content: true},
		{ID: title.NamespaceTalk, Name: "Talk", Canonical: "Talk"},
		{ID: title.NamespaceUser, Name: "User", Canonical: "User"},
		{ID: title.NamespaceProject, Name: "Project", Canonical: "Project"},
		{ID: title.NamespaceFile, Name: "File", Canonical: "File"},
		{ID: title.NamespaceMediaWiki, Name: "MediaWiki", Canonical: "MediaWiki"},
		{ID: title.NamespaceTemplate, Name: "Template", Canonical: "Template"},
		{ID: title.NamespaceHelp, Name: "Help", Canonical: "Help"},
		{ID: title.NamespaceCategory, Name: "Category", Canonical: "Category"},
	}
}

// German returns the namespace table of a German-language wiki.
func German() ([]title.Namespace, map[string]int) {
	return []title.Namespace{
		{ID: title.NamespaceMedia, Name: "Medium", Canonical: "Media"},
		{ID: title.NamespaceSpecial, Name: "Spezial", Canonical: "Special"},
		{ID: title.NamespaceMain, Content: true},
		{ID: title.NamespaceTalk, Name: "Diskussion", Canonical: "Talk"},
		{ID: title.NamespaceUser, Name: "Benutzer", Canonical: "User"},
		{ID: title.NamespaceProject, Name: "Projekt", Canonical: "Project"},
		{ID: title.NamespaceFile, Name: "Datei", Canonical: "File"},
		{ID: title.NamespaceMediaWiki, Name: "MediaWiki", Canonical: "MediaWiki"},
		{ID: title.NamespaceTemplate, Name: "Vorlage", Canonical: "Template"},
		{ID: title.NamespaceHelp, Name: "Hilfe", Canonical: "Help"},
		{ID: title.NamespaceCategory, Name: "Kategorie", Canonical: "Category"},
	}, map[string]int{"Bild": title.NamespaceFile}
}

// String describes the stored pages, for test failure messages.
func (s *Server) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.pages))
	for name := range s.pages {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("fake wiki with pages %v", names)
}
