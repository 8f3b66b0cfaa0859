// Package target describes the receiving wikis content can be pushed to and
// how each of them is authenticated against.
package target

import (
	"strings"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/apiclient"
	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
)

// Credential is one bot-password login of a target wiki.
type Credential struct {
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
}

// Spec is the configured form of a target. Keys follow the transfer
// configuration format, so JSON target definitions load unchanged.
type Spec struct {
	URL         string       `yaml:"url"`
	Users       []Credential `yaml:"users"`
	User        string       `yaml:"user"`
	Password    string       `yaml:"password"`
	AccessToken string       `yaml:"access_token"`

	DraftNamespace string `yaml:"draftNamespace"`
	PushToDraft    bool   `yaml:"pushToDraft"`
	DisplayText    string `yaml:"displayText"`

	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	IgnoreInsecureSSL bool    `yaml:"ignoreInsecureSSL"`
}

// Target is a receiving wiki. It is immutable; WithUser returns a copy.
type Target struct {
	key         string
	url         string
	users       []Credential
	accessToken string

	draftNamespace string
	pushToDraft    bool
	displayText    string

	requestsPerSecond float64
	insecure          bool

	selected string
}

// New builds a target from its configured form.
func New(key string, spec Spec) (*Target, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apierrors.NewValidationError("target", "", "target key is required")
	}
	if strings.TrimSpace(spec.URL) == "" {
		return nil, apierrors.NewValidationError("url", key, "target has no API URL")
	}

	users := append([]Credential(nil), spec.Users...)
	if len(users) == 0 && spec.User != "" && spec.Password != "" {
		users = append(users, Credential{User: spec.User, Password: spec.Password})
	}
	if len(users) == 0 && spec.AccessToken == "" {
		return nil, apierrors.NewValidationError("users", key, "target needs bot-password users or an access token")
	}

	return &Target{
		key:               key,
		url:               strings.TrimSpace(spec.URL),
		users:             users,
		accessToken:       spec.AccessToken,
		draftNamespace:    strings.TrimSpace(spec.DraftNamespace),
		pushToDraft:       spec.PushToDraft,
		displayText:       spec.DisplayText,
		requestsPerSecond: spec.RequestsPerSecond,
		insecure:          spec.IgnoreInsecureSSL,
	}, nil
}

func (t *Target) Key() string {
	return t.key
}

// URL is the api.php endpoint of the target.
func (t *Target) URL() string {
	return t.url
}

func (t *Target) DraftNamespace() string {
	return t.draftNamespace
}

// PushToDraft reports whether pages go to the draft namespace. It only takes
// effect when a draft namespace is configured.
func (t *Target) PushToDraft() bool {
	return t.pushToDraft && t.draftNamespace != ""
}

// DisplayText returns the label of the target, falling back to its key.
func (t *Target) DisplayText() string {
	if t.displayText != "" {
		return t.displayText
	}
	return t.key
}

// Users returns the names of the candidate bot-password users.
func (t *Target) Users() []string {
	names := make([]string, 0, len(t.users))
	for _, u := range t.users {
		names = append(names, u.User)
	}
	return names
}

// UsesAccessToken reports whether the target authenticates with a static token.
func (t *Target) UsesAccessToken() bool {
	return t.accessToken != ""
}

// SelectedUser returns the user that will log in: the one chosen with
// WithUser, or the first candidate.
func (t *Target) SelectedUser() string {
	if c := t.credential(); c != nil {
		return c.User
	}
	return ""
}

// WithUser returns a copy of the target that logs in as the named user.
func (t *Target) WithUser(name string) (*Target, error) {
	name = strings.TrimSpace(name)
	for _, u := range t.users {
		if u.User == name {
			cp := *t
			cp.selected = name
			return &cp, nil
		}
	}
	return nil, apierrors.New(apierrors.KindInvalidTarget, "user "+name+" is not configured for target "+t.key)
}

// NewAuthenticator returns a fresh authenticator for one session.
func (t *Target) NewAuthenticator() Authenticator {
	if t.accessToken != "" {
		return NewStaticToken(t.accessToken)
	}
	return NewBotPassword(t.url, t.credential())
}

// Endpoint returns the transport configuration of the target's API.
func (t *Target) Endpoint() apiclient.Config {
	return apiclient.Config{
		Name:               t.key,
		URL:                t.url,
		InsecureSkipVerify: t.insecure,
		RequestsPerSecond:  t.requestsPerSecond,
	}
}

// ClientView is the target as shown to clients: no secrets.
type ClientView struct {
	URL            string   `json:"url"`
	PushToDraft    bool     `json:"push_to_draft"`
	DraftNamespace string   `json:"draft_namespace"`
	DisplayText    string   `json:"display_text"`
	Users          []string `json:"users"`
}

// ForClient returns the secret-free view of the target.
func (t *Target) ForClient() ClientView {
	return ClientView{
		URL:            t.url,
		PushToDraft:    t.PushToDraft(),
		DraftNamespace: t.draftNamespace,
		DisplayText:    t.DisplayText(),
		Users:          t.Users(),
	}
}

func (t *Target) credential() *Credential {
	if len(t.users) == 0 {
		return nil
	}
	for i := range t.users {
		if t.users[i].User == t.selected {
			c := t.users[i]
			return &c
		}
	}
	c := t.users[0]
	return &c
}
