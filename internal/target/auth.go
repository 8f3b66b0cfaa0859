package target

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/apiclient"
	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
)

// Caller executes an action API request against the target.
type Caller interface {
	Post(ctx context.Context, params url.Values, decorate apiclient.Decorator) (*apiclient.Response, error)
}

// Authenticator establishes and carries the identity used against a target.
type Authenticator interface {
	// Authenticate logs in if needed. Calling it again after success is a no-op.
	Authenticate(ctx context.Context, c Caller) error

	// Decorate attaches the identity to an outgoing request.
	Decorate(req *http.Request)

	IsAuthenticated() bool

	// Status returns the last authentication failure, or nil.
	Status() error
}

// BotPassword logs in with action=login and keeps the session cookies.
type BotPassword struct {
	mu            sync.Mutex
	credential    *Credential
	apiURL        *url.URL
	jar           *cookiejar.Jar
	authenticated bool
	status        error
}

// NewBotPassword creates a bot-password authenticator. A nil credential
// fails every authentication attempt.
func NewBotPassword(apiURL string, credential *Credential) *BotPassword {
	jar, _ := cookiejar.New(nil)
	u, err := url.Parse(apiURL)
	if err != nil {
		u = &url.URL{}
	}
	return &BotPassword{credential: credential, apiURL: u, jar: jar}
}

func (b *BotPassword) Authenticate(ctx context.Context, c Caller) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.authenticated {
		return nil
	}
	if b.credential == nil {
		return b.fail(apierrors.New(apierrors.KindAuthenticationFailed, "no user configured for target"), "no-user")
	}

	token, err := b.loginToken(ctx, c)
	if err != nil {
		return b.fail(err, "no-login-token")
	}

	resp, err := c.Post(ctx, url.Values{
		"action":     {"login"},
		"lgname":     {b.credential.User},
		"lgpassword": {b.credential.Password},
		"lgtoken":    {token},
	}, b.decorate)
	if err != nil {
		return b.fail(apierrors.Wrap(apierrors.KindAuthenticationFailed, "login request failed", err), "request")
	}
	b.jar.SetCookies(b.apiURL, resp.Cookies)

	var out struct {
		Login struct {
			Result string `json:"result"`
			Reason string `json:"reason"`
		} `json:"login"`
	}
	if err := resp.Decode(&out); err != nil {
		return b.fail(apierrors.Wrap(apierrors.KindAuthenticationFailed, "login response unreadable", err), "request")
	}
	if out.Login.Result != "Success" {
		reason := out.Login.Reason
		if reason == "" {
			reason = out.Login.Result
		}
		return b.fail(apierrors.Remote(apierrors.KindAuthenticationFailed, fmt.Sprintf("login as %s failed", b.credential.User), reason), "bad-login")
	}

	b.authenticated = true
	b.status = nil
	return nil
}

func (b *BotPassword) loginToken(ctx context.Context, c Caller) (string, error) {
	resp, err := c.Post(ctx, url.Values{
		"action": {"query"},
		"meta":   {"tokens"},
		"type":   {"login"},
	}, b.decorate)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindNoLoginToken, "could not obtain login token", err)
	}
	b.jar.SetCookies(b.apiURL, resp.Cookies)

	var out struct {
		Query struct {
			Tokens struct {
				Login string `json:"logintoken"`
			} `json:"tokens"`
		} `json:"query"`
	}
	if err := resp.Decode(&out); err != nil || out.Query.Tokens.Login == "" {
		return "", apierrors.Wrap(apierrors.KindNoLoginToken, "could not obtain login token", err)
	}
	return out.Query.Tokens.Login, nil
}

func (b *BotPassword) fail(err error, reason string) error {
	b.status = err
	metrics.AuthFailures.WithLabelValues(b.apiURL.Host, reason).Inc()
	return err
}

// Decorate adds the session cookies collected during login.
func (b *BotPassword) Decorate(req *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decorate(req)
}

func (b *BotPassword) decorate(req *http.Request) {
	for _, ck := range b.jar.Cookies(req.URL) {
		req.AddCookie(ck)
	}
}

func (b *BotPassword) IsAuthenticated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticated
}

func (b *BotPassword) Status() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// StaticToken authenticates with a fixed OAuth access token.
type StaticToken struct {
	token string
}

func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

// Authenticate is a no-op; the token is sent with every request.
func (s *StaticToken) Authenticate(context.Context, Caller) error {
	return nil
}

func (s *StaticToken) Decorate(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.token)
}

func (s *StaticToken) IsAuthenticated() bool {
	return true
}

func (s *StaticToken) Status() error {
	return nil
}
