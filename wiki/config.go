package wiki

import (
	"os"
	"strconv"
	"time"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/apiclient"
)

// Config holds the connection settings of the source wiki
type Config struct {
	// BaseURL is the wiki API endpoint (e.g., https://wiki.example.com/w/api.php)
	BaseURL string `yaml:"url"`

	// Username for bot password authentication (optional, for wikis with read restrictions)
	Username string `yaml:"user"`

	// Password for bot password authentication
	Password string `yaml:"password"`

	// AccessToken is sent as bearer token instead of logging in
	AccessToken string `yaml:"access_token"`

	// Timeout for API requests
	Timeout time.Duration `yaml:"timeout"`

	// UserAgent identifies the client to the wiki
	UserAgent string `yaml:"user_agent"`

	// MaxRetries for failed requests
	MaxRetries int `yaml:"max_retries"`

	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	InsecureSkipVerify bool    `yaml:"ignore_insecure_ssl"`

	// PageLimit caps the number of pages a selection returns
	PageLimit int `yaml:"page_limit"`

	// OnlyContentNamespaces restricts selections to content namespaces
	OnlyContentNamespaces bool `yaml:"only_content_namespaces"`
}

// ApplyEnv overrides fields with the MEDIAWIKI_* environment variables that are set
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MEDIAWIKI_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("MEDIAWIKI_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("MEDIAWIKI_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("MEDIAWIKI_ACCESS_TOKEN"); v != "" {
		c.AccessToken = v
	}
	if v := os.Getenv("MEDIAWIKI_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if t := os.Getenv("MEDIAWIKI_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			c.Timeout = d
		}
	}
	if r := os.Getenv("MEDIAWIKI_MAX_RETRIES"); r != "" {
		if n, err := strconv.Atoi(r); err == nil && n >= 0 {
			c.MaxRetries = n
		}
	}
}

// HasCredentials returns true if authentication credentials are configured
func (c *Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// Endpoint returns the transport settings of the source wiki.
func (c *Config) Endpoint() apiclient.Config {
	return apiclient.Config{
		Name:               "source",
		URL:                c.BaseURL,
		UserAgent:          c.UserAgent,
		Timeout:            c.Timeout,
		MaxRetries:         c.MaxRetries,
		InsecureSkipVerify: c.InsecureSkipVerify,
		RequestsPerSecond:  c.RequestsPerSecond,
	}
}
