// Package fetch builds the HTTP clients the shell uses outside the engine:
// extension resource loading and other shell-side requests.
package fetch

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultTimeout             = 30 * time.Second
	DefaultRetryMax            = 3
	DefaultRetryWaitMin        = 500 * time.Millisecond
	DefaultRetryWaitMax        = 10 * time.Second
	DefaultUserAgent           = "browsershell/1.0"
	defaultDialTimeout         = 15 * time.Second
	defaultKeepAlive           = 30 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultIdleConnTimeout     = 90 * time.Second
	defaultMaxIdleConnsPerHost = 10
)

// Config holds the fetch settings.
type Config struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryMax     int           `mapstructure:"retry_max" yaml:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min" yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max" yaml:"retry_wait_max"`
	UserAgent    string        `mapstructure:"user_agent" yaml:"user_agent"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = DefaultRetryWaitMin
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		c.RetryWaitMax = DefaultRetryWaitMax
		if c.RetryWaitMax < c.RetryWaitMin {
			c.RetryWaitMax = c.RetryWaitMin
		}
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// NewCookieJar returns a jar that scopes cookies by public suffix.
func NewCookieJar() http.CookieJar {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

// NewTransport returns the base transport. Compression is left to the
// decoding layer NewClient puts on top.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
	}
}

// NewClient returns a client that retries transient failures, decodes
// br/gzip/deflate bodies and keeps cookies in jar. A nil jar disables
// cookies.
func NewClient(logger *zap.Logger, cfg Config, jar http.CookieJar) *http.Client {
	return newClient(logger, cfg, jar, NewTransport())
}

func newClient(logger *zap.Logger, cfg Config, jar http.CookieJar, base http.RoundTripper) *http.Client {
	cfg = cfg.withDefaults()
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Transport: &userAgentTransport{
			agent: cfg.UserAgent,
			next:  &decompressingTransport{next: base},
		},
		Jar:     jar,
		Timeout: cfg.Timeout,
	}
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Logger = leveledLogger{logger.Named("fetch").Sugar()}
	// Hand the last response back instead of a "giving up" error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc.StandardClient()
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.next.RoundTrip(req)
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger. Retry chatter
// goes to debug.
type leveledLogger struct{ s *zap.SugaredLogger }

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
