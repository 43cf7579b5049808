package boreal

import (
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

const (
	// DriverVersion is reported to the service as CLIENT_APP_VERSION.
	DriverVersion = "1.2.0"

	// clientAppID is reported to the service as CLIENT_APP_ID.
	clientAppID = "Go"
)

// Default retry knobs. The login path uses decorrelated jitter with its own
// base and cap; the generic request path uses the jittered exponential
// backoff bounded by MaxRetryTimeout.
const (
	defaultMaxLoginRetries       = 7
	defaultLoginSleepBase        = 1 * time.Second
	defaultLoginSleepCap         = 16 * time.Second
	defaultMaxRetryTimeout       = 300 * time.Second
	defaultLargeResultMaxRetries = 10
	defaultLargeResultSleepCap   = 16 * time.Second
	defaultRequestTimeout        = 60 * time.Second
)

// Config holds everything needed to open a session against the Boreal
// service. Zero values are filled in by NewConnection; most callers build a
// Config with ParseDSN.
type Config struct {
	// Account is the service account name, e.g. "myaccount".
	Account string
	// User and Password authenticate the default password authenticator.
	User     string
	Password string
	// AccessURL is the base URL of the service, e.g.
	// "https://myaccount.borealdata.com".
	AccessURL string

	Database  string
	Schema    string
	Warehouse string
	Role      string

	// Application identifies the calling application in the client
	// environment sent at login.
	Application string

	// Authenticator selects the authentication strategy (AuthTypePassword,
	// AuthTypeKeyPair, AuthTypeOAuth). Empty means password.
	Authenticator AuthType

	// SessionParams are sent as SESSION_PARAMETERS in the login request.
	SessionParams map[string]any

	// ClientSessionKeepAlive asks the server to keep the session alive and
	// enables the client-side heartbeat loop.
	ClientSessionKeepAlive bool

	// DisableQueryContextCache turns off the per-session query-context
	// cache.
	DisableQueryContextCache bool

	// QAMode suppresses request ids on login requests so that test
	// recordings stay stable.
	QAMode bool

	// MaxLoginRetries bounds the number of login retry attempts.
	MaxLoginRetries int
	// LoginSleepBase and LoginSleepCap parameterize the decorrelated jitter
	// used between login attempts.
	LoginSleepBase time.Duration
	LoginSleepCap  time.Duration
	// MaxRetryTimeout bounds the cumulative sleep of the generic request
	// retry path. 0 means unlimited.
	MaxRetryTimeout time.Duration
	// LargeResultMaxRetries and LargeResultSleepCap parameterize result
	// chunk download retries.
	LargeResultMaxRetries int
	LargeResultSleepCap   time.Duration
	// RequestTimeout applies per HTTP call.
	RequestTimeout time.Duration

	// HTTPClient overrides the HTTP client used for all calls.
	HTTPClient *http.Client
}

// withDefaults returns a copy of c with zero-valued knobs replaced by the
// package defaults.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Authenticator == "" {
		out.Authenticator = AuthTypePassword
	}
	if out.MaxLoginRetries == 0 {
		out.MaxLoginRetries = defaultMaxLoginRetries
	}
	if out.LoginSleepBase == 0 {
		out.LoginSleepBase = defaultLoginSleepBase
	}
	if out.LoginSleepCap == 0 {
		out.LoginSleepCap = defaultLoginSleepCap
	}
	if out.MaxRetryTimeout == 0 {
		out.MaxRetryTimeout = defaultMaxRetryTimeout
	}
	if out.LargeResultMaxRetries == 0 {
		out.LargeResultMaxRetries = defaultLargeResultMaxRetries
	}
	if out.LargeResultSleepCap == 0 {
		out.LargeResultSleepCap = defaultLargeResultSleepCap
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = defaultRequestTimeout
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: out.RequestTimeout}
	}
	return &out
}

// clearCredentials wipes the secrets held by the config. Called when the
// session becomes fatally disconnected so that later introspection cannot
// leak them.
func (c *Config) clearCredentials() {
	c.Password = ""
}

// clientEnvironment describes the process for the CLIENT_ENVIRONMENT login
// field.
func (c *Config) clientEnvironment() map[string]any {
	env := map[string]any{
		"OS":         runtime.GOOS,
		"OCSP_MODE":  "FAIL_OPEN",
		"GO_VERSION": runtime.Version(),
	}
	if c.Application != "" {
		env["APPLICATION"] = c.Application
	}
	return env
}

// ParseDSN parses a Boreal DSN string.
//
// Format: boreal://[user[:password]@]account.host[:port][/database[/schema]][?key=value&...]
//
// Recognized query params: warehouse, role, application, authenticator,
// maxLoginRetries, retryTimeout, requestTimeout, keepAlive,
// disableQueryContextCache. Duration-valued params accept extended notation
// such as "90s", "5m", or "1h30m". Unrecognized params become session
// parameters.
func ParseDSN(dsn string) (*Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	if u.Scheme != "boreal" {
		return nil, fmt.Errorf("unsupported scheme %q: must be boreal", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host in DSN")
	}

	cfg := &Config{
		SessionParams: make(map[string]any),
	}

	if u.User != nil {
		cfg.User = u.User.Username()
		if p, ok := u.User.Password(); ok {
			cfg.Password = p
		}
	}

	host := u.Hostname()
	cfg.Account = strings.SplitN(host, ".", 2)[0]
	if p := u.Port(); p != "" {
		cfg.AccessURL = fmt.Sprintf("https://%s:%s", host, p)
	} else {
		cfg.AccessURL = "https://" + host
	}

	// Path: /database/schema
	path := strings.TrimPrefix(u.Path, "/")
	if path != "" {
		parts := strings.SplitN(path, "/", 2)
		cfg.Database = parts[0]
		if len(parts) > 1 {
			cfg.Schema = parts[1]
		}
	}

	for key, values := range u.Query() {
		val := values[0]
		switch key {
		case "warehouse":
			cfg.Warehouse = val
		case "role":
			cfg.Role = val
		case "application":
			cfg.Application = val
		case "authenticator":
			cfg.Authenticator = AuthType(strings.ToUpper(val))
		case "maxLoginRetries":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid maxLoginRetries %q: %w", val, err)
			}
			cfg.MaxLoginRetries = n
		case "retryTimeout":
			d, err := str2duration.ParseDuration(val)
			if err != nil {
				return nil, fmt.Errorf("invalid retryTimeout %q: %w", val, err)
			}
			cfg.MaxRetryTimeout = d
		case "requestTimeout":
			d, err := str2duration.ParseDuration(val)
			if err != nil {
				return nil, fmt.Errorf("invalid requestTimeout %q: %w", val, err)
			}
			cfg.RequestTimeout = d
		case "keepAlive":
			cfg.ClientSessionKeepAlive = val == "true"
		case "disableQueryContextCache":
			cfg.DisableQueryContextCache = val == "true"
		default:
			cfg.SessionParams[key] = val
		}
	}

	return cfg, nil
}
