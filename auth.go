package boreal

import (
	"context"
	"encoding/json"
	"fmt"
)

// AuthType selects an authentication strategy.
type AuthType string

const (
	// AuthTypePassword is the default username/password login.
	AuthTypePassword AuthType = "BOREAL"
	// AuthTypeKeyPair authenticates with a JWT signed by a registered
	// RSA key pair.
	AuthTypeKeyPair AuthType = "BOREAL_JWT"
	// AuthTypeOAuth authenticates with an OAuth access token.
	AuthTypeOAuth AuthType = "OAUTH"
)

// LoginRequestData is the data object of the login request body. The
// authenticator in use mutates it in place with credential fields before the
// request is sent.
type LoginRequestData struct {
	AccountName       string            `json:"ACCOUNT_NAME"`
	LoginName         string            `json:"LOGIN_NAME"`
	Password          string            `json:"PASSWORD,omitempty"`
	Authenticator     string            `json:"AUTHENTICATOR,omitempty"`
	Token             string            `json:"TOKEN,omitempty"`
	ClientAppID       string            `json:"CLIENT_APP_ID"`
	ClientAppVersion  string            `json:"CLIENT_APP_VERSION"`
	ClientEnvironment map[string]any    `json:"CLIENT_ENVIRONMENT,omitempty"`
	SessionParameters map[string]any    `json:"SESSION_PARAMETERS,omitempty"`
}

// loginRequest is the full login request body. The in-flight context is an
// opaque token the server may hand back on a failed attempt; it must be
// echoed on the retry.
type loginRequest struct {
	Data        *LoginRequestData `json:"data"`
	InFlightCtx json.RawMessage   `json:"inFlightCtx,omitempty"`
}

// Authenticator prepares credentials for a login request. Implementations
// cover the different authentication strategies the service supports; the
// session engine only depends on this contract.
type Authenticator interface {
	// Authenticate performs any preparatory work the strategy needs, such
	// as obtaining an external token.
	Authenticate(ctx context.Context, authnKind AuthType, serviceName, account, user string) error
	// UpdateBody mutates the outgoing login body in place with credential
	// fields.
	UpdateBody(body *LoginRequestData)
}

// Reauthenticator is implemented by authenticators whose credentials can
// expire between login attempts and must be refreshed before a retry.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context, body *LoginRequestData) error
}

// AuthenticatorForConfig returns the authenticator selected by
// cfg.Authenticator.
func AuthenticatorForConfig(cfg *Config) (Authenticator, error) {
	switch cfg.Authenticator {
	case "", AuthTypePassword:
		return NewPasswordAuthenticator(cfg.User, cfg.Password), nil
	default:
		return nil, fmt.Errorf("unsupported authenticator %q", cfg.Authenticator)
	}
}

// passwordAuthenticator is the default username/password strategy.
type passwordAuthenticator struct {
	user     string
	password string
}

// NewPasswordAuthenticator returns the default username/password
// authenticator.
func NewPasswordAuthenticator(user, password string) Authenticator {
	return &passwordAuthenticator{user: user, password: password}
}

// Authenticate implements Authenticator.
func (a *passwordAuthenticator) Authenticate(_ context.Context, _ AuthType, _, _, user string) error {
	if user == "" {
		return fmt.Errorf("username is required for password authentication")
	}
	if a.password == "" {
		return fmt.Errorf("password is required for password authentication")
	}
	return nil
}

// UpdateBody implements Authenticator.
func (a *passwordAuthenticator) UpdateBody(body *LoginRequestData) {
	body.LoginName = a.user
	body.Password = a.password
}
