package boreal

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuthConfig holds OAuth2 client credentials configuration for the OAuth
// authenticator.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string   // Token endpoint URL
	Scopes       []string // Optional scopes
}

func (c *OAuthConfig) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("oauth: ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("oauth: ClientSecret is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("oauth: TokenURL is required")
	}
	return nil
}

// oauthAuthenticator logs in with an OAuth access token obtained through the
// client credentials flow. The underlying token source handles caching and
// refresh.
type oauthAuthenticator struct {
	user        string
	tokenSource oauth2.TokenSource
}

// NewOAuthAuthenticator returns an authenticator that obtains and refreshes
// OAuth2 access tokens using the client credentials flow.
func NewOAuthAuthenticator(user string, cfg OAuthConfig) (Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return &oauthAuthenticator{
		user:        user,
		tokenSource: ccCfg.TokenSource(context.Background()),
	}, nil
}

// NewStaticTokenAuthenticator returns an authenticator that uses a
// pre-obtained OAuth access token.
func NewStaticTokenAuthenticator(user, token string) Authenticator {
	return &oauthAuthenticator{
		user:        user,
		tokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
	}
}

// Authenticate implements Authenticator: it obtains the initial token so
// that configuration problems surface before the login request is built.
func (a *oauthAuthenticator) Authenticate(_ context.Context, _ AuthType, _, _, _ string) error {
	_, err := a.tokenSource.Token()
	return err
}

// UpdateBody implements Authenticator.
func (a *oauthAuthenticator) UpdateBody(body *LoginRequestData) {
	body.LoginName = a.user
	body.Authenticator = string(AuthTypeOAuth)
	token, err := a.tokenSource.Token()
	if err != nil {
		// UpdateBody cannot return an error. Leaving the token empty makes
		// the server reject the login, which surfaces through the normal
		// error path.
		return
	}
	body.Token = token.AccessToken
}

// Reauthenticate implements Reauthenticator: the access token may have
// expired between login attempts.
func (a *oauthAuthenticator) Reauthenticate(_ context.Context, body *LoginRequestData) error {
	token, err := a.tokenSource.Token()
	if err != nil {
		return err
	}
	body.Token = token.AccessToken
	return nil
}
