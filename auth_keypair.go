package boreal

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// keyPairTokenLifetime is the validity window of a signed login JWT. The
// token only needs to survive the login round trip, retries included; a
// fresh one is signed before every retry.
const keyPairTokenLifetime = 120 * time.Second

// keyPairAuthenticator signs a short-lived JWT with a registered RSA private
// key. The issuer claim carries the SHA-256 fingerprint of the public key so
// the service can locate the registered key.
type keyPairAuthenticator struct {
	account string
	user    string
	key     *rsa.PrivateKey

	token string
}

// NewKeyPairAuthenticator returns an authenticator that signs login JWTs
// with the given RSA private key.
func NewKeyPairAuthenticator(account, user string, key *rsa.PrivateKey) Authenticator {
	return &keyPairAuthenticator{account: account, user: user, key: key}
}

// Authenticate implements Authenticator: it signs the initial JWT.
func (a *keyPairAuthenticator) Authenticate(_ context.Context, _ AuthType, _, account, user string) error {
	if a.key == nil {
		return fmt.Errorf("private key is required for key-pair authentication")
	}
	if account != "" {
		a.account = account
	}
	if user != "" {
		a.user = user
	}
	return a.sign()
}

// UpdateBody implements Authenticator.
func (a *keyPairAuthenticator) UpdateBody(body *LoginRequestData) {
	body.LoginName = a.user
	body.Authenticator = string(AuthTypeKeyPair)
	body.Token = a.token
}

// Reauthenticate implements Reauthenticator: the JWT may have expired while
// the engine was sleeping between login retries, so a fresh one is signed
// and written back into the body.
func (a *keyPairAuthenticator) Reauthenticate(_ context.Context, body *LoginRequestData) error {
	if err := a.sign(); err != nil {
		return err
	}
	body.Token = a.token
	return nil
}

func (a *keyPairAuthenticator) sign() error {
	fingerprint, err := publicKeyFingerprint(&a.key.PublicKey)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", strings.ToUpper(a.account), strings.ToUpper(a.user))
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": fmt.Sprintf("%s.%s", subject, fingerprint),
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(keyPairTokenLifetime).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return fmt.Errorf("failed to sign login token: %w", err)
	}
	a.token = token
	return nil
}

// publicKeyFingerprint computes the service-side identifier of a registered
// public key: the base64 SHA-256 of its DER encoding.
func publicKeyFingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}
