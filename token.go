package boreal

import (
	"sync"
	"time"
)

// TokenConfig is the serializable form of a TokenInfo. Expiration times are
// absolute epoch milliseconds.
type TokenConfig struct {
	MasterToken                string `json:"masterToken"`
	SessionToken               string `json:"sessionToken"`
	MasterTokenExpirationTime  int64  `json:"masterTokenExpirationTime"`
	SessionTokenExpirationTime int64  `json:"sessionTokenExpirationTime"`
}

// tokenUpdate carries the token fields of a login or renewal response. The
// service has used two generations of field names for the validity values;
// both are accepted.
type tokenUpdate struct {
	Token                   string  `json:"token"`
	SessionToken            string  `json:"sessionToken"`
	MasterToken             string  `json:"masterToken"`
	ValidityInSeconds       float64 `json:"validityInSeconds"`
	ValidityInSecondsST     float64 `json:"validityInSecondsST"`
	MasterValidityInSeconds float64 `json:"masterValidityInSeconds"`
	ValidityInSecondsMT     float64 `json:"validityInSecondsMT"`
}

func (u *tokenUpdate) sessionToken() string {
	if u.Token != "" {
		return u.Token
	}
	return u.SessionToken
}

func (u *tokenUpdate) sessionValidity() float64 {
	if u.ValidityInSeconds != 0 {
		return u.ValidityInSeconds
	}
	return u.ValidityInSecondsST
}

func (u *tokenUpdate) masterValidity() float64 {
	if u.MasterValidityInSeconds != 0 {
		return u.MasterValidityInSeconds
	}
	return u.ValidityInSecondsMT
}

// TokenInfo holds the session's master and session tokens together with
// their absolute expiration times. It is owned by exactly one session engine
// and cleared in full when the session becomes fatally disconnected, so that
// the secrets cannot leak through later introspection.
type TokenInfo struct {
	mu                         sync.Mutex
	masterToken                string
	sessionToken               string
	masterTokenExpirationTime  int64
	sessionTokenExpirationTime int64
}

// newTokenInfo builds a TokenInfo from a previously serialized config, or an
// empty one if config is nil.
func newTokenInfo(config *TokenConfig) *TokenInfo {
	t := &TokenInfo{}
	if config != nil {
		t.masterToken = config.MasterToken
		t.sessionToken = config.SessionToken
		t.masterTokenExpirationTime = config.MasterTokenExpirationTime
		t.sessionTokenExpirationTime = config.SessionTokenExpirationTime
	}
	return t
}

// IsEmpty reports whether any token-related information is missing. The four
// fields are either all present or the object is considered empty.
func (t *TokenInfo) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.masterToken == "" ||
		t.sessionToken == "" ||
		t.masterTokenExpirationTime == 0 ||
		t.sessionTokenExpirationTime == 0
}

// Clear discards all token-related information.
func (t *TokenInfo) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.masterToken = ""
	t.sessionToken = ""
	t.masterTokenExpirationTime = 0
	t.sessionTokenExpirationTime = 0
}

// update replaces the tokens and recomputes their expiration times from the
// validity durations of a successful login or renewal response.
func (t *TokenInfo) update(u *tokenUpdate, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	currentTime := now.UnixMilli()
	t.masterToken = u.MasterToken
	t.sessionToken = u.sessionToken()
	t.masterTokenExpirationTime = currentTime + int64(1000*u.masterValidity())
	t.sessionTokenExpirationTime = currentTime + int64(1000*u.sessionValidity())
}

// MasterToken returns the current master token.
func (t *TokenInfo) MasterToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.masterToken
}

// SessionToken returns the current session token.
func (t *TokenInfo) SessionToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionToken
}

// MasterTokenExpirationTime returns the master token expiry in epoch
// milliseconds.
func (t *TokenInfo) MasterTokenExpirationTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.masterTokenExpirationTime
}

// SessionTokenExpirationTime returns the session token expiry in epoch
// milliseconds.
func (t *TokenInfo) SessionTokenExpirationTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionTokenExpirationTime
}

// Config returns a TokenConfig that reconstructs an equivalent TokenInfo.
func (t *TokenInfo) Config() *TokenConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &TokenConfig{
		MasterToken:                t.masterToken,
		SessionToken:               t.sessionToken,
		MasterTokenExpirationTime:  t.masterTokenExpirationTime,
		SessionTokenExpirationTime: t.sessionTokenExpirationTime,
	}
}
