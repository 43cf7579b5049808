package boreal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

func newRequestID() string {
	return uuid.NewString()
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

const (
	loginPath   = "/session/v1/login-request"
	renewPath   = "/session/token-request"
	logoutPath  = "/session/logout-request"
	requestType = "RENEW"
)

// SessionState is the lifecycle state of a session engine.
type SessionState int

const (
	// StatePristine is the initial state: no login has been attempted.
	StatePristine SessionState = iota
	// StateConnecting means a login is in flight.
	StateConnecting
	// StateConnected means the session holds valid tokens.
	StateConnected
	// StateRenewing means a token renewal is in flight.
	StateRenewing
	// StateDisconnected is terminal: the session cannot be reused.
	StateDisconnected
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case StatePristine:
		return "pristine"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRenewing:
		return "renewing"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// RequestOptions describes one session-scoped service request.
type RequestOptions struct {
	Method  string
	URL     string
	Body    any
	Headers map[string]string

	// NoRetry disables the transport's retry loop for this request.
	NoRetry bool
	// ExcludeGUID suppresses the per-attempt request_guid parameter.
	ExcludeGUID bool
}

// SessionConfig is the serializable state of a live session. Feeding it back
// through WithTokenConfig reconstructs an equivalent connected engine in
// another process.
type SessionConfig struct {
	TokenInfo *TokenConfig `json:"tokenInfo"`
	SessionID int64        `json:"sessionId,omitempty"`
}

type opKind int

const (
	opRequest opKind = iota
	opDestroy
)

type opResult struct {
	resp *ServiceResponse
	err  error
}

// pendingOp is one queued Request or Destroy. The done channel is buffered
// so an op settled during a drain never blocks the drainer.
type pendingOp struct {
	kind opKind
	ctx  context.Context
	opts *RequestOptions
	done chan opResult
}

// SessionEngine owns the lifecycle of one authenticated session: login with
// retries, token renewal, request dispatch, and teardown. Operations
// submitted while the session is in a transient state are queued and drained
// in FIFO order once the state settles.
type SessionEngine struct {
	cfg       *Config
	transport Transport
	auth      Authenticator
	clock     clockwork.Clock

	mu    sync.Mutex
	state SessionState
	queue []*pendingOp

	token     *TokenInfo
	params    *SessionParameters
	qcc       *QueryContextCache
	sessionID int64
}

// EngineOption configures a SessionEngine.
type EngineOption func(*SessionEngine)

// WithTokenConfig rehydrates the engine from a previously serialized token
// config. A non-empty config starts the engine in the Connected state.
func WithTokenConfig(config *TokenConfig) EngineOption {
	return func(e *SessionEngine) {
		e.token = newTokenInfo(config)
	}
}

// WithClock substitutes the clock used for token expirations and retry
// sleeps.
func WithClock(clock clockwork.Clock) EngineOption {
	return func(e *SessionEngine) {
		e.clock = clock
	}
}

// NewSessionEngine builds a session engine for cfg using the given transport
// and authenticator.
func NewSessionEngine(cfg *Config, transport Transport, auth Authenticator, opts ...EngineOption) *SessionEngine {
	e := &SessionEngine{
		cfg:       cfg.withDefaults(),
		transport: transport,
		auth:      auth,
		clock:     clockwork.NewRealClock(),
		token:     newTokenInfo(nil),
		params:    newSessionParameters(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.token.IsEmpty() {
		e.state = StateConnected
	}
	return e
}

// State returns the current lifecycle state.
func (e *SessionEngine) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// TokenInfo returns the engine's token state.
func (e *SessionEngine) TokenInfo() *TokenInfo {
	return e.token
}

// Params returns the server-sent session parameters.
func (e *SessionEngine) Params() *SessionParameters {
	return e.params
}

// QueryContextCache returns the session's query-context cache, or nil when
// the cache is disabled or the session has not connected yet.
func (e *SessionEngine) QueryContextCache() *QueryContextCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.qcc
}

// SessionID returns the server-assigned session id, or 0 before login.
func (e *SessionEngine) SessionID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// GetConfig returns the serializable state of the session.
func (e *SessionEngine) GetConfig() *SessionConfig {
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()
	return &SessionConfig{
		TokenInfo: e.token.Config(),
		SessionID: sessionID,
	}
}

// Connect performs the login handshake. It blocks until the session is
// Connected or the login retry budget is exhausted. Calling Connect on a
// session that is not Pristine is an error.
func (e *SessionEngine) Connect(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateConnecting:
		e.mu.Unlock()
		return clientError(ErrCodeConnectWhileConnecting, "connect called while a connect is already in progress")
	case StateConnected, StateRenewing:
		e.mu.Unlock()
		return clientError(ErrCodeConnectWhileConnected, "connect called on an already connected session")
	case StateDisconnected:
		e.mu.Unlock()
		return clientError(ErrCodeConnectWhileDisconnected, "connect called on a disconnected session")
	}
	e.state = StateConnecting
	e.mu.Unlock()

	if err := e.auth.Authenticate(ctx, e.cfg.Authenticator, e.params.ServiceName(), e.cfg.Account, e.cfg.User); err != nil {
		e.transitionTo(StateDisconnected)
		e.drainQueue()
		return err
	}
	return e.runLogin(ctx)
}

// Request issues a session-scoped service request and returns the data
// payload of the response envelope. While the session is Connecting or
// Renewing the request is queued and executes once the state settles, in
// submission order.
func (e *SessionEngine) Request(ctx context.Context, opts *RequestOptions) (*ServiceResponse, error) {
	op := &pendingOp{kind: opRequest, ctx: ctx, opts: opts, done: make(chan opResult, 1)}
	executeNow, err := e.submit(op)
	if err != nil {
		return nil, err
	}
	if executeNow {
		e.executeOp(op)
	}
	select {
	case res := <-op.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Destroy logs the session out. A "gone session" response counts as success
// so destroy is idempotent against server-side expiry. While the session is
// in a transient state the destroy is queued behind earlier operations.
func (e *SessionEngine) Destroy(ctx context.Context) error {
	op := &pendingOp{kind: opDestroy, ctx: ctx, done: make(chan opResult, 1)}
	executeNow, err := e.submit(op)
	if err != nil {
		return err
	}
	if executeNow {
		e.executeOp(op)
	}
	select {
	case res := <-op.done:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit routes an operation by the current state: immediate error, queue,
// or execute now. It never executes the op itself.
func (e *SessionEngine) submit(op *pendingOp) (executeNow bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StatePristine:
		if op.kind == opDestroy {
			return false, clientError(ErrCodeDestroyWhilePristine, "destroy called before connect")
		}
		return false, clientError(ErrCodeRequestWhilePristine, "request issued before connect")
	case StateDisconnected:
		if op.kind == opDestroy {
			return false, clientError(ErrCodeDestroyWhileDisconnected, "destroy called on a disconnected session")
		}
		return false, clientError(ErrCodeRequestWhileDisconnected, "request issued on a disconnected session")
	case StateConnecting, StateRenewing:
		e.queue = append(e.queue, op)
		return false, nil
	default:
		return true, nil
	}
}

func (e *SessionEngine) executeOp(op *pendingOp) {
	switch op.kind {
	case opRequest:
		e.executeRequest(op)
	case opDestroy:
		e.executeDestroy(op)
	}
}

// executeRequest sends op with the session token and routes lifecycle error
// codes into state transitions. Codes outside the lifecycle set are
// forwarded to the caller untouched.
func (e *SessionEngine) executeRequest(op *pendingOp) {
	headers := e.sessionTokenHeaders()
	for k, v := range op.opts.Headers {
		headers[k] = v
	}
	resp, err := e.transport.RoundTrip(op.ctx, &ServiceRequest{
		Method:      op.opts.Method,
		URL:         op.opts.URL,
		Headers:     headers,
		Body:        op.opts.Body,
		Retryable:   !op.opts.NoRetry,
		ExcludeGUID: op.opts.ExcludeGUID,
	})
	if err != nil {
		switch operationErrorCode(err) {
		case CodeSessionTokenExpired:
			// Requeue and transition under one lock: a renewal finishing
			// concurrently cannot drain the op before the state changes, and
			// concurrent expirations fold into the single renewal that the
			// Renewing transition starts.
			prev := e.requeueAndTransition(op, StateRenewing)
			e.enterState(prev, StateRenewing)
			return
		case CodeSessionTokenInvalid, CodeGoneSession:
			prev := e.requeueAndTransition(op, StateDisconnected)
			e.enterState(prev, StateDisconnected)
			e.drainQueue()
			return
		}
	}
	op.done <- opResult{resp: resp, err: err}
}

// requeueAndTransition atomically puts op back at the head of the queue, so
// it keeps its position ahead of operations submitted later, and moves the
// state. It returns the previous state; the caller runs the entry actions.
func (e *SessionEngine) requeueAndTransition(op *pendingOp, next SessionState) SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append([]*pendingOp{op}, e.queue...)
	prev := e.state
	e.state = next
	return prev
}

func (e *SessionEngine) executeDestroy(op *pendingOp) {
	_, err := e.transport.RoundTrip(op.ctx, &ServiceRequest{
		Method:  "POST",
		URL:     logoutPath,
		Headers: e.masterTokenHeaders(),
	})
	if err != nil && operationErrorCode(err) == CodeGoneSession {
		// The server already forgot the session. Logout is idempotent.
		err = nil
	}
	if err == nil {
		e.transitionTo(StateDisconnected)
		e.drainQueue()
	}
	op.done <- opResult{err: err}
}

// transitionTo moves the state machine, running entry actions only on an
// actual change. A self-transition is a no-op, which is what bounds token
// renewal to a single in-flight call.
func (e *SessionEngine) transitionTo(next SessionState) {
	e.mu.Lock()
	prev := e.state
	e.state = next
	e.mu.Unlock()
	e.enterState(prev, next)
}

// enterState runs the entry actions for an actual state change; a
// self-transition does nothing.
func (e *SessionEngine) enterState(prev, next SessionState) {
	if prev == next {
		return
	}

	log.Debug().Stringer("from", prev).Stringer("to", next).Msg("session state transition")

	switch next {
	case StateRenewing:
		go e.runRenew(context.Background())
	case StateDisconnected:
		e.token.Clear()
		e.cfg.clearCredentials()
		e.mu.Lock()
		qcc := e.qcc
		e.mu.Unlock()
		if qcc != nil {
			qcc.Clear()
		}
	}
}

// drainQueue executes queued operations in FIFO order until the queue is
// empty or the state turns transient again. In the Disconnected state each
// queued operation fails fast instead of executing.
func (e *SessionEngine) drainQueue() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		state := e.state
		if state == StateConnecting || state == StateRenewing {
			e.mu.Unlock()
			return
		}
		op := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if state == StateDisconnected {
			op.done <- opResult{err: e.disconnectedError(op)}
			continue
		}
		e.executeOp(op)
	}
}

func (e *SessionEngine) disconnectedError(op *pendingOp) error {
	if op.kind == opDestroy {
		return clientError(ErrCodeDestroyWhileDisconnected, "destroy called on a disconnected session")
	}
	return clientError(ErrCodeRequestWhileDisconnected, "request issued on a disconnected session")
}

// --- Login ---

type loginResponseData struct {
	tokenUpdate
	SessionID  int64       `json:"sessionId"`
	Parameters []Parameter `json:"parameters"`
}

// runLogin drives the login attempt loop. The request body is built once and
// reused across attempts; the server's in-flight continuation token, when
// present in a failure, is echoed on the next attempt.
func (e *SessionEngine) runLogin(ctx context.Context) error {
	body := &loginRequest{Data: e.buildLoginRequestData()}
	startTime := e.loginStartTime()

	var (
		numRetries int
		sleep      float64
	)
	for {
		resp, err := e.transport.RoundTrip(ctx, &ServiceRequest{
			Method: "POST",
			URL:    e.buildLoginURL(numRetries, startTime),
			Body:   body,
		})
		if err == nil {
			return e.finishLogin(resp.Data)
		}

		retryable := isRetryableHTTPError(err, false) ||
			(IsNetworkError(err) && isRetryableNetworkError(err))
		if !retryable || numRetries >= e.cfg.MaxLoginRetries {
			log.Debug().Err(err).Int("retries", numRetries).Msg("login failed")
			e.transitionTo(StateDisconnected)
			e.drainQueue()
			return err
		}
		numRetries++

		if inFlight := loginInFlightContext(err); inFlight != nil {
			body.InFlightCtx = inFlight
		}
		if ra, ok := e.auth.(Reauthenticator); ok {
			if raErr := ra.Reauthenticate(ctx, body.Data); raErr != nil {
				e.transitionTo(StateDisconnected)
				e.drainQueue()
				return raErr
			}
		}

		if sleep == 0 {
			sleep = e.cfg.LoginSleepBase.Seconds()
		}
		sleep = NextSleepTime(e.cfg.LoginSleepBase.Seconds(), e.cfg.LoginSleepCap.Seconds(), sleep)
		log.Debug().Err(err).Int("attempt", numRetries).Float64("sleepSeconds", sleep).
			Msg("retrying login")

		select {
		case <-e.clock.After(secondsToDuration(sleep)):
		case <-ctx.Done():
			e.transitionTo(StateDisconnected)
			e.drainQueue()
			return ctx.Err()
		}
	}
}

func (e *SessionEngine) finishLogin(data json.RawMessage) error {
	var resp loginResponseData
	if err := json.Unmarshal(data, &resp); err != nil {
		e.transitionTo(StateDisconnected)
		e.drainQueue()
		return fmt.Errorf("malformed login response: %w", err)
	}

	e.params.Update(resp.Parameters)
	e.token.update(&resp.tokenUpdate, e.clock.Now())

	e.mu.Lock()
	e.sessionID = resp.SessionID
	if !e.cfg.DisableQueryContextCache && e.qcc == nil {
		e.qcc = NewQueryContextCache(e.params.QueryContextCacheSize())
	}
	e.mu.Unlock()

	e.transitionTo(StateConnected)
	e.drainQueue()
	return nil
}

func (e *SessionEngine) buildLoginRequestData() *LoginRequestData {
	data := &LoginRequestData{
		AccountName:       e.cfg.Account,
		ClientAppID:       clientAppID,
		ClientAppVersion:  DriverVersion,
		ClientEnvironment: e.cfg.clientEnvironment(),
	}
	if len(e.cfg.SessionParams) > 0 || e.cfg.ClientSessionKeepAlive {
		data.SessionParameters = make(map[string]any, len(e.cfg.SessionParams)+1)
		for k, v := range e.cfg.SessionParams {
			data.SessionParameters[k] = v
		}
		if e.cfg.ClientSessionKeepAlive {
			data.SessionParameters[ParamClientSessionKeepAlive] = true
		}
	}
	e.auth.UpdateBody(data)
	return data
}

func (e *SessionEngine) buildLoginURL(numRetries int, startTime string) string {
	q := url.Values{}
	if !e.cfg.QAMode {
		q.Set("requestId", newRequestID())
	}
	if e.cfg.Warehouse != "" {
		q.Set("warehouse", e.cfg.Warehouse)
	}
	if e.cfg.Database != "" {
		q.Set("databaseName", e.cfg.Database)
	}
	if e.cfg.Schema != "" {
		q.Set("schemaName", e.cfg.Schema)
	}
	if e.cfg.Role != "" {
		q.Set("roleName", e.cfg.Role)
	}
	if numRetries > 2 {
		q.Set("clientStartTime", startTime)
		q.Set("retryCount", strconv.Itoa(numRetries-1))
	}
	return loginPath + "?" + q.Encode()
}

// loginStartTime captures the wall-clock start of the connect attempt for
// the retry annotation. Plain-HTTP endpoints are only reachable in test
// setups, where a fixed value keeps recordings stable.
func (e *SessionEngine) loginStartTime() string {
	if strings.HasPrefix(e.cfg.AccessURL, "https://") {
		return strconv.FormatInt(e.clock.Now().UnixMilli(), 10)
	}
	return "FIXEDTIMESTAMP"
}

// loginInFlightContext digs the in-flight continuation token out of a failed
// login attempt, whichever error shape carried it.
func loginInFlightContext(err error) json.RawMessage {
	var oe *OperationFailedError
	if errors.As(err, &oe) {
		return oe.InFlightContext()
	}
	var rf *RequestFailedError
	if errors.As(err, &rf) && len(rf.Body) > 0 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if json.Unmarshal(rf.Body, &envelope) == nil {
			return inFlightContextFromData(envelope.Data)
		}
	}
	return nil
}

// --- Renewal ---

type renewRequest struct {
	RequestType     string `json:"REQUEST_TYPE"`
	OldSessionToken string `json:"oldSessionToken"`
}

// runRenew performs a token renewal against the master token. It is started
// by the Renewing entry action, so at most one renewal runs at a time.
func (e *SessionEngine) runRenew(ctx context.Context) {
	resp, err := e.transport.RoundTrip(ctx, &ServiceRequest{
		Method:  "POST",
		URL:     renewPath,
		Headers: e.masterTokenHeaders(),
		Body: &renewRequest{
			RequestType:     requestType,
			OldSessionToken: e.token.SessionToken(),
		},
		Retryable: true,
	})
	switch {
	case err == nil:
		var update tokenUpdate
		if jsonErr := json.Unmarshal(resp.Data, &update); jsonErr != nil {
			log.Debug().Err(jsonErr).Msg("malformed renewal response")
			e.transitionTo(StateDisconnected)
		} else {
			e.token.update(&update, e.clock.Now())
			e.transitionTo(StateConnected)
		}
	case IsNetworkError(err):
		// Transient. Return to Connected optimistically and let individual
		// requests rediscover the real state.
		log.Debug().Err(err).Msg("network error during token renewal")
		e.transitionTo(StateConnected)
	default:
		log.Debug().Err(err).Str("code", operationErrorCode(err)).Msg("token renewal failed")
		e.transitionTo(StateDisconnected)
	}
	e.drainQueue()
}

// --- Headers ---

func (e *SessionEngine) sessionTokenHeaders() map[string]string {
	headers := map[string]string{
		headerAuthorization: sessionTokenAuth(e.token.SessionToken()),
	}
	if name := e.params.ServiceName(); name != "" {
		headers[headerServiceName] = name
	}
	return headers
}

func (e *SessionEngine) masterTokenHeaders() map[string]string {
	return map[string]string{
		headerAuthorization: sessionTokenAuth(e.token.MasterToken()),
	}
}
