package boreal

import "sync"

// Session parameter names understood by the client. The service may send
// arbitrarily many others; they are retained verbatim and readable through
// Get.
const (
	ParamServiceName                 = "SERVICE_NAME"
	ParamClientSessionKeepAlive      = "CLIENT_SESSION_KEEP_ALIVE"
	ParamKeepAliveHeartbeatFrequency = "CLIENT_SESSION_KEEP_ALIVE_HEARTBEAT_FREQUENCY"
	ParamQueryContextCacheSize       = "QUERY_CONTEXT_CACHE_SIZE"
)

// defaultQueryContextCacheSize is used when the server does not send
// QUERY_CONTEXT_CACHE_SIZE.
const defaultQueryContextCacheSize = 5

// Parameter is a single session parameter as sent by the service in login
// and renewal responses.
type Parameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// SessionParameters holds the session parameters the server has sent for one
// session. It is owned by the session engine and handed to collaborators that
// need parameter values, instead of process-wide mutable state.
type SessionParameters struct {
	mu     sync.RWMutex
	values map[string]any
}

func newSessionParameters() *SessionParameters {
	return &SessionParameters{values: make(map[string]any)}
}

// Update folds a server-sent parameter batch into the set.
func (p *SessionParameters) Update(params []Parameter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, param := range params {
		p.values[param.Name] = param.Value
	}
}

// Get returns the raw value of a parameter.
func (p *SessionParameters) Get(name string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	return v, ok
}

// ServiceName returns the service name the server asked the client to echo
// on subsequent requests, or the empty string.
func (p *SessionParameters) ServiceName() string {
	if v, ok := p.Get(ParamServiceName); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ClientSessionKeepAlive reports whether the server enabled keep-alive
// heartbeats for this session.
func (p *SessionParameters) ClientSessionKeepAlive() bool {
	if v, ok := p.Get(ParamClientSessionKeepAlive); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// KeepAliveHeartbeatFrequency returns the heartbeat interval in seconds, or
// 0 when the server did not send one.
func (p *SessionParameters) KeepAliveHeartbeatFrequency() int64 {
	if v, ok := p.Get(ParamKeepAliveHeartbeatFrequency); ok {
		if n, ok := v.(float64); ok {
			return int64(n)
		}
	}
	return 0
}

// QueryContextCacheSize returns the capacity the server requested for the
// query-context cache.
func (p *SessionParameters) QueryContextCacheSize() int {
	if v, ok := p.Get(ParamQueryContextCacheSize); ok {
		if n, ok := v.(float64); ok && n > 0 {
			return int(n)
		}
	}
	return defaultQueryContextCacheSize
}

// validateHeartbeatFrequency clamps a heartbeat frequency (seconds) to the
// range the master token validity allows: at most a quarter of the validity,
// at least a sixteenth.
func validateHeartbeatFrequency(input, masterValiditySeconds int64) int64 {
	realMax := masterValiditySeconds / 4
	realMin := realMax / 4
	if input > realMax {
		return realMax
	}
	if input < realMin {
		return realMin
	}
	return input
}
