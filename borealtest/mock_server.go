// Package borealtest provides a mock Boreal service for integration testing.
package borealtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/borealdb/boreal-go"
)

// MockQueryTemplate defines the canned result set for a specific SQL string.
//
// Rows are delivered through the inline rowset unless ChunkRows is set, in
// which case the first ChunkRows rows stay inline and the remainder is split
// into external chunks of the same size, served from the mock's chunk
// endpoint. InProgressPolls makes the first N responses report the query as
// still running, forcing the client through the result-polling loop.
type MockQueryTemplate struct {
	SQL             string
	Columns         []boreal.RowType
	Rows            [][]*string
	ChunkRows       int
	InProgressPolls int

	// ErrorCode and ErrorMessage, when set, make the query fail.
	ErrorCode    string
	ErrorMessage string
}

type activeQuery struct {
	id       string
	template *MockQueryTemplate
	polls    int
}

// MockBorealServer simulates the Boreal service for integration testing:
// login with scripted failures, token renewal, logout, heartbeats, query
// execution with result polling, and external result chunks.
type MockBorealServer struct {
	server *httptest.Server

	mu            sync.Mutex
	templates     map[string]*MockQueryTemplate
	activeQueries map[string]*activeQuery

	// Scripted behaviors.
	loginFailuresLeft  int
	loginFailureStatus int
	loginFailureCode   string
	expireTokenOnce    bool
	renewFailCode      string
	chunk403Left       int

	tokenCounter   atomic.Int64
	queryIDCounter atomic.Int64

	// Counters for assertions.
	LoginAttempts  atomic.Int64
	RenewCount     atomic.Int64
	LogoutCount    atomic.Int64
	HeartbeatCount atomic.Int64
	ChunkFetches   atomic.Int64
}

// NewMockBorealServer starts a mock service on a loopback listener.
func NewMockBorealServer() *MockBorealServer {
	mock := &MockBorealServer{
		templates:     make(map[string]*MockQueryTemplate),
		activeQueries: make(map[string]*activeQuery),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/v1/login-request", mock.handleLogin)
	mux.HandleFunc("POST /session/token-request", mock.handleRenew)
	mux.HandleFunc("POST /session/logout-request", mock.handleLogout)
	mux.HandleFunc("POST /session/heartbeat", mock.handleHeartbeat)
	mux.HandleFunc("POST /queries/v1/query-request", mock.handleQuery)
	mux.HandleFunc("GET /queries/v1/query-result/{queryId}", mock.handleQueryResult)
	mux.HandleFunc("GET /monitoring/queries/{queryId}", mock.handleMonitoring)
	mux.HandleFunc("GET /chunks/{queryId}/{chunkId}", mock.handleChunk)

	mock.server = httptest.NewServer(mux)
	return mock
}

// URL returns the base URL of the mock service.
func (m *MockBorealServer) URL() string {
	return m.server.URL
}

// Close shuts the mock service down.
func (m *MockBorealServer) Close() {
	m.server.Close()
}

// AddQuery registers a SQL template.
func (m *MockBorealServer) AddQuery(tmpl *MockQueryTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tmpl.SQL] = tmpl
}

// ScriptLoginFailures makes the next n login attempts fail with the given
// HTTP status code.
func (m *MockBorealServer) ScriptLoginFailures(n, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginFailuresLeft = n
	m.loginFailureStatus = statusCode
	m.loginFailureCode = ""
}

// ScriptLoginErrorCode makes the next n login attempts fail with a
// success=false envelope carrying the given service error code.
func (m *MockBorealServer) ScriptLoginErrorCode(n int, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginFailuresLeft = n
	m.loginFailureStatus = 0
	m.loginFailureCode = code
}

// ExpireSessionTokenOnce makes the next query request fail with a
// session-token-expired error, forcing the client through a renewal.
func (m *MockBorealServer) ExpireSessionTokenOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireTokenOnce = true
}

// ScriptRenewFailure makes the next token renewal fail with the given
// service error code.
func (m *MockBorealServer) ScriptRenewFailure(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewFailCode = code
}

// ScriptChunk403Failures makes the next n chunk fetches answer 403.
func (m *MockBorealServer) ScriptChunk403Failures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunk403Left = n
}

// --- Envelope helpers ---

func writeEnvelope(w http.ResponseWriter, success bool, code, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{
		"success": success,
		"message": message,
		"data":    data,
	}
	if code != "" {
		body["code"] = code
	}
	_ = json.NewEncoder(w).Encode(body)
}

// --- Session handlers ---

func (m *MockBorealServer) tokenData() map[string]any {
	n := m.tokenCounter.Add(1)
	return map[string]any{
		"token":                   fmt.Sprintf("session-token-%d", n),
		"masterToken":             fmt.Sprintf("master-token-%d", n),
		"validityInSeconds":       3600,
		"masterValidityInSeconds": 14400,
	}
}

func (m *MockBorealServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.LoginAttempts.Add(1)

	m.mu.Lock()
	if m.loginFailuresLeft > 0 {
		m.loginFailuresLeft--
		status := m.loginFailureStatus
		code := m.loginFailureCode
		m.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"data":{"inFlightCtx":"retry-me"}}`)
			return
		}
		writeEnvelope(w, false, code, "login failed", map[string]any{"inFlightCtx": "retry-me"})
		return
	}
	m.mu.Unlock()

	data := m.tokenData()
	data["sessionId"] = 4242
	data["parameters"] = []map[string]any{
		{"name": "QUERY_CONTEXT_CACHE_SIZE", "value": 5},
	}
	writeEnvelope(w, true, "", "", data)
}

func (m *MockBorealServer) handleRenew(w http.ResponseWriter, r *http.Request) {
	m.RenewCount.Add(1)

	var body struct {
		RequestType     string `json:"REQUEST_TYPE"`
		OldSessionToken string `json:"oldSessionToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.RequestType != "RENEW" || body.OldSessionToken == "" {
		writeEnvelope(w, false, "390104", "malformed renewal request", nil)
		return
	}

	m.mu.Lock()
	if m.renewFailCode != "" {
		code := m.renewFailCode
		m.renewFailCode = ""
		m.mu.Unlock()
		writeEnvelope(w, false, code, "renewal failed", nil)
		return
	}
	m.mu.Unlock()

	writeEnvelope(w, true, "", "", m.tokenData())
}

func (m *MockBorealServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	m.LogoutCount.Add(1)
	writeEnvelope(w, true, "", "", nil)
}

func (m *MockBorealServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	m.HeartbeatCount.Add(1)
	writeEnvelope(w, true, "", "", nil)
}

// --- Query handlers ---

func (m *MockBorealServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.expireTokenOnce {
		m.expireTokenOnce = false
		m.mu.Unlock()
		writeEnvelope(w, false, "390112", "session token expired", nil)
		return
	}
	m.mu.Unlock()

	var body struct {
		SQLText string `json:"sqlText"`
	}
	raw, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(raw, &body)

	m.mu.Lock()
	template, exists := m.templates[body.SQLText]
	m.mu.Unlock()

	if !exists {
		value := "default success"
		template = &MockQueryTemplate{
			SQL:     body.SQLText,
			Columns: []boreal.RowType{{Name: "result", Type: "text"}},
			Rows:    [][]*string{{&value}},
		}
	}

	queryID := fmt.Sprintf("query-%d", m.queryIDCounter.Add(1))
	query := &activeQuery{id: queryID, template: template}
	m.mu.Lock()
	m.activeQueries[queryID] = query
	m.mu.Unlock()

	m.sendQueryResponse(w, query)
}

func (m *MockBorealServer) handleQueryResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("queryId")
	m.mu.Lock()
	query, exists := m.activeQueries[id]
	m.mu.Unlock()
	if !exists {
		writeEnvelope(w, false, "390111", "no such session", nil)
		return
	}
	m.sendQueryResponse(w, query)
}

func (m *MockBorealServer) sendQueryResponse(w http.ResponseWriter, query *activeQuery) {
	tmpl := query.template

	if tmpl.ErrorCode != "" {
		writeEnvelope(w, false, tmpl.ErrorCode, tmpl.ErrorMessage, map[string]any{
			"queryId":  query.id,
			"sqlState": "02000",
		})
		return
	}

	m.mu.Lock()
	if query.polls < tmpl.InProgressPolls {
		query.polls++
		m.mu.Unlock()
		writeEnvelope(w, true, "333333", "query in progress", map[string]any{
			"queryId":      query.id,
			"getResultUrl": "/queries/v1/query-result/" + query.id,
		})
		return
	}
	m.mu.Unlock()

	inline := tmpl.Rows
	var chunks []map[string]any
	if tmpl.ChunkRows > 0 && tmpl.ChunkRows < len(tmpl.Rows) {
		inline = tmpl.Rows[:tmpl.ChunkRows]
		for i, start := 0, tmpl.ChunkRows; start < len(tmpl.Rows); i, start = i+1, start+tmpl.ChunkRows {
			end := start + tmpl.ChunkRows
			if end > len(tmpl.Rows) {
				end = len(tmpl.Rows)
			}
			chunks = append(chunks, map[string]any{
				"url":      fmt.Sprintf("%s/chunks/%s/%d", m.server.URL, query.id, i),
				"rowCount": end - start,
			})
		}
	}

	data := map[string]any{
		"queryId": query.id,
		"rowtype": tmpl.Columns,
		"rowset":  inline,
		"total":   len(tmpl.Rows),
		"queryContext": map[string]any{
			"entries": []map[string]any{
				{"id": 0, "timestamp": m.queryIDCounter.Load(), "priority": 0, "context": "bWFpbi1jdHg="},
			},
		},
	}
	if len(chunks) > 0 {
		data["chunks"] = chunks
		data["chunkHeaders"] = map[string]string{"x-chunk-auth": "mock"}
	}
	writeEnvelope(w, true, "", "", data)
}

func (m *MockBorealServer) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("queryId")
	m.mu.Lock()
	_, active := m.activeQueries[id]
	m.mu.Unlock()
	status := "SUCCESS"
	if !active {
		status = "FAILED_WITH_ERROR"
	}
	writeEnvelope(w, true, "", "", map[string]any{
		"queries": []map[string]any{{"id": id, "status": status}},
	})
}

// handleChunk serves one externally stored result chunk: row JSON without
// the enclosing array brackets, matching the storage format.
func (m *MockBorealServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	m.ChunkFetches.Add(1)

	m.mu.Lock()
	if m.chunk403Left > 0 {
		m.chunk403Left--
		m.mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
		return
	}
	query, exists := m.activeQueries[r.PathValue("queryId")]
	m.mu.Unlock()
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	chunkID, err := strconv.Atoi(r.PathValue("chunkId"))
	tmpl := query.template
	if err != nil || tmpl.ChunkRows <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	start := tmpl.ChunkRows + chunkID*tmpl.ChunkRows
	if start >= len(tmpl.Rows) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	end := start + tmpl.ChunkRows
	if end > len(tmpl.Rows) {
		end = len(tmpl.Rows)
	}

	var buf bytes.Buffer
	for i, row := range tmpl.Rows[start:end] {
		if i > 0 {
			buf.WriteByte(',')
		}
		rowJSON, _ := json.Marshal(row)
		buf.Write(rowJSON)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(buf.Bytes())
}
