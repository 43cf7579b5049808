package boreal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	queryRequestPath = "/queries/v1/query-request"
	heartbeatPath    = "/session/heartbeat"
	monitoringPath   = "/monitoring/queries/"

	// defaultHeartbeatFrequency is used when the server enables keep-alive
	// without sending a frequency, in seconds.
	defaultHeartbeatFrequency = 3600
)

// Connection is the caller-visible object: it forwards lifecycle calls to
// the session engine and layers statement execution, result polling,
// heartbeats, and serialization on top.
type Connection struct {
	cfg    *Config
	engine *SessionEngine
	lrs    *LargeResultSetService
	clock  clockwork.Clock

	sequenceID atomic.Int64

	hbMu   sync.Mutex
	hbStop chan struct{}
}

// ConnOption configures a Connection.
type ConnOption func(*connOptions)

type connOptions struct {
	auth      Authenticator
	transport Transport
	clock     clockwork.Clock
	session   *SessionConfig
}

// WithAuth overrides the authenticator chosen from the config.
func WithAuth(auth Authenticator) ConnOption {
	return func(o *connOptions) { o.auth = auth }
}

// WithTransport overrides the HTTP transport.
func WithTransport(transport Transport) ConnOption {
	return func(o *connOptions) { o.transport = transport }
}

// WithConnClock substitutes the clock used for heartbeats and retries.
func WithConnClock(clock clockwork.Clock) ConnOption {
	return func(o *connOptions) { o.clock = clock }
}

// WithSerializedSession rehydrates the connection from a previously
// serialized session. The connection starts out connected; Connect must not
// be called on it.
func WithSerializedSession(session *SessionConfig) ConnOption {
	return func(o *connOptions) { o.session = session }
}

// NewConnection builds a connection for cfg. The connection is not usable
// until Connect succeeds, unless it was rehydrated with
// WithSerializedSession.
func NewConnection(cfg *Config, opts ...ConnOption) (*Connection, error) {
	cfg = cfg.withDefaults()

	var o connOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.transport == nil {
		transport, err := NewHTTPTransport(cfg, o.clock)
		if err != nil {
			return nil, err
		}
		o.transport = transport
	}
	if o.auth == nil {
		auth, err := AuthenticatorForConfig(cfg)
		if err != nil {
			return nil, err
		}
		o.auth = auth
	}

	engineOpts := []EngineOption{WithClock(o.clock)}
	if o.session != nil {
		engineOpts = append(engineOpts, WithTokenConfig(o.session.TokenInfo))
	}
	c := &Connection{
		cfg:    cfg,
		engine: NewSessionEngine(cfg, o.transport, o.auth, engineOpts...),
		lrs:    NewLargeResultSetService(cfg, o.clock),
		clock:  o.clock,
	}
	if o.session != nil {
		c.engine.sessionID = o.session.SessionID
	}
	return c, nil
}

// Engine exposes the underlying session engine.
func (c *Connection) Engine() *SessionEngine {
	return c.engine
}

// Connect logs the session in and starts the keep-alive heartbeat when
// enabled by either the config or the server's session parameters.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.engine.Connect(ctx); err != nil {
		return err
	}
	if c.cfg.ClientSessionKeepAlive || c.engine.Params().ClientSessionKeepAlive() {
		c.startHeartbeat()
	}
	return nil
}

// Destroy stops the heartbeat and logs the session out.
func (c *Connection) Destroy(ctx context.Context) error {
	c.stopHeartbeat()
	return c.engine.Destroy(ctx)
}

// State returns the lifecycle state of the underlying session.
func (c *Connection) State() SessionState {
	return c.engine.State()
}

// Serialize captures the session state so an equivalent connection can be
// reconstructed elsewhere with WithSerializedSession.
func (c *Connection) Serialize() *SessionConfig {
	return c.engine.GetConfig()
}

// --- Statement execution ---

// BindValue is one statement bind parameter on the wire.
type BindValue struct {
	Type  string  `json:"type"`
	Value *string `json:"value"`
}

// RowType describes one result column.
type RowType struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Scale     int64  `json:"scale"`
	Precision int64  `json:"precision"`
	Length    int64  `json:"length"`
	Nullable  bool   `json:"nullable"`
}

// ResultChunk points at one externally stored block of result rows.
type ResultChunk struct {
	URL      string `json:"url"`
	RowCount int    `json:"rowCount"`
}

type queryRequestBody struct {
	SQLText             string               `json:"sqlText"`
	AsyncExec           bool                 `json:"asyncExec"`
	SequenceID          int64                `json:"sequenceId"`
	QuerySubmissionTime int64                `json:"querySubmissionTime"`
	Bindings            map[string]BindValue `json:"bindings,omitempty"`
	QueryContextDTO     *QueryContextDTO     `json:"queryContextDTO,omitempty"`
}

type queryResponseData struct {
	QueryID      string            `json:"queryId"`
	GetResultURL string            `json:"getResultUrl"`
	RowType      []RowType         `json:"rowtype"`
	RowSet       [][]*string       `json:"rowset"`
	Total        int64             `json:"total"`
	Returned     int64             `json:"returned"`
	Chunks       []ResultChunk     `json:"chunks"`
	ChunkHeaders map[string]string `json:"chunkHeaders"`
	QueryContext *QueryContextDTO  `json:"queryContext"`
	Parameters   []Parameter       `json:"parameters"`
}

// Execute runs a statement and returns its result. Bind parameters are sent
// by position. Long-running statements are polled through the result URL the
// server hands back until they finish.
func (c *Connection) Execute(ctx context.Context, query string, args ...any) (*QueryResult, error) {
	body := &queryRequestBody{
		SQLText:             query,
		SequenceID:          c.sequenceID.Add(1),
		QuerySubmissionTime: c.clock.Now().UnixMilli(),
	}
	if len(args) > 0 {
		bindings, err := buildBindings(args)
		if err != nil {
			return nil, err
		}
		body.Bindings = bindings
	}
	qcc := c.engine.QueryContextCache()
	if qcc != nil {
		body.QueryContextDTO = qcc.Serialize()
	}

	resp, err := c.engine.Request(ctx, &RequestOptions{
		Method: "POST",
		URL:    queryRequestPath + "?requestId=" + newRequestID(),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	var data queryResponseData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("malformed query response: %w", err)
	}

	for resp.Code == CodeQueryInProgress || resp.Code == CodeQueryInProgressAsync {
		if data.GetResultURL == "" {
			return nil, fmt.Errorf("query in progress without a result URL")
		}
		log.Debug().Str("queryId", data.QueryID).Msg("query in progress, polling result")
		resp, err = c.engine.Request(ctx, &RequestOptions{
			Method: "GET",
			URL:    data.GetResultURL,
		})
		if err != nil {
			return nil, err
		}
		data = queryResponseData{}
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("malformed query response: %w", err)
		}
	}

	c.engine.Params().Update(data.Parameters)
	if qcc != nil {
		qcc.Deserialize(data.QueryContext)
	}
	return newQueryResult(c, &data), nil
}

// buildBindings converts Go values into positional wire bindings, keyed
// "1", "2", and so on.
func buildBindings(args []any) (map[string]BindValue, error) {
	bindings := make(map[string]BindValue, len(args))
	for i, arg := range args {
		bv, err := bindValue(arg)
		if err != nil {
			return nil, fmt.Errorf("bind parameter %d: %w", i+1, err)
		}
		bindings[strconv.Itoa(i+1)] = bv
	}
	return bindings, nil
}

func bindValue(arg any) (BindValue, error) {
	stringOf := func(s string) *string { return &s }
	switch v := arg.(type) {
	case nil:
		return BindValue{Type: "TEXT", Value: nil}, nil
	case string:
		return BindValue{Type: "TEXT", Value: stringOf(v)}, nil
	case int:
		return BindValue{Type: "FIXED", Value: stringOf(strconv.Itoa(v))}, nil
	case int64:
		return BindValue{Type: "FIXED", Value: stringOf(strconv.FormatInt(v, 10))}, nil
	case float64:
		return BindValue{Type: "REAL", Value: stringOf(strconv.FormatFloat(v, 'g', -1, 64))}, nil
	case bool:
		return BindValue{Type: "BOOLEAN", Value: stringOf(strconv.FormatBool(v))}, nil
	case []byte:
		return BindValue{Type: "BINARY", Value: stringOf(hex.EncodeToString(v))}, nil
	case time.Time:
		return BindValue{Type: "TIMESTAMP_LTZ", Value: stringOf(strconv.FormatInt(v.UnixNano(), 10))}, nil
	default:
		return BindValue{}, fmt.Errorf("unsupported type %T", arg)
	}
}

// --- Result streaming ---

// QueryResult streams the rows of one executed statement. The first rowset
// arrives inline with the query response; further chunks are fetched lazily
// from external storage as NextRow crosses chunk boundaries.
type QueryResult struct {
	conn *Connection

	QueryID string

	rowTypes     []RowType
	total        int64
	rows         [][]*string
	rowIdx       int
	chunks       []ResultChunk
	chunkIdx     int
	chunkHeaders map[string]string
}

func newQueryResult(conn *Connection, data *queryResponseData) *QueryResult {
	return &QueryResult{
		conn:         conn,
		QueryID:      data.QueryID,
		rowTypes:     data.RowType,
		total:        data.Total,
		rows:         data.RowSet,
		chunks:       data.Chunks,
		chunkHeaders: data.ChunkHeaders,
	}
}

// Columns returns the result column names in order.
func (r *QueryResult) Columns() []string {
	names := make([]string, len(r.rowTypes))
	for i, rt := range r.rowTypes {
		names[i] = rt.Name
	}
	return names
}

// RowTypes returns the result column descriptors.
func (r *QueryResult) RowTypes() []RowType {
	return r.rowTypes
}

// Total returns the total number of rows the statement produced.
func (r *QueryResult) Total() int64 {
	return r.total
}

// NextRow returns the next row, fetching the next external chunk when the
// current rowset is exhausted. It returns io.EOF after the last row. A nil
// cell is SQL NULL.
func (r *QueryResult) NextRow(ctx context.Context) ([]*string, error) {
	for r.rowIdx >= len(r.rows) {
		if r.chunkIdx >= len(r.chunks) {
			return nil, io.EOF
		}
		chunk := r.chunks[r.chunkIdx]
		r.chunkIdx++
		rows, err := r.conn.fetchChunk(ctx, chunk, r.chunkHeaders)
		if err != nil {
			return nil, err
		}
		r.rows = rows
		r.rowIdx = 0
	}
	row := r.rows[r.rowIdx]
	r.rowIdx++
	return row, nil
}

// fetchChunk downloads one external result chunk. Chunk bodies are row JSON
// without the enclosing array brackets.
func (c *Connection) fetchChunk(ctx context.Context, chunk ResultChunk, headers map[string]string) ([][]*string, error) {
	body, err := c.lrs.GetObject(ctx, chunk.URL, headers)
	if err != nil {
		return nil, err
	}
	wrapped := make([]byte, 0, len(body)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, body...)
	wrapped = append(wrapped, ']')

	var rows [][]*string
	if err := json.Unmarshal(wrapped, &rows); err != nil {
		return nil, fmt.Errorf("malformed result chunk: %w", err)
	}
	return rows, nil
}

// --- Heartbeat ---

// Heartbeat pings the server to keep the session alive.
func (c *Connection) Heartbeat(ctx context.Context) error {
	_, err := c.engine.Request(ctx, &RequestOptions{
		Method: "POST",
		URL:    heartbeatPath,
	})
	return err
}

func (c *Connection) startHeartbeat() {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.hbStop != nil {
		return
	}
	c.hbStop = make(chan struct{})

	frequency := c.engine.Params().KeepAliveHeartbeatFrequency()
	if frequency == 0 {
		frequency = defaultHeartbeatFrequency
	}
	masterValidity := (c.engine.TokenInfo().MasterTokenExpirationTime() - c.clock.Now().UnixMilli()) / 1000
	if masterValidity > 0 {
		frequency = validateHeartbeatFrequency(frequency, masterValidity)
	}

	stop := c.hbStop
	ticker := c.clock.NewTicker(time.Duration(frequency) * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if err := c.Heartbeat(context.Background()); err != nil {
					log.Debug().Err(err).Msg("session heartbeat failed")
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Connection) stopHeartbeat() {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

// --- Query monitoring ---

// QueryStatusInfo describes a monitored query.
type QueryStatusInfo struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// QueryStatus looks up the server-side status of a query by id.
func (c *Connection) QueryStatus(ctx context.Context, queryID string) (*QueryStatusInfo, error) {
	resp, err := c.engine.Request(ctx, &RequestOptions{
		Method: "GET",
		URL:    monitoringPath + queryID,
	})
	if err != nil {
		return nil, err
	}
	var data struct {
		Queries []QueryStatusInfo `json:"queries"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("malformed query status response: %w", err)
	}
	if len(data.Queries) == 0 {
		return nil, fmt.Errorf("no status returned for query %s", queryID)
	}
	return &data.Queries[0], nil
}
