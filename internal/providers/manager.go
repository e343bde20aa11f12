package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/common"
	"github.com/ternarybob/causa/internal/interfaces"
	"golang.org/x/time/rate"
)

// session is one established provider session, MCP in production
type session interface {
	callTool(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error)
	close() error
}

// dialFunc establishes a fresh session with a provider
type dialFunc func(ctx context.Context) (session, error)

// defaultBackoffSchedule is the fixed, capped reconnect schedule: a failed
// dial is retried after these waits, then the provider is marked
// unavailable for the remainder of the run.
var defaultBackoffSchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// connection is the per-provider state machine. Shared by all concurrently
// executing jobs; no job-specific state is ever stored on it.
type connection struct {
	name       string
	dial       dialFunc
	persistent bool // stdio keeps one session, HTTP dials per call
	limiter    *rate.Limiter
	sem        chan struct{}

	mu                sync.Mutex
	state             interfaces.ConnectionState
	reconnectAttempts int
	sess              session
}

// Manager owns one logical connection per tool-provider service and exposes
// Call with transparent reconnect. One instance per worker process, passed
// explicitly into job execution context.
type Manager struct {
	registry    *Registry
	connections map[string]*connection
	backoff     []time.Duration
	logger      arbor.ILogger
}

// NewManager creates a connection manager from provider configuration.
// Each configured entry becomes a declared provider with either a
// persistent stdio session or per-call HTTP sessions.
func NewManager(logger arbor.ILogger, config *common.ProvidersConfig) (*Manager, error) {
	m := &Manager{
		registry:    NewRegistry(),
		connections: make(map[string]*connection),
		backoff:     defaultBackoffSchedule,
		logger:      logger,
	}

	for name, entry := range config.Entries {
		var dial dialFunc
		persistent := false
		if entry.Command != "" {
			dial = stdioDialer(entry)
			persistent = true
		} else {
			dial = httpDialer(entry)
		}
		if err := m.addConnection(name, dial, persistent, entry.RateLimit, config.CallConcurrency); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// addConnection registers a provider with its dialer. Split out so tests
// can install stub dialers.
func (m *Manager) addConnection(name string, dial dialFunc, persistent bool, rateLimit float64, callConcurrency int) error {
	if err := m.registry.RegisterProvider(name); err != nil {
		return err
	}

	if callConcurrency <= 0 {
		callConcurrency = 1
	}

	conn := &connection{
		name:       name,
		dial:       dial,
		persistent: persistent,
		sem:        make(chan struct{}, callConcurrency),
		state:      interfaces.ConnectionDisconnected,
	}
	if rateLimit > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(rateLimit), 1)
	}

	m.connections[name] = conn

	m.logger.Debug().
		Str("provider", name).
		Bool("persistent", persistent).
		Msg("Provider connection registered")

	return nil
}

// RegisterTool routes a tool name to a declared provider. Rejected at
// registration time if the provider is unknown or the tool is already
// routed elsewhere.
func (m *Manager) RegisterTool(tool, provider string) error {
	return m.registry.RegisterTool(tool, provider)
}

// HasProvider reports whether a provider is configured
func (m *Manager) HasProvider(name string) bool {
	_, ok := m.connections[name]
	return ok
}

// State reports the current connection state for a provider. A provider
// absent from configuration is unavailable, not an error, so optional
// phases referencing it are skipped instead of failing the job.
func (m *Manager) State(provider string) interfaces.ConnectionState {
	conn, ok := m.connections[provider]
	if !ok {
		return interfaces.ConnectionUnavailable
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state
}

// Call invokes a named tool on its provider with a deadline. Safe for
// concurrent use across jobs; each call is independent and errors never
// cancel sibling calls.
func (m *Manager) Call(ctx context.Context, provider, tool string, args map[string]any, deadline time.Duration) (map[string]any, error) {
	owner, err := m.registry.ProviderFor(tool)
	if err != nil {
		return nil, err
	}
	if owner != provider {
		return nil, &ValidationError{Message: fmt.Sprintf("tool %s belongs to provider %s, not %s", tool, owner, provider)}
	}

	conn, ok := m.connections[provider]
	if !ok {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown provider: %s", provider)}
	}

	// Bounded per-provider concurrency
	select {
	case conn.sem <- struct{}{}:
		defer func() { <-conn.sem }()
	case <-ctx.Done():
		return nil, &ConnectionError{Provider: provider, Err: ctx.Err()}
	}

	if conn.limiter != nil {
		if err := conn.limiter.Wait(ctx); err != nil {
			return nil, &ConnectionError{Provider: provider, Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sess, err := conn.ensure(callCtx, m.backoff, m.logger)
	if err != nil {
		return nil, err
	}

	result, err := sess.callTool(callCtx, tool, args)
	if err != nil {
		// Connection-level failure: drop the session so the next call runs
		// the reconnect state machine
		conn.drop(sess)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Provider: provider, Tool: tool, Err: err}
		}
		return nil, &ConnectionError{Provider: provider, Err: err}
	}

	if !conn.persistent {
		if err := sess.close(); err != nil {
			m.logger.Warn().Err(err).Str("provider", provider).Msg("Failed to close provider session")
		}
	}

	if result.IsError {
		return nil, &ToolError{Provider: provider, Tool: tool, Message: textContent(result)}
	}

	return decodeResult(result)
}

// Close tears down all provider sessions
func (m *Manager) Close() error {
	var errs []string
	for name, conn := range m.connections {
		conn.mu.Lock()
		if conn.sess != nil {
			if err := conn.sess.close(); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			}
			conn.sess = nil
		}
		conn.state = interfaces.ConnectionDisconnected
		conn.mu.Unlock()
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close provider sessions: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ensure returns a live session, dialing with the backoff schedule when
// none exists. After exhausting the schedule the provider is unavailable
// for the remainder of the run.
func (c *connection) ensure(ctx context.Context, backoff []time.Duration, logger arbor.ILogger) (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == interfaces.ConnectionUnavailable {
		return nil, &ConnectionError{Provider: c.name, Err: ErrUnavailable}
	}
	if c.sess != nil {
		return c.sess, nil
	}

	c.state = interfaces.ConnectionConnecting

	var lastErr error
	for attempt := 0; ; attempt++ {
		sess, err := c.dial(ctx)
		if err == nil {
			c.state = interfaces.ConnectionConnected
			c.reconnectAttempts = 0
			if c.persistent {
				c.sess = sess
			}
			return sess, nil
		}
		lastErr = err

		if attempt >= len(backoff) {
			break
		}

		c.state = interfaces.ConnectionReconnecting
		c.reconnectAttempts = attempt + 1
		logger.Warn().
			Err(err).
			Str("provider", c.name).
			Int("attempt", c.reconnectAttempts).
			Str("backoff", backoff[attempt].String()).
			Msg("Provider dial failed, backing off")

		select {
		case <-time.After(backoff[attempt]):
		case <-ctx.Done():
			c.state = interfaces.ConnectionDisconnected
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TimeoutError{Provider: c.name, Err: ctx.Err()}
			}
			return nil, &ConnectionError{Provider: c.name, Err: ctx.Err()}
		}
	}

	c.state = interfaces.ConnectionUnavailable
	logger.Error().
		Err(lastErr).
		Str("provider", c.name).
		Msg("Provider marked unavailable after exhausting reconnect attempts")

	return nil, &ConnectionError{Provider: c.name, Err: fmt.Errorf("%w: %v", ErrUnavailable, lastErr)}
}

// drop discards a failed session. The connection returns to reconnecting on
// the next call.
func (c *connection) drop(sess session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := sess.close(); err != nil && !errors.Is(err, context.Canceled) {
		_ = err // session is gone either way
	}
	if c.sess == sess {
		c.sess = nil
	}
	if c.state == interfaces.ConnectionConnected {
		c.state = interfaces.ConnectionReconnecting
	}
}

// mcpSession adapts an mcp-go client to the session interface
type mcpSession struct {
	client *client.Client
}

func (s *mcpSession) callTool(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	return s.client.CallTool(ctx, req)
}

func (s *mcpSession) close() error {
	return s.client.Close()
}

// stdioDialer spawns the provider process and holds a persistent
// multiplexed session over stdio
func stdioDialer(entry common.ProviderConfig) dialFunc {
	return func(ctx context.Context) (session, error) {
		c, err := client.NewStdioMCPClient(entry.Command, nil, entry.Args...)
		if err != nil {
			return nil, err
		}
		if err := initialize(ctx, c); err != nil {
			_ = c.Close()
			return nil, err
		}
		return &mcpSession{client: c}, nil
	}
}

// httpDialer establishes a fresh streamable HTTP session per call,
// preventing cross-job state leakage on transports without persistent
// multiplexed sessions
func httpDialer(entry common.ProviderConfig) dialFunc {
	return func(ctx context.Context) (session, error) {
		c, err := client.NewStreamableHttpClient(entry.URL)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		if err := initialize(ctx, c); err != nil {
			_ = c.Close()
			return nil, err
		}
		return &mcpSession{client: c}, nil
	}
}

func initialize(ctx context.Context, c *client.Client) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "causa",
		Version: common.GetVersion(),
	}
	_, err := c.Initialize(ctx, req)
	return err
}

// decodeResult converts an MCP tool result into a structured payload.
// Providers return a single JSON text block; non-JSON text is wrapped
// under a "text" key.
func decodeResult(result *mcp.CallToolResult) (map[string]any, error) {
	if structured, ok := result.StructuredContent.(map[string]any); ok && structured != nil {
		return structured, nil
	}

	text := textContent(result)
	if text == "" {
		return map[string]any{}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		return payload, nil
	}
	return map[string]any{"text": text}, nil
}

func textContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, block := range result.Content {
		switch c := block.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
