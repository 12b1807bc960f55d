package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emberworks/hearth/internal/config"
	"github.com/emberworks/hearth/pkg/types"
)

// MCPConnector maintains sessions to external Model Context Protocol tool
// servers and exposes their tools through the Invoker interface. Discovered
// tools are registered into the dispatcher with signatures derived from each
// tool's input schema.
type MCPConnector struct {
	mu       sync.RWMutex
	client   *mcpsdk.Client
	sessions map[string]*mcpsdk.ClientSession // key: server name
	byTool   map[string]string                // tool name → server name
}

// NewMCPConnector constructs an unconnected connector. One SDK client manages
// all sessions.
func NewMCPConnector() *MCPConnector {
	return &MCPConnector{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "hearth", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
		byTool:   make(map[string]string),
	}
}

// ConnectAll connects to every configured server and registers the discovered
// tools with the dispatcher. A server that cannot be reached fails the whole
// call; partial startup is worse than a clean error.
func (c *MCPConnector) ConnectAll(ctx context.Context, cfg config.MCPConfig, d *Dispatcher) error {
	for _, server := range cfg.Servers {
		defs, err := c.Connect(ctx, server)
		if err != nil {
			return err
		}
		for _, def := range defs {
			d.Register(def, c)
		}
	}
	return nil
}

// Connect establishes a session to one server and returns its tool
// definitions. Reconnecting a known server replaces the old session.
func (c *MCPConnector) Connect(ctx context.Context, cfg config.MCPServerConfig) ([]types.ToolDefinition, error) {
	if cfg.Name == "" || cfg.URL == "" {
		return nil, fmt.Errorf("mcp: server requires name and url")
	}

	transport := &mcpsdk.StreamableClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClientFor(cfg.Token),
	}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect to %q: %w", cfg.Name, err)
	}

	var defs []types.ToolDefinition
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcp: list tools on %q: %w", cfg.Name, err)
		}
		defs = append(defs, toolDefinition(*t))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.sessions[cfg.Name]; ok {
		_ = old.Close()
		for name, srv := range c.byTool {
			if srv == cfg.Name {
				delete(c.byTool, name)
			}
		}
	}
	c.sessions[cfg.Name] = session
	for _, def := range defs {
		c.byTool[def.Name] = cfg.Name
	}
	return defs, nil
}

// Invoke implements Invoker by routing the call to the owning server session.
func (c *MCPConnector) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	c.mu.RLock()
	serverName, ok := c.byTool[name]
	session := c.sessions[serverName]
	c.mu.RUnlock()
	if !ok || session == nil {
		return nil, fmt.Errorf("mcp: no server for tool %q", name)
	}

	callResult, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %q: %w", name, err)
	}

	var sb strings.Builder
	for _, content := range callResult.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &Result{Content: sb.String(), IsError: callResult.IsError}, nil
}

// Close shuts down every session.
func (c *MCPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp: close %q: %w", name, err)
		}
		delete(c.sessions, name)
	}
	return firstErr
}

// toolDefinition converts an SDK tool into the dispatcher's signature form.
func toolDefinition(t mcpsdk.Tool) types.ToolDefinition {
	def := types.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  map[string]types.ParameterSpec{},
	}

	schema := schemaToMap(t.InputSchema)
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		spec := types.ParameterSpec{Required: required[name]}
		if typ, ok := prop["type"].(string); ok {
			spec.Type = typ
		}
		if ml, ok := prop["maxLength"].(float64); ok {
			spec.MaxLength = int(ml)
		}
		if mn, ok := prop["minimum"].(float64); ok {
			spec.Min = mn
		}
		if mx, ok := prop["maximum"].(float64); ok {
			spec.Max = mx
		}
		def.Parameters[name] = spec
	}
	return def
}

// schemaToMap round-trips a schema through JSON into a generic map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// bearerTransport injects a static Authorization header on every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

func httpClientFor(token string) *http.Client {
	if token == "" {
		return nil
	}
	return &http.Client{Transport: &bearerTransport{token: token, base: http.DefaultTransport}}
}
