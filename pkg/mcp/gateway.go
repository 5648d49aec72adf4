package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/listopia/pkg/logging"
	"github.com/odvcencio/listopia/pkg/telemetry"
)

const maxBodyBytes = 1 << 20

// scope decides which tools a gateway exposes and how tools/call resolves a
// name. An endpoint scope binds exactly one tool; an aggregate scope serves
// the whole registry.
type scope interface {
	name() string
	list() []Tool
	resolve(toolName string) (Tool, *Error)
}

type endpointScope struct{ tool Tool }

func (s endpointScope) name() string { return s.tool.Name }
func (s endpointScope) list() []Tool { return []Tool{s.tool} }
func (s endpointScope) resolve(toolName string) (Tool, *Error) {
	if toolName != s.tool.Name {
		return Tool{}, newError(InvalidParams, "tool %q is not served by the %s endpoint", toolName, s.tool.Name)
	}
	return s.tool, nil
}

type aggregateScope struct {
	serverName string
	registry   *Registry
}

func (s aggregateScope) name() string { return s.serverName }
func (s aggregateScope) list() []Tool { return s.registry.Tools() }
func (s aggregateScope) resolve(toolName string) (Tool, *Error) {
	t, ok := s.registry.Lookup(toolName)
	if !ok {
		return Tool{}, newError(InvalidParams, "unknown tool %q", toolName)
	}
	return t, nil
}

// Options configure a Gateway.
type Options struct {
	Versions Versions
	Version  string
	Logger   *logging.Logger
}

// Gateway is a stateless JSON-RPC endpoint over a tool scope.
type Gateway struct {
	scope    scope
	versions Versions
	info     ServerInfo
	log      *logging.Logger
}

// NewEndpoint serves the single tool named toolName from reg.
func NewEndpoint(reg *Registry, toolName string, opts Options) (*Gateway, error) {
	t, ok := reg.Lookup(toolName)
	if !ok {
		return nil, fmt.Errorf("tool %s is not registered", toolName)
	}
	return newGateway(endpointScope{tool: t}, opts), nil
}

// NewAggregate serves every tool in reg from one endpoint; tools/call
// dispatches on params.name.
func NewAggregate(reg *Registry, serverName string, opts Options) *Gateway {
	return newGateway(aggregateScope{serverName: serverName, registry: reg}, opts)
}

func newGateway(s scope, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Gateway{
		scope:    s,
		versions: opts.Versions,
		info:     ServerInfo{Name: s.name(), Version: opts.Version},
		log:      opts.Logger.Component("mcp").WithTool(s.name()),
	}
}

// Name is the bound tool name, or the server name for an aggregate.
func (g *Gateway) Name() string { return g.scope.name() }

// Liveness is the GET probe body.
type Liveness struct {
	OK    bool     `json:"ok"`
	Name  string   `json:"name"`
	MCP   bool     `json:"mcp"`
	Tools []string `json:"tools,omitempty"`
}

// Liveness reports the probe body; it has no side effects.
func (g *Gateway) Liveness() Liveness {
	l := Liveness{OK: true, Name: g.scope.name(), MCP: true}
	if _, ok := g.scope.(aggregateScope); ok {
		for _, t := range g.scope.list() {
			l.Tools = append(l.Tools, t.Name)
		}
	}
	return l
}

// ServeHTTP answers GET/OPTIONS with the liveness probe and POST with
// JSON-RPC. Every valid envelope yields HTTP 200; notifications yield 204.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	headerVersion := r.Header.Get(HeaderProtocolVersion)

	switch r.Method {
	case http.MethodGet, http.MethodOptions, http.MethodHead:
		w.Header().Set(HeaderProtocolVersion, g.versions.Negotiate("", headerVersion))
		writeJSON(w, http.StatusOK, g.Liveness())
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		w.Header().Set(HeaderProtocolVersion, g.versions.Negotiate("", headerVersion))
		writeJSON(w, http.StatusOK, errorResponse(nil, newError(ParseError, "read body: %v", err)))
		return
	}

	payload, version := g.HandlePayload(r.Context(), headerVersion, body)
	w.Header().Set(HeaderProtocolVersion, version)
	if payload == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// HandlePayload processes a raw POST body, single or batch. It returns the
// value to encode (nil when nothing should be sent) and the protocol version
// to advertise.
func (g *Gateway) HandlePayload(ctx context.Context, headerVersion string, body []byte) (any, string) {
	version := g.versions.Negotiate("", headerVersion)
	trimmed := bytes.TrimSpace(body)

	if !json.Valid(trimmed) {
		return errorResponse(nil, newError(ParseError, "parse error")), version
	}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return errorResponse(nil, newError(ParseError, "parse error")), version
		}
		if len(items) == 0 {
			return errorResponse(nil, newError(InvalidRequest, "empty batch")), version
		}
		responses := make([]*Response, 0, len(items))
		for _, item := range items {
			resp, v := g.handleRaw(ctx, headerVersion, item)
			if v != "" {
				version = v
			}
			if resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			return nil, version
		}
		return responses, version
	}

	resp, v := g.handleRaw(ctx, headerVersion, trimmed)
	if v != "" {
		version = v
	}
	if resp == nil {
		return nil, version
	}
	return resp, version
}

// handleRaw decodes one envelope. The returned version is non-empty only
// when the message was an initialize.
func (g *Gateway) handleRaw(ctx context.Context, headerVersion string, raw json.RawMessage) (*Response, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return errorResponse(nil, newError(InvalidRequest, "request must be an object")), ""
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, newError(InvalidRequest, "invalid request: %v", err)), ""
	}
	return g.Handle(ctx, headerVersion, &req)
}

// Handle dispatches one decoded request. It returns nil for notifications.
func (g *Gateway) Handle(ctx context.Context, headerVersion string, req *Request) (resp *Response, version string) {
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		// A broken envelope cannot be trusted to be a notification.
		telemetry.RPCRequests.WithLabelValues("invalid", strconv.Itoa(InvalidRequest)).Inc()
		return errorResponse(req.ID, newError(InvalidRequest, "invalid request: jsonrpc must be %q and method is required", JSONRPCVersion)), ""
	}

	ctx, span := telemetry.StartSpan(ctx, "rpc."+req.Method,
		attribute.String("rpc.method", req.Method),
		attribute.String("mcp.scope", g.scope.name()),
	)
	defer span.End()

	result, rpcErr, version := g.dispatch(ctx, headerVersion, req)

	code := "0"
	if rpcErr != nil {
		code = strconv.Itoa(rpcErr.Code)
		span.SetAttributes(attribute.Int("rpc.error_code", rpcErr.Code))
	}
	telemetry.RPCRequests.WithLabelValues(metricMethod(req.Method), code).Inc()

	if req.IsNotification() {
		return nil, version
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr), version
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Result: result}, version
}

func (g *Gateway) dispatch(ctx context.Context, headerVersion string, req *Request) (result any, rpcErr *Error, version string) {
	defer func() {
		if p := recover(); p != nil {
			g.log.Error("rpc handler panic", slog.String("method", req.Method), slog.Any("panic", p))
			result, rpcErr = nil, newError(InternalError, "internal error")
		}
	}()

	switch req.Method {
	case MethodInitialize:
		var params InitializeParams
		if hasParams(req.Params) {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, newError(InvalidParams, "invalid initialize params: %v", err), ""
			}
		}
		version = g.versions.Negotiate(params.ProtocolVersion, headerVersion)
		return InitializeResult{
			ProtocolVersion: version,
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
			ServerInfo:      g.info,
		}, nil, version

	case MethodToolsList:
		tools := g.scope.list()
		defs := make([]ToolDefinition, len(tools))
		for i, t := range tools {
			defs[i] = t.Definition()
		}
		return ToolsListResult{Tools: defs}, nil, ""

	case MethodToolsCall:
		res, err := g.callTool(ctx, req.Params)
		if err != nil {
			return nil, err, ""
		}
		return res, nil, ""

	case "notifications/initialized", "ping":
		return map[string]any{}, nil, ""

	default:
		return nil, newError(MethodNotFound, "method not found: %s", req.Method), ""
	}
}

func (g *Gateway) callTool(ctx context.Context, raw json.RawMessage) (*ToolCallResult, *Error) {
	var params ToolCallParams
	if !hasParams(raw) {
		return nil, newError(InvalidParams, "tools/call requires params")
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, newError(InvalidParams, "invalid tools/call params: %v", err)
	}
	if params.Name == "" {
		return nil, newError(InvalidParams, "tools/call requires params.name")
	}

	tool, rpcErr := g.scope.resolve(params.Name)
	if rpcErr != nil {
		return nil, rpcErr
	}

	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArguments(tool.InputSchema, args); err != nil {
		telemetry.ToolCalls.WithLabelValues(tool.Name, "invalid").Inc()
		return nil, &Error{Code: InvalidParams, Message: err.Error()}
	}

	return g.invoke(ctx, tool, args), nil
}

// invoke runs the handler and folds its failure into the result payload.
func (g *Gateway) invoke(ctx context.Context, tool Tool, args map[string]any) *ToolCallResult {
	out, err := tool.Handler(ctx, args)
	telemetry.ToolCalls.WithLabelValues(tool.Name, telemetry.Outcome(err)).Inc()
	if err != nil {
		g.log.WithContext(ctx).Warn("tool returned error", slog.String("tool", tool.Name), slog.String("error", err.Error()))
		data := map[string]any{}
		for k, v := range out.Data {
			data[k] = v
		}
		data["error"] = err.Error()
		return textResult(err.Error(), true, data)
	}
	return textResult(out.Text, false, out.Data)
}

// CallTool invokes a tool in-process with the same resolution, validation
// and error folding as tools/call over HTTP.
func (g *Gateway) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	tool, rpcErr := g.scope.resolve(name)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArguments(tool.InputSchema, args); err != nil {
		return nil, &Error{Code: InvalidParams, Message: err.Error()}
	}
	return g.invoke(ctx, tool, args), nil
}

func hasParams(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

func errorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: err}
}

// metricMethod keeps label cardinality bounded.
func metricMethod(method string) string {
	switch method {
	case MethodInitialize, MethodToolsList, MethodToolsCall:
		return method
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
