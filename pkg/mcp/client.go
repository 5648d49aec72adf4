package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client calls tools/call on a remote JSON-RPC tool endpoint over HTTP.
type Client struct {
	url             string
	httpClient      *http.Client
	protocolVersion string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithProtocolVersion sets the MCP-Protocol-Version request header.
func WithProtocolVersion(v string) ClientOption {
	return func(c *Client) { c.protocolVersion = v }
}

// NewClient creates a client for the endpoint at url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("endpoint url is required")
	}
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CallTool sends tools/call and decodes the result. A JSON-RPC error is
// returned as *Error; a tool-level failure comes back as a result with
// IsError set.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	params, err := json.Marshal(ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	id, _ := json.Marshal(uuid.NewString())
	body, err := json.Marshal(Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  MethodToolsCall,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.protocolVersion != "" {
		req.Header.Set(HeaderProtocolVersion, c.protocolVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s: unexpected status %d", name, resp.StatusCode)
	}

	var rpcResp ClientResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	var result ToolCallResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}
