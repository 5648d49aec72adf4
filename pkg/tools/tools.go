// Package tools defines the context tools the gateway serves.
package tools

import (
	"context"
	"strings"

	"github.com/odvcencio/listopia/pkg/errors"
	"github.com/odvcencio/listopia/pkg/keyword"
	"github.com/odvcencio/listopia/pkg/mcp"
	"github.com/odvcencio/listopia/pkg/retrieval"
)

// Tool names
const (
	GatewayCtxName = "gateway_ctx"
	AnchorRAGName  = "anchor_rag"
)

const defaultUser = "mcp"

// Deps are the collaborators the tool handlers call.
type Deps struct {
	// Retriever may be nil when no workflow is configured; calls then fail
	// as tool errors.
	Retriever retrieval.Retriever
	Extractor keyword.Extractor
}

// NewRegistry builds the immutable registry of all context tools.
func NewRegistry(deps Deps) (*mcp.Registry, error) {
	return mcp.NewRegistry(GatewayCtx(deps), AnchorRAG(deps))
}

// GatewayCtx builds compact per-turn context. An empty keyword is derived
// from text.
func GatewayCtx(deps Deps) mcp.Tool {
	return mcp.Tool{
		Name:        GatewayCtxName,
		Description: "Unified gateway context builder: keyword + anchor snippet (compact). Returns content[].text plus debug data.",
		InputSchema: mcp.Schema{
			Type: "object",
			Properties: map[string]mcp.Property{
				"keyword": {Type: "string", Description: "search keywords, comma separated"},
				"text":    {Type: "string", Description: "optional raw user message"},
				"user":    {Type: "string", Description: "optional user/session id"},
			},
			Required: []string{"keyword"},
		},
		Handler: func(ctx context.Context, args map[string]any) (mcp.Output, error) {
			kw := stringArg(args, "keyword")
			if kw == "" && deps.Extractor != nil {
				kw = keyword.Join(deps.Extractor.Extract(stringArg(args, "text")))
			}
			snip, err := retrieve(ctx, deps.Retriever, kw, userArg(args))
			if err != nil {
				return mcp.Output{Data: map[string]any{"keyword": kw}}, err
			}
			return mcp.Output{
				Text: snip.Text,
				Data: map[string]any{
					"keyword": kw,
					"ctx":     snip.Text,
					"raw":     rawData(snip.Raw),
					"bounds":  boundsData(snip.Bounds),
				},
			}, nil
		},
	}
}

// AnchorRAG exposes the bounded retrieval snippet as-is.
func AnchorRAG(deps Deps) mcp.Tool {
	return mcp.Tool{
		Name:        AnchorRAGName,
		Description: "Anchor retrieval via workflow. Returns a bounded snippet.",
		InputSchema: mcp.Schema{
			Type: "object",
			Properties: map[string]mcp.Property{
				"keyword": {Type: "string", Description: "search keywords"},
				"user":    {Type: "string", Description: "optional user/session id"},
			},
			Required: []string{"keyword"},
		},
		Handler: func(ctx context.Context, args map[string]any) (mcp.Output, error) {
			kw := stringArg(args, "keyword")
			snip, err := retrieve(ctx, deps.Retriever, kw, userArg(args))
			if err != nil {
				return mcp.Output{Data: map[string]any{"keyword": kw}}, err
			}
			return mcp.Output{
				Text: snip.Text,
				Data: map[string]any{
					"keyword": kw,
					"snip":    snip.Text,
					"raw":     rawData(snip.Raw),
					"bounds":  boundsData(snip.Bounds),
				},
			}, nil
		},
	}
}

func retrieve(ctx context.Context, r retrieval.Retriever, kw, user string) (*retrieval.Snippet, error) {
	if r == nil {
		return nil, errors.New(errors.ErrCodeToolFailed, "retrieval workflow is not configured")
	}
	if kw == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "keyword is empty")
	}
	return r.Retrieve(ctx, kw, user)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func userArg(args map[string]any) string {
	if u := stringArg(args, "user"); u != "" {
		return u
	}
	return defaultUser
}

func rawData(o retrieval.Outputs) map[string]any {
	return map[string]any{"result": o.Result, "chat_text": o.ChatText}
}

func boundsData(b retrieval.Bounds) map[string]any {
	return map[string]any{"min": b.Min, "max": b.Max}
}
