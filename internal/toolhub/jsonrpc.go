// Package toolhub implements the MCP tool-dispatch façade the pipeline
// orchestrator consumes (spec §6 "MCP tool hub (consumed)"): a JSON-RPC 2.0
// client for the semantic/memory/skill/home tools, plus a Docker-backed
// local Server for the container tools (spec §3 domain-stack wiring).
package toolhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Server is anything that can execute a named tool call with arguments and
// return a result map. Both the remote JSON-RPC client and the local
// Docker-backed container executor implement it, so the Hub can dispatch
// uniformly regardless of where a tool actually runs.
type Server interface {
	Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
}

// rpcRequest is the envelope for a single JSON-RPC 2.0 "tools/call" request.
type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  rpcCallParams  `json:"params"`
}

type rpcCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message) }

// JSONRPCClient is a single-endpoint JSON-RPC 2.0 "tools/call" client.
type JSONRPCClient struct {
	endpoint string
	http     *http.Client
	nextID   int64
}

// NewJSONRPCClient returns a client against endpoint, with the given
// per-call timeout (spec §5 "each MCP tool call has an upper-bound
// timeout").
func NewJSONRPCClient(endpoint string, timeout time.Duration) *JSONRPCClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &JSONRPCClient{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

// Call issues a single "tools/call" JSON-RPC request.
func (c *JSONRPCClient) Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "tools/call",
		Params:  rpcCallParams{Name: tool, Arguments: args},
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("toolhub: encoding request for %s: %w", tool, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("toolhub: building request for %s: %w", tool, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("toolhub: calling %s: %w", tool, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("toolhub: decoding response for %s: %w", tool, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	var result map[string]any
	if len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
			return nil, fmt.Errorf("toolhub: unmarshalling result for %s: %w", tool, err)
		}
	}
	return result, nil
}
