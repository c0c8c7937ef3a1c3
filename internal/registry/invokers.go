package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chorus/internal/types"
)

// =============================================================================
// IN-PROCESS INVOKER
// =============================================================================

// WorkerFunc is a plain function worker.
type WorkerFunc func(ctx context.Context, turn types.Turn, enriched types.EnrichedContext) (types.WorkerResponse, error)

// FuncInvoker adapts a WorkerFunc to the WorkerInvoker interface.
type FuncInvoker struct {
	fn WorkerFunc
}

// NewFuncInvoker wraps fn as an invoker.
func NewFuncInvoker(fn WorkerFunc) *FuncInvoker {
	return &FuncInvoker{fn: fn}
}

// Invoke calls the wrapped function.
func (f *FuncInvoker) Invoke(ctx context.Context, desc types.WorkerDescriptor, turn types.Turn, enriched types.EnrichedContext) (types.WorkerResponse, error) {
	resp, err := f.fn(ctx, turn, enriched)
	if err != nil {
		return types.WorkerResponse{}, err
	}
	if resp.WorkerID == "" {
		resp.WorkerID = desc.ID
	}
	return resp, nil
}

// =============================================================================
// HTTP INVOKER - networked worker boundary
// =============================================================================

// HTTPInvoker reaches workers over their HTTP invocation boundary: one JSON
// POST per invocation, the worker's WorkerResponse as the body. Cancellation
// rides the request context, so the registry's per-worker timeout holds.
type HTTPInvoker struct {
	client *http.Client
}

// invokeRequest is the wire shape sent to a worker endpoint.
type invokeRequest struct {
	Turn     types.Turn            `json:"turn"`
	Enriched types.EnrichedContext `json:"enriched_context"`
}

// NewHTTPInvoker creates an HTTP invoker. The client carries no timeout of
// its own; per-call deadlines come from the invocation context.
func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{
		client: &http.Client{},
	}
}

// Invoke posts the turn to the worker's endpoint and decodes its response.
func (h *HTTPInvoker) Invoke(ctx context.Context, desc types.WorkerDescriptor, turn types.Turn, enriched types.EnrichedContext) (types.WorkerResponse, error) {
	body, err := json.Marshal(invokeRequest{Turn: turn, Enriched: enriched})
	if err != nil {
		return types.WorkerResponse{}, fmt.Errorf("failed to encode invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return types.WorkerResponse{}, fmt.Errorf("failed to build request for %s: %w", desc.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return types.WorkerResponse{}, fmt.Errorf("worker %s call failed: %w", desc.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return types.WorkerResponse{}, fmt.Errorf("worker %s returned status %d: %s",
			desc.ID, resp.StatusCode, string(snippet))
	}

	var workerResp types.WorkerResponse
	if err := json.NewDecoder(resp.Body).Decode(&workerResp); err != nil {
		return types.WorkerResponse{}, fmt.Errorf("failed to decode response from %s: %w", desc.ID, err)
	}
	if workerResp.WorkerID == "" {
		workerResp.WorkerID = desc.ID
	}
	if workerResp.ProducedAt.IsZero() {
		workerResp.ProducedAt = time.Now()
	}
	return workerResp, nil
}
