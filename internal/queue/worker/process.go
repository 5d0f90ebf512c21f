package worker

import (
	"context"
	"encoding/json"
	"time"
)

// ProcessFunc is the injected work function. It may be slow, may error,
// may never return; the reaper covers the last case.

type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

type processedResult struct {
	Processed bool            `json:"processed"`
	Original  json.RawMessage `json:"original"`
}

// DefaultProcessor simulates work: ~300ms, then echoes the payload back
// wrapped in a processed envelope.

func DefaultProcessor(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(300 * time.Millisecond):
	}

	return json.Marshal(processedResult{
		Processed: true,
		Original:  payload,
	})
}
