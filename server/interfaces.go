package server

import (
	"context"

	"github.com/rival-labs/rival-agent/agent"
)

// Assistant defines the agent surface the server exposes over HTTP.
type Assistant interface {
	Assist(ctx context.Context, prompt string, em agent.Emitter) error
	Status() map[string]any
}
