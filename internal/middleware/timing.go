package middleware

import (
	"context"
	"time"

	"github.com/pitabwire/relay/model"
)

// TimingName is the name of the timing middleware.
const TimingName = "timing"

// TimingPriority runs the timing post-processor after other global
// middleware with default priorities.
const TimingPriority = 1000

// NewTiming returns a global middleware that appends a serverInformation
// block to object responses.
func NewTiming(serverName string) Middleware {
	return Middleware{
		Name:     TimingName,
		Priority: TimingPriority,
		Global:   true,
		Post: func(_ context.Context, data *model.ActionData) (map[string]any, error) {
			now := time.Now()
			return map[string]any{
				"serverInformation": map[string]any{
					"serverName":      serverName,
					"apiVersion":      data.APIVersion,
					"requestDuration": now.Sub(data.StartedAt).Milliseconds(),
					"currentTime":     now.UnixMilli(),
				},
			}, nil
		},
	}
}
