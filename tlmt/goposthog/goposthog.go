// Package goposthog sends telemetry events to a PostHog instance.
package goposthog

import (
	"context"
	"fmt"
	"time"

	"github.com/posthog/posthog-go"

	"github.com/pulsemetrics/sync-engine/tlmt"
)

const flushInterval = 30 * time.Second

type poster struct {
	client posthog.Client
}

// New connects to the PostHog endpoint identified by its public API key.
func New(publicAPIKey, endpointURL string) (tlmt.Telemetry, error) {
	client, err := posthog.NewWithConfig(publicAPIKey, posthog.Config{
		Endpoint: endpointURL,
		Interval: flushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("posthog client setup failed: %w", err)
	}

	return &poster{client: client}, nil
}

func (p *poster) Send(_ context.Context, event tlmt.Event) error {
	capture := posthog.Capture{
		DistinctId: event.AnonymousID,
		Event:      event.Name,
		Properties: event.Properties,
	}

	if err := capture.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry event %q: %w", event.Name, err)
	}

	return p.client.Enqueue(capture)
}

func (p *poster) Close() error {
	if p.client == nil {
		return nil
	}

	return p.client.Close()
}
