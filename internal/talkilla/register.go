package talkilla

import (
	"context"
	"errors"

	"github.com/petervdpas/talkilla/internal/port"
	"github.com/petervdpas/talkilla/internal/signaling"
	"github.com/petervdpas/talkilla/internal/spa"
)

// Source is the name the adapter is registered under with the spa package.
const Source = "talkilla"

func init() {
	spa.Register(Source, Start)
}

// Start runs an Adapter on p against the signaling server at opts.Endpoint.
func Start(ctx context.Context, p *port.Port, opts spa.Options) (spa.Worker, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("talkilla: signaling endpoint is required")
	}
	var copts []signaling.Option
	if opts.PollTimeout > 0 {
		copts = append(copts, signaling.WithPollTimeout(opts.PollTimeout))
	}
	return New(ctx, p, signaling.New(opts.Endpoint, copts...)), nil
}
