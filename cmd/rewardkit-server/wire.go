//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"
)

// BuildApp wires the server components using Google Wire. The returned
// cleanup stops the engine and closes storage.
func BuildApp(ctx context.Context) (*App, func(), error) {
	wire.Build(
		provideConfig,
		provideLogger,
		provideHub,
		provideCollector,
		provideStorage,
		provideWebhooks,
		provideService,
		provideSweeper,
		provideHandler,
		provideServer,
		provideMetricsServer,
		wire.Struct(new(App), "Config", "Logger", "Hub", "Collector", "Service", "Sweeper", "Handler", "Server", "Metrics"),
	)
	return nil, nil, nil
}
