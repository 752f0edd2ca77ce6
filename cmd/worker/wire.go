//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"

	"distribution.app/pkg/app"
	"distribution.app/pkg/config"
)

func initRuntime(ctx context.Context, cfg config.Config) (*app.Runtime, func(), error) {
	wire.Build(
		app.ProviderSet,
		providePool,
		provideRefresher,
		provideParameterStore,
	)
	return nil, nil, nil
}
