// Package app creates the verba server application.
package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/kart-io/logger"

	"github.com/kart-io/verba/cmd/verba/app/options"
	"github.com/kart-io/verba/internal/verba"
	"github.com/kart-io/verba/pkg/app"
)

// NewApp creates the verba application.
func NewApp() *app.App {
	opts := options.NewOptions()
	return app.NewApp(
		app.WithName(verba.Name),
		app.WithShortDescription("Verba RAG orchestration service"),
		app.WithOptions(opts),
		app.WithRunFunc(run(opts)),
	)
}

func run(opts *options.Options) app.RunFunc {
	return func() error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		server, err := opts.Config().NewServer(ctx)
		if err != nil {
			logger.Errorw("Failed to create server", "error", err.Error())
			return err
		}
		return server.Run(ctx)
	}
}
