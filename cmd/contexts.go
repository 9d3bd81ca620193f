package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"quest/internal/bootstrap"
)

func newBackgroundCmd(app *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "background",
		Short: "Run the background hub that routes messages between contexts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.cfg
			if listen != "" {
				cfg.Bus.Listen = listen
			}
			background, err := bootstrap.BuildBackground(cmd.Context(), cfg, app.logger)
			if err != nil {
				return err
			}
			return background.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address override (host:port)")

	return cmd
}

func newPageCmd(app *app) *cobra.Command {
	var opts bootstrap.PageOptions

	cmd := &cobra.Command{
		Use:   "page",
		Short: "Attach the microphone and the current page to the background hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			page, err := bootstrap.BuildPage(ctx, app.cfg, app.logger, opts)
			if err != nil {
				return err
			}
			defer page.Agent.Close()

			err = page.Agent.Run(ctx)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "URL of the page being read")
	cmd.Flags().BoolVar(&opts.InlineAudio, "inline-audio", false, "return audio in the stop response instead of a separate completion message")

	return cmd
}
