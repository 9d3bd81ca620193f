package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"quest/internal/bootstrap"
	"quest/internal/config"
	"quest/internal/popup"
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger

	// openBrowser overrides how the Google consent page is shown.
	openBrowser func(ctx context.Context, authURL string) error
}

func newRootCmd() *cobra.Command {
	app := &app{}

	rootCmd := &cobra.Command{
		Use:          "quest",
		Short:        "Quest: save pages with notes and spoken thoughts to your collection",
		Long:         "quest runs the background hub and page recorder, and gives you popup commands to log in, tag and save the current page, and dictate notes through your microphone.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.load(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", "", "path to config.toml (default ~/.config/quest/config.toml)")
	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		newBackgroundCmd(app),
		newPageCmd(app),
		newLoginCmd(app),
		newRegisterCmd(app),
		newLogoutCmd(app),
		newWhoamiCmd(app),
		newTagsCmd(app),
		newSaveCmd(app),
		newDictateCmd(app),
		newTranscribeCmd(app),
	)

	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.LoadWith(config.Options{Path: a.configPath})
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	a.logger = bootstrap.NewLogger(cfg, cmd.ErrOrStderr())
	if a.openBrowser == nil {
		a.openBrowser = systemBrowser(cmd.OutOrStdout(), a.logger)
	}
	return nil
}

// withPopup opens a popup for the duration of fn and prints the status
// line it ends on.
func (a *app) withPopup(cmd *cobra.Command, fn func(ctx context.Context, p *bootstrap.Popup) error) error {
	ctx := cmd.Context()
	p, err := bootstrap.BuildPopup(ctx, a.cfg, a.logger, bootstrap.PopupOptions{OpenBrowser: a.openBrowser})
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Controller.Open(ctx); err != nil {
		return err
	}
	err = fn(ctx, p)
	printMessage(cmd, p.Controller.View().Message)
	return err
}

func printMessage(cmd *cobra.Command, msg popup.Message) {
	if msg.Text == "" {
		return
	}
	out := cmd.OutOrStdout()
	if msg.Tone == popup.ToneError {
		out = cmd.ErrOrStderr()
	}
	_, _ = fmt.Fprintln(out, msg.Text)
}

func systemBrowser(out io.Writer, logger *slog.Logger) func(ctx context.Context, authURL string) error {
	return func(_ context.Context, authURL string) error {
		_, _ = fmt.Fprintf(out, "Open this URL to sign in with Google:\n%s\n", authURL)

		name := "xdg-open"
		if runtime.GOOS == "darwin" {
			name = "open"
		}
		opener := exec.Command(name, authURL)
		if err := opener.Start(); err != nil {
			logger.Debug("could not launch browser", "command", name, "error", err)
			return nil
		}
		go func() { _ = opener.Wait() }()
		return nil
	}
}
