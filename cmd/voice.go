package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"quest/internal/bootstrap"
	"quest/internal/domain"
	"quest/internal/popup"
)

var audioTypes = map[string]string{
	".wav":  "audio/wav",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
}

func newDictateCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dictate",
		Short: "Record a spoken note and print the transcript",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withPopup(cmd, func(ctx context.Context, p *bootstrap.Popup) error {
				if err := dictate(ctx, cmd, p.Controller); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), p.Controller.View().Note)
				return nil
			})
		},
	}
}

func newTranscribeCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file with the configured provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			mimeType, ok := audioTypes[strings.ToLower(filepath.Ext(path))]
			if !ok {
				return domain.NewError(domain.ErrorKindInvalidInput, "unsupported audio file %q", filepath.Base(path))
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read audio file: %w", err)
			}

			transcript, err := bootstrap.NewTranscriber(app.cfg, app.logger).Transcribe(cmd.Context(), domain.AudioBuffer{Data: data, MIMEType: mimeType})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), transcript.Text)
			return nil
		},
	}
}

// dictate records until the user presses Enter and leaves the transcript
// in the controller's note.
func dictate(ctx context.Context, cmd *cobra.Command, c *popup.Controller) error {
	if err := c.ToggleVoice(ctx); err != nil {
		return err
	}
	if c.View().Recording != domain.RecordingStateRecording {
		return domain.NewError(domain.ErrorKindRemoteError, "recording did not start")
	}
	printMessage(cmd, c.View().Message)

	promptLine(cmd, "Press Enter to stop recording")
	return c.ToggleVoice(ctx)
}
