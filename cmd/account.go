package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"quest/internal/bootstrap"
	"quest/internal/popup"
)

func newLoginCmd(app *app) *cobra.Command {
	var (
		email     string
		password  string
		useGoogle bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with email and password, or with Google",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !useGoogle && email != "" && password == "" {
				password = promptLine(cmd, "Password: ")
			}
			return app.withPopup(cmd, func(ctx context.Context, p *bootstrap.Popup) error {
				if useGoogle {
					return p.Controller.LoginWithGoogle(ctx)
				}
				return p.Controller.Login(ctx, email, password)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when omitted)")
	cmd.Flags().BoolVar(&useGoogle, "google", false, "sign in with Google in the browser")
	cmd.MarkFlagsMutuallyExclusive("google", "email")

	return cmd
}

func newRegisterCmd(app *app) *cobra.Command {
	var form popup.RegisterForm

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withPopup(cmd, func(ctx context.Context, p *bootstrap.Popup) error {
				return p.Controller.Register(ctx, form)
			})
		},
	}
	cmd.Flags().StringVar(&form.Email, "email", "", "account email")
	cmd.Flags().StringVar(&form.Nickname, "nickname", "", "display name")
	cmd.Flags().StringVar(&form.Password, "password", "", "account password")
	cmd.Flags().StringVar(&form.Confirm, "confirm", "", "repeat the password")

	return cmd
}

func newLogoutCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withPopup(cmd, func(ctx context.Context, p *bootstrap.Popup) error {
				return p.Controller.Logout(ctx)
			})
		},
	}
}

func newWhoamiCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withPopup(cmd, func(_ context.Context, p *bootstrap.Popup) error {
				session := p.Controller.View().Session
				out := cmd.OutOrStdout()
				if session == nil {
					_, _ = fmt.Fprintln(out, "Not logged in")
					return nil
				}
				name := session.Nickname
				if name == "" {
					name = session.Email
				}
				_, _ = fmt.Fprintf(out, "%s <%s>\n", name, session.Email)
				_, _ = fmt.Fprintf(out, "user: %s\n", session.UserID)
				_, _ = fmt.Fprintf(out, "provider: %s\n", session.Provider)
				_, _ = fmt.Fprintf(out, "since: %s\n", session.IssuedAt.Local().Format("2006-01-02 15:04"))
				return nil
			})
		},
	}
}

func promptLine(cmd *cobra.Command, prompt string) string {
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}
