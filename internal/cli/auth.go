package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/security"
)

// addAuthCommands adds the Kite Connect login commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Kite Connect login",
		Long: `Log in to Kite Connect for quotes and live orders.

1. Run 'split-trader auth url' and open the printed URL.
2. Log in; Kite redirects to your app URL with ?request_token=XXXX.
3. Run 'split-trader auth complete XXXX'.

The session is saved in the config directory and is valid until the next
morning.`,
	}

	cmd.AddCommand(newAuthURLCmd(app))
	cmd.AddCommand(newAuthCompleteCmd(app))
	cmd.AddCommand(newAuthLogoutCmd(app))
	cmd.AddCommand(newAuthStatusCmd(app))
	rootCmd.AddCommand(cmd)
}

func requireAuth(app *App, output *Output) error {
	if app.Auth == nil {
		output.Error("Kite credentials not configured. Set api_key and api_secret in credentials.toml")
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "kite credentials missing")
	}
	return nil
}

func newAuthURLCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "url",
		Short: "Print the Kite login URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := requireAuth(app, output); err != nil {
				return err
			}
			url := app.Auth.GetLoginURL()
			if output.IsJSON() {
				return output.JSON(map[string]string{"url": url})
			}
			output.Bold("Login URL:")
			output.Println(url)
			output.Println()
			output.Dim("After logging in, run: split-trader auth complete <request_token>")
			return nil
		},
	}
}

func newAuthCompleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <request_token>",
		Short: "Exchange the request token for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := requireAuth(app, output); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(commandContext(cmd), 30*time.Second)
			defer cancel()

			userID := app.Config.Credentials.Kite.UserID
			err := app.Auth.CompleteLogin(ctx, args[0])
			if app.Audit != nil {
				msg := ""
				if err != nil {
					msg = security.MaskSensitive(err.Error())
				}
				if aerr := app.Audit.LogLogin(ctx, userID, err == nil, msg); aerr != nil {
					app.Logger.Warn().Err(aerr).Msg("Failed to write audit event")
				}
			}
			if err != nil {
				output.Error("Login failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"success": true, "user_id": userID})
			}
			output.Success("✓ Login successful")
			return nil
		},
	}
}

func newAuthLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Invalidate the session and remove the saved token",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := requireAuth(app, output); err != nil {
				return err
			}
			if !app.Auth.IsAuthenticated() {
				output.Warning("Not currently logged in.")
				return nil
			}

			ctx, cancel := context.WithTimeout(commandContext(cmd), 30*time.Second)
			defer cancel()
			if err := app.Auth.Logout(ctx); err != nil {
				output.Error("Logout failed: %v", err)
				return err
			}
			if app.Audit != nil {
				if err := app.Audit.LogLogout(ctx, app.Config.Credentials.Kite.UserID); err != nil {
					app.Logger.Warn().Err(err).Msg("Failed to write audit event")
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"success":   true,
					"timestamp": app.Now().Format(time.RFC3339),
				})
			}
			output.Success("✓ Logged out")
			output.Dim("Session token removed.")
			return nil
		},
	}
}

func newAuthStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a Kite session is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			configured := app.Auth != nil
			authenticated := configured && app.Auth.IsAuthenticated()

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"configured":    configured,
					"authenticated": authenticated,
					"mode":          app.Config.Trading.Mode,
				})
			}

			state := output.Red("not logged in")
			switch {
			case !configured:
				state = output.Yellow("no credentials")
			case authenticated:
				state = output.Green("logged in")
			}
			output.Printf("Kite:   %s\n", state)
			output.Printf("Mode:   %s\n", app.Config.Trading.Mode)
			if app.Paper != nil {
				source := "prices set with --price"
				if authenticated {
					source = "Kite quotes"
				}
				output.Dim("Paper broker uses %s", source)
			}
			return nil
		},
	}
}
