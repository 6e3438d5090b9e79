package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauthclient/internal/authsession"
	"github.com/tyemirov/tauthclient/internal/identity"
)

const (
	commandCodeMissingEmail    = "cli.missing_email"
	commandCodeMissingPassword = "cli.missing_password"
	commandCodeMissingIDToken  = "cli.missing_id_token"
)

// passwordFrom prefers the flag and falls back to TAUTHCLIENT_PASSWORD so secrets stay out of shell history.
func passwordFrom(command *cobra.Command) (string, error) {
	password, _ := command.Flags().GetString("password")
	if password == "" {
		password = viper.GetString("password")
	}
	if password == "" {
		return "", configError(commandCodeMissingPassword, "password must be provided with --password or TAUTHCLIENT_PASSWORD")
	}
	return password, nil
}

func emailFrom(command *cobra.Command) (string, error) {
	email, _ := command.Flags().GetString("email")
	email = strings.TrimSpace(email)
	if email == "" {
		return "", configError(commandCodeMissingEmail, "email must be provided")
	}
	return email, nil
}

func newSignInCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		RunE: func(command *cobra.Command, arguments []string) error {
			email, err := emailFrom(command)
			if err != nil {
				return err
			}
			password, err := passwordFrom(command)
			if err != nil {
				return err
			}
			return withRuntime(command, func(ctx context.Context, app *clientRuntime) error {
				if _, signInErr := app.coordinator.SignInEmail(ctx, email, password); signInErr != nil {
					return signInErr
				}
				return writeJSON(command.OutOrStdout(), app.status())
			})
		},
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password")
	return command
}

func newSignUpCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signup",
		Short: "Register a new account",
		RunE: func(command *cobra.Command, arguments []string) error {
			email, err := emailFrom(command)
			if err != nil {
				return err
			}
			password, err := passwordFrom(command)
			if err != nil {
				return err
			}
			fullName, _ := command.Flags().GetString("full_name")
			roleValue, _ := command.Flags().GetString("role")
			role, err := identity.ParseRole(roleValue)
			if err != nil {
				return err
			}
			return withRuntime(command, func(ctx context.Context, app *clientRuntime) error {
				result, signUpErr := app.coordinator.SignUpEmail(ctx, authsession.SignUpRequest{
					Email:    email,
					Password: password,
					FullName: fullName,
					Role:     role,
				})
				if signUpErr != nil {
					return signUpErr
				}
				if result.ConfirmationRequired {
					fmt.Fprintln(command.ErrOrStderr(), "Check your inbox to confirm the account, then sign in.")
				}
				return writeJSON(command.OutOrStdout(), app.status())
			})
		},
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password")
	command.Flags().String("full_name", "", "Display name stored on the profile")
	command.Flags().String("role", string(identity.RoleClient), "Requested role (client or pending_instructor)")
	return command
}

func newSignInIDTokenCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signin-idtoken",
		Short: "Exchange a provider ID token for a session",
		Long:  "Exchange a provider ID token for a session. Tokens minted with a nonce must go through the serve API, which issues the nonce.",
		RunE: func(command *cobra.Command, arguments []string) error {
			provider, _ := command.Flags().GetString("provider")
			token, _ := command.Flags().GetString("id_token")
			if strings.TrimSpace(token) == "" {
				return configError(commandCodeMissingIDToken, "id_token must be provided")
			}
			return withRuntime(command, func(ctx context.Context, app *clientRuntime) error {
				if _, signInErr := app.coordinator.SignInWithIDToken(ctx, provider, token, ""); signInErr != nil {
					return signInErr
				}
				return writeJSON(command.OutOrStdout(), app.status())
			})
		},
	}
	command.Flags().String("provider", "google", "ID token issuer")
	command.Flags().String("id_token", "", "Provider ID token")
	return command
}

func newSignOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out everywhere and clear local session storage",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withRuntime(command, func(ctx context.Context, app *clientRuntime) error {
				app.coordinator.SignOut(ctx)
				return writeJSON(command.OutOrStdout(), app.status())
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted session and profile",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withRuntime(command, func(ctx context.Context, app *clientRuntime) error {
				return writeJSON(command.OutOrStdout(), app.status())
			})
		},
	}
}
