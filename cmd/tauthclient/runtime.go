package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tyemirov/tauthclient/internal/authsession"
	"github.com/tyemirov/tauthclient/internal/gotrue"
	"github.com/tyemirov/tauthclient/internal/identity"
	"github.com/tyemirov/tauthclient/internal/kvstore"
	"github.com/tyemirov/tauthclient/internal/profilestore"
	"github.com/tyemirov/tauthclient/pkg/sessionclaims"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

var buildGoogleTokenValidator = func(ctx context.Context) (authsession.IDTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, err
	}
	return validator, nil
}

// clientRuntime is one started coordinator with its collaborators.
type clientRuntime struct {
	config      ClientConfig
	logger      *zap.Logger
	store       kvstore.Store
	backend     *gotrue.Client
	coordinator *authsession.Coordinator
	metrics     *authsession.CounterMetrics
	closers     []func()
}

func startRuntime(ctx context.Context, config ClientConfig, logger *zap.Logger) (*clientRuntime, error) {
	app := &clientRuntime{config: config, logger: logger, metrics: authsession.NewCounterMetrics()}
	if err := app.start(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *clientRuntime) start(ctx context.Context) error {
	config := app.config
	store, err := kvstore.Open(ctx, config.StorageURL)
	if err != nil {
		return err
	}
	app.store = store

	backend, err := gotrue.New(gotrue.Config{
		BaseURL:          config.BackendURL,
		AnonKey:          config.AnonKey,
		Store:            store,
		StorageNamespace: config.StorageNamespace,
		Claims:           sessionclaims.New(sessionclaims.Config{SigningKey: []byte(config.JWTSecret), Issuer: config.JWTIssuer}),
		Logger:           app.logger.Named("gotrue"),
	})
	if err != nil {
		return err
	}
	app.backend = backend

	profiles, err := app.openProfiles(ctx)
	if err != nil {
		return err
	}

	var validator authsession.IDTokenValidator
	if config.GoogleClientID != "" {
		validator, err = buildGoogleTokenValidator(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, err)
		}
	}

	coordinator, err := authsession.NewCoordinator(authsession.Dependencies{
		Backend:  backend,
		Profiles: profiles,
		Store:    store,
		Logger:   app.logger.Named("authsession"),
		Metrics:  app.metrics,
		IDTokens: validator,
	}, config.Coordinator())
	if err != nil {
		return err
	}
	app.coordinator = coordinator
	app.closers = append(app.closers, coordinator.Close)
	return coordinator.Start(ctx)
}

// openProfiles picks the profile table: a direct database when profiles_url is set, otherwise the
// backend REST API.
func (app *clientRuntime) openProfiles(ctx context.Context) (identity.ProfileTable, error) {
	profilesURL := app.config.ProfilesURL
	if profilesURL == "" {
		app.logger.Info("using backend profile table",
			zap.String("code", "cli.profiles.rest"),
			zap.String("table", app.config.ProfilesTable))
		return app.backend.Profiles(app.config.ProfilesTable), nil
	}
	parsed, err := url.Parse(profilesURL)
	if err != nil {
		return nil, fmt.Errorf("cli.profiles.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		pool, poolErr := profilestore.BuildPool(ctx, profilesURL)
		if poolErr != nil {
			return nil, poolErr
		}
		app.closers = append(app.closers, pool.Close)
		if schemaErr := profilestore.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		app.logger.Info("using postgres profile table", zap.String("code", "cli.profiles.postgres"))
		return profilestore.NewPostgresTable(pool), nil
	default:
		table, tableErr := profilestore.NewGormTable(ctx, profilesURL)
		if tableErr != nil {
			return nil, tableErr
		}
		app.logger.Info("using database profile table",
			zap.String("code", "cli.profiles.gorm"),
			zap.String("driver", table.Driver()))
		return table, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (app *clientRuntime) Close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		app.closers[index]()
	}
	app.closers = nil
}

// withRuntime loads configuration, starts the coordinator, runs action and tears everything down.
func withRuntime(command *cobra.Command, action func(ctx context.Context, app *clientRuntime) error) error {
	clientConfig, err := clientConfigFrom(command)
	if err != nil {
		return err
	}
	logger, err := newLogger(clientConfig.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	app, err := startRuntime(ctx, clientConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return action(ctx, app)
}

func writeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

type statusView struct {
	SignedIn bool              `json:"signed_in"`
	UserID   string            `json:"user_id,omitempty"`
	Email    string            `json:"email,omitempty"`
	Expires  string            `json:"expires,omitempty"`
	Profile  *identity.Profile `json:"profile"`
	Phase    authsession.Phase `json:"phase"`
	Metrics  map[string]int64  `json:"metrics,omitempty"`
}

func (app *clientRuntime) status() statusView {
	state := app.coordinator.State()
	view := statusView{Profile: state.Profile, Phase: state.Phase, Metrics: app.metrics.Snapshot()}
	if state.Session != nil {
		view.SignedIn = true
		view.UserID = state.Session.UserID
		view.Email = state.Session.Email
		if !state.Session.ExpiresAt.IsZero() {
			view.Expires = state.Session.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	return view
}
