// Package main is the entrypoint for the dentalnotes operator CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/auth"
	"github.com/MacJediWizard/dentalnotes/internal/config"
	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd(newApp()).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries state shared by the commands. open is swapped in tests.
type app struct {
	cfg    config.ServerConfig
	dbURL  string
	out    io.Writer
	logger zerolog.Logger
	open   func(ctx context.Context, url string, logger zerolog.Logger) (*storage.Backend, error)
}

func newApp() *app {
	return &app{
		cfg:    config.LoadServerConfig(),
		out:    os.Stdout,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.WarnLevel).With().Timestamp().Logger(),
		open:   storage.Open,
	}
}

// service opens the configured store and wraps it in a license service.
// The caller must invoke the returned close function.
func (a *app) service(ctx context.Context) (*license.Service, func(), error) {
	url := a.dbURL
	if url == "" {
		url = a.cfg.DatabaseURL
	}
	if url == "" {
		return nil, nil, fmt.Errorf("database URL required: use --db or set DATABASE_URL")
	}

	backend, err := a.open(ctx, url, a.logger)
	if err != nil {
		return nil, nil, err
	}
	svc := license.NewService(backend.Store, license.ServiceConfig{
		Cycle:      a.cfg.BillingCycle,
		PlanLimits: a.cfg.PlanLimits,
	}, a.logger)
	return svc, backend.Close, nil
}

func (a *app) codec() (*auth.TokenCodec, error) {
	return auth.NewTokenCodec(auth.TokenConfig{
		Secret:    []byte(a.cfg.JWTSecret),
		Algorithm: a.cfg.JWTAlgorithm,
		TTL:       a.cfg.TokenTTL,
	})
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dentalnotes",
		Short: "Operator tools for the dentalnotes server",
		Long: `dentalnotes manages licenses and access tokens directly in the
license store used by dentalnotes-server.

The store is selected with --db or DATABASE_URL (postgres://, sqlite://).`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(a.out)
	rootCmd.PersistentFlags().StringVar(&a.dbURL, "db", "", "license store URL (defaults to DATABASE_URL)")

	rootCmd.AddCommand(
		newVersionCmd(a),
		newLicenseCmd(a),
		newTokenCmd(a),
		newReconcileCmd(a),
		newUsageCmd(a),
	)

	return rootCmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "dentalnotes %s\n", Version)
			fmt.Fprintf(a.out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(a.out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(a.out, "  Go version: %s\n", runtime.Version())
		},
	}
}
