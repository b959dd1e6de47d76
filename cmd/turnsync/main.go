package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnsync/pkg/config"
	"github.com/go-go-golems/turnsync/pkg/engine"
	"github.com/go-go-golems/turnsync/pkg/persistence/turnstore"
	"github.com/go-go-golems/turnsync/pkg/retry"
	"github.com/go-go-golems/turnsync/pkg/session"
)

var settingsPath string

var rootCmd = &cobra.Command{
	Use:   "turnsync",
	Short: "Talk to a chat backend one turn at a time over its shared push channel",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		err := clay.InitLogger()
		cobra.CheckErr(err)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "YAML settings file (TURNSYNC_* variables override it)")

	err := clay.InitViper("turnsync", rootCmd)
	cobra.CheckErr(err)
	err = clay.InitLogger()
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		newSendCommand(),
		newHistoryCommand(),
		newPurgeCommand(),
		newBreakCommand(),
		newTurnsCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = rootCmd.ExecuteContext(ctx)
	cobra.CheckErr(err)
}

// app is an initialized engine plus the journal it writes to.
type app struct {
	settings config.Settings
	engine   *engine.Engine
	store    *turnstore.SQLiteTurnStore
}

func openStore(s config.Settings) (*turnstore.SQLiteTurnStore, error) {
	if s.Store.Path == "" {
		return nil, nil
	}
	dsn, err := turnstore.SQLiteTurnDSNForFile(s.Store.Path)
	if err != nil {
		return nil, err
	}
	return turnstore.NewSQLiteTurnStore(dsn)
}

func openApp(ctx context.Context) (*app, error) {
	s, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}

	policy := retry.NewPolicy(s.Request.MaxRetries, s.Request.RetryDelay)
	src, err := session.NewHTTPSource(session.HTTPOptions{
		BaseURL:     s.Backend.BaseURL,
		Token:       s.Backend.Token,
		DisplayName: s.Backend.DisplayName,
		UserAgent:   s.Backend.UserAgent,
		Retry:       policy,
	})
	if err != nil {
		return nil, errors.Wrap(err, "session source")
	}

	store, err := openStore(s)
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if store != nil {
		opts = append(opts, engine.WithTurnStore(store))
	}
	e, err := engine.New(s, src, opts...)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	if err := e.Initialize(ctx); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return &app{settings: s, engine: e, store: store}, nil
}

func (a *app) Close() {
	if err := a.engine.Destroy(context.Background()); err != nil {
		log.Warn().Err(err).Msg("destroy engine")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close turn journal")
		}
	}
}
