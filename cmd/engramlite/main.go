// Package main provides the engramlite CLI entry point.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/engramai/engramlite/pkg/config"
	"github.com/engramai/engramlite/pkg/engramlite"
	"github.com/engramai/engramlite/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Exit codes: 0 success, 1 generic error, 2 invalid arguments,
// 3 not found, 4 storage backend failure.
func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, storage.ErrInvalidInput):
		return 2
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrIntegrityViolation):
		return 3
	case errors.Is(err, storage.ErrStorageClosed), errors.Is(err, storage.ErrInvalidData):
		return 4
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "engramlite",
		Short: "EngramAI Lite - embeddable memory-graph store for AI-agent knowledge",
		Long: `EngramAI Lite stores engrams, small units of agent knowledge, linked by
typed weighted connections and grouped into collections, agents, and
contexts. Every write keeps the secondary indexes, the vector index, and
the importance scores current, so retrieval can mix keyword, metadata,
temporal, and approximate-nearest-neighbor criteria in one query.

State lives in a local Badger directory. Each command opens the store,
runs one operation, and closes the store again; long-lived embedding is
better served by the library API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("db", "", "data directory (overrides the configured db_path)")
	root.PersistentFlags().String("config", "", "path to a YAML configuration file")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("engramlite v%s (%s)\n", version, commit)
		},
	})

	root.AddCommand(engramCommands()...)
	root.AddCommand(entityCommands()...)
	root.AddCommand(maintenanceCommands()...)
	return root
}

// withDB opens the store for one command and closes it afterwards. The
// close error surfaces when the command itself succeeded, so a failed
// access flush is not silently swallowed.
func withDB(cmd *cobra.Command, fn func(db *engramlite.DB) error) (err error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("db"); dir != "" {
		cfg.DBPath = dir
	}

	logger, err := cfg.Logging.Build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := engramlite.Open(cfg.DBPath, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return fn(db)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode output: %v", storage.ErrInvalidData, err)
	}
	fmt.Println(string(out))
	return nil
}

// exactArgs is cobra.ExactArgs with the error classed as invalid input
// so the shell sees exit code 2.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s takes %d argument(s), got %d", storage.ErrInvalidInput, cmd.Name(), n, len(args))
		}
		return nil
	}
}

func rangeArgs(lo, hi int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < lo || len(args) > hi {
			return fmt.Errorf("%w: %s takes between %d and %d arguments, got %d", storage.ErrInvalidInput, cmd.Name(), lo, hi, len(args))
		}
		return nil
	}
}

func parseFloatArg(s, field string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", storage.ErrInvalidInput, field, s)
	}
	return v, nil
}

func parseUintArg(s, field string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a non-negative integer", storage.ErrInvalidInput, field, s)
	}
	return v, nil
}

func parseIntArg(s, field string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", storage.ErrInvalidInput, field, s)
	}
	return v, nil
}

// notNil keeps empty result lists rendering as [] instead of null.
func notNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
