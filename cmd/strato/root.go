package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/strato/pkg/strato"
)

// bindPersistentFlags wires --cluster-file, --log-level, and --timeout onto
// root and binds each to viper under the STRATO_ env prefix, the flag/env
// bootstrap torua builds from os.Getenv but generalized to cobra's
// flag set.
func bindPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().String("cluster-file", "", "path to the cluster descriptor file (required)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, or error")
	root.PersistentFlags().Duration("timeout", 10*time.Second, "deadline for the command's database operations")

	_ = viper.BindPFlag("cluster-file", root.PersistentFlags().Lookup("cluster-file"))
	_ = viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))

	viper.SetEnvPrefix("strato")
	viper.AutomaticEnv()
}

// newLogger builds a zap.Logger at the configured level, console-encoded the
// way a CLI's stderr output should read rather than the JSON encoding a
// long-lived service would want.
func newLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(viper.GetString("log-level")); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// openDatabase opens a Database against the configured cluster file and
// returns a cleanup func that closes it and flushes its logger. Every
// subcommand but "options" calls this first.
func openDatabase() (*strato.Database, func(), error) {
	clusterFile := viper.GetString("cluster-file")
	if clusterFile == "" {
		return nil, nil, fmt.Errorf("--cluster-file is required")
	}

	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}

	db, err := strato.Open(clusterFile, strato.Config{Logger: log})
	if err != nil {
		_ = log.Sync()
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	cleanup := func() {
		_ = db.Close()
		_ = log.Sync()
	}
	return db, cleanup, nil
}

// commandContext returns a context bounded by the --timeout flag.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
}
