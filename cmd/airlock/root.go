// Command airlock talks to an agent host over its channel protocol.
//
// Settings come from AIRLOCK_* environment variables and may be overridden
// with flags.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/airlock-go/channel"
	"github.com/ggoodman/airlock-go/checkpoint"
	"github.com/ggoodman/airlock-go/checkpoint/redis"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	url           string
	code          string
	ship          string
	verbose       bool
	checkpointKey string
	redis         bool
}

var (
	flags globalFlags
	cfg   channel.Config
	log   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "airlock",
	Short:         "Channel protocol client for an agent host",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = channel.ConfigFromEnv()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("url") {
			cfg.Endpoint = flags.url
		}
		if cmd.Flags().Changed("code") {
			cfg.Code = flags.code
		}
		if cmd.Flags().Changed("ship") {
			cfg.Ship = flags.ship
		}

		level := slog.LevelInfo
		if flags.verbose {
			level = slog.LevelDebug
		}
		log = slog.New(newColorHandler(os.Stderr, level))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.url, "url", "", "host endpoint (env AIRLOCK_URL)")
	rootCmd.PersistentFlags().StringVar(&flags.code, "code", "", "access code (env AIRLOCK_CODE)")
	rootCmd.PersistentFlags().StringVar(&flags.ship, "ship", "", "ship to address (env AIRLOCK_SHIP)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&flags.checkpointKey, "checkpoint", "", "resume the channel stored under this key")
	rootCmd.PersistentFlags().BoolVar(&flags.redis, "redis", false, "store checkpoints in Redis (env AIRLOCK_REDIS_ADDR)")

	rootCmd.AddCommand(pokeCmd, subscribeCmd, scryCmd, threadCmd)
}

// newClient builds a client from the resolved configuration. The returned
// cleanup releases the checkpoint store, if any.
func newClient() (*channel.Client, func(), error) {
	opts := cfg.Options(channel.WithLogger(log))
	cleanup := func() {}

	if flags.checkpointKey != "" {
		store, err := openStore()
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = store.Close() }
		opts = append(opts, channel.WithCheckpoint(store, flags.checkpointKey, checkpoint.WithTTL(24*time.Hour)))
	}

	c, err := channel.New(cfg.Endpoint, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return c, cleanup, nil
}

func openStore() (checkpoint.Store, error) {
	if flags.redis {
		s, err := redis.NewFromEnv()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("--checkpoint needs a durable store; add --redis")
}

// signalContext is cancelled on interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
