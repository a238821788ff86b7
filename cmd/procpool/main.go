// Command procpool supervises worker pools declared in a YAML config and
// offers a one-shot call mode for ad-hoc invocations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isokit/procpool/internal/config"
	"github.com/isokit/procpool/internal/metrics"
	"github.com/isokit/procpool/pkg/instance"
	"github.com/isokit/procpool/pkg/pool"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "procpool",
		Short:   "process-isolated worker pool supervisor",
		Version: version,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newCallCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the pools declared in the config file and keep them warm",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			var collector *metrics.Collector
			if cfg.Metrics.Enabled {
				collector = metrics.NewCollector(nil)
				go func() {
					logger.Info("serving metrics", zap.Int("port", cfg.Metrics.Port))
					if err := metrics.ListenAndServe(cfg.Metrics.Port); err != nil {
						logger.Error("metrics server stopped", zap.Error(err))
					}
				}()
			}

			ctx := cmd.Context()
			registry := pool.NewRegistry(logger)

			for _, w := range cfg.Workers {
				p, err := pool.New(ctx, pool.Config{
					WorkerClass: w.Class,
					Options:     w.PoolOptions(),
					Spawner: &instance.ExecSpawner{
						Command: w.Command,
						Args:    w.Args,
						Env:     w.Env,
						Logger:  logger,
					},
					Logger:  logger,
					Metrics: collector,
				})
				if err != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					_ = registry.Shutdown(shutdownCtx)
					cancel()
					return fmt.Errorf("start pool for %s: %w", w.Class, err)
				}
				if err := registry.Register(p); err != nil {
					return err
				}
				logger.Info("pool started",
					zap.String("worker_class", w.Class),
					zap.Int("instances", p.InstanceCount()))
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			s := <-sig
			logger.Info("shutting down", zap.String("signal", s.String()))

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return registry.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "procpool.yaml", "path to the YAML config file")
	return cmd
}

func newCallCmd() *cobra.Command {
	var (
		class    string
		command  string
		method   string
		argsJSON string
		timeout  time.Duration
		retries  int
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "spawn a single instance, invoke one method and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			var callArgs []interface{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &callArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			p, err := pool.New(ctx, pool.Config{
				WorkerClass: class,
				Options: pool.Options{
					MinInstances: 1,
					MaxInstances: 1,
					Timeout:      timeout,
				},
				Spawner: &instance.ExecSpawner{Command: command, Logger: logger},
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = p.Shutdown(shutdownCtx)
			}()

			result, err := p.Execute(ctx, method, callArgs, pool.MethodOptions{
				Retries:   retries,
				Priority:  pool.PriorityNormal,
				Serialize: true,
			})
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&class, "class", "", "worker class to load")
	cmd.Flags().StringVar(&command, "command", "", "worker binary to spawn")
	cmd.Flags().StringVar(&method, "method", "", "method to invoke")
	cmd.Flags().StringVar(&argsJSON, "args", "", "JSON array of arguments")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-attempt timeout")
	cmd.Flags().IntVar(&retries, "retries", 0, "additional attempts after a failure")
	_ = cmd.MarkFlagRequired("class")
	_ = cmd.MarkFlagRequired("command")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}
