// Package main provides the agentmeshd binary: the orchestrator control
// plane daemon. It serves plan execution, provider routing, and plan event
// streaming behind one HTTP server, with optional Redis-backed clustering.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/plan"
)

const (
	Version = "0.1.0"
	appName = "agentmeshd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "LLM orchestrator control plane",
		Long: `Agentmeshd turns goals into executable plans: it matches goals to plan
definitions, materializes them into dependency graphs, dispatches steps to
agents over the message bus, routes LLM calls across providers, and streams
step progress to clients over SSE.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(validateCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if *logLevel != "" {
				cfg.LogLevel = *logLevel
			}
			logger := core.NewStdLogger(appName, cfg.LogLevel, cfg.LogFormat)

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}
}

func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [plan-file]",
		Short: "Validate a plan collection file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := LoadConfig(*configPath)
				if err != nil {
					return err
				}
				path = cfg.Plans.Path
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			file, err := plan.Parse(data)
			if err != nil {
				return err
			}

			fmt.Printf("%s: %d plans valid\n", path, len(file.Plans))
			for _, def := range file.Plans {
				state := "enabled"
				if !def.Enabled {
					state = "disabled"
				}
				fmt.Printf("  %-24s %-12s %2d steps  %s\n", def.ID, def.WorkflowType, len(def.Steps), state)
			}
			return nil
		},
	}
}
