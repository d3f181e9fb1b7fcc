package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dcmjson/pkg/telemetry"
	"dcmjson/services/dcm2niix"
)

const serviceName = "dcm2niix-json"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	profile string
	console bool

	settings dcm2niix.Settings
	logger   zerolog.Logger
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Convert scan DICOM resources to dcm2niix JSON sidecars",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := dcm2niix.LoadSettings(cmd.Context(), g.profile)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			g.settings = settings
			g.logger = telemetry.NewLogger(serviceName, settings.LogLevel, g.console, os.Stderr)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&g.profile, "profile", "", "YAML profile overriding environment settings")
	cmd.PersistentFlags().BoolVar(&g.console, "console", true, "Human readable log output")

	cmd.AddCommand(newRunCommand(g))
	cmd.AddCommand(newCheckCommand(g))
	cmd.AddCommand(newRegisterCommand(g))
	cmd.AddCommand(newExportCommand(g))
	cmd.AddCommand(newMigrateCommand(g))
	cmd.AddCommand(newWorkerCommand(g))
	return cmd
}
