// Package app provides the commands of the maas-seed CLI.
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	ctrl "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"

	"github.com/BenjaminSchiborr/cloud-init/internal/config"
	"github.com/BenjaminSchiborr/cloud-init/internal/sources"
	"github.com/BenjaminSchiborr/cloud-init/internal/versions"
)

// Exit codes returned by the CLI
const (
	ExitOK        = 0
	ExitError     = 1
	ExitAbsent    = 2
	ExitMalformed = 3
)

// ExitCode maps a command error to the process exit code. Callers chaining
// datasources can tell "try something else" (absent) from "fix the seed"
// (malformed) without parsing output.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, sources.ErrSeedMalformed):
		return ExitMalformed
	case errors.Is(err, sources.ErrSeedAbsent):
		return ExitAbsent
	default:
		return ExitError
	}
}

// NewRootCmd creates the root command with all subcommands attached.
// Each call returns an independent command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "maas-seed",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Short:             "Resolve and serve MAAS instance seeds",
		Long: `maas-seed reads MAAS style instance seeds (instance-id, local-hostname,
public-keys and user-data) from local seed directories or a MAAS metadata
endpoint, and can serve a seed directory over the same HTTP layout.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !v.GetBool("debug") {
				return nil
			}
			zapLog, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("failed to create debug logger: %w", err)
			}
			ctrl.SetLogger(zapr.NewLogger(zapLog))
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		slog.Error("Error binding debug flag", "error", err)
	}

	rootCmd.AddCommand(newResolveCmd(v))
	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("error retrieving format flag: %w", err)
			}

			switch format {
			case outputJSON:
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("error formatting version info as JSON: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return nil
			case outputYAML:
				output, err := yaml.Marshal(info)
				if err != nil {
					return fmt.Errorf("error formatting version info as YAML: %w", err)
				}
				_, _ = cmd.OutOrStdout().Write(output)
				return nil
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
	cmd.Flags().String("format", "", "Output format (json or yaml)")
	return cmd
}
