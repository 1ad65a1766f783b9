package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/forevermessage/forever-message/internal/bootstrap"
	"github.com/forevermessage/forever-message/internal/config"
	"github.com/forevermessage/forever-message/internal/logger"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreverctl",
	Short: "Operator tool for the Forever Message backend",
	Long: `foreverctl runs the maintenance tasks of the Forever Message backend
against the database and chain configured in the environment.

Examples:
  foreverctl migrate
  foreverctl sync
  foreverctl reap --dry-run
  foreverctl resume 01J0Q9Z6Y3M4V7W8X9A0B1C2D3
  foreverctl limit 0xabc...
  foreverctl token 0xabc... --ttl 1h`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if path, _ := cmd.Flags().GetString("env-file"); path != "" {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file to load before reading config")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(limitCmd)
	rootCmd.AddCommand(tokenCmd)
}

// env is what most subcommands need: config, a logger and the database.
type env struct {
	cfg *config.Config
	log zerolog.Logger
	db  *gorm.DB
}

func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logger.New(cfg)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		log = log.Level(zerolog.DebugLevel)
	}
	return cfg, log, nil
}

func openEnv(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	gdb, err := bootstrap.Database(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, db: gdb}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
