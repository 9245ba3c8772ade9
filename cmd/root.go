package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
)

var (
	cfg    *config.Config
	userID string
)

var rootCmd = &cobra.Command{
	Use:   "catalog-enricher",
	Short: "Background metadata enrichment for reading-library catalogs",
	Long:  "Queues library items with missing metadata, matches them against Open Library and Google Books, and applies or queues the results for review.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		resolveUser(cmd)

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "owning user id for task commands (default from config user / ENRICH_USER)")
}

// resolveUser falls back to the configured user when --user was not given.
func resolveUser(cmd *cobra.Command) {
	if !cmd.Flags().Changed("user") {
		userID = cfg.User
	}
}

// requireUser returns the --user value or an error naming the flag.
func requireUser() (string, error) {
	if userID == "" {
		return "", eris.New("--user (or config user / ENRICH_USER) is required")
	}
	return userID, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
