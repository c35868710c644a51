package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kozaktomas/face-grouper/internal/config"
	"github.com/kozaktomas/face-grouper/internal/logging"
	"github.com/spf13/cobra"
)

var (
	backendFlag string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "face-grouper",
	Short: "Incrementally group face embeddings into identities",
	Long: `Face Grouper assigns face embeddings, one at a time, to groups of
presumed identities. Each new face joins the group holding its nearest stored
face when the cosine distance is below the configured threshold, otherwise it
opens a new group.

Groups are persisted in PostgreSQL (pgvector), MariaDB, a local bbolt file or
process memory, selected by STORE_BACKEND.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "Store backend: postgres, mariadb, bolt or memory (overrides STORE_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides LOG_LEVEL)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig loads configuration from the environment and applies global flag overrides.
func loadConfig() *config.Config {
	cfg := config.Load()
	if backendFlag != "" {
		cfg.Store.Backend = backendFlag
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg
}

func setupLogging(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := logging.Configure(cfg.Log.Format, cfg.Log.Level); err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	return nil
}
