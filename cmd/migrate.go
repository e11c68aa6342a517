package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/altermind/altermind/internal/config"
	storedb "github.com/altermind/altermind/internal/store/db"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()

			path := cfgFile
			if path == "" {
				path = config.Path()
			}
			cfg, err := config.Load(path)
			if err != nil {
				slog.Error("load config failed", "error", err)
				os.Exit(1)
			}

			if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
				slog.Error("create data dir failed", "error", err)
				os.Exit(1)
			}
			st, err := storedb.Open(cfg.DSN())
			if err != nil {
				slog.Error("open store failed", "error", err)
				os.Exit(1)
			}
			defer st.Close()

			if err := st.Migrate(); err != nil {
				slog.Error("migrate failed", "error", err)
				os.Exit(1)
			}
			slog.Info("migrations applied")
		},
	}
}
