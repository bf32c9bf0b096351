package main

import (
	"fmt"
	"os"

	idb "daily_standup_bot/internal/infra/database"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func migrateCMD() *cobra.Command {
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Run embedded database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			if len(args) == 1 {
				direction = args[0]
			}
			if err := idb.Migrate(dsn, direction, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations %s: done\n", direction)
			return nil
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
