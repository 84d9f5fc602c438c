package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/watermon/internal/store"
	"github.com/srg/watermon/pkg/config"
)

// schemaCmd represents the schema command
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print or apply the database schema",
	Long: `Print the SQL that creates the realtime and usage tables, the usage index and the
writer and reader roles. With --apply the statements are run against the configured
database instead; they are idempotent.

Examples:
  watermon schema > schema.sql
  watermon schema --apply --dsn "host=db user=postgres dbname=watermon"`,
	Args: cobra.NoArgs,
	RunE: runSchema,
}

func init() {
	addDatabaseFlags(schemaCmd)
	schemaCmd.Flags().Bool("apply", false, "Apply the schema instead of printing it")
}

func schemaOptions(cfg config.Config) store.SchemaOptions {
	return store.SchemaOptions{
		RealtimeTable: cfg.Database.RealtimeTable,
		UsageTable:    cfg.Database.UsageTable,
		WriterRole:    cfg.Database.WriterRole,
		ReaderRole:    cfg.Database.ReaderRole,
	}
}

func runSchema(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cfg)
	if err != nil {
		return err
	}
	apply, _ := cmd.Flags().GetBool("apply")

	cmd.SilenceUsage = true

	if !apply {
		migrations, err := store.Migrations(schemaOptions(cfg))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, m := range migrations {
			fmt.Fprintf(out, "-- %s\n%s\n", m.Name, m.SQL)
		}
		return nil
	}

	pg, err := store.Open(cmd.Context(), store.Options{
		DSN:           cfg.Database.ConnectionString(),
		RealtimeTable: cfg.Database.RealtimeTable,
		UsageTable:    cfg.Database.UsageTable,
		PingTimeout:   cfg.Database.ConnectTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	return pg.Migrate(cmd.Context(), schemaOptions(cfg))
}
