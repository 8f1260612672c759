package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systemshift/omrs/internal/config"
	"github.com/systemshift/omrs/internal/server/cohort"
)

func newInitCmd() *cobra.Command {
	var (
		serverName string
		backend    string
		dbPath     string
		cohorts    []string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration with a new metadata collection id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to replace it", configPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.Default()
			cfg.Member.ServerName = serverName
			cfg.Storage.Backend = backend
			cfg.Storage.Path = dbPath
			for _, name := range cohorts {
				cfg.Cohorts = append(cfg.Cohorts, cohort.CohortConfig{Name: name, Transport: cohort.TransportKafka})
			}
			cfg.EnsureIdentity()

			if err := config.Save(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\nMetadata collection id: %s\n", configPath, cfg.Member.MetadataCollectionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverName, "server-name", "omrs-server", "Server name announced to cohorts")
	cmd.Flags().StringVar(&backend, "storage", config.BackendSQLite, "Storage backend: memory, sqlite, neo4j")
	cmd.Flags().StringVar(&dbPath, "db", "omrs.db", "SQLite database file")
	cmd.Flags().StringSliceVar(&cohorts, "cohort", nil, "Kafka cohort to join, repeatable")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing configuration")
	return cmd
}
