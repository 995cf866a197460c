package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatpipe/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check database connectivity and migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveDatabasePath()
			if err != nil {
				return err
			}

			ctx := context.Background()
			db, err := sqlite.Open(ctx, path)
			if err != nil {
				fmt.Printf("database: FAIL (%v)\n", err)
				return err
			}
			defer db.Close()

			fmt.Printf("database: OK (%s)\n", path)

			m, err := newMigrator(path)
			if err != nil {
				fmt.Printf("migrations: FAIL (%v)\n", err)
				return nil
			}
			defer m.Close()

			v, dirty, verr := m.Version()
			if verr != nil {
				fmt.Printf("migrations: unknown (%v)\n", verr)
				return nil
			}
			fmt.Printf("migrations: version=%d dirty=%v\n", v, dirty)
			return nil
		},
	}
}
