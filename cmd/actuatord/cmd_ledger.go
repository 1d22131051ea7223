/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/actuator/internal/audit"
	"github.com/friendsincode/actuator/internal/db"
	"github.com/friendsincode/actuator/internal/models"
)

var (
	ledgerTask      string
	ledgerRequester string
	ledgerState     string
	ledgerLimit     int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query the task lifecycle ledger",
	Long: `Print recorded task lifecycle transitions as JSON, oldest first.

Requires ACTUATOR_DB_DSN.

Examples:
  # Everything that happened to one task
  actuatord ledger --task task-42

  # Preemptions suffered by one agent
  actuatord ledger --requester agent-7 --state PREEMPTED
`,
	RunE: runLedger,
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerTask, "task", "", "Filter by task ID")
	ledgerCmd.Flags().StringVar(&ledgerRequester, "requester", "", "Filter by requester ID")
	ledgerCmd.Flags().StringVar(&ledgerState, "state", "", "Filter by lifecycle state")
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 100, "Maximum number of records")
	rootCmd.AddCommand(ledgerCmd)
}

func runLedger(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer db.Close(database)

	filters := audit.QueryFilters{Limit: ledgerLimit}
	if ledgerTask != "" {
		filters.TaskID = &ledgerTask
	}
	if ledgerRequester != "" {
		filters.RequesterID = &ledgerRequester
	}
	if ledgerState != "" {
		st := models.TaskState(ledgerState)
		filters.State = &st
	}

	svc := audit.NewService(database, nil, zerolog.Nop())
	records, total, err := svc.Query(cmd.Context(), filters)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return err
	}
	logger.Info().Int64("total", total).Int("shown", len(records)).Msg("ledger query complete")
	return nil
}
