/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/actuator/internal/auth"
)

var (
	tokenAgent string
	tokenRoles []string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for an agent",
	Long: `Sign a bearer token with ACTUATOR_JWT_SIGNING_KEY.

Examples:
  actuatord token --agent agent-7
  actuatord token --agent ops --role admin --ttl 1h
`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAgent, "agent", "", "Agent ID the token acts as")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "Roles granted to the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.JWTSigningKey == "" {
		return errors.New("ACTUATOR_JWT_SIGNING_KEY is not set")
	}
	token, err := auth.Issue([]byte(cfg.JWTSigningKey), auth.Claims{AgentID: tokenAgent, Roles: tokenRoles}, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
