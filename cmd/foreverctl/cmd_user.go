package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forevermessage/forever-message/internal/auth"
	"github.com/forevermessage/forever-message/internal/quota"
)

var nowFunc = time.Now

var limitCmd = &cobra.Command{
	Use:   "limit <user-id>",
	Short: "Show a user's daily bottle quota",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, cmd)
		if err != nil {
			return err
		}
		gate := quota.NewGate(e.db, e.cfg.DailyLimit)
		if reset, _ := cmd.Flags().GetBool("release"); reset {
			if err := gate.Release(ctx, args[0]); err != nil {
				return err
			}
		}
		st, err := gate.Status(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an HS256 bearer token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := auth.IssueHS256(cfg.JWTSecret, cfg.AuthIssuer, args[0], ttl)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
		return err
	},
}

func init() {
	limitCmd.Flags().Bool("release", false, "Give one slot back before printing")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}
