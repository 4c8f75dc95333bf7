package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"goa.design/agentstate/runtime/session"
	"goa.design/agentstate/runtime/sessionsvc"
)

func newCreateCmd(flags *globalFlags) *cobra.Command {
	var req sessionsvc.CreateRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackends(cmd.Context(), flags, func(b *backends) error {
				sess, err := b.svc.Create(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
	cmd.Flags().StringVar(&req.Model, "model", "", "Model the session runs against (required)")
	cmd.Flags().StringVar(&req.ID, "id", "", "Session ID (generated when empty)")
	cmd.Flags().StringVar(&req.ParentID, "parent", "", "Session this one is forked from")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newGetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(cmd.Context(), flags, func(b *backends) error {
				sess, err := b.svc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
}

func newUpdateCmd(flags *globalFlags) *cobra.Command {
	var (
		status    string
		cost      float64
		increment bool
	)
	cmd := &cobra.Command{
		Use:   "update <session-id>",
		Short: "Update a session under its lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u session.Update
			if status != "" {
				st := session.Status(status)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				u.Status = &st
			}
			if cmd.Flags().Changed("cost") {
				u.TotalCost = session.CostPtr(cost)
			}
			u.IncrementTurns = increment
			return withBackends(cmd.Context(), flags, func(b *backends) error {
				sess, err := b.svc.Update(cmd.Context(), args[0], u)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "New status: active, completed or error")
	cmd.Flags().Float64Var(&cost, "cost", 0, "Accumulated cost")
	cmd.Flags().BoolVar(&increment, "increment-turns", false, "Add one to the turn count")
	return cmd
}

func newEvictCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "evict <session-id>",
		Short: "Drop the cached copy of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(cmd.Context(), flags, func(b *backends) error {
				b.svc.Evict(cmd.Context(), args[0])
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
