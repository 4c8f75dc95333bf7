package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newActiveCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Manage active-session markers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "register <session-id>",
			Short: "Mark a session active",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackends(cmd.Context(), flags, func(b *backends) error {
					b.svc.RegisterActive(cmd.Context(), args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "check <session-id>",
			Short: "Report whether a session is active",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackends(cmd.Context(), flags, func(b *backends) error {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), b.svc.IsActive(cmd.Context(), args[0]))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "unregister <session-id>",
			Short: "Clear a session's active marker",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackends(cmd.Context(), flags, func(b *backends) error {
					b.svc.UnregisterActive(cmd.Context(), args[0])
					return nil
				})
			},
		},
	)
	return cmd
}
