package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	interruptpulse "goa.design/agentstate/features/interrupt/pulse"
	"goa.design/agentstate/runtime/telemetry"
)

func newInterruptCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interrupt",
		Short: "Request, inspect and clear session interrupts",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "request <session-id>",
			Short: "Ask the instance processing a session to stop",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackends(cmd.Context(), flags, func(b *backends) error {
					return b.svc.RequestInterrupt(cmd.Context(), args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "check <session-id>",
			Short: "Report whether an interrupt is pending",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackends(cmd.Context(), flags, func(b *backends) error {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), b.svc.IsInterrupted(cmd.Context(), args[0]))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "clear <session-id>",
			Short: "Remove a pending interrupt",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBackends(cmd.Context(), flags, func(b *backends) error {
					b.svc.ClearInterrupt(cmd.Context(), args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Print interrupt notices as they are published",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withBackends(cmd.Context(), flags, func(b *backends) error {
					if b.pulse == nil {
						return errors.New("pulse notifications are disabled (set pulse.enabled)")
					}
					w, err := interruptpulse.NewWatcher(interruptpulse.WatcherOptions{
						Client:   b.pulse,
						Stream:   b.cfg.Pulse.Stream,
						Instance: b.cfg.Instance,
						Logger:   telemetry.NewClueLogger(),
					})
					if err != nil {
						return err
					}
					notices, cancel, err := w.Watch(cmd.Context())
					if err != nil {
						return err
					}
					defer cancel()
					for n := range notices {
						if err := printJSON(cmd.OutOrStdout(), n); err != nil {
							return err
						}
					}
					return nil
				})
			},
		},
	)
	return cmd
}
