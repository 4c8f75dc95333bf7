package main

import (
	"errors"

	"github.com/spf13/cobra"
	"goa.design/clue/health"
)

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping the configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackends(cmd.Context(), flags, func(b *backends) error {
				h, ok := health.NewChecker(b.pingers...).Check(cmd.Context())
				if err := printJSON(cmd.OutOrStdout(), h); err != nil {
					return err
				}
				if !ok {
					return errors.New("one or more backends are unhealthy")
				}
				return nil
			})
		},
	}
}
