package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"goa.design/agentstate/runtime/hookpolicy"
)

func newHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Evaluate the webhook error policy",
	}
	var (
		failed         bool
		status         int
		timedOut       bool
		transportError string
		invalidPayload bool
	)
	decide := &cobra.Command{
		Use:   "decide <category>",
		Short: "Print allow or deny for a callback outcome",
		Long: `Print the decision applied when a callback for <category> completes.

Pass --failed to state that the callback errored, or describe the raw outcome
with --status, --timeout, --transport-error and --invalid-payload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category := hookpolicy.Category(args[0])
			outcome := cmd.Flags().Changed("status") || timedOut || transportError != "" || invalidPayload
			if !outcome {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), hookpolicy.Decide(category, failed))
				return err
			}
			var callErr error
			switch {
			case timedOut:
				callErr = os.ErrDeadlineExceeded
			case transportError != "":
				callErr = errors.New(transportError)
			}
			failure := hookpolicy.Classify(callErr, status, !invalidPayload)
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (failure=%s)\n", hookpolicy.Resolve(category, failure), failure)
			return err
		},
	}
	decide.Flags().BoolVar(&failed, "failed", false, "The callback errored or timed out")
	decide.Flags().IntVar(&status, "status", 200, "HTTP status the callback answered with")
	decide.Flags().BoolVar(&timedOut, "timeout", false, "The callback timed out")
	decide.Flags().StringVar(&transportError, "transport-error", "", "Error raised reaching the callback")
	decide.Flags().BoolVar(&invalidPayload, "invalid-payload", false, "The callback body could not be decoded")

	categories := &cobra.Command{
		Use:   "categories",
		Short: "List known hook categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, c := range hookpolicy.Categories() {
				kind := "observational"
				if c.Gating() {
					kind = "gating"
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c, kind); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.AddCommand(decide, categories)
	return cmd
}
