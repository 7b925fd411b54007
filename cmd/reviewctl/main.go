// Command reviewctl is a terminal client for reviewflow: it watches a live
// session and submits runs, plan decisions, clarifications and cancellations.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	server string
	user   string
	apiKey string
}

func main() {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "reviewctl",
		Short:         "Terminal client for the reviewflow run controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("REVIEWFLOW_URL", "http://localhost:8080"), "reviewflow base URL")
	rootCmd.PersistentFlags().StringVarP(&opts.user, "user", "u", envOr("REVIEWFLOW_USER", ""), "user id to act as")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("REVIEWFLOW_API_KEY"), "API key")

	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newStartCommand(opts))
	rootCmd.AddCommand(newDecisionCommand(opts, "approve", true))
	rootCmd.AddCommand(newDecisionCommand(opts, "reject", false))
	rootCmd.AddCommand(newAnswerCommand(opts))
	rootCmd.AddCommand(newCancelCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newMessagesCommand(opts))

	if err := rootCmd.Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (o *globalOptions) client() (*apiClient, error) {
	if o.user == "" {
		return nil, fmt.Errorf("--user is required")
	}
	return newAPIClient(o.server, o.user, o.apiKey), nil
}

func newStartCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <task>",
		Short: "Start a new run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			processID, _ := cmd.Flags().GetString("process")

			resp, err := client.StartRun(cmd.Context(), strings.Join(args, " "), processID)
			if err != nil {
				return err
			}
			fmt.Printf("Started run %s (%s)\n", resp.RunID, resp.State)
			return nil
		},
	}
	cmd.Flags().StringP("process", "p", "", "deliver messages only to this process id")
	return cmd
}

func newDecisionCommand(opts *globalOptions, use string, approved bool) *cobra.Command {
	verb := "Approve"
	if !approved {
		verb = "Reject"
	}
	return &cobra.Command{
		Use:   use + " <plan_id>",
		Short: verb + " a proposed plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.SubmitApproval(cmd.Context(), args[0], approved); err != nil {
				return err
			}
			fmt.Printf("Plan %s %sd\n", args[0], use)
			return nil
		},
	}
}

func newAnswerCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "answer <request_id> <answer>",
		Short: "Answer a clarification request",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.SubmitClarification(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Printf("Answered %s\n", args[0])
			return nil
		},
	}
}

func newCancelCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			run, err := client.CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Run %s is %s\n", run.RunID, stateColor(run.State).Sprint(run.State))
			return nil
		},
	}
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run_id]",
		Short: "Show one run, or list your recent runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				run, err := client.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRun(os.Stdout, *run)
				return nil
			}

			runs, err := client.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs.")
				return nil
			}
			for _, run := range runs {
				printRunLine(os.Stdout, run)
			}
			return nil
		},
	}
}

func newMessagesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages <run_id>",
		Short: "Print the archived messages of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			after, _ := cmd.Flags().GetInt64("after")
			msgs, err := client.ListMessages(cmd.Context(), args[0], after)
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				printMessage(os.Stdout, msg)
			}
			return nil
		},
	}
	cmd.Flags().Int64("after", 0, "only messages after this sequence number")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
