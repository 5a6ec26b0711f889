package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Control jobs that are already running on the backend",
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cooperatively cancel a running job",
	Long: `Request cooperative termination of a running job. Cancelling a job
that already finished is harmless.

Examples:
  dispatch job cancel j-7f3a`,
	Args: cobra.ExactArgs(1),
	RunE: runJobCancel,
}

var jobInputCmd = &cobra.Command{
	Use:   "input <job-id> <text>...",
	Short: "Send interactive input to a running job",
	Long: `Forward a line of user input to a job that is waiting on it.

Examples:
  dispatch job input j-7f3a "use the staging database"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runJobInput,
}

func init() {
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobInputCmd)
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.jobs.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancelled job %s\n", args[0])
	return nil
}

func runJobInput(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	text := strings.Join(args[1:], " ")
	if err := app.jobs.SendInput(cmd.Context(), args[0], text); err != nil {
		return err
	}
	fmt.Printf("Sent input to job %s\n", args[0])
	return nil
}
