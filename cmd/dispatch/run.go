package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/dispatch/internal/assembler"
	"github.com/fyrsmithlabs/dispatch/internal/intent"
	"github.com/fyrsmithlabs/dispatch/internal/workflow"
)

var (
	runWorkspace string
	runSessionID string
	runYes       bool
)

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Route a message through intent detection and run the matched workflow",
	Long: `Route a message through intent detection. When a workflow matches with
enough confidence, submit it as a job and stream its progress until it
finishes. When a workflow pauses for approval, the artifact preview is
printed and you are prompted to approve or reject.

Examples:
  # Run a workflow in the current directory
  dispatch run "generate a spec for user auth"

  # Run against a specific workspace and session
  dispatch run --workspace ~/src/api --session s42 "run the tests"

  # Approve gates automatically (non-interactive use)
  dispatch run --yes "generate a spec for user auth"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", ".", "workspace directory the job runs in")
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "session ID to attach the job to")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "approve all approval gates without prompting")
}

func runRun(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router, err := intent.NewRouter(intent.NewPatternDetector(), app.logger)
	if err != nil {
		return err
	}
	builder, err := assembler.NewBuilder(app.memory,
		assembler.Budget{
			ModelContextLength: app.cfg.Budget.ModelContextLength,
			ReservedForOutput:  app.cfg.Budget.ReservedForOutput,
		},
		assembler.Options{
			MinRelevance:   app.cfg.Retrieval.MinRelevance,
			LongTermLimit:  app.cfg.Retrieval.LongTermLimit,
			ShortTermLimit: app.cfg.Retrieval.ShortTermLimit,
		},
		app.logger, app.metrics,
	)
	if err != nil {
		return err
	}

	orch, err := workflow.NewOrchestrator(runWorkspace, router, builder, app.jobs, app.memory, app.logger, app.metrics)
	if err != nil {
		return err
	}
	defer orch.Close()
	if runSessionID != "" {
		orch.SetSessionID(runSessionID)
	}

	machine, err := orch.HandleMessage(ctx, args[0])
	if err != nil {
		return err
	}
	if machine == nil {
		fmt.Println("No workflow detected; message left as ordinary chat.")
		return nil
	}

	snap := machine.Snapshot()
	fmt.Fprintf(os.Stderr, "[dispatch] started %s as job %s\n", snap.Workflow, snap.JobID)

	return followMachine(ctx, orch, machine)
}

// followMachine prints workflow progress until the machine settles. On
// interrupt the job is cancelled cooperatively before returning.
func followMachine(ctx context.Context, orch *workflow.Orchestrator, machine *workflow.Machine) error {
	updates := make(chan struct{}, 1)
	machine.Subscribe(func(workflow.Snapshot) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	printedLogs := 0
	printedOutput := 0
	for {
		snap := machine.Snapshot()

		for _, entry := range snap.Logs[printedLogs:] {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", entry.Level, entry.Message)
		}
		printedLogs = len(snap.Logs)
		if len(snap.Output) > printedOutput {
			fmt.Print(snap.Output[printedOutput:])
			printedOutput = len(snap.Output)
		}

		switch snap.Status {
		case workflow.StatusCompleted:
			if snap.Result != "" {
				fmt.Fprintf(os.Stderr, "\n[dispatch] %s\n", snap.Result)
			}
			return nil

		case workflow.StatusFailed:
			return fmt.Errorf("workflow failed: %s", snap.Error)

		case workflow.StatusIdle:
			fmt.Fprintln(os.Stderr, "[dispatch] workflow stopped")
			return nil

		case workflow.StatusWaitingApproval:
			if err := decideApproval(ctx, orch, snap); err != nil {
				return err
			}
			// Refresh against the post-decision state.
			continue
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "[dispatch] interrupted, cancelling job")
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return orch.Cancel(cancelCtx, machine.JobID())
		case <-updates:
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// decideApproval prints the pending artifact and applies the user's
// decision.
func decideApproval(ctx context.Context, orch *workflow.Orchestrator, snap workflow.Snapshot) error {
	pending := snap.Pending
	if pending == nil {
		return nil
	}

	fmt.Fprintf(os.Stderr, "\n[dispatch] approval required for %s %s\n", pending.ArtifactType, pending.ArtifactPath)
	if pending.Preview != "" {
		fmt.Fprintln(os.Stderr, pending.Preview)
	}
	fmt.Fprintf(os.Stderr, "[dispatch] next command: %s\n", pending.NextCommand)

	approve := runYes
	if !runYes {
		fmt.Fprint(os.Stderr, "Approve? [y/N]: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			line = ""
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		approve = answer == "y" || answer == "yes"
	}

	if approve {
		return orch.Approve(ctx, pending.JobID)
	}
	return orch.Reject(ctx, pending.JobID, "rejected at prompt")
}
