package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions on the backend",
}

var sessionInfoCmd = &cobra.Command{
	Use:   "info <session-id>",
	Short: "Show a session's context usage against the model budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionInfo,
}

func init() {
	sessionCmd.AddCommand(sessionInfoCmd)
}

func runSessionInfo(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	info, err := app.memory.SessionContext(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:       %s\n", info.SessionID)
	fmt.Printf("Messages:      %d\n", info.MessageCount)
	fmt.Printf("Tokens:        %d / %d (%.1f%%)\n", info.TotalTokens, info.EffectiveLimit, info.UsagePercent*100)
	fmt.Printf("Reserved out:  %d\n", info.ReservedForOutput)
	fmt.Printf("Has summary:   %v\n", info.HasSummary)
	return nil
}
