package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/dispatch"
	"github.com/GoCodeAlone/courier/task"
)

var (
	submitSource string
	submitRef    string
	submitType   string

	controlSource string

	listStatus string
	listSource string
	listLimit  int

	showEvents bool

	claimConsumer   string
	completeOutcome string
	completeDetail  string
)

var submitCmd = &cobra.Command{
	Use:   "submit <instruction...>",
	Short: "Queue an instruction",
	Long: `Queue an instruction for the next available consumer.

Resubmitting a --ref that is still pending or processing returns the
existing task instead of queueing a duplicate.

Examples:
  courier submit "reply to Tanaka: Thursday works"
  courier submit --source slack:C024BE91L --ref 1712345678.000200 "draft the minutes"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		rcpt, err := c.Submit(cmd.Context(), dispatch.Submission{
			Instruction:    strings.Join(args, " "),
			CommandType:    task.CommandType(submitType),
			Source:         submitSource,
			CorrelationRef: submitRef,
		})
		if err != nil {
			return err
		}
		return printReceipt(cmd, rcpt)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Pause consumers; new instructions wait until resume",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		rcpt, err := c.Stop(cmd.Context(), controlSource)
		if err != nil {
			return err
		}
		return printReceipt(cmd, rcpt)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume paused consumers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		rcpt, err := c.Resume(cmd.Context(), controlSource)
		if err != nil {
			return err
		}
		return printReceipt(cmd, rcpt)
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		filter := task.Filter{Source: listSource, Limit: listLimit}
		if listStatus != "" {
			st := task.Status(listStatus)
			if !st.Valid() {
				return fmt.Errorf("unknown status %q", listStatus)
			}
			filter.Status = &st
		}
		tasks, err := c.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), tasks)
		}
		renderTasks(cmd.OutOrStdout(), tasks)
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		t, err := c.Get(cmd.Context(), args[0])
		if errors.Is(err, task.ErrNotFound) {
			return fmt.Errorf("task %s not found (it may have been swept)", args[0])
		}
		if err != nil {
			return err
		}
		var events []*comms.Event
		if showEvents {
			if events, err = c.RecentEvents(cmd.Context(), t.ID, 0); err != nil {
				return err
			}
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), map[string]any{"task": t, "events": events})
		}
		renderTask(cmd.OutOrStdout(), t, events)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Claim a pending task",
	Long: `Claim a pending task by hand. Exits non-zero when another consumer
already holds it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		consumer := claimConsumer
		if consumer == "" {
			consumer = cfg.Consumer.ID
		}
		t, err := newClient(cfg).Claim(cmd.Context(), args[0], consumer)
		if errors.Is(err, task.ErrConflict) {
			return fmt.Errorf("task %s is already claimed or resolved", args[0])
		}
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), t)
		}
		printf(cmd, "claimed %s as %s\n", t.ID, t.ClaimedBy)
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Resolve a task this consumer claimed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		consumer := claimConsumer
		if consumer == "" {
			consumer = cfg.Consumer.ID
		}
		t, err := newClient(cfg).Complete(cmd.Context(), args[0], consumer, task.Status(completeOutcome), completeDetail)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), t)
		}
		printf(cmd, "%s %s\n", t.ID, statusStyle(t.Status).Render(string(t.Status)))
		return nil
	},
}

func printReceipt(cmd *cobra.Command, rcpt dispatch.Receipt) error {
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), rcpt)
	}
	if rcpt.Deduplicated {
		printf(cmd, "already queued as %s (%s)\n", rcpt.ID, rcpt.Status)
		return nil
	}
	printf(cmd, "queued %s\n", rcpt.ID)
	return nil
}

func init() {
	submitCmd.Flags().StringVar(&submitSource, "source", "", "originating channel as platform:target (default cli:local)")
	submitCmd.Flags().StringVar(&submitRef, "ref", "", "correlation ref used to fold duplicate submissions")
	submitCmd.Flags().StringVar(&submitType, "type", "", "command type (instruction, stop, resume)")

	for _, c := range []*cobra.Command{stopCmd, resumeCmd} {
		c.Flags().StringVar(&controlSource, "source", "", "channel that receives the acknowledgement")
	}

	tasksCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	tasksCmd.Flags().StringVar(&listSource, "source", "", "filter by source")
	tasksCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum tasks to list")

	taskCmd.Flags().BoolVar(&showEvents, "events", false, "include recent lifecycle events")

	for _, c := range []*cobra.Command{startCmd, completeCmd} {
		c.Flags().StringVar(&claimConsumer, "consumer", "", "consumer id (default consumer.id)")
	}
	completeCmd.Flags().StringVar(&completeOutcome, "outcome", string(task.StatusCompleted), "completed or failed")
	completeCmd.Flags().StringVar(&completeDetail, "detail", "", "outcome text reported to the source")

	rootCmd.AddCommand(submitCmd, stopCmd, resumeCmd, tasksCmd, taskCmd, startCmd, completeCmd)
}
