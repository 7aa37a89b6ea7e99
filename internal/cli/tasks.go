package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/store"
)

var (
	tasksStatus    string
	tasksDesc      string
	tasksPriority  int
	tasksBlockedBy string
	tasksJSON      bool
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage the task board",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, st *store.Store) error {
		tasks, err := st.ListTasks(tasksStatus)
		if err != nil {
			return err
		}
		return printTasks(cmd.OutOrStdout(), tasks)
	}),
}

var tasksReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List open tasks whose blockers are all done",
	RunE: withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, st *store.Store) error {
		tasks, err := st.ReadyTasks()
		if err != nil {
			return err
		}
		return printTasks(cmd.OutOrStdout(), tasks)
	}),
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, st *store.Store) error {
		task, err := st.CreateTask(&store.Task{
			Title:       strings.Join(args, " "),
			Description: tasksDesc,
			Priority:    tasksPriority,
			BlockedBy:   splitList(tasksBlockedBy),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", task.ID)
		return nil
	}),
}

var tasksSetCmd = &cobra.Command{
	Use:   "set <id> <status>",
	Short: "Set a task status (open, in_progress, done, cancelled)",
	Args:  cobra.ExactArgs(2),
	RunE: withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, st *store.Store) error {
		if err := st.UpdateTaskStatus(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s\n", args[0], args[1])
		return nil
	}),
}

var tasksRunsCmd = &cobra.Command{
	Use:   "runs <id>",
	Short: "Show the sub-agent runs recorded against a task",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, st *store.Store) error {
		runs, err := st.ListTaskRuns(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if tasksJSON {
			return writeJSON(out, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs.")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(out, "%s  %-10s %s\n", r.AgentRunID, r.Status, r.Result)
		}
		return nil
	}),
}

func init() {
	tasksCmd.PersistentFlags().BoolVar(&tasksJSON, "json", false, "output machine-readable JSON")
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	tasksAddCmd.Flags().StringVarP(&tasksDesc, "description", "d", "", "task description")
	tasksAddCmd.Flags().IntVarP(&tasksPriority, "priority", "p", 0, "priority (higher first)")
	tasksAddCmd.Flags().StringVar(&tasksBlockedBy, "blocked-by", "", "comma-separated blocking task ids")
	tasksCmd.AddCommand(tasksListCmd, tasksReadyCmd, tasksAddCmd, tasksSetCmd, tasksRunsCmd)
}

func printTasks(w io.Writer, tasks []store.Task) error {
	if tasksJSON {
		return writeJSON(w, tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return nil
	}
	for _, t := range tasks {
		blocked := ""
		if len(t.BlockedBy) > 0 {
			blocked = " (blocked by " + strings.Join(t.BlockedBy, ", ") + ")"
		}
		fmt.Fprintf(w, "%s  %-11s p%d  %s%s\n", t.ID, t.Status, t.Priority, t.Title, blocked)
	}
	return nil
}
