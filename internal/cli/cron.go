package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/cron"
	"github.com/KafClaw/clawcore/internal/store"
)

var (
	cronStatus string
	cronName   string
	cronSpawn  bool
	cronJSON   bool
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage one-shot scheduled jobs",
	Long: "Jobs are stored in the database. A running gateway arms jobs it creates\n" +
		"itself; jobs added here are armed when the gateway next starts.",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: withCron(func(cmd *cobra.Command, args []string, svc *cron.Service) error {
		jobs, err := svc.List(cmd.Context(), cronStatus)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if cronJSON {
			return writeJSON(out, jobs)
		}
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No jobs.")
			return nil
		}
		for _, j := range jobs {
			body := j.Payload.Message
			if j.PayloadType == cron.PayloadSpawn {
				body = j.Payload.Task
			}
			fmt.Fprintf(out, "%s  %-9s %-6s %s  %s: %s\n", j.ID, j.Status, j.PayloadType,
				j.ScheduleAt.Local().Format("2006-01-02 15:04"), j.Name, body)
		}
		return nil
	}),
}

var cronAddCmd = &cobra.Command{
	Use:   "add <when> <text>",
	Short: "Schedule a reminder, or a sub-agent task with --spawn",
	Long:  "<when> is an RFC 3339 timestamp or a delay such as 10m or 1h30m.",
	Args:  cobra.MinimumNArgs(2),
	RunE: withCron(func(cmd *cobra.Command, args []string, svc *cron.Service) error {
		at, err := cron.ParseWhen(args[0], time.Now())
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		payloadType, payload := cron.PayloadNotify, cron.Payload{Message: text}
		if cronSpawn {
			payloadType, payload = cron.PayloadSpawn, cron.Payload{Task: text}
		}
		job, err := svc.CreateJob(cmd.Context(), cronName, at, payloadType, payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s job %s for %s\n", job.PayloadType, job.ID, job.ScheduleAt.Local().Format(time.RFC1123))
		return nil
	}),
}

var cronCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE: withCron(func(cmd *cobra.Command, args []string, svc *cron.Service) error {
		ok, err := svc.CancelJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s is not pending", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", args[0])
		return nil
	}),
}

func init() {
	cronCmd.PersistentFlags().BoolVar(&cronJSON, "json", false, "output machine-readable JSON")
	cronListCmd.Flags().StringVar(&cronStatus, "status", cron.StatusPending, "pending, fired, cancelled or empty for all")
	cronAddCmd.Flags().StringVar(&cronName, "name", "", "job name")
	cronAddCmd.Flags().BoolVar(&cronSpawn, "spawn", false, "run the text as a background task")
	cronCmd.AddCommand(cronListCmd, cronAddCmd, cronCancelCmd)
}

// withCron hands fn a stopped service: it reads and writes jobs without
// arming timers in this short-lived process.
func withCron(fn func(cmd *cobra.Command, args []string, svc *cron.Service) error) func(*cobra.Command, []string) error {
	return withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, st *store.Store) error {
		svc := cron.NewService(st, nil, nil)
		svc.Stop()
		return fn(cmd, args, svc)
	})
}
