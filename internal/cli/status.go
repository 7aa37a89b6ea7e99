package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/cron"
	"github.com/KafClaw/clawcore/internal/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "clawcore %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and store counters",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "📊 clawcore status")
	fmt.Fprintf(out, "Version:  %s\n", version)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path, _ = config.ConfigPath()
	}
	_, statErr := os.Stat(path)
	fmt.Fprintf(out, "Config:   %s %s\n", check(statErr == nil), path)
	fmt.Fprintf(out, "API key:  %s\n", check(cfg.Provider.APIKey != ""))
	fmt.Fprintf(out, "Model:    %s (%s)\n", cfg.Model.Name, cfg.Provider.APIBase)
	fmt.Fprintf(out, "Slack:    %s\n", check(cfg.Channels.Slack.Enabled))
	fmt.Fprintf(out, "WhatsApp: %s\n", check(cfg.Channels.WhatsApp.Enabled))
	fmt.Fprintf(out, "Kafka:    %s\n", check(cfg.Channels.Kafka.Enabled))

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return printCounters(cmd.Context(), out, cfg, st)
}

func printCounters(ctx context.Context, out io.Writer, cfg *config.Config, st *store.Store) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mem, err := openMemory(cfg, st)
	if err != nil {
		return err
	}
	active, err := mem.Count(ctx)
	if err != nil {
		return err
	}
	archived, err := mem.ArchiveCount(ctx)
	if err != nil {
		return err
	}
	jobs, err := cron.NewService(st, nil, nil).List(ctx, cron.StatusPending)
	if err != nil {
		return err
	}
	open, err := st.ListTasks(store.TaskStatusOpen)
	if err != nil {
		return err
	}
	tokens, err := st.DailyTokenUsage()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database: %s\n", cfg.Paths.Database)
	fmt.Fprintf(out, "Memories: %d (archived %d)\n", active, archived)
	fmt.Fprintf(out, "Jobs:     %d pending\n", len(jobs))
	fmt.Fprintf(out, "Tasks:    %d open\n", len(open))
	fmt.Fprintf(out, "Tokens:   %d today\n", tokens)
	return nil
}
