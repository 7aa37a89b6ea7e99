package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/channels"
	"github.com/KafClaw/clawcore/internal/config"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the daemon with every enabled channel",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "🌐 clawcore gateway")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	prov, err := newProvider(cfg)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, prov)
	if err != nil {
		return err
	}
	defer rt.Close()

	backends := gatewayBackends(cfg)
	if len(backends) == 0 {
		slog.Warn("No channels enabled; only cron and maintenance will run")
	}
	stop := rt.bus.WatchActivity(func(a bus.Activity) {
		slog.Debug("Loop activity", "state", a.State, "detail", a.Detail)
	})
	defer stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(out, "Model: %s  Channels: %d  Database: %s\n", cfg.Model.Name, len(backends), cfg.Paths.Database)
	fmt.Fprintln(out, "Gateway running. Press Ctrl+C to stop.")
	if err := rt.run(ctx, backends); err != nil {
		return err
	}
	fmt.Fprintln(out, "Shutting down...")
	return nil
}

// gatewayBackends builds the enabled channel backends.
func gatewayBackends(cfg *config.Config) []channels.Backend {
	var out []channels.Backend
	if cfg.Channels.Slack.Enabled {
		out = append(out, channels.NewSlack(cfg.Channels.Slack))
	}
	if cfg.Channels.WhatsApp.Enabled {
		out = append(out, channels.NewWhatsApp(cfg.Channels.WhatsApp))
	}
	if cfg.Channels.Kafka.Enabled {
		out = append(out, channels.NewKafka(cfg.Channels.Kafka))
	}
	return out
}
