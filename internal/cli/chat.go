package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/channels"
)

var chatWithChannels bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the main loop from the terminal",
	Long: "Runs the daemon with a console channel. Replies, cron reminders and\n" +
		"background task results are printed here. Ctrl+D or Ctrl+C exits.",
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatWithChannels, "channels", false, "also start the configured channels")
}

// consoleSession ends the run when stdin closes.
type consoleSession struct {
	*channels.Console
}

func (c consoleSession) Start(ctx context.Context, inbox channels.Inbox) error {
	if err := c.Console.Start(ctx, inbox); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return errChannelClosed
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	prov, err := newProvider(cfg)
	if err != nil {
		return err
	}

	console := channels.NewConsole(cmd.InOrStdin(), cmd.OutOrStdout(), os.Getenv("USER"))
	console.SetPrompt(func(w io.Writer) { fmt.Fprint(w, color.GreenString("you> ")) })
	if cfg.Loop.HomeChannel == "" {
		cfg.Loop.HomeChannel = channels.ConsoleChannel
		cfg.Loop.HomeConversation = console.Conversation()
	}

	rt, err := newRuntime(cfg, prov)
	if err != nil {
		return err
	}
	defer rt.Close()

	if verbose {
		stop := rt.bus.WatchActivity(func(a bus.Activity) {
			if a.State == bus.StateIdle {
				return
			}
			fmt.Fprintln(cmd.ErrOrStderr(), color.HiBlackString("· %s %s", a.State, a.Detail))
		})
		defer stop()
	}

	backends := []channels.Backend{consoleSession{console}}
	if chatWithChannels {
		backends = append(backends, gatewayBackends(cfg)...)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	printHeader(cmd.OutOrStdout(), fmt.Sprintf("🤖 clawcore chat (%s) - /help for commands", cfg.Model.Name))
	return rt.run(ctx, backends)
}
