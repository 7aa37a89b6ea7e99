package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/clawcore/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"       _                                   \n" +
		"   ___| | __ ___      _____ ___  _ __ ___ \n" +
		"  / __| |/ _` \\ \\ /\\ / / __/ _ \\| '__/ _ \\\n" +
		" | (__| | (_| |\\ V  V / (_| (_) | | |  __/\n" +
		"  \\___|_|\\__,_| \\_/\\_/ \\___\\___/|_|  \\___|\n"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "clawcore",
	Short:         "clawcore - autonomous agent control plane",
	Long:          color.CyanString(logo) + "\nA background agent daemon: buffered channels, rule routing, memory, skills and bounded sub-agents.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), color.RedString("Error: %v", err))
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.clawcore/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging and loop activity")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(skillsCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(tasksCmd)
}

// loadConfig reads the configuration named by --config (or the default
// path) and installs the log handler.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	configureLogging(cmd.ErrOrStderr(), cfg.Log.Level, verbose)
	return cfg, nil
}
