package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/skills"
	"github.com/KafClaw/clawcore/internal/store"
)

var skillsJSON bool

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List, inspect and remove skills",
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List file and stored skills",
	RunE: withSkills(func(cmd *cobra.Command, args []string, lib *skills.Library) error {
		list, err := lib.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if skillsJSON {
			return writeJSON(out, list)
		}
		if len(list) == 0 {
			fmt.Fprintf(out, "No skills. Add SKILL.md files under %s\n", lib.Dir())
			return nil
		}
		for _, s := range list {
			fmt.Fprintf(out, "%-24s %-5s %s\n", s.Name, s.Source, s.Description)
		}
		return nil
	}),
}

var skillsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print one skill",
	Args:  cobra.ExactArgs(1),
	RunE: withSkills(func(cmd *cobra.Command, args []string, lib *skills.Library) error {
		s, err := lib.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if skillsJSON {
			return writeJSON(out, s)
		}
		fmt.Fprintf(out, "# %s (%s)\n%s\n\n", s.Name, s.Source, s.Description)
		if len(s.Triggers) > 0 {
			fmt.Fprintf(out, "Triggers: %s\n", strings.Join(s.Triggers, ", "))
		}
		if len(s.Tools) > 0 {
			fmt.Fprintf(out, "Tools:    %s\n", strings.Join(s.Tools, ", "))
		}
		fmt.Fprintf(out, "\n%s\n", s.Content)
		return nil
	}),
}

var skillsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a stored skill (file skills are read-only)",
	Args:  cobra.ExactArgs(1),
	RunE: withSkills(func(cmd *cobra.Command, args []string, lib *skills.Library) error {
		if err := lib.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted skill %s\n", args[0])
		return nil
	}),
}

func init() {
	skillsCmd.PersistentFlags().BoolVar(&skillsJSON, "json", false, "output machine-readable JSON")
	skillsCmd.AddCommand(skillsListCmd, skillsShowCmd, skillsDeleteCmd)
}

func withSkills(fn func(cmd *cobra.Command, args []string, lib *skills.Library) error) func(*cobra.Command, []string) error {
	return withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, st *store.Store) error {
		lib, err := openSkills(cfg, st)
		if err != nil {
			return err
		}
		return fn(cmd, args, lib)
	})
}
