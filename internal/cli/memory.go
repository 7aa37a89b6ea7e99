package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/memory"
	"github.com/KafClaw/clawcore/internal/store"
)

var (
	memoryLimit int
	memoryTags  string
	memoryJSON  bool
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and edit long-term memory",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories by score",
	RunE: withMemory(func(cmd *cobra.Command, args []string, mem *memory.Service) error {
		items, err := mem.List(cmd.Context(), memoryLimit)
		if err != nil {
			return err
		}
		return printMemories(cmd.OutOrStdout(), items)
	}),
}

var memoryQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Rank memories against a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: withMemory(func(cmd *cobra.Command, args []string, mem *memory.Service) error {
		results, err := mem.Query(cmd.Context(), strings.Join(args, " "), memoryLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if memoryJSON {
			return writeJSON(out, results)
		}
		if len(results) == 0 {
			fmt.Fprintln(out, "No matching memories.")
			return nil
		}
		for _, r := range results {
			fmt.Fprintf(out, "%d. [id=%d score=%d rank=%.3f] %s\n", r.Rank, r.ID, r.Score, r.FinalRank, r.Content)
		}
		return nil
	}),
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Store a memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: withMemory(func(cmd *cobra.Command, args []string, mem *memory.Service) error {
		id, err := mem.Store(cmd.Context(), memory.Entry{
			Content: strings.Join(args, " "),
			Source:  "cli",
			Tags:    splitList(memoryTags),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored memory %d\n", id)
		return nil
	}),
}

var memoryForgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Delete a memory permanently",
	Args:  cobra.ExactArgs(1),
	RunE: withMemory(func(cmd *cobra.Command, args []string, mem *memory.Service) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		if err := mem.Forget(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Forgot memory %d\n", id)
		return nil
	}),
}

var memoryPruneCmd = &cobra.Command{
	Use:   "prune <percent>",
	Short: "Archive the lowest-ranked share of memories",
	Args:  cobra.ExactArgs(1),
	RunE: withMemory(func(cmd *cobra.Command, args []string, mem *memory.Service) error {
		percent, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid percent %q", args[0])
		}
		n, err := mem.Prune(cmd.Context(), percent)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Archived %d memories\n", n)
		return nil
	}),
}

func init() {
	memoryCmd.PersistentFlags().IntVarP(&memoryLimit, "limit", "n", 20, "maximum results")
	memoryCmd.PersistentFlags().BoolVar(&memoryJSON, "json", false, "output machine-readable JSON")
	memoryAddCmd.Flags().StringVarP(&memoryTags, "tags", "t", "", "comma-separated tags")
	memoryCmd.AddCommand(memoryListCmd, memoryQueryCmd, memoryAddCmd, memoryForgetCmd, memoryPruneCmd)
}

// withStore loads config, opens the store and closes it after fn.
func withStore(fn func(cmd *cobra.Command, args []string, cfg *config.Config, st *store.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd, args, cfg, st)
	}
}

func withMemory(fn func(cmd *cobra.Command, args []string, mem *memory.Service) error) func(*cobra.Command, []string) error {
	return withStore(func(cmd *cobra.Command, args []string, cfg *config.Config, st *store.Store) error {
		mem, err := openMemory(cfg, st)
		if err != nil {
			return err
		}
		return fn(cmd, args, mem)
	})
}

func printMemories(w io.Writer, items []memory.Memory) error {
	if memoryJSON {
		return writeJSON(w, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(w, "No memories.")
		return nil
	}
	for _, m := range items {
		tags := ""
		if len(m.Tags) > 0 {
			tags = " #" + strings.Join(m.Tags, " #")
		}
		fmt.Fprintf(w, "%d [score=%d] %s%s\n", m.ID, m.Score, m.Content, tags)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
