package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"vmwatch/internal/config"
	"vmwatch/internal/journal"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent monitoring runs from the journal",
		Long: `List recent monitoring runs stored in the SQLite journal.

Examples:
  vmwatch history
  vmwatch history --limit 50
  vmwatch history --journal /var/lib/vmwatch/runs.db -o json`,
		Args:         cobra.NoArgs,
		RunE:         runHistory,
		SilenceUsage: true,
	}
	cmd.Flags().Int("limit", 10, "Number of runs to display")
	cmd.Flags().String("journal", "", "SQLite run journal path (defaults to VMWATCH_JOURNAL_PATH)")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}
	output, _ := cmd.Flags().GetString("output")

	path, _ := cmd.Flags().GetString("journal")
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path = cfg.JournalPath
	}
	if path == "" {
		return errors.New("no journal configured: set VMWATCH_JOURNAL_PATH or --journal")
	}

	repo, err := journal.OpenAt(path)
	if err != nil {
		return err
	}
	defer repo.Close()

	runs, err := repo.List(limit)
	if err != nil {
		return err
	}

	switch output {
	case "json":
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(runs)
	case "table", "":
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}

	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tVM\tSCRIPT\tVERDICT\tROUNDS\tSPIKES (RAM/NET/SYS)\tDURATION\tREASON")
	fmt.Fprintln(w, "-------\t--\t------\t-------\t------\t--------------------\t--------\t------")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d/%d\t%s\t%s\n",
			humanize.Time(r.StartedAt),
			r.VMName,
			r.ScriptPath,
			r.State,
			r.Rounds,
			r.RAMSpikes, r.NetSpikes, r.SyscallSpikes,
			r.Duration().Round(time.Second),
			r.Reason,
		)
	}
	return w.Flush()
}
