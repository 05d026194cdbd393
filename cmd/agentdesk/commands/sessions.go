package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	sessionsAll  bool
	sessionsJSON bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Long: `List the sessions stored for the working directory, most recently
updated first. Use --all to list sessions of every directory.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsAll, "all", false, "List sessions of every directory")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print sessions as JSON")
}

func runSessions(cmd *cobra.Command, args []string) error {
	a, err := newApp(builtinScript, false)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.close(ctx)
	}()

	dir := a.workDir
	if sessionsAll {
		dir = ""
	}
	list, err := a.sessions.List(cmd.Context(), dir)
	if err != nil {
		return err
	}

	if sessionsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tUPDATED\tTITLE")
	for _, s := range list {
		updated := time.UnixMilli(s.Time.Updated).Format("2006-01-02 15:04")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Mode, updated, s.Title)
	}
	return w.Flush()
}
