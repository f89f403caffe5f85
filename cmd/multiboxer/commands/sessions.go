package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/bryanchriswhite/multiboxer/internal/app"
	"github.com/bryanchriswhite/multiboxer/internal/session"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show persisted game sessions",
	Long: `Show the account to process table the server persisted, and whether each
process is still alive.`,
	RunE: runSessions,
}

var sessionsFormat string

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().StringVarP(&sessionsFormat, "format", "f", "table", "output format (table or json)")
}

type sessionRow struct {
	session.Record
	State string `json:"state"`
}

func runSessions(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store := session.NewStore(filepath.Join(configMgr.DataDir(), app.SessionFile))
	records, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", store.Path(), err)
	}

	var procs session.OSProcesses
	rows := make([]sessionRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, sessionRow{Record: r, State: procs.Probe(r.PID).String()})
	}

	switch sessionsFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	case "table":
		if len(rows) == 0 {
			fmt.Println("No persisted sessions")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tPID\tSTATE")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%s\n", r.AccountID, r.PID, r.State)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", sessionsFormat)
	}
}
