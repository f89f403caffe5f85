package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/multiboxer/internal/window"
	"github.com/spf13/cobra"
)

var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List game windows",
	Long: `List the top-level windows owned by the configured game process, in the
order focus cycling visits them.`,
	Example: `  # List windows in table format (default)
  multiboxer windows

  # List windows as JSON
  multiboxer windows --format json`,
	RunE: runWindows,
}

var windowsFormat string

func init() {
	rootCmd.AddCommand(windowsCmd)

	windowsCmd.Flags().StringVarP(&windowsFormat, "format", "f", "table", "output format (table or json)")
}

func runWindows(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	backend, err := window.Open(window.Options{
		Backend:    cfg.Window.Backend,
		Enumerator: configMgr.HelperPath(cfg.Helpers.Enumerator),
		Timeout:    cfg.Timeouts.Request,
	})
	if err != nil {
		return fmt.Errorf("failed to open window backend: %w", err)
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeouts.Request)
	defer cancel()
	windows := window.NewCoordinator(backend, cfg.Game.ProcessName, nil).Enumerate(ctx)

	switch windowsFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(windows)
	case "table":
		if len(windows) == 0 {
			fmt.Printf("No %s windows found (backend: %s)\n", cfg.Game.ProcessName, backend.Name())
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "HANDLE\tPID\tTITLE")
		for _, win := range windows {
			fmt.Fprintf(w, "0x%x\t%d\t%s\n", uint64(win.Handle), win.PID, win.Title)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", windowsFormat)
	}
}
