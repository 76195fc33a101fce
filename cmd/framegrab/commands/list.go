package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/framegrab/internal/display"
	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/window"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List applications, windows, or displays",
	Long: `List the capture targets visible in this session.

Enumeration uses the X11 window list (native or XWayland); display
bounds come from the desktop geometry.`,
	Example: `  # List applications owning windows
  framegrab list apps

  # List Firefox windows with ids and bounds
  framegrab list windows --app firefox --include-ids --include-bounds

  # List displays as JSON
  framegrab list displays --json`,
}

var listJSON bool

var listAppsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List applications owning windows",
	RunE:  runListApps,
}

var (
	listWindowsApp       string
	listWindowsIDs       bool
	listWindowsBounds    bool
	listWindowsOffscreen bool
)

var listWindowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List windows front to back",
	RunE:  runListWindows,
}

var listDisplaysCmd = &cobra.Command{
	Use:   "displays",
	Short: "List displays",
	RunE:  runListDisplays,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.AddCommand(listAppsCmd)
	listCmd.AddCommand(listWindowsCmd)
	listCmd.AddCommand(listDisplaysCmd)

	listCmd.PersistentFlags().BoolVar(&listJSON, "json", false, "output JSON instead of a table")

	listWindowsCmd.Flags().StringVar(&listWindowsApp, "app", "", "only windows of applications matching this name")
	listWindowsCmd.Flags().BoolVar(&listWindowsIDs, "include-ids", false, "include native window ids")
	listWindowsCmd.Flags().BoolVar(&listWindowsBounds, "include-bounds", false, "include window bounds")
	listWindowsCmd.Flags().BoolVar(&listWindowsOffscreen, "include-offscreen", false, "include minimized and off-screen windows")
}

func runListApps(cmd *cobra.Command, args []string) error {
	windowMgr := window.NewManager()
	defer windowMgr.Close()

	apps, err := windowMgr.ListApplications()
	if err != nil {
		return fmt.Errorf("failed to list applications: %w", err)
	}

	if listJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(apps)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAME\tPID\tWINDOWS")
	fmt.Fprintln(w, "----\t---\t-------")
	for _, app := range apps {
		fmt.Fprintf(w, "%s\t%d\t%d\n", app.Name, app.PID, app.WindowCount)
	}
	return nil
}

func runListWindows(cmd *cobra.Command, args []string) error {
	windowMgr := window.NewManager()
	defer windowMgr.Close()

	entries, err := windowMgr.ListWindows()
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}

	filtered := make([]window.Entry, 0, len(entries))
	for _, e := range entries {
		if !listWindowsOffscreen && !e.OnScreen {
			continue
		}
		if listWindowsApp != "" && !strings.Contains(strings.ToLower(e.App), strings.ToLower(listWindowsApp)) {
			continue
		}
		filtered = append(filtered, e)
	}

	if listJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(filtered)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	header := "APP\tINDEX\tTITLE"
	rule := "---\t-----\t-----"
	if listWindowsIDs {
		header += "\tID"
		rule += "\t--"
	}
	if listWindowsBounds {
		header += "\tBOUNDS"
		rule += "\t------"
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, rule)

	for _, e := range filtered {
		fmt.Fprintf(w, "%s\t%d\t%s", e.App, e.Index, e.Title)
		if listWindowsIDs {
			fmt.Fprintf(w, "\t0x%x", e.ID)
		}
		if listWindowsBounds {
			fmt.Fprintf(w, "\t%s", formatRect(e.Bounds))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func runListDisplays(cmd *cobra.Command, args []string) error {
	displayMgr := display.NewManager()
	defer displayMgr.Close()

	displays, err := displayMgr.List()
	if err != nil {
		return fmt.Errorf("failed to list displays: %w", err)
	}

	if listJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(displays)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "INDEX\tNAME\tBOUNDS\tSCALE")
	fmt.Fprintln(w, "-----\t----\t------\t-----")
	for _, d := range displays {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\n", d.Index, d.Name, formatRect(d.Bounds), d.Scale)
	}
	return nil
}

func formatRect(r geometry.Rect) string {
	return fmt.Sprintf("%gx%g at (%g, %g)", r.Width, r.Height, r.X, r.Y)
}
