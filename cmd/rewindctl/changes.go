package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/rewind/changes"
)

var (
	changesSession string
	changeID       string
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Inspect recorded file changes",
}

var changesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the file changes of a backend session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireSession(changesSession); err != nil {
			return err
		}
		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.closeLog()
		st, err := ws.openStores()
		if err != nil {
			return err
		}
		defer st.close()

		recs, err := st.changes.List(cmd.Context(), changesSession)
		if err != nil {
			return err
		}
		out := newPrinter(os.Stdout)
		if !out.pretty {
			for _, rec := range recs {
				// Contents stay out of listings; export shows them.
				rec.OldContent, rec.NewContent, rec.UnifiedDiff = nil, nil, ""
				if err := out.writeJSON(rec); err != nil {
					return err
				}
			}
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROMPT\tCHANGE\t+/-\tTOOL\tPATH")
		for _, rec := range recs {
			fmt.Fprintf(tw, "%s\t%d\t%s\t+%d/-%d\t%s\t%s\n", rec.ID, rec.PromptIndex, rec.ChangeType,
				rec.LinesAdded, rec.LinesRemoved, rec.ToolName, rec.FilePath)
		}
		return tw.Flush()
	},
}

var changesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print a session's changes, or one change, as a unified diff",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireSession(changesSession); err != nil {
			return err
		}
		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.closeLog()
		st, err := ws.openStores()
		if err != nil {
			return err
		}
		defer st.close()

		var patch string
		if changeID != "" {
			patch, err = changes.ExportChange(cmd.Context(), st.changes, changesSession, changeID)
		} else {
			patch, err = changes.ExportPatch(cmd.Context(), st.changes, changesSession)
		}
		if err != nil {
			return err
		}
		_, err = os.Stdout.WriteString(patch)
		return err
	},
}

func init() {
	changesCmd.PersistentFlags().StringVarP(&changesSession, "session", "s", "", "Backend session id")
	changesExportCmd.Flags().StringVar(&changeID, "change", "", "Export only this change id")
	changesCmd.AddCommand(changesListCmd, changesExportCmd)
	rootCmd.AddCommand(changesCmd)
}
