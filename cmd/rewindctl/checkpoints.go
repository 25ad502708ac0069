package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var checkpointSession string

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect recorded checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the checkpoints of a backend session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireSession(checkpointSession); err != nil {
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

		cps, err := st.checkpoints.List(cmd.Context(), checkpointSession)
		if err != nil {
			return err
		}
		out := newPrinter(os.Stdout)
		if !out.pretty {
			for _, cp := range cps {
				if err := out.writeJSON(cp); err != nil {
					return err
				}
			}
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tSENT\tSTATUS\tMARKER\tSNAPSHOT\tPROMPT")
		for _, cp := range cps {
			status := "running"
			if cp.Completed() {
				status = string(cp.Status)
			}
			marker := fmt.Sprint(cp.ConversationMarker)
			if cp.Unmatched {
				marker += "*"
			}
			snap := shortRef(cp.FileSnapshotRef)
			if snap == "" && cp.SnapshotError != "" {
				snap = "error"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", cp.PromptIndex, cp.SentAt.Format(time.DateTime),
				status, marker, snap, oneLine(cp.Prompt, 60))
		}
		return tw.Flush()
	},
}

func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}

func init() {
	checkpointsCmd.PersistentFlags().StringVarP(&checkpointSession, "session", "s", "", "Backend session id")
	checkpointsCmd.AddCommand(checkpointsListCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
