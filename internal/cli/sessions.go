package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listAll bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List clustering sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		owner := actor
		if listAll {
			owner = ""
		}
		sessions, err := s.store.ListSessions(cmd.Context(), owner)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tALGORITHM\tSTATUS\tCLUSTERS\tCREATED")
		for _, sess := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				sess.ID, sess.Owner, sess.Algorithm, sess.Status,
				sess.NumClusters, sess.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its clusters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		sess, err := s.store.GetSession(ctx, args[0])
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s not found", args[0])
		}

		printSessionSummary(sess)
		fmt.Printf("algorithm: %s %s\n", sess.Algorithm, sess.ParamsJSON)
		fmt.Printf("source:   %s\n", sess.SourceName)
		if sess.ProcessingTimeSec > 0 {
			fmt.Printf("took:     %.2fs\n", sess.ProcessingTimeSec)
		}

		active, err := s.store.ListActiveClusters(ctx, sess.ID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LABEL\tSIZE\tNAME\tPROJECTION")
			for _, c := range active {
				name := ""
				if c.DisplayName != nil {
					name = *c.DisplayName
				}
				proj := "-"
				if c.Centroid2D != nil {
					proj = fmt.Sprintf("(%.3f, %.3f)", c.Centroid2D[0], c.Centroid2D[1])
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.Label, c.Size, name, proj)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}

		deleted, err := s.store.ListDeletedLabels(ctx, sess.ID)
		if err != nil {
			return err
		}
		if len(deleted) > 0 {
			fmt.Printf("\nretired labels: %v\n", deleted)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the structural edit log of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		entries, err := s.store.ListAdjustments(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no adjustments")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tACTOR\tACTION\tDETAILS")
		for _, a := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				a.CreatedAt.Format("2006-01-02 15:04:05"), a.Actor, a.Action, a.DetailsJSON)
		}
		return w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().BoolVar(&listAll, "all", false, "list every owner's sessions")
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(historyCmd)
}
