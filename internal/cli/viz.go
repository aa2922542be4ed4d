package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	scatterOut string
	exportOut  string
)

var scatterCmd = &cobra.Command{
	Use:   "scatter <session-id>",
	Short: "Get the session's 2D scatter plot, computing it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		scatter, err := s.engine.GetScatterCache(cmd.Context(), args[0], actor)
		if err != nil {
			return err
		}

		if scatterOut != "" {
			data, err := json.MarshalIndent(scatter, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(scatterOut, data, 0644); err != nil {
				return fmt.Errorf("writing %s: %w", scatterOut, err)
			}
			fmt.Printf("wrote %d of %d points to %s\n", scatter.SampleSize, scatter.TotalPoints, scatterOut)
			return nil
		}
		fmt.Printf("%d of %d points projected\n", scatter.SampleSize, scatter.TotalPoints)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export the current point assignments as CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("creating %s: %w", exportOut, err)
			}
			defer f.Close()
			out = f
		}
		return s.engine.ExportAssignments(cmd.Context(), args[0], actor, out)
	},
}

func init() {
	scatterCmd.Flags().StringVar(&scatterOut, "out", "", "write the full scatter JSON to a file")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "write CSV to a file instead of stdout")
	rootCmd.AddCommand(scatterCmd)
	rootCmd.AddCommand(exportCmd)
}
