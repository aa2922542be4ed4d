package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var redistributeCmd = &cobra.Command{
	Use:   "redistribute <session-id> <label>",
	Short: "Delete a cluster and route its points to the nearest remaining clusters",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		msg, err := s.engine.Redistribute(cmd.Context(), args[0], args[1], actor)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <session-id> <label> <label>...",
	Short: "Merge two or more clusters into a new one",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		msg, err := s.engine.Merge(cmd.Context(), args[0], args[1:], actor)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var splitCmd = &cobra.Command{
	Use:   "split <session-id> <label> <k>",
	Short: "Split a cluster into k sub-clusters",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("parsing sub-cluster count %q: %w", args[2], err)
		}
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		msg, err := s.engine.Split(cmd.Context(), args[0], args[1], k, actor)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <session-id> <label> <name>",
	Short: "Set a cluster's display name (empty name clears it)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		msg, err := s.engine.Rename(cmd.Context(), args[0], args[1], args[2], actor)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redistributeCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(renameCmd)
}
