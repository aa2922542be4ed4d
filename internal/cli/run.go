package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"klaster/internal/cluster"
	"klaster/internal/store"
)

var (
	runSource     string
	runAlgorithm  string
	runClusters   int
	runEps        float64
	runMinSamples int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a new clustering session over an embedding artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := paramsFromFlags(cmd)
		if err != nil {
			return err
		}
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := s.pipeline.Run(cmd.Context(), cluster.RunRequest{
			Owner:      actor,
			SourcePath: runSource,
			Params:     params,
		})
		if err != nil {
			return err
		}
		printSessionSummary(sess)
		if sess.Status != store.StatusSuccess {
			return fmt.Errorf("session %s failed: %s", sess.ID, sess.ResultMessage)
		}
		return nil
	},
}

var reclusterCmd = &cobra.Command{
	Use:   "recluster <session-id>",
	Short: "Re-run a completed session as a new session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var params cluster.Params
		if cmd.Flags().Changed("algorithm") || cmd.Flags().Changed("clusters") ||
			cmd.Flags().Changed("eps") || cmd.Flags().Changed("min-samples") {
			p, err := paramsFromFlags(cmd)
			if err != nil {
				return err
			}
			params = p
		}

		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := s.pipeline.Recluster(cmd.Context(), args[0], params, actor)
		if err != nil {
			return err
		}
		printSessionSummary(sess)
		return nil
	},
}

func paramsFromFlags(cmd *cobra.Command) (cluster.Params, error) {
	switch runAlgorithm {
	case cluster.AlgorithmKMeans:
		return cluster.KMeansParams{NClusters: runClusters}, nil
	case cluster.AlgorithmDBSCAN:
		return cluster.DBSCANParams{Eps: runEps, MinSamples: runMinSamples}, nil
	default:
		return nil, fmt.Errorf("unknown algorithm %q (want kmeans or dbscan)", runAlgorithm)
	}
}

func printSessionSummary(sess *store.Session) {
	fmt.Printf("session:  %s\n", sess.ID)
	fmt.Printf("status:   %s\n", sess.Status)
	fmt.Printf("clusters: %d\n", sess.NumClusters)
	if sess.ResultMessage != "" {
		fmt.Printf("result:   %s\n", sess.ResultMessage)
	}
}

func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&runAlgorithm, "algorithm", "kmeans", "clustering algorithm (kmeans or dbscan)")
	cmd.Flags().IntVar(&runClusters, "clusters", 8, "number of clusters (kmeans)")
	cmd.Flags().Float64Var(&runEps, "eps", 0.5, "neighborhood radius (dbscan)")
	cmd.Flags().IntVar(&runMinSamples, "min-samples", 5, "minimum neighborhood size (dbscan)")
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "embedding artifact (.vecz) to cluster")
	runCmd.MarkFlagRequired("source")
	addParamFlags(runCmd)
	addParamFlags(reclusterCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reclusterCmd)
}
