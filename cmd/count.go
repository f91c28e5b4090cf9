package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2apidb-go/internal/input"
	"github.com/wegman-software/osm2apidb-go/internal/logger"
	"github.com/wegman-software/osm2apidb-go/internal/mode"
)

var countCmd = &cobra.Command{
	Use:   "count <input>",
	Short: "Count the elements an online session would reserve IDs for",
	Args:  cobra.ExactArgs(1),
	Run:   runCount,
}

func init() {
	rootCmd.AddCommand(countCmd)
}

func runCount(cmd *cobra.Command, args []string) {
	log := logger.Get()
	start := time.Now()

	src := input.File{Path: args[0], Procs: cfg.Workers}
	scanner, err := src.Open(cmd.Context())
	if err != nil {
		exitWithError("failed to open input", err)
	}
	defer scanner.Close()

	counts, err := mode.Count(cmd.Context(), scanner)
	if err != nil {
		exitWithError("counting failed", err)
	}
	log.Info("Count complete", append(counts.Fields(), zap.Duration("elapsed", time.Since(start)))...)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tELEMENTS\tTAGS")
	fmt.Fprintf(tw, "node\t%d\t%d\n", counts.Nodes, counts.NodeTags)
	fmt.Fprintf(tw, "way\t%d\t%d\n", counts.Ways, counts.WayTags)
	fmt.Fprintf(tw, "relation\t%d\t%d\n", counts.Relations, counts.RelationTags)
	fmt.Fprintf(tw, "way node refs\t%d\t\n", counts.WayNodes)
	fmt.Fprintf(tw, "relation members\t%d\t\n", counts.Members)
	tw.Flush()
}
