package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2apidb-go/internal/bulk"
	"github.com/wegman-software/osm2apidb-go/internal/input"
	"github.com/wegman-software/osm2apidb-go/internal/logger"
	"github.com/wegman-software/osm2apidb-go/internal/metrics"
	"github.com/wegman-software/osm2apidb-go/internal/section"
	"github.com/wegman-software/osm2apidb-go/internal/store"
)

var dryRun bool

var writeCmd = &cobra.Command{
	Use:   "write <input.osm.pbf|input.osm[.gz|.zst]>",
	Short: "Write an OSM file into the API database",
	Long: `Write every node, way and relation of an OSM file into the OSM API
database as new elements:

  1. Online mode only: count the input and reserve ID ranges atomically
  2. Assign new IDs, rewrite references and stage all rows to local disk
  3. Load the staged rows with COPY in one transaction and advance sequences

Source IDs of the input are never reused; references to elements missing
from the input are written as NULL.`,
	Args: cobra.ExactArgs(1),
	Run:  runWrite,
}

func init() {
	rootCmd.AddCommand(writeCmd)

	writeCmd.Flags().StringVarP((*string)(&cfg.Mode), "mode", "m", string(cfg.Mode), "ID allocation mode: offline (exclusive access) or online (concurrent writers)")
	writeCmd.Flags().IntVar(&cfg.MaxChangesPerChangeset, "max-changes", cfg.MaxChangesPerChangeset, "Maximum number of elements per changeset")
	writeCmd.Flags().Int64Var(&cfg.MaxElements, "max-elements", cfg.MaxElements, "Abort after this many elements (0 = unlimited)")
	writeCmd.Flags().Int64Var(&cfg.ChangesetUserID, "user-id", cfg.ChangesetUserID, "User ID that owns the generated changesets")
	writeCmd.Flags().BoolVar(&cfg.WriteHistory, "history", cfg.WriteHistory, "Also write the history tables (nodes, ways, relations)")
	writeCmd.Flags().BoolVar(&cfg.RetainStagingOnFailure, "retain-staging", cfg.RetainStagingOnFailure, "Keep staging files when the session fails")
	writeCmd.Flags().Int64Var(&cfg.StartingNodeID, "start-node-id", cfg.StartingNodeID, "First node ID when the target has none")
	writeCmd.Flags().Int64Var(&cfg.StartingWayID, "start-way-id", cfg.StartingWayID, "First way ID when the target has none")
	writeCmd.Flags().Int64Var(&cfg.StartingRelationID, "start-relation-id", cfg.StartingRelationID, "First relation ID when the target has none")
	writeCmd.Flags().Int64Var(&cfg.StartingChangesetID, "start-changeset-id", cfg.StartingChangesetID, "First changeset ID written to a .sql script target")
	writeCmd.Flags().StringVar(&cfg.AddUserEmail, "add-user-email", "", "Also create the changeset user with this email address")
	writeCmd.Flags().StringVar((*string)(&cfg.IDMapBackend), "id-map", string(cfg.IDMapBackend), "Source to target ID map backend: memory, mmap or leveldb")
	writeCmd.Flags().StringVar((*string)(&cfg.PendingBackend), "pending", string(cfg.PendingBackend), "Pending reference backend: memory or leveldb")
	writeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stage and load into an in-memory target and print the row counts")
}

func runWrite(cmd *cobra.Command, args []string) {
	cfg.InputFile = args[0]
	if dryRun {
		cfg.Target = store.MemoryTarget
	}
	log := logger.Get()

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	ctx := cmd.Context()
	totalStart := time.Now()

	target := cfg.Target
	if target == "" {
		target = fmt.Sprintf("%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	log.Info("Starting osm2apidb write",
		zap.String("input", cfg.InputFile),
		zap.String("target", target),
		zap.String("mode", string(cfg.Mode)),
		zap.Int("max_changes", cfg.MaxChangesPerChangeset),
		zap.Bool("history", cfg.WriteHistory),
		zap.String("id_map", string(cfg.IDMapBackend)),
		zap.Int("workers", cfg.Workers),
	)

	st, err := store.Open(ctx, cfg)
	if err != nil {
		exitWithError("failed to open target", err)
	}
	defer st.Close()

	w, err := bulk.NewWriter(cfg, st)
	if err != nil {
		exitWithError("failed to create writer", err)
	}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	collector := metrics.NewCollector(cfg.MetricsInterval, logger.Named("metrics"), cfg.StagingDir).
		WithProgress(func() []zap.Field { return w.Stats().Fields() })
	go collector.Start(metricsCtx)

	runErr := w.Run(ctx, input.File{Path: cfg.InputFile, Procs: cfg.Workers})
	stopMetrics()
	if err := w.Close(); err != nil {
		log.Warn("Failed to clean up session", zap.Error(err))
	}
	if runErr != nil {
		if cfg.RetainStagingOnFailure {
			log.Info("Staging retained", zap.String("dir", w.StagingDir()))
		}
		exitWithError("write failed", runErr)
	}

	stats := w.Stats()
	log.Info("Write complete",
		append(stats.Fields(),
			zap.Int64("duplicates", stats.Duplicates),
			zap.String("session", w.Session()),
			zap.Duration("total_time", time.Since(totalStart).Round(time.Second)))...)

	if mem, ok := st.(*store.Memory); ok {
		printRowCounts(mem)
	}
}

func printRowCounts(mem *store.Memory) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tROWS")
	for _, t := range section.Catalog(true) {
		fmt.Fprintf(tw, "%s\t%d\n", t.Name, len(mem.Rows(t.Name)))
	}
	tw.Flush()
}
