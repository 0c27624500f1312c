package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"showerreco/internal/config"
	"showerreco/internal/grpcserver"
	"showerreco/internal/metrics"
	"showerreco/internal/pipeline"
	"showerreco/internal/server"
	"showerreco/internal/storage"
	"showerreco/internal/watcher"
)

// NewRootCmd builds the showerreco command tree.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, mc *metrics.Collector) *cobra.Command {
	return newCommand(NewRoot(pipe, cfg, log, store, mc))
}

func newCommand(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "showerreco",
		Short:         "Stereo reconstruction of air showers from image moments",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(newReconstructCmd(root))
	rootCmd.AddCommand(newSimulateCmd(root))
	rootCmd.AddCommand(newReportCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newGRPCCmd(root))
	rootCmd.AddCommand(newSendCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newMigrateCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newReconstructCmd(root *Root) *cobra.Command {
	var (
		weighting string
		height    string
		constant  float64
		tolerance float64
		workers   int
		reportDir string
	)
	cmd := &cobra.Command{
		Use:   "reconstruct <events.csv> [output.csv] [instrument.json]",
		Short: "Reconstruct direction and core for every event in a table",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var output, inst string
			if len(args) > 1 {
				output = args[1]
			}
			if len(args) > 2 {
				inst = args[2]
			}
			opts := map[string]any{}
			if weighting != "" {
				opts[pipeline.OptWeighting] = weighting
			}
			if height != "" {
				opts[pipeline.OptHeight] = height
			}
			if cmd.Flags().Changed("constant-height") {
				opts[pipeline.OptConstantHeight] = constant
			}
			if tolerance > 0 {
				opts[pipeline.OptParallelTolerance] = tolerance
			}
			if workers > 0 {
				opts[pipeline.OptWorkers] = workers
			}
			if reportDir != "" {
				opts[pipeline.OptReportDir] = reportDir
			}
			job := pipeline.NewJob(pipeline.JobReconstruct, args[0], output, inst, opts)
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printMeta(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&weighting, "weighting", "", "pair weighting: size-sine or size-sine-elongation")
	cmd.Flags().StringVar(&height, "height", "", "height estimate: none, constant or triangulate")
	cmd.Flags().Float64Var(&constant, "constant-height", -1, "value reported by the constant height estimate")
	cmd.Flags().Float64Var(&tolerance, "parallel-tolerance", 0, "cross product norm below which two planes count as parallel")
	cmd.Flags().IntVar(&workers, "workers", 0, "events reconstructed concurrently (default from config)")
	cmd.Flags().StringVar(&reportDir, "report", "", "also render the sky map and core map into this directory")
	return cmd
}

func newSimulateCmd(root *Root) *cobra.Command {
	var (
		events int
		seed   int64
		noise  float64
		truth  string
	)
	cmd := &cobra.Command{
		Use:   "simulate <instrument.json> <events.csv>",
		Short: "Generate a synthetic event table for an instrument",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{
				pipeline.OptEvents: events,
				pipeline.OptSeed:   seed,
			}
			if noise > 0 {
				opts[pipeline.OptNoise] = noise
			}
			if truth != "" {
				opts[pipeline.OptTruth] = truth
			}
			job := pipeline.NewJob(pipeline.JobSimulate, "", args[1], args[0], opts)
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printMeta(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().IntVar(&events, "events", 1000, "number of array events")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().Float64Var(&noise, "noise", 0, "standard deviation of the psi noise in radians")
	cmd.Flags().StringVar(&truth, "truth", "", "write the true directions and cores to this file")
	return cmd
}

func newReportCmd(root *Root) *cobra.Command {
	var inst string
	cmd := &cobra.Command{
		Use:   "report <predictions.csv> [dir]",
		Short: "Render a sky map and core map from a predictions file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) > 1 {
				dir = args[1]
			}
			job := pipeline.NewJob(pipeline.JobReport, args[0], dir, inst, nil)
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printMeta(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&inst, "instrument", "", "instrument description for telescope positions on the core map")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output   string
		inst     string
		settle   time.Duration
		backfill bool
	)
	cmd := &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Reconstruct event tables as they appear in a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 && root.cfg.Paths.WatchDir != "" {
				dirs = []string{root.cfg.Paths.WatchDir}
			}
			w, err := watcher.New(watcher.Options{
				Dirs:       dirs,
				OutputDir:  output,
				Instrument: inst,
				Settle:     settle,
				Backfill:   backfill,
			}, root.pipeline, root.log)
			if err != nil {
				return err
			}

			results, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()
			go func() {
				for res := range results {
					if res.Error != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", res.Job.InputPath, res.Error)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %v\n", res.Job.InputPath, res.Meta["output"])
				}
			}()

			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "directory for prediction files (default next to the input)")
	cmd.Flags().StringVar(&inst, "instrument", "", "instrument description (default from config)")
	cmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "quiet period before a changed file is submitted")
	cmd.Flags().BoolVar(&backfill, "backfill", false, "also submit tables already in the directory")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, inst string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.HTTPAddr
			}
			rec, err := root.reconstructor(inst)
			if err != nil {
				// job routes still work without an instrument
				root.log.Warn("single-event reconstruction disabled", "error", err)
			}
			return root.serveFn(cmd.Context(), server.Options{
				Addr:          addr,
				Store:         root.store,
				Pipeline:      root.pipeline,
				Reconstructor: rec,
				Metrics:       root.metrics,
				Logger:        root.log,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&inst, "instrument", "", "instrument for POST /reconstruct (default from config)")
	return cmd
}

func newGRPCCmd(root *Root) *cobra.Command {
	var addr, inst string
	cmd := &cobra.Command{
		Use:   "grpc",
		Short: "Run the gRPC reconstruction service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.GRPCAddr
			}
			rec, err := root.reconstructor(inst)
			if err != nil {
				root.log.Warn("reconstruction service not serving", "error", err)
			}
			return root.grpcFn(cmd.Context(), addr, grpcserver.New(rec, root.metrics, root.log))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&inst, "instrument", "", "instrument description (default from config)")
	return cmd
}

func newSendCmd(root *Root) *cobra.Command {
	var (
		addr    string
		dial    grpcserver.DialOptions
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <event.json|->",
		Short: "Reconstruct one array event on a remote gRPC service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				event []byte
				err   error
			)
			if args[0] == "-" {
				event, err = io.ReadAll(cmd.InOrStdin())
			} else {
				event, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			if addr == "" {
				addr = root.cfg.Server.GRPCAddr
			}

			conn, err := grpcserver.Dial(addr, dial)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := grpcserver.NewClient(conn).ReconstructJSON(ctx, event)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "service address (default from config)")
	cmd.Flags().BoolVar(&dial.Insecure, "insecure", false, "connect without TLS")
	cmd.Flags().StringVar(&dial.CACertPath, "ca", "", "CA certificate (PEM) to verify the server")
	cmd.Flags().StringVar(&dial.CertPath, "cert", "", "client certificate (PEM)")
	cmd.Flags().StringVar(&dial.KeyPath, "key", "", "client key (PEM)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "showerreco %s\n", Version)
		},
	}
}

