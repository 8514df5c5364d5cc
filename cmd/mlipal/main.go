package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/san-kum/mlipal/internal/config"
	"github.com/san-kum/mlipal/internal/events"
	"github.com/san-kum/mlipal/internal/ledger"
	"github.com/san-kum/mlipal/internal/metrics"
	"github.com/san-kum/mlipal/internal/orchestrator"
	"github.com/san-kum/mlipal/internal/storage"
	"github.com/san-kum/mlipal/internal/trainer"
	"github.com/san-kum/mlipal/internal/viz"
)

var (
	runsDir   string
	logFormat string
	verbose   bool

	configFile    string
	preset        string
	input         string
	runID         string
	device        string
	seed          int64
	maxIterations int
	committeeSize int
	topK          int
	cutoff        float64
	reference     string
	live          bool
	theme         string
	presetOut     string
	forceBase     bool
	iteration     int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mlipal",
		Short:        "active learning for machine-learned interatomic potentials",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&runsDir, "runs", config.DefaultRunsDir, "runs directory")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console|json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the active-learning loop until convergence or max iterations",
		RunE:  runLoop,
	}
	runCmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	runCmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	runCmd.Flags().StringVar(&input, "input", "", "labeled input dataset (extxyz)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run id (new uuid if empty; an existing id resumes)")
	runCmd.Flags().StringVar(&device, "device", config.DefaultDevice, "device (cpu|cuda[:N]|mps)")
	runCmd.Flags().Int64Var(&seed, "seed", config.DefaultSeed, "split seed")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", config.DefaultMaxIterations, "iteration cap")
	runCmd.Flags().IntVar(&committeeSize, "committee-size", config.DefaultCommitteeSize, "committee size")
	runCmd.Flags().IntVar(&topK, "k", config.DefaultK, "structures labeled per iteration")
	runCmd.Flags().Float64Var(&cutoff, "cutoff", 0, "only select scores above this (eV/Å)")
	runCmd.Flags().StringVar(&reference, "reference", config.DefaultReference, "labeling reference")
	runCmd.Flags().BoolVar(&live, "live", false, "show the live training monitor")
	runCmd.Flags().StringVar(&theme, "theme", viz.Themes[0].Name, "monitor color theme")
	runCmd.Flags().BoolVar(&forceBase, "force-base", false, "retrain the fine-tuning base model")

	iterateCmd := &cobra.Command{
		Use:   "iterate [run_id]",
		Short: "run a single iteration of an existing run",
		Args:  cobra.ExactArgs(1),
		RunE:  runIteration,
	}
	iterateCmd.Flags().IntVar(&iteration, "iteration", 0, "iteration number")
	iterateCmd.Flags().BoolVar(&live, "live", false, "show the live training monitor")
	iterateCmd.Flags().StringVar(&theme, "theme", viz.Themes[0].Name, "monitor color theme")
	iterateCmd.Flags().BoolVar(&forceBase, "force-base", false, "retrain the fine-tuning base model")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		RunE:  listRuns,
	}

	historyCmd := &cobra.Command{
		Use:   "history [run_id]",
		Short: "show per-iteration dataset sizes and convergence",
		Args:  cobra.ExactArgs(1),
		RunE:  showHistory,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot disagreement and validation error across iterations",
		Args:  cobra.ExactArgs(1),
		RunE:  plotHistory,
	}

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "export run metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRun,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets [name]",
		Short: "list presets, or write one as a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				out := presetOut
				if out == "" {
					out = args[0] + ".yaml"
				}
				if err := config.WritePreset(args[0], out); err != nil {
					return err
				}
				fmt.Printf("preset %s written to %s\n", args[0], out)
				return nil
			}
			fmt.Println("run presets:")
			for _, p := range config.ListPresets() {
				fmt.Printf("  %s\n", p)
			}
			fmt.Println("training presets:")
			for _, p := range trainer.ListPresets() {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}

	presetsCmd.Flags().StringVar(&presetOut, "out", "", "config file to write (default <name>.yaml)")

	rootCmd.AddCommand(runCmd, iterateCmd, listCmd, historyCmd, plotCmd, exportCmd, presetsCmd)
	rootCmd.AddCommand(phaseCommands()...)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger. outputs default to stderr.
func newLogger(outputs ...string) (*zap.Logger, error) {
	var cfg zap.Config
	if logFormat == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	if len(outputs) > 0 {
		cfg.OutputPaths = outputs
		cfg.ErrorOutputPaths = outputs
	}
	return cfg.Build()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if preset != "" {
		if !config.ApplyPreset(cfg, preset) {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		if preset != "" {
			config.ApplyPreset(cfg, preset)
		}
	}

	// CLI flags override file values only when given.
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Input = input
	}
	if flags.Changed("device") {
		cfg.Device = device
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("max-iterations") {
		cfg.MaxIterations = maxIterations
	}
	if flags.Changed("committee-size") {
		cfg.Committee.Size = committeeSize
	}
	if flags.Changed("k") {
		cfg.Selection.K = topK
	}
	if flags.Changed("cutoff") {
		cfg.Selection.Cutoff = cutoff
	}
	if flags.Changed("reference") {
		cfg.Labeling.Reference = reference
	}
	if flags.Changed("runs") || cfg.RunsDir == "" {
		cfg.RunsDir = runsDir
	}
	return cfg, cfg.Validate()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// session holds what every loop command opens for a run.
type session struct {
	run     *storage.Run
	cfg     *config.Config
	log     *zap.Logger
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
}

func (s *session) Close() {
	if s.ledger != nil {
		s.ledger.Close()
	}
	s.log.Sync()
}

func openSession(run *storage.Run) (*session, error) {
	cfg := run.Meta.Config
	if cfg == nil {
		return nil, fmt.Errorf("run %s has no stored config", run.ID())
	}
	var outputs []string
	if live {
		// the monitor owns the terminal
		outputs = []string{filepath.Join(run.Dir, "mlipal.log")}
	}
	log, err := newLogger(outputs...)
	if err != nil {
		return nil, err
	}
	db, err := ledger.Open(run.LedgerPath())
	if err != nil {
		return nil, err
	}
	return &session{
		run:     run,
		cfg:     cfg,
		log:     log,
		ledger:  db,
		metrics: metrics.New(run.ID()),
	}, nil
}

func (s *session) loop() *orchestrator.Loop {
	loop := orchestrator.New(s.cfg, s.run, s.log)
	loop.Ledger = s.ledger
	loop.Metrics = s.metrics
	loop.ForceBase = forceBase
	return loop
}

// drive runs fn either under the live monitor or with a console sink.
func (s *session) drive(ctx context.Context, loop *orchestrator.Loop, fn func(context.Context) error) error {
	if !live {
		loop.Sink = consoleSink()
		return fn(ctx)
	}
	return viz.Run(ctx, s.run.ID(), theme, func(ctx context.Context, sink events.Sink) error {
		loop.Sink = sink
		return fn(ctx)
	})
}

func consoleSink() events.Sink {
	return events.SinkFunc(func(e events.Event) {
		switch e.Kind {
		case events.KindPhase:
			fmt.Printf("[iter %d] %s\n", e.Iteration, e.Phase)
		case events.KindProgress:
			fmt.Printf("  %s epoch %d loss=%.4f mae_e=%.2f mae_f=%.1f\n", e.Member, e.Epoch, e.Loss, e.MAEEnergy, e.MAEForce)
		case events.KindDone:
			if e.Member != "" {
				fmt.Printf("  %s done: %s\n", e.Member, e.Message)
			} else {
				fmt.Println(e.Message)
			}
		case events.KindError:
			fmt.Printf("error (%s): %s\n", e.ErrorKind, e.Message)
		}
	})
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st := storage.New(cfg.RunsDir)
	if err := st.Init(); err != nil {
		return err
	}
	id := runID
	if id == "" {
		id = uuid.New().String()[:8]
	}
	run, err := st.Create(id, cfg.Input, cfg)
	if err != nil {
		return err
	}

	s, err := openSession(run)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("run id: %s\n", run.ID())
	start := time.Now()
	loop := s.loop()
	var out *orchestrator.Outcome
	err = s.drive(ctx, loop, func(ctx context.Context) error {
		var err error
		out, err = loop.Run(ctx)
		return err
	})
	if out != nil && len(out.Iterations) > 0 {
		printIterations(out.Iterations)
	}
	if err != nil {
		return err
	}
	fmt.Printf("\ncompleted in %v\n", time.Since(start).Truncate(time.Millisecond))
	fmt.Printf("stopped: %s (converged: %v)\n", out.StopReason, out.Converged)
	return nil
}

func runIteration(cmd *cobra.Command, args []string) error {
	run, err := storage.New(runsDir).Open(args[0])
	if err != nil {
		return err
	}
	s, err := openSession(run)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	loop := s.loop()
	var res *orchestrator.IterationResult
	err = s.drive(ctx, loop, func(ctx context.Context) error {
		var err error
		res, err = loop.RunIteration(ctx, iteration)
		return err
	})
	if err != nil {
		return err
	}
	printIterations([]orchestrator.IterationResult{*res})
	return nil
}

func printIterations(results []orchestrator.IterationResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nITER\tTRAIN\tVALID\tPOOL\tMAX\tMEAN\tSELECTED\tSTOP")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%.2f\t%.2f\t%d\t%s\n",
			r.Iteration,
			r.TrainSize,
			r.ValidSize,
			r.PoolSize,
			r.Convergence.Metrics.DisagreementMax,
			r.Convergence.Metrics.DisagreementMean,
			len(r.Selected),
			r.StopReason,
		)
	}
	w.Flush()
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(runsDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tITERATIONS\tINPUT")
	for _, meta := range runs {
		n := 0
		if run, err := st.Open(meta.ID); err == nil {
			if iters, err := run.Iterations(); err == nil {
				n = len(iters)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			meta.ID,
			meta.CreatedAt.Format("2006-01-02 15:04:05"),
			n,
			meta.Input,
		)
	}
	return w.Flush()
}

func openHistory(id string) ([]ledger.Row, error) {
	run, err := storage.New(runsDir).Open(id)
	if err != nil {
		return nil, err
	}
	if !storage.Exists(run.LedgerPath()) {
		return nil, fmt.Errorf("run %s has no ledger yet", id)
	}
	db, err := ledger.Open(run.LedgerPath())
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.History(run.ID())
}

func showHistory(cmd *cobra.Command, args []string) error {
	rows, err := openHistory(args[0])
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("no iterations recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITER\tTRAIN\tVALID\tPOOL\tSELECTED\tMAX\tMEAN\tABOVE\tMAE_E\tMAE_F\tCONVERGED")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%s\t%s\t%d\t%s\t%s\t%v\n",
			r.Iteration,
			r.TrainSize,
			r.ValidSize,
			r.PoolSize,
			r.Selected,
			optional(r.Evaluated, r.DisagreementMax),
			optional(r.Evaluated, r.DisagreementMean),
			r.AboveCutoff,
			optionalPtr(r.MAEEnergy),
			optionalPtr(r.MAEForce),
			r.Converged,
		)
	}
	return w.Flush()
}

func optional(ok bool, v float64) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}

func optionalPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func plotHistory(cmd *cobra.Command, args []string) error {
	rows, err := openHistory(args[0])
	if err != nil {
		return err
	}

	var maxD, meanD, maeF []float64
	for _, r := range rows {
		if !r.Evaluated {
			continue
		}
		maxD = append(maxD, r.DisagreementMax)
		meanD = append(meanD, r.DisagreementMean)
		if r.MAEForce != nil {
			maeF = append(maeF, *r.MAEForce)
		}
	}
	if len(maxD) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Printf("run: %s\n", args[0])
	fmt.Printf("iterations: %d\n\n", len(maxD))
	fmt.Println(viz.PlotHistory("committee disagreement (meV/Å) vs iteration",
		viz.Series{Name: "max", Values: maxD, Color: viz.ColorMax},
		viz.Series{Name: "mean", Values: meanD, Color: viz.ColorMean},
	))
	if len(maeF) > 0 {
		fmt.Println()
		fmt.Println(viz.PlotHistory("validation force MAE (meV/Å) vs iteration",
			viz.Series{Name: "mae_f", Values: maeF, Color: viz.ColorMAE},
		))
	}
	return nil
}

func exportRun(cmd *cobra.Command, args []string) error {
	meta, err := storage.New(runsDir).Load(args[0])
	if err != nil {
		return err
	}
	return storage.Export(os.Stdout, meta)
}
