package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/san-kum/mlipal/internal/checkpoint"
	"github.com/san-kum/mlipal/internal/committee"
	"github.com/san-kum/mlipal/internal/config"
	"github.com/san-kum/mlipal/internal/convergence"
	"github.com/san-kum/mlipal/internal/dataset"
	"github.com/san-kum/mlipal/internal/disagreement"
	"github.com/san-kum/mlipal/internal/freeze"
	"github.com/san-kum/mlipal/internal/labeling"
	"github.com/san-kum/mlipal/internal/selection"
	"github.com/san-kum/mlipal/internal/storage"
	"github.com/san-kum/mlipal/internal/structure"
	"github.com/san-kum/mlipal/internal/trainer"
)

// Flags of the single-phase commands. These work on files directly and do
// not touch a run's ledger.
var (
	splitOut      string
	validFraction float64
	poolFraction  float64

	trainFile      string
	validFile      string
	workDir        string
	hyperPreset    string
	maxEpochs      int
	initCheckpoint string
	trainCLI       string

	models     []string
	poolFile   string
	metric     string
	predictCmd string

	reportFile string
	scoreOut   string
	selectOut  string

	iterDir        string
	thresholdsFile string
	convOut        string

	freezeCkpt     string
	freezePatterns []string
	unfreeze       []string
	freezeTool     string
	freezeApply    string
	freezeJSON     string
	unfreezeJSON   string
	planOut        string

	labelCommand []string
	labelWorkDir string
	labelOut     string

	exportArtifact bool
)

func phaseCommands() []*cobra.Command {
	splitCmd := &cobra.Command{
		Use:   "split [dataset.xyz]",
		Short: "partition a dataset into train, valid and pool",
		Args:  cobra.ExactArgs(1),
		RunE:  splitDataset,
	}
	splitCmd.Flags().StringVar(&splitOut, "out", "data", "output directory")
	splitCmd.Flags().Float64Var(&validFraction, "valid-fraction", config.DefaultValidFraction, "validation fraction")
	splitCmd.Flags().Float64Var(&poolFraction, "pool-fraction", config.DefaultPoolFraction, "pool fraction")
	splitCmd.Flags().Int64Var(&seed, "seed", config.DefaultSeed, "shuffle seed")

	trainCmd := &cobra.Command{
		Use:   "train-committee",
		Short: "train a committee of independently seeded models",
		RunE:  trainCommittee,
	}
	trainCmd.Flags().StringVar(&trainFile, "train", "", "training set (extxyz)")
	trainCmd.Flags().StringVar(&validFile, "valid", "", "validation set (extxyz)")
	trainCmd.Flags().StringVar(&workDir, "work-dir", "committee", "output directory")
	trainCmd.Flags().IntVar(&committeeSize, "size", config.DefaultCommitteeSize, "committee size")
	trainCmd.Flags().StringVar(&device, "device", config.DefaultDevice, "device (cpu|cuda[:N]|mps)")
	trainCmd.Flags().StringVar(&hyperPreset, "preset", trainer.PresetQuickDemo, "training preset")
	trainCmd.Flags().IntVar(&maxEpochs, "max-epochs", 0, "override the preset epoch count")
	trainCmd.Flags().StringVar(&initCheckpoint, "init-checkpoint", "", "fine-tune every member from this checkpoint")
	trainCmd.Flags().StringVar(&trainCLI, "cli", trainer.DefaultCommand, "training executable")
	trainCmd.MarkFlagRequired("train")
	trainCmd.MarkFlagRequired("valid")

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "score pool structures by committee disagreement",
		RunE:  scorePool,
	}
	scoreCmd.Flags().StringSliceVar(&models, "models", nil, "committee checkpoints or exported models")
	scoreCmd.Flags().StringVar(&poolFile, "pool", "", "pool structures (extxyz)")
	scoreCmd.Flags().StringVar(&scoreOut, "out", "pool_disagreement.json", "report path")
	scoreCmd.Flags().StringVar(&metric, "metric", disagreement.DefaultMetric, "disagreement metric ("+strings.Join(disagreement.ListMetrics(), "|")+")")
	scoreCmd.Flags().StringVar(&device, "device", config.DefaultDevice, "device (cpu|cuda[:N]|mps)")
	scoreCmd.Flags().StringVar(&predictCmd, "predict-cmd", disagreement.DefaultPredictCommand, "prediction executable")
	scoreCmd.MarkFlagRequired("models")
	scoreCmd.MarkFlagRequired("pool")

	selectCmd := &cobra.Command{
		Use:   "select",
		Short: "pick the top-k most uncertain pool structures",
		RunE:  selectTopK,
	}
	selectCmd.Flags().StringVar(&reportFile, "report", "pool_disagreement.json", "disagreement report")
	selectCmd.Flags().StringVar(&poolFile, "pool", "", "pool structures (extxyz)")
	selectCmd.Flags().IntVar(&topK, "k", config.DefaultK, "number of structures")
	selectCmd.Flags().Float64Var(&cutoff, "cutoff", 0, "only select scores above this (eV/Å)")
	selectCmd.Flags().StringVar(&selectOut, "out", ".", "output directory for selected.json and to_label.xyz")
	selectCmd.MarkFlagRequired("pool")

	convCmd := &cobra.Command{
		Use:   "check-convergence",
		Short: "evaluate the stopping criteria for one iteration",
		RunE:  checkConvergence,
	}
	convCmd.Flags().StringVar(&reportFile, "report", "pool_disagreement.json", "disagreement report")
	convCmd.Flags().StringVar(&iterDir, "iter-dir", "", "iteration directory holding committee logs")
	convCmd.Flags().IntVar(&committeeSize, "size", config.DefaultCommitteeSize, "committee size")
	convCmd.Flags().StringVar(&thresholdsFile, "thresholds", "", "JSON threshold overrides")
	convCmd.Flags().StringVar(&convOut, "out", "", "also write the result here")

	freezeCmd := &cobra.Command{
		Use:   "freeze-plan",
		Short: "preview which checkpoint parameters a freeze pattern set would freeze",
		RunE:  freezePlan,
	}
	freezeCmd.Flags().StringVar(&freezeCkpt, "checkpoint", "", "base checkpoint")
	freezeCmd.Flags().StringSliceVar(&freezePatterns, "freeze", freeze.DefaultFreeze, "freeze patterns")
	freezeCmd.Flags().StringSliceVar(&unfreeze, "unfreeze", freeze.DefaultUnfreeze, "unfreeze patterns")
	freezeCmd.Flags().StringVar(&freezeJSON, "freeze-json", "", "freeze patterns as a JSON array (replaces --freeze)")
	freezeCmd.Flags().StringVar(&unfreezeJSON, "unfreeze-json", "", "unfreeze patterns as a JSON array (replaces --unfreeze)")
	freezeCmd.Flags().StringVar(&freezeTool, "tool", freeze.DefaultCommand, "freeze helper executable")
	freezeCmd.Flags().StringVar(&planOut, "out", "", "write the plan here")
	freezeCmd.Flags().StringVar(&freezeApply, "apply", "", "also write a frozen copy of the checkpoint here")
	freezeCmd.MarkFlagRequired("checkpoint")

	labelCmd := &cobra.Command{
		Use:   "label [structures.xyz]",
		Short: "label structures with a reference method",
		Args:  cobra.ExactArgs(1),
		RunE:  labelStructures,
	}
	labelCmd.Flags().StringVar(&reference, "reference", config.DefaultReference, "reference ("+strings.Join(labeling.ListKinds(), "|")+")")
	labelCmd.Flags().StringVar(&labelWorkDir, "work-dir", "labeling", "working directory")
	labelCmd.Flags().StringVar(&labelOut, "out", "labeled.xyz", "labeled output")
	labelCmd.Flags().StringVar(&device, "device", config.DefaultDevice, "device (cpu|cuda[:N]|mps)")
	labelCmd.Flags().StringSliceVar(&labelCommand, "command", nil, "labeling driver argv for external references")

	resolveCmd := &cobra.Command{
		Use:   "resolve-checkpoint [dir]",
		Short: "print the checkpoint a directory resolves to",
		Args:  cobra.ExactArgs(1),
		RunE:  resolveCheckpoint,
	}
	resolveCmd.Flags().BoolVar(&exportArtifact, "export", false, "print the exported inference model instead")

	return []*cobra.Command{splitCmd, trainCmd, scoreCmd, selectCmd, convCmd, freezeCmd, labelCmd, resolveCmd}
}

func writeFrames(path string, frames []*structure.Structure) error {
	var buf bytes.Buffer
	if err := (structure.Codec{}).Write(&buf, frames); err != nil {
		return err
	}
	return storage.WriteFileAtomic(path, buf.Bytes())
}

func splitDataset(cmd *cobra.Command, args []string) error {
	all, err := structure.Codec{}.ReadFile(args[0])
	if err != nil {
		return err
	}
	p, err := dataset.Split(len(all), validFraction, poolFraction, seed)
	if err != nil {
		return err
	}
	train, valid, pool, err := dataset.Apply(all, p)
	if err != nil {
		return err
	}
	for name, frames := range map[string][]*structure.Structure{
		"train.xyz": train,
		"valid.xyz": valid,
		"pool.xyz":  pool,
	} {
		if err := writeFrames(filepath.Join(splitOut, name), frames); err != nil {
			return err
		}
	}
	if err := storage.WriteJSON(filepath.Join(splitOut, "split.json"), p); err != nil {
		return err
	}
	fmt.Printf("train: %d  valid: %d  pool: %d  -> %s\n", len(train), len(valid), len(pool), splitOut)
	return nil
}

func trainCommittee(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	c := &committee.Committee{
		Trainer: &trainer.CommandTrainer{CLI: trainCLI},
		Sink:    consoleSink(),
		Logger:  log,
	}
	members, err := c.Train(ctx, committee.Options{
		Size:           committeeSize,
		TrainFile:      trainFile,
		ValidFile:      validFile,
		WorkDir:        workDir,
		Device:         device,
		Hyper:          trainer.Hyperparameters{Preset: hyperPreset, MaxEpochs: maxEpochs},
		InitCheckpoint: initCheckpoint,
	})
	if err != nil {
		return err
	}
	for _, m := range members {
		fmt.Printf("%s\tseed %d\t%s\n", m.Name, m.Seed, m.Checkpoint)
	}
	return nil
}

func scorePool(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	pool, err := structure.Codec{}.ReadFile(poolFile)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	s := &disagreement.Scorer{
		Predictor: &disagreement.CommandPredictor{Command: predictCmd},
		Metric:    metric,
		Device:    device,
		Logger:    log,
	}
	report, err := s.Score(ctx, models, pool, poolFile)
	if err != nil {
		return err
	}
	if err := disagreement.WriteReport(scoreOut, report); err != nil {
		return err
	}
	fmt.Printf("scored %d structures with %d models: max %.4f mean %.4f eV/Å -> %s\n",
		report.Stats.Count, len(report.Models), report.Stats.Max, report.Stats.Mean, scoreOut)
	return nil
}

func selectTopK(cmd *cobra.Command, args []string) error {
	report, err := disagreement.ReadReport(reportFile)
	if err != nil {
		return err
	}
	scores, err := report.ScoresByIndex()
	if err != nil {
		return err
	}
	pool, err := structure.Codec{}.ReadFile(poolFile)
	if err != nil {
		return err
	}
	if len(pool) != len(scores) {
		return fmt.Errorf("report scores %d structures but %s has %d", len(scores), poolFile, len(pool))
	}
	opts := selection.Options{K: topK, Cutoff: cutoff}
	picks, err := selection.Select(scores, opts)
	if err != nil {
		return err
	}
	chosen, err := dataset.Subset(pool, selection.Indices(picks))
	if err != nil {
		return err
	}
	if err := storage.WriteJSON(filepath.Join(selectOut, "selected.json"), selection.NewRecord(opts, picks)); err != nil {
		return err
	}
	if err := writeFrames(filepath.Join(selectOut, "to_label.xyz"), chosen); err != nil {
		return err
	}
	for _, p := range picks {
		fmt.Printf("%d\t%.6f\n", p.Index, p.Score)
	}
	return nil
}

func checkConvergence(cmd *cobra.Command, args []string) error {
	t := convergence.DefaultThresholds()
	if thresholdsFile != "" {
		var err error
		if t, err = convergence.LoadThresholds(thresholdsFile, t); err != nil {
			return err
		}
	}
	var val *convergence.Validation
	if iterDir != "" {
		if v, ok := convergence.IterationValidation(iterDir, committeeSize); ok {
			val = &v
		}
	}
	res, err := convergence.EvaluateFile(reportFile, val, t)
	if err != nil {
		return err
	}
	if convOut != "" {
		if err := storage.WriteJSON(convOut, res); err != nil {
			return err
		}
	}
	return storage.Export(os.Stdout, res)
}

func freezePlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	frozen, err := freeze.Patterns(freezePatterns, freezeJSON)
	if err != nil {
		return err
	}
	unfrozen, err := freeze.Patterns(unfreeze, unfreezeJSON)
	if err != nil {
		return err
	}

	tool := &freeze.CommandTool{CLI: freezeTool}
	keys, err := tool.ParamNames(ctx, freezeCkpt)
	if err != nil {
		return err
	}
	plan := freeze.Compute(keys, frozen, unfrozen)
	if planOut != "" {
		if err := os.MkdirAll(filepath.Dir(planOut), 0755); err != nil {
			return err
		}
		if err := plan.Write(planOut); err != nil {
			return err
		}
	}
	if freezeApply != "" {
		if len(plan.Frozen()) == 0 {
			return fmt.Errorf("nothing to freeze: %s", plan.Warning)
		}
		if err := tool.Apply(ctx, freezeCkpt, freezeApply, plan); err != nil {
			return err
		}
	}

	fmt.Printf("parameters: %d  frozen: %d  trainable: %d\n", plan.NumTotalParams, plan.NumFrozenParams, plan.NumTrainableParams)
	if plan.Warning != "" {
		fmt.Printf("warning: %s\n", plan.Warning)
	}
	for _, k := range plan.FrozenKeysSample {
		fmt.Printf("  %s\n", k)
	}
	if len(plan.AvailablePatterns) > 0 {
		fmt.Printf("available patterns: %s\n", strings.Join(plan.AvailablePatterns, ", "))
	}
	return nil
}

func labelStructures(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg := config.DefaultConfig()
	cfg.Device = device
	cfg.Labeling.Reference = reference
	cfg.Labeling.Command = labelCommand
	kind, err := cfg.LabelKind()
	if err != nil {
		return err
	}
	in, err := structure.Codec{}.ReadFile(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	out, err := labeling.NewOracle(log).Label(ctx, in, kind, cfg.LabelConfig(labelWorkDir))
	if err != nil {
		return err
	}
	if err := writeFrames(labelOut, out); err != nil {
		return err
	}
	fmt.Printf("labeled %d structures with %s -> %s\n", len(out), kind, labelOut)
	return nil
}

func resolveCheckpoint(cmd *cobra.Command, args []string) error {
	path, err := checkpoint.MustExist(args[0])
	if err != nil {
		return err
	}
	if exportArtifact {
		if path, err = checkpoint.InferenceArtifact(path); err != nil {
			return err
		}
	}
	fmt.Println(path)
	return nil
}
