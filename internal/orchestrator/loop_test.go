package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/mlipal/internal/config"
	"github.com/san-kum/mlipal/internal/disagreement"
	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/events"
	"github.com/san-kum/mlipal/internal/freeze"
	"github.com/san-kum/mlipal/internal/labeling"
	"github.com/san-kum/mlipal/internal/ledger"
	"github.com/san-kum/mlipal/internal/metrics"
	"github.com/san-kum/mlipal/internal/orchestrator"
	"github.com/san-kum/mlipal/internal/selection"
	"github.com/san-kum/mlipal/internal/storage"
	"github.com/san-kum/mlipal/internal/structure"
	"github.com/san-kum/mlipal/internal/trainer"
)

// fakeTrainer writes a checkpoint and its exported model, whose content is
// the member seed, and reports fixed validation errors.
type fakeTrainer struct {
	maeEnergy float64
	maeForce  float64
	requests  []trainer.Request
}

func (f *fakeTrainer) Train(_ context.Context, req trainer.Request) (trainer.Stream, error) {
	f.requests = append(f.requests, req)
	dir := filepath.Join(req.WorkDir, req.Name, "checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	stem := filepath.Join(dir, fmt.Sprintf("%s_run-%d_epoch-2", req.Name, req.Seed))
	if err := os.WriteFile(stem+".pt", []byte("weights"), 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(stem+".model", []byte(strconv.Itoa(req.Seed)), 0644); err != nil {
		return nil, err
	}
	return &trainer.SliceStream{Events: []events.Event{
		{Kind: events.KindLog, Message: "starting"},
		{Kind: events.KindProgress, Epoch: 1, Loss: 2, MAEEnergy: 2 * f.maeEnergy, MAEForce: 2 * f.maeForce},
		{Kind: events.KindProgress, Epoch: 2, Loss: 1, MAEEnergy: f.maeEnergy, MAEForce: f.maeForce},
	}}, nil
}

func (f *fakeTrainer) named(name string) int {
	n := 0
	for _, r := range f.requests {
		if r.Name == name {
			n++
		}
	}
	return n
}

// fakePredictor makes member m predict forces 1+m*d(i) on structure i with
// d(i) = 0.001*(idx+1), so two members disagree by 0.5*(idx+1) meV/Å.
type fakePredictor struct {
	calls int
}

func (p *fakePredictor) Predict(_ context.Context, model string, structures []*structure.Structure, _ string) (disagreement.Prediction, error) {
	p.calls++
	raw, err := os.ReadFile(model)
	if err != nil {
		return disagreement.Prediction{}, err
	}
	m, err := strconv.Atoi(string(raw))
	if err != nil {
		return disagreement.Prediction{}, err
	}
	var out disagreement.Prediction
	for _, s := range structures {
		d := 0.001 * float64(idOf(s)+1)
		f := make([][3]float64, s.NumAtoms())
		for a := range f {
			f[a] = [3]float64{1 + float64(m)*d, 0, 0}
		}
		out.Energies = append(out.Energies, -1)
		out.Forces = append(out.Forces, f)
	}
	return out, nil
}

type fakeLabeler struct {
	err     error
	calls   int
	kinds   []labeling.Kind
	workDir string
}

func (l *fakeLabeler) Label(_ context.Context, in []*structure.Structure, kind labeling.Kind, cfg labeling.Config) ([]*structure.Structure, error) {
	l.calls++
	l.kinds = append(l.kinds, kind)
	l.workDir = cfg.WorkDir
	if l.err != nil {
		return nil, l.err
	}
	out := make([]*structure.Structure, len(in))
	for i, s := range in {
		c := s.Clone()
		c.SetLabels(-2.5, make([][3]float64, c.NumAtoms()))
		out[i] = c
	}
	return out, nil
}

type fakeFreezeTool struct {
	keys    []string
	applied int
}

func (t *fakeFreezeTool) ParamNames(context.Context, string) ([]string, error) {
	return t.keys, nil
}

func (t *fakeFreezeTool) Apply(_ context.Context, in, out string, plan *freeze.Plan) error {
	t.applied++
	if _, err := os.Stat(in); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("frozen %d", len(plan.Frozen()))), 0644)
}

func idOf(s *structure.Structure) int {
	id, err := strconv.Atoi(s.Info["idx"])
	Expect(err).NotTo(HaveOccurred())
	return id
}

func ids(frames []*structure.Structure) []int {
	out := make([]int, len(frames))
	for i, s := range frames {
		out[i] = idOf(s)
	}
	sort.Ints(out)
	return out
}

func synthetic(n int) []*structure.Structure {
	out := make([]*structure.Structure, n)
	for i := range out {
		s := &structure.Structure{
			Symbols:   []string{"Cu", "Cu"},
			Positions: [][3]float64{{0, 0, 0}, {2.5 + 0.01*float64(i), 0, 0}},
			Info:      map[string]string{"idx": strconv.Itoa(i)},
		}
		s.SetLabels(-3.5, [][3]float64{{0.1, 0, 0}, {-0.1, 0, 0}})
		out[i] = s
	}
	return out
}

var codec structure.Codec

func readFrames(path string) []*structure.Structure {
	frames, err := codec.ReadFile(path)
	Expect(err).NotTo(HaveOccurred())
	return frames
}

var _ = Describe("Loop", func() {
	var (
		ctx       context.Context
		cfg       *config.Config
		store     *storage.Store
		run       *storage.Run
		train     *fakeTrainer
		predictor *fakePredictor
		labeler   *fakeLabeler
		recorder  *events.Recorder
	)

	newLoop := func() *orchestrator.Loop {
		loop := orchestrator.New(cfg, run, nil)
		loop.Trainer = train
		loop.Predictor = predictor
		loop.Labeler = labeler
		loop.Sink = recorder
		return loop
	}

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()
		input := filepath.Join(dir, "dataset.xyz")
		Expect(codec.WriteFile(input, synthetic(100))).To(Succeed())

		cfg = config.DefaultConfig()
		cfg.RunsDir = filepath.Join(dir, "runs")
		cfg.Input = input
		cfg.Seed = 123
		cfg.MaxIterations = 3
		cfg.Committee.Size = 2
		cfg.Selection.K = 5

		store = storage.New(cfg.RunsDir)
		Expect(store.Init()).To(Succeed())
		var err error
		run, err = store.Create("run-a", input, cfg)
		Expect(err).NotTo(HaveOccurred())

		train = &fakeTrainer{maeEnergy: 80, maeForce: 120}
		predictor = &fakePredictor{}
		labeler = &fakeLabeler{}
		recorder = &events.Recorder{}
	})

	Describe("a run that never converges", func() {
		var (
			out *orchestrator.Outcome
			db  *ledger.Ledger
		)

		BeforeEach(func() {
			var err error
			db, err = ledger.Open(run.LedgerPath())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(db.Close)

			loop := newLoop()
			loop.Ledger = db
			loop.Metrics = metrics.New(run.ID())
			out, err = loop.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("stops at the iteration cap", func() {
			Expect(out.Iterations).To(HaveLen(3))
			Expect(out.Converged).To(BeFalse())
			Expect(out.StopReason).To(Equal(orchestrator.StopMaxIterations))
			Expect(train.requests).To(HaveLen(6))
			Expect(predictor.calls).To(Equal(6))
			Expect(labeler.calls).To(Equal(2))
			Expect(labeler.kinds).To(HaveEach(labeling.SurrogateFast))
		})

		It("splits the input 70/10/20 and carries data forward", func() {
			sizes := func(r orchestrator.IterationResult) []int {
				return []int{r.TrainSize, r.ValidSize, r.PoolSize}
			}
			Expect(sizes(out.Iterations[0])).To(Equal([]int{70, 10, 20}))
			Expect(sizes(out.Iterations[1])).To(Equal([]int{75, 10, 15}))
			Expect(sizes(out.Iterations[2])).To(Equal([]int{80, 10, 10}))

			it0, it1 := run.Iteration(0), run.Iteration(1)
			pool0 := ids(readFrames(it0.Pool()))
			selected := pool0[len(pool0)-5:]

			Expect(ids(readFrames(it0.Labeled()))).To(Equal(selected))
			Expect(ids(readFrames(it1.Valid()))).To(Equal(ids(readFrames(it0.Valid()))))

			train1 := ids(readFrames(it1.Train()))
			want := append(ids(readFrames(it0.Train())), selected...)
			sort.Ints(want)
			Expect(train1).To(Equal(want))
			Expect(ids(readFrames(it1.Pool()))).To(Equal(pool0[:len(pool0)-5]))
		})

		It("selects the most uncertain structures first", func() {
			picks := out.Iterations[0].Selected
			Expect(picks).To(HaveLen(5))
			for i := 1; i < len(picks); i++ {
				Expect(picks[i].Score).To(BeNumerically("<", picks[i-1].Score))
			}

			var rec selection.Record
			Expect(storage.ReadJSON(run.Iteration(0).Selected(), &rec)).To(Succeed())
			Expect(rec.K).To(Equal(5))
			Expect(rec.Indices).To(Equal(selection.Indices(picks)))
			Expect(labeler.workDir).To(Equal(run.Iteration(1).LabelDir()))
		})

		It("writes every artifact and skips labeling on the last iteration", func() {
			for n := 0; n < 3; n++ {
				it := run.Iteration(n)
				Expect(it.Split()).To(BeAnExistingFile())
				Expect(it.Report()).To(BeAnExistingFile())
				Expect(it.Convergence()).To(BeAnExistingFile())
				Expect(filepath.Join(it.Dir, "c1", "member.json")).To(BeAnExistingFile())
			}
			Expect(run.Iteration(2).Selected()).NotTo(BeAnExistingFile())
			Expect(run.Iteration(2).Labeled()).NotTo(BeAnExistingFile())
			Expect(run.MetricsPath()).To(BeAnExistingFile())
		})

		It("records the history in the ledger", func() {
			rows, err := db.History(run.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(3))
			Expect(rows[0].TrainSize).To(Equal(70))
			Expect(rows[0].Selected).To(Equal(5))
			Expect(rows[2].Selected).To(Equal(0))
			for _, r := range rows {
				Expect(r.Evaluated).To(BeTrue())
				Expect(r.Converged).To(BeFalse())
				Expect(*r.MAEForce).To(BeNumerically("~", 120, 1e-9))
			}
			errEvents, err := db.Events(run.ID(), events.KindError)
			Expect(err).NotTo(HaveOccurred())
			Expect(errEvents).To(BeEmpty())
		})

		It("tags every event with the run and a phase", func() {
			Expect(recorder.Events).NotTo(BeEmpty())
			for _, e := range recorder.Events {
				Expect(e.RunID).To(Equal(run.ID()))
				Expect(e.Phase).NotTo(BeEmpty())
			}
			phases := recorder.Filter(events.KindPhase)
			Expect(phases[0].Phase).To(Equal(string(orchestrator.PhaseSplit)))
			Expect(phases[len(phases)-1].Phase).To(Equal(string(orchestrator.PhaseStop)))
			Expect(recorder.Filter(events.KindError)).To(BeEmpty())
		})

		It("reuses every artifact when run again", func() {
			train.requests = nil
			predictor.calls = 0
			labeler.calls = 0

			again, err := newLoop().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Iterations).To(HaveLen(3))
			Expect(again.Iterations[1].Labeled).To(Equal(5))
			Expect(train.requests).To(BeEmpty())
			Expect(predictor.calls).To(BeZero())
			Expect(labeler.calls).To(BeZero())
		})
	})

	It("stops as soon as the committee is good enough", func() {
		train.maeEnergy, train.maeForce = 5, 10

		out, err := newLoop().Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Iterations).To(HaveLen(1))
		Expect(out.Converged).To(BeTrue())
		Expect(out.StopReason).To(Equal(orchestrator.StopConverged))
		Expect(out.Iterations[0].Convergence.SuggestStop).To(BeTrue())
		Expect(labeler.calls).To(BeZero())
		Expect(run.Iteration(0).Selected()).NotTo(BeAnExistingFile())
	})

	It("emits a single error event and resumes after a labeling failure", func() {
		labeler.err = errs.Integrityf("label", "reference crashed")

		_, err := newLoop().Run(ctx)
		Expect(err).To(MatchError(errs.ErrDataIntegrity))
		failures := recorder.Filter(events.KindError)
		Expect(failures).To(HaveLen(1))
		Expect(failures[0].ErrorKind).To(Equal("data_integrity"))
		Expect(failures[0].Phase).To(Equal(string(orchestrator.PhaseSelectAndLabel)))
		Expect(run.Iteration(0).Labeled()).NotTo(BeAnExistingFile())

		labeler.err = nil
		train.requests = nil
		out, err := newLoop().Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Iterations).To(HaveLen(3))
		Expect(train.requests).To(HaveLen(4))
	})

	It("refuses to carry forward from an unlabeled iteration", func() {
		_, err := newLoop().RunIteration(ctx, 1)
		Expect(err).To(MatchError(errs.ErrResourceNotFound))
		Expect(recorder.Filter(events.KindError)).To(HaveLen(1))
		Expect(train.requests).To(BeEmpty())
	})

	It("reports an invalid configuration", func() {
		cfg.Committee.Size = 0
		_, err := newLoop().Run(ctx)
		Expect(err).To(MatchError(errs.ErrConfiguration))
		Expect(recorder.Filter(events.KindError)).To(HaveLen(1))
	})

	It("reports a loop without a run", func() {
		loop := newLoop()
		loop.Store = nil
		_, err := loop.Run(ctx)
		Expect(err).To(MatchError(errs.ErrConfiguration))
		failures := recorder.Filter(events.KindError)
		Expect(failures).To(HaveLen(1))
		Expect(failures[0].ErrorKind).To(Equal(errs.Kind(errs.ErrConfiguration)))
	})

	Describe("fine-tuning", func() {
		var tool *fakeFreezeTool

		BeforeEach(func() {
			cfg.MaxIterations = 2
			cfg.FineTune.Enabled = true
			cfg.FineTune.Freeze = []string{"embedding, radial"}
			cfg.FineTune.Unfreeze = []string{"readout"}
			tool = &fakeFreezeTool{keys: []string{
				"node_embedding.linear.weight",
				"interactions.0.radial_embedding.weight",
				"interactions.0.linear.weight",
				"readouts.0.embedding_readout.weight",
			}}
		})

		fineTune := func(force bool) *orchestrator.Outcome {
			loop := newLoop()
			loop.FreezeTool = tool
			loop.ForceBase = force
			out, err := loop.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			return out
		}

		It("trains the base once and seeds every member from the frozen checkpoint", func() {
			fineTune(false)
			Expect(train.named("base")).To(Equal(1))
			Expect(train.requests).To(HaveLen(5))
			Expect(tool.applied).To(Equal(1))

			base := run.BaseDir()
			Expect(filepath.Join(base, "base.json")).To(BeAnExistingFile())
			Expect(filepath.Join(base, "freeze_init.pt")).To(BeAnExistingFile())

			plan, err := freeze.ReadPlan(filepath.Join(base, "freeze_plan.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.NumTotalParams).To(Equal(4))
			Expect(plan.NumFrozenParams).To(Equal(2))

			for _, r := range train.requests {
				Expect(r.FineTune).To(Equal(r.Name != "base"))
			}
			seeded := filepath.Join(run.Iteration(0).Dir, "c1", "checkpoints", "c1_run-1_epoch-0.pt")
			Expect(seeded).To(BeAnExistingFile())
		})

		It("rebuilds the base only when forced", func() {
			fineTune(false)
			fineTune(false)
			Expect(train.named("base")).To(Equal(1))

			fineTune(true)
			Expect(train.named("base")).To(Equal(2))
			Expect(tool.applied).To(Equal(2))
		})

		It("fine-tunes from the base checkpoint when nothing matches", func() {
			cfg.FineTune.Freeze = []string{"no_such_block"}
			fineTune(false)
			Expect(tool.applied).To(BeZero())
			Expect(filepath.Join(run.BaseDir(), "freeze_init.pt")).NotTo(BeAnExistingFile())

			var info orchestrator.BaseInfo
			Expect(storage.ReadJSON(filepath.Join(run.BaseDir(), "base.json"), &info)).To(Succeed())
			Expect(info.InitCheckpoint).To(Equal(info.Checkpoint))
			Expect(info.Trained).To(BeTrue())
		})
	})
})
