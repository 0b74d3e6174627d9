// Package pipeline runs a full resolution pass: ingest, normalize, tier-1
// resolution, external escalation, overrides, classification and reporting.
package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/config"
	"github.com/sells-group/partd-geo/internal/escalate"
	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/normalize"
	"github.com/sells-group/partd-geo/internal/report"
	"github.com/sells-group/partd-geo/internal/resolve"
	"github.com/sells-group/partd-geo/internal/store"
)

// Pipeline wires reference data, the store and the provider chain together.
type Pipeline struct {
	cfg   *config.Config
	store store.Store
	ref   *Reference
	lanes *Lanes
}

// New creates a Pipeline. lanes may be nil to skip escalation.
func New(cfg *config.Config, st store.Store, ref *Reference, lanes *Lanes) *Pipeline {
	return &Pipeline{cfg: cfg, store: st, ref: ref, lanes: lanes}
}

// PhaseTiming records how long one phase took.
type PhaseTiming struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunReport summarizes a run.
type RunReport struct {
	RunID        string             `json:"run_id"`
	RawRows      int                `json:"raw_rows"`
	Records      int                `json:"records"`
	Excluded     normalize.Counts   `json:"excluded"`
	Resumed      int                `json:"resumed"` // already terminal in the store
	Tier1        map[model.Tier]int `json:"tier1"`
	Escalation   *escalate.Summary  `json:"escalation,omitempty"`
	Overridden   int                `json:"overridden"`
	Unclassified int                `json:"unclassified"`
	Summary      report.Summary     `json:"summary"`
	Outputs      []string           `json:"outputs"`
	Phases       []PhaseTiming      `json:"phases"`
}

// Run executes every phase. Only fatal errors (unreadable inputs, store
// failures, cancellation) are returned; per-record problems are reflected in
// the results.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	log := zap.L().With(zap.String("component", "pipeline"))
	rep := &RunReport{Tier1: make(map[model.Tier]int)}

	run, err := p.store.CreateRun(ctx, p.cfg.Pipeline.Vintage)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	rep.RunID = run.ID
	log = log.With(zap.String("run_id", run.ID))
	log.Info("pipeline: run started", zap.Int("vintage", p.cfg.Pipeline.Vintage))

	phase := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		pt := PhaseTiming{Name: name, Duration: time.Since(start)}
		if err != nil {
			pt.Error = err.Error()
			log.Error("pipeline: phase failed", zap.String("phase", name), zap.Duration("duration", pt.Duration), zap.Error(err))
		} else {
			log.Info("pipeline: phase complete", zap.String("phase", name), zap.Duration("duration", pt.Duration))
		}
		rep.Phases = append(rep.Phases, pt)
		return err
	}

	err = p.run(ctx, rep, phase)
	status := model.RunStatusComplete
	if err != nil {
		status = model.RunStatusFailed
	}
	// The run row is closed even when ctx is already cancelled.
	finishCtx := context.WithoutCancel(ctx)
	if ferr := p.store.FinishRun(finishCtx, run.ID, status, rep.Records); ferr != nil {
		log.Warn("pipeline: failed to finish run", zap.Error(ferr))
	}
	if err != nil {
		return rep, err
	}

	log.Info("pipeline: run complete",
		zap.Int("records", rep.Summary.Total),
		zap.Int("resolved", rep.Summary.Resolved),
		zap.Int("unresolved", rep.Summary.Unresolved),
	)
	return rep, nil
}

func (p *Pipeline) run(ctx context.Context, rep *RunReport, phase func(string, func() error) error) error {
	var records []model.PrescriberRecord

	if err := phase("ingest", func() error {
		raw, err := ReadPrescribers(ctx, p.cfg.Inputs.Prescribers)
		if err != nil {
			return err
		}
		rep.RawRows = len(raw)
		records, rep.Excluded = normalize.New(p.ref.Corrections).All(raw)
		rep.Records = len(records)
		return nil
	}); err != nil {
		return err
	}

	todo := records
	if !p.cfg.Pipeline.Retry {
		if err := phase("resume", func() error {
			done, err := p.store.TerminalKeys(ctx)
			if err != nil {
				return err
			}
			todo = make([]model.PrescriberRecord, 0, len(records))
			for _, r := range records {
				if done[r.Key()] {
					rep.Resumed++
					continue
				}
				todo = append(todo, r)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	var pending []model.Result
	if err := phase("tier1", func() error {
		engine := resolve.NewEngine(p.ref.Gazetteer, p.ref.Zips, p.ref.Counties, p.cfg.Pipeline.Workers)
		tier1, err := engine.ResolveAll(ctx, todo)
		if err != nil {
			return err
		}
		for i := range tier1 {
			rep.Tier1[tier1[i].Tier]++
			if !tier1[i].Resolved() {
				pending = append(pending, tier1[i])
			}
		}
		return p.store.PutResults(ctx, tier1)
	}); err != nil {
		return err
	}

	if p.cfg.Pipeline.Escalate && p.lanes != nil && len(p.lanes.Lanes) > 0 && p.ref.Counties != nil && len(pending) > 0 {
		if err := phase("escalate", func() error {
			ctl := escalate.New(p.lanes.Lanes, p.ref.Counties, p.store, escalate.WithCentroids(p.ref.Zips))
			sum, err := ctl.Run(ctx, pending)
			rep.Escalation = &sum
			if uerr := p.lanes.RecordUsage(context.WithoutCancel(ctx), p.store); uerr != nil {
				zap.L().Warn("pipeline: failed to record provider usage", zap.Error(uerr))
			}
			return err
		}); err != nil {
			return err
		}
	}

	var results []model.Result
	if err := phase("finalize", func() error {
		stored, err := p.store.ListResults(ctx, store.ResultFilter{})
		if err != nil {
			return err
		}
		want := make(map[string]bool, len(records))
		for _, r := range records {
			want[r.Key()] = true
		}
		for _, r := range stored {
			if want[r.Key()] {
				results = append(results, r)
			}
		}
		results, rep.Overridden = report.ApplyOverrides(results, p.ref.Corrections.Overrides)
		rep.Unclassified = report.Classify(results, p.ref.Classification, p.ref.Corrections)
		rep.Summary = report.Aggregate(results)
		return nil
	}); err != nil {
		return err
	}

	return phase("write", func() error {
		return p.writeOutputs(rep, results)
	})
}

func (p *Pipeline) writeOutputs(rep *RunReport, results []model.Result) error {
	out := p.cfg.Output
	write := func(name string, fn func(io.Writer) error) error {
		if name == "" {
			return nil
		}
		path := filepath.Join(out.Dir, name)
		if err := report.WriteFile(path, fn); err != nil {
			return err
		}
		rep.Outputs = append(rep.Outputs, path)
		return nil
	}

	if err := write(out.Results, func(w io.Writer) error {
		return report.WriteResults(w, results)
	}); err != nil {
		return err
	}
	if err := write(out.Summary, func(w io.Writer) error {
		return report.WriteSummary(w, rep.Summary)
	}); err != nil {
		return err
	}
	return write(out.Unresolved, func(w io.Writer) error {
		_, err := report.WriteUnresolved(w, results, p.ref.Gazetteer)
		return err
	})
}
