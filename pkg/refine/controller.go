package refine

import (
	"context"

	"github.com/materialsio/peakflow/pkg/errors"
)

// State is the controller's position in the refinement sequence.
type State string

const (
	StateInit                     State = "init"
	StateBackgroundSeeded         State = "background_seeded"
	StateReferenceRefined         State = "reference_refined"
	StateDynamicBackgroundRefined State = "dynamic_background_refined"
	StateIntensityRefined         State = "intensity_refined"
	StatePositionRefined          State = "position_refined"
	StateShapeRefined             State = "shape_refined"
	StateFullRefined              State = "full_refined"
	StateDone                     State = "done"
	StateFailed                   State = "failed"
)

// Step is one stage of the refinement sequence: the freedom masks the
// engine receives, the state entered on success, and how many engine
// calls the stage may make per iteration.
type Step struct {
	Name       string
	State      State
	Peaks      Freedom
	Background Freedom
	Passes     int
}

// Options bounds the controller's convergence loop.
type Options struct {
	ConvergenceThreshold float64
	MinIterations        int
	MaxIterations        int
}

// DefaultOptions matches the acquisition pipeline's refinement
// settings.
func DefaultOptions() Options {
	return Options{ConvergenceThreshold: 1e-4, MinIterations: 1, MaxIterations: 5}
}

// Steps builds the step sequence for one slice. Reference slices get
// an extra background-settling stage before the standard sequence, and
// the dynamic-background stage is included only when enabled.
func Steps(isReference, dynamicBackground bool) []Step {
	steps := []Step{
		{
			Name:       "background intensity",
			State:      StateBackgroundSeeded,
			Background: Freedom{Area: true},
			Passes:     2,
		},
	}

	if isReference {
		steps = append(steps, Step{
			Name:       "reference background",
			State:      StateReferenceRefined,
			Peaks:      Freedom{Area: true},
			Background: Freedom{Area: true, Sigma: true},
			Passes:     1,
		})
	}
	if dynamicBackground {
		steps = append(steps, Step{
			Name:       "dynamic background",
			State:      StateDynamicBackgroundRefined,
			Background: Freedom{Area: true, Position: true, Sigma: true},
			Passes:     1,
		})
	}

	return append(steps,
		Step{
			Name:   "intensity",
			State:  StateIntensityRefined,
			Peaks:  Freedom{Area: true},
			Passes: 3,
		},
		Step{
			Name:   "position",
			State:  StatePositionRefined,
			Peaks:  Freedom{Area: true, Position: true},
			Passes: 3,
		},
		Step{
			Name:   "shape",
			State:  StateShapeRefined,
			Peaks:  Freedom{Sigma: true, Gamma: true},
			Passes: 3,
		},
		Step{
			Name:       "full",
			State:      StateFullRefined,
			Peaks:      Freedom{Area: true, Position: true, Sigma: true, Gamma: true},
			Background: Freedom{Area: true},
			Passes:     3,
		},
	)
}

// Controller sequences engine steps for one slice.
type Controller struct {
	engine Engine
	opts   Options
	state  State
}

// NewController creates a controller around an engine.
func NewController(engine Engine, opts Options) *Controller {
	if opts.ConvergenceThreshold <= 0 {
		opts.ConvergenceThreshold = 1e-4
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 1
	}
	return &Controller{engine: engine, opts: opts, state: StateInit}
}

// State returns the controller's current state.
func (c *Controller) State() State { return c.state }

// Run drives the session through the step sequence until convergence
// or iteration exhaustion. Exhaustion is accepted best-effort and
// still yields a result; an engine error is terminal and must abort
// the whole owning frame, because later slices reuse background state
// established earlier in the frame.
func (c *Controller) Run(ctx context.Context, session *Session, steps []Step) (SliceResult, error) {
	converged := false

	for iter := 0; iter < c.opts.MaxIterations && !converged; iter++ {
		session.beginIteration()
		corrections := 0

		for _, step := range steps {
			n, err := c.runStep(ctx, session, step)
			if err != nil {
				c.state = StateFailed
				return SliceResult{}, errors.Wrap(err, errors.ErrorTypeRefinement,
					"refinement step "+step.Name+" failed")
			}
			corrections += n
			c.state = step.State
		}

		change := session.endIteration()
		if session.Iterations() >= c.opts.MinIterations &&
			corrections == 0 && change < c.opts.ConvergenceThreshold {
			converged = true
		}
	}

	c.state = StateDone
	return SliceResult{
		Azimuth:    session.Spectrum().Azimuth,
		Peaks:      session.Peaks(),
		Background: session.Background(),
		Iterations: session.Iterations(),
		Converged:  converged,
	}, nil
}

func (c *Controller) runStep(ctx context.Context, session *Session, step Step) (int, error) {
	passes := step.Passes
	if passes < 1 {
		passes = 1
	}

	corrections := 0
	for p := 0; p < passes; p++ {
		peaks, bg, err := c.engine.Refine(ctx, session.Spectrum(),
			session.Peaks(), session.Background(), step.Peaks, step.Background)
		if err != nil {
			return corrections, err
		}
		corrections += session.apply(peaks, bg)
	}
	return corrections, nil
}
