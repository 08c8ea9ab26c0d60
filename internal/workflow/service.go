package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/audit"
)

// Engine drives workflow instances through their step graphs. All step
// mutations on one workflow are serialized behind a per-workflow mutex;
// distinct workflows proceed concurrently.
type Engine struct {
	repo      Repository
	audit     audit.Repository
	executors map[string]StepExecutor
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewEngine creates a workflow engine. Executors keyed by step name run the
// automated steps; steps without an executor fail ProcessAutomatedSteps.
func NewEngine(repo Repository, auditRepo audit.Repository, executors map[string]StepExecutor, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:      repo,
		audit:     auditRepo,
		executors: executors,
		logger:    logger.With().Str("component", "workflow_engine").Logger(),
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

func (e *Engine) lock(id uuid.UUID) func() {
	e.mu.Lock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	e.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// InitializeSHAWorkflow starts claim processing for a claim. The first step
// is started immediately; call ProcessAutomatedSteps to run it.
func (e *Engine) InitializeSHAWorkflow(ctx context.Context, claimID uuid.UUID, initiatedBy string) (*Instance, error) {
	graph := DefaultSHAGraph()
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	steps := graph.Instantiate()
	now := time.Now().UTC()
	steps[0].Status = StepInProgress
	steps[0].StartedAt = &now
	w := &Instance{
		ID:            uuid.New(),
		ClaimID:       claimID,
		WorkflowType:  TypeSHAClaim,
		CurrentStep:   steps[0].Name,
		OverallStatus: StatusInProgress,
		Steps:         steps,
	}
	if err := e.repo.Create(ctx, w); err != nil {
		return nil, err
	}

	e.writeAudit(ctx, w, initiatedBy, "workflow_initialized", audit.OutcomeSuccess, nil)
	e.logger.Info().
		Str("workflow_id", w.ID.String()).
		Str("claim_id", claimID.String()).
		Msg("workflow initialized")
	return w, nil
}

// CompleteStep marks the named step completed. With autoAdvance, the next
// eligible pending step (lowest step order) becomes the current step. The
// workflow completes once every required step is completed or skipped.
func (e *Engine) CompleteStep(ctx context.Context, workflowID uuid.UUID, stepName, completedBy string, notes *string, autoAdvance bool) (*Instance, error) {
	defer e.lock(workflowID)()

	w, err := e.repo.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.OverallStatus.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, w.OverallStatus)
	}

	step := w.StepByName(stepName)
	if step == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStep, stepName)
	}
	if step.Status != StepPending && step.Status != StepInProgress {
		return nil, fmt.Errorf("%w: %q is %s", ErrInvalidStep, stepName, step.Status)
	}
	if !w.PrerequisitesMet(step) {
		e.writeAudit(ctx, w, completedBy, "step_complete_rejected", audit.OutcomeFailure,
			strPtr(fmt.Sprintf("step %s: prerequisites not met", stepName)))
		return nil, fmt.Errorf("%w: step %q", ErrPrerequisiteNotMet, stepName)
	}

	e.markCompleted(step, completedBy, notes)
	if autoAdvance {
		e.advance(w)
	}
	e.settle(w)

	if err := e.repo.Update(ctx, w); err != nil {
		return nil, err
	}

	e.writeAudit(ctx, w, completedBy, "step_completed", audit.OutcomeSuccess, strPtr("step "+stepName))
	if w.OverallStatus == StatusCompleted {
		e.writeAudit(ctx, w, completedBy, "workflow_completed", audit.OutcomeSuccess, nil)
	}
	return w, nil
}

// ProcessAutomatedSteps runs every automated step whose prerequisites are
// met, re-evaluating eligibility after each completion. The first executor
// failure marks the step and the workflow failed and stops processing.
func (e *Engine) ProcessAutomatedSteps(ctx context.Context, workflowID uuid.UUID, triggeredBy string) (*Instance, error) {
	defer e.lock(workflowID)()

	w, err := e.repo.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.OverallStatus.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, w.OverallStatus)
	}

	for {
		step := e.nextEligibleAutomated(w)
		if step == nil {
			break
		}

		if step.StartedAt == nil {
			now := time.Now().UTC()
			step.StartedAt = &now
		}
		step.Status = StepInProgress
		w.CurrentStep = step.Name

		exec, ok := e.executors[step.Name]
		var execErr error
		if !ok {
			execErr = fmt.Errorf("no executor registered for step %q", step.Name)
		} else {
			execErr = exec.Execute(ctx, w)
		}

		if execErr != nil {
			step.Status = StepFailed
			step.Notes = strPtr(execErr.Error())
			w.OverallStatus = StatusFailed
			if err := e.repo.Update(ctx, w); err != nil {
				return nil, err
			}
			e.writeAudit(ctx, w, triggeredBy, "step_failed", audit.OutcomeFailure,
				strPtr(fmt.Sprintf("step %s: %v", step.Name, execErr)))
			e.logger.Error().Err(execErr).
				Str("workflow_id", w.ID.String()).
				Str("step", step.Name).
				Msg("automated step failed")
			return w, fmt.Errorf("%w: step %q: %v", ErrExecutorFailed, step.Name, execErr)
		}

		e.markCompleted(step, triggeredBy, nil)
		e.writeAudit(ctx, w, triggeredBy, "step_completed", audit.OutcomeSuccess, strPtr("step "+step.Name))
	}

	e.advance(w)
	e.settle(w)

	if err := e.repo.Update(ctx, w); err != nil {
		return nil, err
	}
	if w.OverallStatus == StatusCompleted {
		e.writeAudit(ctx, w, triggeredBy, "workflow_completed", audit.OutcomeSuccess, nil)
	}
	return w, nil
}

// CancelWorkflow moves a non-terminal workflow to cancelled.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID uuid.UUID, actor string, reason *string) (*Instance, error) {
	defer e.lock(workflowID)()

	w, err := e.repo.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.OverallStatus.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, w.OverallStatus)
	}

	w.OverallStatus = StatusCancelled
	if err := e.repo.Update(ctx, w); err != nil {
		return nil, err
	}
	e.writeAudit(ctx, w, actor, "workflow_cancelled", audit.OutcomeSuccess, reason)
	return w, nil
}

// GetWorkflow fetches one workflow with its steps.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*Instance, error) {
	return e.repo.Get(ctx, workflowID)
}

// GetWorkflows lists workflows matching the filters.
func (e *Engine) GetWorkflows(ctx context.Context, f Filters) ([]*Instance, error) {
	return e.repo.List(ctx, f)
}

// StepStats aggregates completed-step timing for one step name.
type StepStats struct {
	Completed       int           `json:"completed"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Stats summarizes workflows created inside a date range.
type Stats struct {
	Total    int                  `json:"total"`
	ByStatus map[Status]int       `json:"by_status"`
	ByStep   map[string]StepStats `json:"by_step"`
}

// Statistics aggregates workflows created between from and to (either may
// be zero for an open bound).
func (e *Engine) Statistics(ctx context.Context, from, to time.Time) (*Stats, error) {
	ws, err := e.repo.List(ctx, Filters{From: from, To: to})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Total:    len(ws),
		ByStatus: make(map[Status]int),
		ByStep:   make(map[string]StepStats),
	}
	sums := make(map[string]time.Duration)
	for _, w := range ws {
		stats.ByStatus[w.OverallStatus]++
		for _, s := range w.Steps {
			if s.Status != StepCompleted || s.ActualDuration == nil {
				continue
			}
			ss := stats.ByStep[s.Name]
			ss.Completed++
			sums[s.Name] += *s.ActualDuration
			stats.ByStep[s.Name] = ss
		}
	}
	for name, ss := range stats.ByStep {
		ss.AverageDuration = sums[name] / time.Duration(ss.Completed)
		stats.ByStep[name] = ss
	}
	return stats, nil
}

func (e *Engine) markCompleted(step *Step, completedBy string, notes *string) {
	now := time.Now().UTC()
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.Status = StepCompleted
	step.CompletedBy = &completedBy
	step.CompletedAt = &now
	if notes != nil {
		step.Notes = notes
	}
	d := now.Sub(*step.StartedAt)
	step.ActualDuration = &d
}

// nextEligibleAutomated returns the lowest-order open automated step whose
// prerequisites are met. In-progress steps are included so a workflow
// restored mid-step resumes instead of stalling.
func (e *Engine) nextEligibleAutomated(w *Instance) *Step {
	var candidates []*Step
	for _, s := range w.Steps {
		if !s.Automated || !w.PrerequisitesMet(s) {
			continue
		}
		if s.Status == StepPending || s.Status == StepInProgress {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Order < candidates[j].Order })
	return candidates[0]
}

// advance points CurrentStep at the lowest-order pending step whose
// prerequisites are met, if any.
func (e *Engine) advance(w *Instance) {
	var next *Step
	for _, s := range w.Steps {
		if s.Status != StepPending || !w.PrerequisitesMet(s) {
			continue
		}
		if next == nil || s.Order < next.Order {
			next = s
		}
	}
	if next != nil {
		w.CurrentStep = next.Name
	}
}

// settle marks the workflow completed once every required step is done.
func (e *Engine) settle(w *Instance) {
	if w.OverallStatus == StatusInProgress && w.RequiredStepsDone() {
		w.OverallStatus = StatusCompleted
		w.CurrentStep = ""
	}
}

func (e *Engine) writeAudit(ctx context.Context, w *Instance, actor, action string, outcome string, detail *string) {
	wid := w.ID.String()
	cid := w.ClaimID.String()
	entry := &audit.Entry{
		Actor:      actor,
		Action:     action,
		EntityType: "workflow",
		EntityID:   wid,
		WorkflowID: &wid,
		ClaimID:    &cid,
		Outcome:    outcome,
		Detail:     detail,
	}
	if err := e.audit.Create(ctx, entry); err != nil {
		e.logger.Error().Err(err).Str("action", action).Msg("audit write failed")
	}
}

func strPtr(s string) *string { return &s }
