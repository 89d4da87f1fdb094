package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/careflow/internal/assignee"
	"github.com/pitabwire/careflow/internal/definition"
	"github.com/pitabwire/careflow/internal/dispatch"
	"github.com/pitabwire/careflow/internal/expression"
	"github.com/pitabwire/careflow/internal/lock"
	"github.com/pitabwire/careflow/internal/observability"
	"github.com/pitabwire/careflow/internal/timer"
	"github.com/pitabwire/careflow/model"
)

const (
	defaultChainLimit     = 100
	defaultStaleAge       = 5 * time.Minute
	defaultIdempotencyTTL = 24 * time.Hour
	defaultDispatchTTL    = 2 * time.Minute
	reconcilePageSize     = 200
)

// Recorder receives engine measurements.
type Recorder interface {
	RecordInstanceStart(definitionID string)
	RecordInstanceEnd(definitionID, status string)
	RecordStepDispatch(kind, outcome string, d time.Duration)
	RecordStepRetry(kind string)
	RecordTimerFired(kind string)
	RecordSLAEvent(definitionID, kind string)
	RecordCompletionConflict(definitionID string)
}

type nopRecorder struct{}

func (nopRecorder) RecordInstanceStart(string)                       {}
func (nopRecorder) RecordInstanceEnd(string, string)                 {}
func (nopRecorder) RecordStepDispatch(string, string, time.Duration) {}
func (nopRecorder) RecordStepRetry(string)                           {}
func (nopRecorder) RecordTimerFired(string)                          {}
func (nopRecorder) RecordSLAEvent(string, string)                    {}
func (nopRecorder) RecordCompletionConflict(string)                  {}

// Deps are the collaborators of an Engine. Definitions, Store, Dispatchers
// and Timers are required.
type Deps struct {
	Definitions definition.Store
	Store       InstanceStore
	Dispatchers *dispatch.Registry
	Timers      *timer.Service
	Locker      lock.Locker
	Resolver    *assignee.Resolver
	Expr        *expression.Evaluator
	Notifier    dispatch.Notifier
	Idempotency IdempotencyStore
}

// Options tunes an Engine.
type Options struct {
	// ChainLimit bounds the step entries of one drive before the instance
	// is suspended.
	ChainLimit int
	// StaleDispatchAge is how long an automated dispatch may stay in
	// progress before Reconcile starts a new attempt.
	StaleDispatchAge time.Duration
	// DispatchTimeout bounds one automated dispatch. Dispatches do not
	// inherit the caller's cancellation.
	DispatchTimeout time.Duration
	IdempotencyTTL  time.Duration
	Clock           timer.Clock
	Logger          *zap.Logger
	Recorder        Recorder
}

// Engine drives process instances. Every mutation of an instance happens
// under its lock; dispatcher I/O happens outside it.
type Engine struct {
	defs        definition.Store
	store       InstanceStore
	dispatchers *dispatch.Registry
	timers      *timer.Service
	locker      lock.Locker
	resolver    *assignee.Resolver
	expr        *expression.Evaluator
	notifier    dispatch.Notifier
	idem        IdempotencyStore

	clock      timer.Clock
	logger     *zap.Logger
	metrics    Recorder
	chainLimit  int
	staleAge    time.Duration
	dispatchTTL time.Duration
	idemTTL     time.Duration
}

// NewEngine creates an Engine and binds it as the timer handler.
func NewEngine(deps Deps, opts Options) *Engine {
	e := &Engine{
		defs:        deps.Definitions,
		store:       deps.Store,
		dispatchers: deps.Dispatchers,
		timers:      deps.Timers,
		locker:      deps.Locker,
		resolver:    deps.Resolver,
		expr:        deps.Expr,
		notifier:    deps.Notifier,
		idem:        deps.Idempotency,
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Recorder,
		chainLimit:  opts.ChainLimit,
		staleAge:    opts.StaleDispatchAge,
		dispatchTTL: opts.DispatchTimeout,
		idemTTL:     opts.IdempotencyTTL,
	}
	if e.locker == nil {
		e.locker = lock.NewLocal()
	}
	if e.expr == nil {
		e.expr = expression.NewEvaluator(expression.Limits{})
	}
	if e.resolver == nil {
		e.resolver = assignee.NewResolver(assignee.NewStaticDirectoryFromMaps(nil, nil), e.expr)
	}
	if e.clock == nil {
		e.clock = timer.SystemClock
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = nopRecorder{}
	}
	if e.chainLimit <= 0 {
		e.chainLimit = defaultChainLimit
	}
	if e.staleAge <= 0 {
		e.staleAge = defaultStaleAge
	}
	if e.dispatchTTL <= 0 {
		e.dispatchTTL = defaultDispatchTTL
	}
	if e.idemTTL <= 0 {
		e.idemTTL = defaultIdempotencyTTL
	}
	e.timers.SetHandler(e.HandleTimer)
	return e
}

// StartRequest asks for a new instance of a definition.
type StartRequest struct {
	DefinitionID string
	// Version 0 selects the latest published version.
	Version        int
	Trigger        model.TriggerContext
	Variables      map[string]any
	IdempotencyKey string
}

// CompleteRequest applies an external completion to a pending human step.
type CompleteRequest struct {
	InstanceID string
	StepID     string
	// StepSeq selects a specific visit of the step; 0 means the open one.
	StepSeq int
	// Attempt, when set, must match the attempt the caller saw.
	Attempt int
	Action  string
	Result  map[string]any
	Comment string
}

// Start creates an instance and advances it to its first non-automated
// boundary.
func (e *Engine) Start(ctx context.Context, rctx *model.RequestContext, req StartRequest) (model.Instance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Start",
		observability.AttrDefinitionID.String(req.DefinitionID),
		observability.AttrActorID.String(rctx.Actor()),
	)
	inst, err := e.startRequest(ctx, rctx.Actor(), req)
	if err == nil {
		span.SetAttributes(observability.AttrInstanceID.String(inst.ID))
	}
	observability.EndSpanWithError(span, err)
	return inst, err
}

func (e *Engine) startRequest(ctx context.Context, actor string, req StartRequest) (model.Instance, error) {
	// 1. Resolve the definition version the instance is pinned to.
	def, err := e.definition(ctx, req.DefinitionID, req.Version)
	if err != nil {
		return model.Instance{}, err
	}

	// 2. Seed and check variables.
	input := mergeVars(req.Trigger.Payload, req.Variables)
	vars, err := seedVariables(def, input)
	if err != nil {
		return model.Instance{}, err
	}

	trig := req.Trigger
	trig.Payload = model.CloneVars(trig.Payload)
	if trig.Type == "" {
		trig.Type = model.TriggerManual
	}
	if trig.ActorID == "" {
		trig.ActorID = actor
	}

	// 3. Deduplicate redelivered triggers.
	id := uuid.NewString()
	if req.IdempotencyKey == "" || e.idem == nil {
		return e.start(ctx, actor, &def, trig, vars, "", nil, id)
	}
	key := FormatIdempotencyKey(req.IdempotencyKey)
	owner, err := e.idem.Reserve(ctx, key, HashStartInput(req.DefinitionID, req.Version, input), id, e.idemTTL)
	if err != nil {
		return model.Instance{}, err
	}
	if owner != id {
		existing, err := e.store.Get(ctx, owner)
		if model.IsCode(err, model.ErrNotFound) {
			return model.Instance{}, model.NewConflictError(
				fmt.Sprintf("start with idempotency key %q is in progress", req.IdempotencyKey),
			)
		}
		return existing, err
	}

	inst, err := e.start(ctx, actor, &def, trig, vars, req.IdempotencyKey, nil, id)
	if err != nil {
		if relErr := e.idem.Release(context.WithoutCancel(ctx), key); relErr != nil {
			e.logger.Warn("release idempotency key failed", zap.String("key", key), zap.Error(relErr))
		}
	}
	return inst, err
}

// StartChild starts a child instance for a subprocess step. It implements
// dispatch.SubprocessStarter.
func (e *Engine) StartChild(ctx context.Context, parent model.ParentRef, definitionID string, version int, vars map[string]any) (model.Instance, error) {
	def, err := e.definition(ctx, definitionID, version)
	if err != nil {
		return model.Instance{}, err
	}
	seeded, err := seedVariables(def, vars)
	if err != nil {
		return model.Instance{}, err
	}
	trig := model.TriggerContext{
		Type:    model.TriggerSubprocess,
		Source:  parent.InstanceID,
		ActorID: model.SystemActor,
	}
	return e.start(ctx, model.SystemActor, &def, trig, seeded, "", &parent, uuid.NewString())
}

func (e *Engine) start(
	ctx context.Context,
	actor string,
	def *model.ProcessDefinition,
	trig model.TriggerContext,
	vars map[string]any,
	idemKey string,
	parent *model.ParentRef,
	id string,
) (model.Instance, error) {
	now := e.clock.Now()
	pid := uuid.NewString()
	inst := model.Instance{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            model.InstanceActive,
		Trigger:           trig,
		Variables:         vars,
		Pointers:          []model.Pointer{{ID: pid}},
		Parent:            parent,
		NextSeq:           1,
		IdempotencyKey:    idemKey,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if def.SLA != nil {
		clock, err := def.SLA.Clock(now)
		if err != nil {
			return model.Instance{}, model.NewValidationError(err.Error(), nil)
		}
		inst.SLA = clock
	}

	ch := &chain{}
	r := e.newRun(ctx, def, &inst, actor, ch)
	r.event(model.EventInstanceStarted, nil, map[string]any{
		"definition": def.Ref(),
		"trigger":    trig.Type,
	})
	r.rearmSLA()
	r.enter(pid, def.InitialStep)

	if err := e.commit(ctx, r, true); err != nil {
		return model.Instance{}, err
	}
	defID := def.ID
	r.observe(func(m Recorder) { m.RecordInstanceStart(defID) })
	e.logger.Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("definition", def.Ref()),
		zap.String("trigger", trig.Type),
	)
	if ce := e.logger.Check(zap.DebugLevel, "instance variables"); ce != nil {
		ce.Write(zap.String("instance_id", inst.ID), zap.Any("variables", observability.RedactVariables(inst.Variables, nil)))
	}
	e.after(ctx, r)
	return e.drive(ctx, inst.ID, r.dispatches, ch, r), nil
}

// Complete applies a human completion. The step must be the pending visit
// the caller saw; otherwise INVALID_STATE is returned and the instance is
// left unchanged.
func (e *Engine) Complete(ctx context.Context, rctx *model.RequestContext, req CompleteRequest) (model.Instance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Complete",
		observability.AttrInstanceID.String(req.InstanceID),
		observability.AttrStepID.String(req.StepID),
		observability.AttrActorID.String(rctx.Actor()),
	)
	inst, err := e.complete(ctx, rctx.Actor(), req)
	observability.EndSpanWithError(span, err)
	return inst, err
}

func (e *Engine) complete(ctx context.Context, actor string, req CompleteRequest) (model.Instance, error) {
	var defID string
	ch := &chain{}
	r, err := e.mutate(ctx, req.InstanceID, actor, ch, func(r *run) error {
		defID = r.def.ID
		if r.inst.Status != model.InstanceActive {
			return model.NewInvalidStateError(
				fmt.Sprintf("instance %q is %s, not active", r.inst.ID, r.inst.Status),
			)
		}
		var si *model.StepInstance
		if req.StepSeq > 0 {
			si = r.inst.Step(req.StepSeq)
		} else {
			si = r.inst.OpenStep(req.StepID)
		}
		if si == nil || si.StepID != req.StepID || si.Status != model.StepPending || si.Attempts == 0 || !si.Kind.IsHuman() {
			return model.NewInvalidStateError(
				fmt.Sprintf("step %q of instance %q is not awaiting completion", req.StepID, r.inst.ID),
			)
		}
		if req.Attempt > 0 && req.Attempt != si.Attempts {
			return model.NewInvalidStateError(
				fmt.Sprintf("step %q is at attempt %d, not %d", req.StepID, si.Attempts, req.Attempt),
			)
		}

		step, _ := r.def.Step(si.StepID)
		out, err := e.dispatchers.Interpret(step, req.Action, req.Result)
		if err != nil {
			return err
		}
		si.CompletedBy = r.actor
		if verb, ok := out.Result["verb"].(string); ok {
			si.Verb = verb
		}
		r.completeStep(si.Seq, out, req.Comment)
		return nil
	})
	if err != nil {
		if model.IsCode(err, model.ErrInvalidState) {
			e.metrics.RecordCompletionConflict(defID)
		}
		return model.Instance{}, err
	}
	return e.drive(ctx, req.InstanceID, r.dispatches, ch, r), nil
}

// Cancel ends a non-terminal instance. Its timers are cancelled and
// running children are cancelled with it.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.Instance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Cancel",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(rctx.Actor()),
	)
	r, err := e.mutate(ctx, instanceID, rctx.Actor(), &chain{}, func(r *run) error {
		if r.inst.Status.Terminal() {
			return model.NewInvalidStateError(
				fmt.Sprintf("instance %q is already %s", r.inst.ID, r.inst.Status),
			)
		}
		r.cancel(reason)
		return nil
	})
	observability.EndSpanWithError(span, err)
	if err != nil {
		return model.Instance{}, err
	}
	return r.inst.Clone(), nil
}

// Suspend stops an active instance from making progress until Resume.
func (e *Engine) Suspend(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.Instance, error) {
	r, err := e.mutate(ctx, instanceID, rctx.Actor(), &chain{}, func(r *run) error {
		if r.inst.Status != model.InstanceActive {
			return model.NewInvalidStateError(
				fmt.Sprintf("instance %q is %s, not active", r.inst.ID, r.inst.Status),
			)
		}
		r.suspend(reason, nil)
		return nil
	})
	if err != nil {
		return model.Instance{}, err
	}
	return r.inst.Clone(), nil
}

// Resume reactivates a suspended instance. Steps entered while suspended
// are activated and the timers of open steps are re-armed.
func (e *Engine) Resume(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.Instance, error) {
	ch := &chain{}
	r, err := e.mutate(ctx, instanceID, rctx.Actor(), ch, func(r *run) error {
		if r.inst.Status != model.InstanceSuspended {
			return model.NewInvalidStateError(
				fmt.Sprintf("instance %q is %s, not suspended", r.inst.ID, r.inst.Status),
			)
		}
		r.inst.Status = model.InstanceActive
		r.inst.SuspendReason = ""
		r.event(model.EventInstanceResumed, nil, nil)
		r.rearmSLA()

		seqs := make([]int, 0, len(r.inst.Pointers))
		for _, p := range r.inst.Pointers {
			seqs = append(seqs, p.StepSeq)
		}
		for _, seq := range seqs {
			si := r.inst.Step(seq)
			if si == nil || !si.Status.Open() || r.inst.Status != model.InstanceActive {
				continue
			}
			if si.Attempts == 0 {
				r.activate(seq)
			} else {
				r.rearm(seq)
			}
		}
		return nil
	})
	if err != nil {
		return model.Instance{}, err
	}
	return e.drive(ctx, instanceID, r.dispatches, ch, r), nil
}

// Get returns an instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.Instance, error) {
	return e.store.Get(ctx, instanceID)
}

// List returns instances matching filters and the total match count.
func (e *Engine) List(ctx context.Context, filters InstanceFilters) ([]model.Instance, int, error) {
	return e.store.List(ctx, filters)
}

// Events returns the audit trail of an instance.
func (e *Engine) Events(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	return e.store.GetEvents(ctx, instanceID)
}

// HandleTimer applies a fired timer. Timers for instances that no longer
// exist are acknowledged.
func (e *Engine) HandleTimer(ctx context.Context, p model.TimerPayload) error {
	ctx, span := observability.StartSpan(ctx, "workflow.HandleTimer",
		observability.AttrInstanceID.String(p.InstanceID),
		observability.AttrTimerKind.String(string(p.Kind)),
		observability.AttrStepID.String(p.StepID),
	)
	e.metrics.RecordTimerFired(string(p.Kind))

	ch := &chain{}
	r, err := e.mutate(ctx, p.InstanceID, model.SystemActor, ch, func(r *run) error {
		r.fire(p)
		return nil
	})
	if model.IsCode(err, model.ErrNotFound) {
		e.logger.Debug("timer for unknown instance", zap.String("key", p.Key()))
		err = nil
	} else if err == nil {
		e.drive(ctx, p.InstanceID, r.dispatches, ch, r)
	}
	observability.EndSpanWithError(span, err)
	return err
}

// Reconcile repairs non-terminal instances after a crash or lost timer: it
// re-schedules the timers every open step should own, activates steps that
// were never activated, records children of subprocess steps and starts a
// new attempt of automated steps whose dispatch is older than the stale
// age. It returns the number of instances visited.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	// Snapshot first: reconciling moves instances out of the filter.
	var pending []model.Instance
	for offset := 0; ; offset += reconcilePageSize {
		page, total, err := e.store.List(ctx, InstanceFilters{
			Statuses: []model.InstanceStatus{model.InstanceActive, model.InstanceSuspended},
			Limit:    reconcilePageSize,
			Offset:   offset,
		})
		if err != nil {
			return 0, fmt.Errorf("list instances: %w", err)
		}
		pending = append(pending, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}

	visited := 0
	for _, inst := range pending {
		if ctx.Err() != nil {
			return visited, ctx.Err()
		}
		if err := e.reconcileOne(ctx, inst); err != nil {
			if model.IsCode(err, model.ErrNotFound) {
				continue
			}
			e.logger.Warn("reconcile instance failed",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
			continue
		}
		visited++
	}
	return visited, nil
}

func (e *Engine) reconcileOne(ctx context.Context, snapshot model.Instance) error {
	kids, err := e.childrenOf(ctx, snapshot)
	if err != nil {
		return err
	}

	var finished []model.Instance
	ch := &chain{}
	r, err := e.mutate(ctx, snapshot.ID, model.SystemActor, ch, func(r *run) error {
		if r.inst.Status.Terminal() {
			return nil
		}
		r.rearmSLA()
		active := r.inst.Status == model.InstanceActive

		var open []int
		for _, si := range r.inst.Steps {
			if si.Status.Open() {
				open = append(open, si.Seq)
			}
		}
		for _, seq := range open {
			si := r.inst.Step(seq)
			if !si.Status.Open() {
				continue
			}
			stale := si.DispatchedAt != nil && r.now.Sub(*si.DispatchedAt) > e.staleAge
			switch {
			case si.Attempts == 0:
				if active {
					r.activate(seq)
				}
			case si.Kind == model.KindSubprocess && si.Status == model.StepInProgress:
				kid, ok := kids[seq]
				if ok && kid.Parent.Attempt == si.Attempts {
					step, _ := r.def.Step(si.StepID)
					if a, isSub := step.Action.Action.(*model.SubprocessAction); isSub && !a.Wait {
						r.applyDispatch(seq, si.Attempts, dispatch.Outcome{
							ChildInstanceID: kid.ID,
							Result:          map[string]any{"child_instance_id": kid.ID},
						}, nil)
						continue
					}
					if si.ChildInstanceID == "" {
						si.ChildInstanceID = kid.ID
						r.touch()
					}
					if kid.Status.Terminal() {
						finished = append(finished, kid)
					}
					r.rearm(seq)
				} else if active && stale {
					r.redispatch(seq)
				} else {
					r.rearm(seq)
				}
			case active && stale && si.Status == model.StepInProgress && !si.Kind.IsHuman():
				r.redispatch(seq)
			default:
				r.rearm(seq)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, kid := range finished {
		e.childFinished(ctx, kid)
	}
	e.drive(ctx, snapshot.ID, r.dispatches, ch, r)
	return nil
}

// childrenOf returns the newest child of each running subprocess step of
// inst, keyed by the parent step sequence.
func (e *Engine) childrenOf(ctx context.Context, inst model.Instance) (map[int]model.Instance, error) {
	running := false
	for _, si := range inst.Steps {
		if si.Kind == model.KindSubprocess && si.Status == model.StepInProgress {
			running = true
			break
		}
	}
	if !running {
		return nil, nil
	}
	list, _, err := e.store.List(ctx, InstanceFilters{ParentID: inst.ID})
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", inst.ID, err)
	}
	kids := make(map[int]model.Instance, len(list))
	for _, kid := range list {
		seq := kid.Parent.StepSeq
		if prev, ok := kids[seq]; !ok || kid.Parent.Attempt > prev.Parent.Attempt {
			kids[seq] = kid
		}
	}
	return kids, nil
}

// RunReconciler calls Reconcile every interval until ctx is cancelled.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := e.Reconcile(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.Error("reconcile failed", zap.Error(err))
		} else if n > 0 {
			e.logger.Debug("reconciled instances", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// childFinished applies the end of a child instance to the waiting
// subprocess step of its parent.
func (e *Engine) childFinished(ctx context.Context, child model.Instance) {
	ref := child.Parent
	ch := &chain{}
	r, err := e.mutate(ctx, ref.InstanceID, model.SystemActor, ch, func(r *run) error {
		si := r.inst.Step(ref.StepSeq)
		if r.inst.Status.Terminal() || si == nil || si.Status != model.StepInProgress ||
			si.Attempts != ref.Attempt || (si.ChildInstanceID != "" && si.ChildInstanceID != child.ID) {
			r.stale("ignoring finished child", zap.String("child_id", child.ID))
			return nil
		}
		step, _ := r.def.Step(si.StepID)
		a, ok := step.Action.Action.(*model.SubprocessAction)
		if !ok || !a.Wait {
			return nil
		}
		out, err := dispatch.ChildOutcome(a, child)
		if err != nil {
			err = model.NewDispatchFailure(si.StepID, err)
		} else if out.Wait {
			return nil
		}
		r.applyDispatch(ref.StepSeq, ref.Attempt, out, err)
		return nil
	})
	if err != nil {
		e.logger.Warn("apply finished child failed",
			zap.String("instance_id", ref.InstanceID),
			zap.String("child_id", child.ID),
			zap.Error(err),
		)
		return
	}
	e.drive(ctx, ref.InstanceID, r.dispatches, ch, r)
}

// --- mutation plumbing ---

func (e *Engine) newRun(ctx context.Context, def *model.ProcessDefinition, inst *model.Instance, actor string, ch *chain) *run {
	return &run{
		e:     e,
		ctx:   ctx,
		def:   def,
		inst:  inst,
		actor: actor,
		now:   e.clock.Now(),
		chain: ch,
	}
}

// mutate loads an instance under its lock, applies fn and commits. An error
// from fn leaves the instance unchanged. Side effects run after the lock is
// released.
func (e *Engine) mutate(ctx context.Context, instanceID, actor string, ch *chain, fn func(*run) error) (*run, error) {
	release, err := e.locker.Lock(ctx, "instance:"+instanceID)
	if err != nil {
		return nil, fmt.Errorf("lock instance %s: %w", instanceID, err)
	}
	r, err := e.mutateLocked(ctx, instanceID, actor, ch, fn)
	release()
	if err != nil {
		return nil, err
	}
	e.after(ctx, r)
	return r, nil
}

func (e *Engine) mutateLocked(ctx context.Context, instanceID, actor string, ch *chain, fn func(*run) error) (*run, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.defs.Get(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, fmt.Errorf("load definition %s@%d: %w", inst.DefinitionID, inst.DefinitionVersion, err)
	}
	r := e.newRun(ctx, &def, &inst, actor, ch)
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, r, false); err != nil {
		return nil, err
	}
	return r, nil
}

// commit persists the instance and then its audit events.
func (e *Engine) commit(ctx context.Context, r *run, create bool) error {
	if !r.dirty {
		return nil
	}
	if create {
		if err := e.store.Create(ctx, *r.inst); err != nil {
			return err
		}
	} else {
		r.inst.UpdatedAt = r.now
		if err := e.store.Update(ctx, *r.inst); err != nil {
			return err
		}
		r.inst.Version++
	}
	for _, ev := range r.events {
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			e.logger.Error("append workflow event failed",
				zap.String("instance_id", ev.InstanceID),
				zap.String("event", ev.Event),
				zap.Error(err),
			)
		}
	}
	return nil
}

// after applies the side effects collected by a committed run: timers,
// notifications, metrics, parent notification and child cancellation.
func (e *Engine) after(ctx context.Context, r *run) {
	ctx = context.WithoutCancel(ctx)
	id := r.inst.ID

	if r.cancelAll {
		if err := e.timers.CancelInstance(ctx, id); err != nil {
			e.logger.Warn("cancel instance timers failed", zap.String("instance_id", id), zap.Error(err))
		}
	} else {
		for _, op := range r.timerOps {
			var err error
			if op.cancel {
				err = e.timers.Cancel(ctx, op.payload)
			} else {
				err = e.timers.ScheduleAt(ctx, op.payload, op.at)
			}
			if err != nil {
				e.logger.Warn("timer update failed, left for reconciliation",
					zap.String("key", op.payload.Key()),
					zap.Bool("cancel", op.cancel),
					zap.Error(err),
				)
			}
		}
	}

	for _, n := range r.notes {
		if e.notifier == nil {
			e.logger.Info("notification",
				zap.String("instance_id", n.InstanceID),
				zap.String("channel", n.Channel),
				zap.String("subject", n.Subject),
			)
			continue
		}
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("notification delivery failed",
				zap.String("instance_id", n.InstanceID),
				zap.String("channel", n.Channel),
				zap.Error(err),
			)
		}
	}

	for _, fn := range r.observers {
		fn(e.metrics)
	}

	if len(r.childSteps) > 0 {
		e.cancelChildren(ctx, id, r.childSteps)
	}

	if r.ended {
		e.metrics.RecordInstanceEnd(r.inst.DefinitionID, string(r.inst.Status))
		fields := []zap.Field{
			zap.String("instance_id", id),
			zap.String("definition", r.def.Ref()),
			zap.String("status", string(r.inst.Status)),
		}
		if r.inst.Error != nil {
			fields = append(fields, zap.String("code", r.inst.Error.Code), zap.String("error", r.inst.Error.Message))
		}
		e.logger.Info("instance ended", fields...)
		if r.inst.Parent != nil {
			e.childFinished(ctx, r.inst.Clone())
		}
	}
}

func (e *Engine) cancelChildren(ctx context.Context, parentID string, seqs []int) {
	kids, _, err := e.store.List(ctx, InstanceFilters{
		ParentID: parentID,
		Statuses: []model.InstanceStatus{model.InstanceActive, model.InstanceSuspended},
	})
	if err != nil {
		e.logger.Warn("list children failed", zap.String("instance_id", parentID), zap.Error(err))
		return
	}
	system := &model.RequestContext{ActorID: model.SystemActor}
	for _, kid := range kids {
		if !containsInt(seqs, kid.Parent.StepSeq) {
			continue
		}
		_, err := e.Cancel(ctx, system, kid.ID, fmt.Sprintf("parent %s step %s ended", parentID, kid.Parent.StepID))
		if err != nil && !model.IsCode(err, model.ErrInvalidState) && !model.IsCode(err, model.ErrNotFound) {
			e.logger.Warn("cancel child failed", zap.String("child_id", kid.ID), zap.Error(err))
		}
	}
}

// drive runs queued automated dispatches outside the lock and applies each
// outcome under it, following any dispatches the outcomes queue. It returns
// the last committed state. Failures are logged; Reconcile picks up what
// is left. A caller going away does not stop the run; each dispatch is
// bounded by the dispatch timeout instead.
func (e *Engine) drive(ctx context.Context, instanceID string, work []pendingDispatch, ch *chain, last *run) model.Instance {
	ctx = context.WithoutCancel(ctx)
	for len(work) > 0 {
		w := work[0]
		work = work[1:]

		dctx, span := observability.StartSpan(ctx, "workflow.Dispatch",
			observability.AttrInstanceID.String(instanceID),
			observability.AttrStepID.String(w.req.Step.ID),
			observability.AttrStepKind.String(string(w.kind)),
		)
		dctx, cancel := context.WithTimeout(dctx, e.dispatchTTL)
		start := time.Now()
		out, derr := e.dispatchers.Dispatch(dctx, w.req)
		cancel()
		e.metrics.RecordStepDispatch(string(w.kind), outcomeLabel(out, derr), time.Since(start))
		observability.EndSpanWithError(span, derr)

		r, err := e.mutate(ctx, instanceID, model.SystemActor, ch, func(r *run) error {
			r.applyDispatch(w.seq, w.attempt, out, derr)
			return nil
		})
		if err != nil {
			e.logger.Warn("apply dispatch outcome failed, left for reconciliation",
				zap.String("instance_id", instanceID),
				zap.Int("step_seq", w.seq),
				zap.Error(err),
			)
			continue
		}
		work = append(work, r.dispatches...)
		last = r
	}
	return last.inst.Clone()
}

// --- helpers ---

func (e *Engine) definition(ctx context.Context, id string, version int) (model.ProcessDefinition, error) {
	if version > 0 {
		return e.defs.Get(ctx, id, version)
	}
	return e.defs.Latest(ctx, id)
}

// seedVariables builds the initial variable bag from declared defaults and
// input, and checks required variables and declared types.
func seedVariables(def model.ProcessDefinition, input map[string]any) (map[string]any, error) {
	defaults := make(map[string]any, len(def.Variables))
	for _, v := range def.Variables {
		if v.Default != nil {
			defaults[v.Name] = v.Default
		}
	}
	vars := model.CloneVars(defaults)
	for k, v := range input {
		vars[k] = v
	}

	var details []model.FieldError
	for _, v := range def.Variables {
		val, ok := vars[v.Name]
		if !ok || val == nil {
			if v.Required {
				details = append(details, model.FieldError{
					Field:   v.Name,
					Code:    "REQUIRED",
					Message: "variable is required",
				})
			}
			continue
		}
		if !definition.MatchesType(v.Type, val) {
			details = append(details, model.FieldError{
				Field:   v.Name,
				Code:    "TYPE_MISMATCH",
				Message: fmt.Sprintf("expected %s", v.Type),
			})
		}
	}
	if len(details) > 0 {
		return nil, model.NewValidationError("", details)
	}
	return vars, nil
}

func mergeVars(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range model.CloneVars(m) {
			out[k] = v
		}
	}
	return out
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
