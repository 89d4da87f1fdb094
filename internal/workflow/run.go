package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/careflow/internal/definition"
	"github.com/pitabwire/careflow/internal/dispatch"
	"github.com/pitabwire/careflow/model"
)

// chain counts step entries across one drive of an instance.
type chain struct {
	entries int
}

type timerOp struct {
	payload model.TimerPayload
	at      time.Time
	cancel  bool
}

// pendingDispatch is an automated dispatch to run outside the instance lock.
type pendingDispatch struct {
	seq     int
	attempt int
	kind    model.ActionKind
	req     dispatch.Request
}

// run is one locked mutation of an instance. It changes the instance in
// memory and collects side effects; the engine commits the instance and
// then applies the side effects once the lock is released.
type run struct {
	e     *Engine
	ctx   context.Context
	def   *model.ProcessDefinition
	inst  *model.Instance
	actor string
	now   time.Time
	chain *chain
	dirty bool

	events     []model.WorkflowEvent
	timerOps   []timerOp
	cancelAll  bool
	notes      []dispatch.Notification
	dispatches []pendingDispatch
	childSteps []int
	observers  []func(Recorder)
	ended      bool
}

func (r *run) touch() { r.dirty = true }

func (r *run) event(name string, si *model.StepInstance, data map[string]any) *model.WorkflowEvent {
	ev := model.WorkflowEvent{
		ID:         uuid.NewString(),
		InstanceID: r.inst.ID,
		Event:      name,
		ActorID:    r.actor,
		Data:       data,
		Timestamp:  r.now,
	}
	if si != nil {
		ev.StepID = si.StepID
		ev.StepSeq = si.Seq
	}
	r.events = append(r.events, ev)
	r.dirty = true
	return &r.events[len(r.events)-1]
}

func (r *run) observe(fn func(Recorder)) {
	r.observers = append(r.observers, fn)
}

func (r *run) schedule(p model.TimerPayload, at time.Time) {
	p.InstanceID = r.inst.ID
	r.timerOps = append(r.timerOps, timerOp{payload: p, at: at})
}

func (r *run) unschedule(p model.TimerPayload) {
	p.InstanceID = r.inst.ID
	r.timerOps = append(r.timerOps, timerOp{payload: p, cancel: true})
}

func (r *run) stale(msg string, fields ...zap.Field) {
	r.e.logger.Debug(msg, append(fields, zap.String("instance_id", r.inst.ID))...)
}

// --- pointers and forks ---

func (r *run) pointerIndex(id string) int {
	for i := range r.inst.Pointers {
		if r.inst.Pointers[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *run) removePointer(id string) {
	if i := r.pointerIndex(id); i >= 0 {
		r.inst.Pointers = append(r.inst.Pointers[:i], r.inst.Pointers[i+1:]...)
	}
}

func (r *run) fork(id string) *model.Fork {
	for i := range r.inst.Forks {
		if r.inst.Forks[i].ID == id {
			return &r.inst.Forks[i]
		}
	}
	return nil
}

// --- step lifecycle ---

// enter moves pointer pid onto stepID and activates the new step instance
// while the instance is active.
func (r *run) enter(pid, stepID string) {
	if r.inst.Status.Terminal() {
		return
	}
	if stepID == model.EndStep {
		r.endPointer(pid)
		return
	}
	step, ok := r.def.Step(stepID)
	if !ok {
		r.errorInstance(stepID, model.NewDispatchFailure(stepID, fmt.Errorf("step %q is not defined in %s", stepID, r.def.Ref())))
		return
	}
	pi := r.pointerIndex(pid)
	if pi < 0 {
		return
	}

	r.chain.entries++
	si := model.StepInstance{
		Seq:       r.inst.NextSeq,
		StepID:    stepID,
		Kind:      step.Kind(),
		Status:    model.StepPending,
		PointerID: pid,
		StartedAt: r.now,
	}
	r.inst.NextSeq++
	r.inst.Steps = append(r.inst.Steps, si)
	r.inst.Pointers[pi].StepID = stepID
	r.inst.Pointers[pi].StepSeq = si.Seq
	r.event(model.EventStepEntered, &si, map[string]any{"kind": string(si.Kind)})

	if r.inst.Status == model.InstanceActive && r.chain.entries > r.e.chainLimit {
		limit := model.NewChainLimitError()
		r.suspend(limit.Message, map[string]any{"code": limit.Code, "step_id": stepID})
		return
	}
	if r.inst.Status != model.InstanceActive {
		return
	}
	r.activate(si.Seq)
}

func (r *run) activate(seq int) {
	si := r.inst.Step(seq)
	step, _ := r.def.Step(si.StepID)
	if si.Kind.IsHuman() {
		r.park(seq, step)
		return
	}
	r.armTimeout(seq, step)
	r.dispatch(seq, step)
}

func (r *run) armTimeout(seq int, step *model.StepDefinition) {
	d := step.TimeoutDuration()
	if d <= 0 {
		return
	}
	si := r.inst.Step(seq)
	due := r.now.Add(d)
	si.DueAt = &due
	r.schedule(model.TimerPayload{Kind: model.TimerTimeout, StepID: si.StepID, StepSeq: seq}, due)
}

func (r *run) armEscalations(seq int) {
	si := r.inst.Step(seq)
	if si.DispatchedAt == nil {
		return
	}
	for _, rule := range r.def.Escalations {
		if !rule.Applies(si.StepID) || si.HasEscalated(rule.ID) {
			continue
		}
		delay, err := time.ParseDuration(rule.Delay)
		if err != nil {
			continue
		}
		r.schedule(model.TimerPayload{
			Kind:         model.TimerEscalate,
			StepID:       si.StepID,
			StepSeq:      seq,
			EscalationID: rule.ID,
		}, si.DispatchedAt.Add(delay))
	}
}

// disarm cancels the timers owned by a step instance that is leaving the
// open state.
func (r *run) disarm(si *model.StepInstance) {
	if si.DueAt != nil {
		r.unschedule(model.TimerPayload{Kind: model.TimerTimeout, StepID: si.StepID, StepSeq: si.Seq})
	}
	if si.NextRetryAt != nil {
		r.unschedule(model.TimerPayload{Kind: model.TimerRetry, StepID: si.StepID, StepSeq: si.Seq})
		si.NextRetryAt = nil
	}
	if !si.Kind.IsHuman() {
		return
	}
	for _, rule := range r.def.Escalations {
		if rule.Applies(si.StepID) && !si.HasEscalated(rule.ID) {
			r.unschedule(model.TimerPayload{
				Kind:         model.TimerEscalate,
				StepID:       si.StepID,
				StepSeq:      si.Seq,
				EscalationID: rule.ID,
			})
		}
	}
}

// dispatch starts a new attempt of an automated step. Gateways are pure and
// are resolved inline; every other kind is queued for the engine to run
// without holding the lock.
func (r *run) dispatch(seq int, step *model.StepDefinition) {
	si := r.inst.Step(seq)
	si.Attempts++
	si.Status = model.StepInProgress
	now := r.now
	si.DispatchedAt = &now
	si.NextRetryAt = nil
	r.touch()

	req := dispatch.Request{
		InstanceID: r.inst.ID,
		Definition: r.def,
		Step:       step,
		StepSeq:    seq,
		Attempt:    si.Attempts,
		Variables:  model.CloneVars(r.inst.Variables),
	}
	attempt, kind := si.Attempts, si.Kind

	if kind == model.KindGateway {
		start := time.Now()
		out, err := r.e.dispatchers.Dispatch(r.ctx, req)
		elapsed := time.Since(start)
		r.observe(func(m Recorder) { m.RecordStepDispatch(string(kind), outcomeLabel(out, err), elapsed) })
		r.applyDispatch(seq, attempt, out, err)
		return
	}
	r.dispatches = append(r.dispatches, pendingDispatch{seq: seq, attempt: attempt, kind: kind, req: req})
}

// park publishes a human step: the assignee is resolved and the step
// instance stays pending until it is completed or a timer fires.
func (r *run) park(seq int, step *model.StepDefinition) {
	si := r.inst.Step(seq)
	si.Attempts++
	now := r.now
	si.DispatchedAt = &now
	r.touch()

	set, err := r.e.resolver.Resolve(r.ctx, step.Assignee, r.inst.Variables)
	if err != nil {
		r.stepFailed(seq, err, false)
		return
	}
	si = r.inst.Step(seq)
	si.Assignee = &set
	r.armTimeout(seq, step)
	r.armEscalations(seq)
	r.event(model.EventTaskCreated, si, map[string]any{
		"attempt":  si.Attempts,
		"assignee": set,
	})
}

// applyDispatch records the outcome of dispatch attempt seq/attempt. An
// outcome for a step that has moved on is discarded.
func (r *run) applyDispatch(seq, attempt int, out dispatch.Outcome, err error) {
	si := r.inst.Step(seq)
	if r.inst.Status.Terminal() || si == nil || si.Status != model.StepInProgress || si.Attempts != attempt {
		r.stale("discarding stale dispatch outcome", zap.Int("step_seq", seq), zap.Int("attempt", attempt))
		return
	}
	if err != nil {
		r.stepFailed(seq, err, true)
		return
	}
	if out.Wait {
		if out.ChildInstanceID != "" {
			si.ChildInstanceID = out.ChildInstanceID
		}
		si.Result = out.Result
		r.touch()
		return
	}
	r.completeStep(seq, out, "")
}

func (r *run) completeStep(seq int, out dispatch.Outcome, comment string) {
	si := r.inst.Step(seq)
	r.disarm(si)
	si.Status = model.StepCompleted
	now := r.now
	si.EndedAt = &now
	if out.Result != nil {
		si.Result = out.Result
	}
	if out.ChildInstanceID != "" {
		si.ChildInstanceID = out.ChildInstanceID
	}
	if len(out.Set) > 0 && r.inst.Variables == nil {
		r.inst.Variables = make(map[string]any, len(out.Set))
	}
	for k, v := range out.Set {
		r.inst.Variables[k] = v
	}

	data := map[string]any{"attempt": si.Attempts, "route": out.Route.String()}
	if si.Verb != "" {
		data["verb"] = si.Verb
	}
	r.event(model.EventStepCompleted, si, data).Comment = comment

	pid, kind, stepID := si.PointerID, si.Kind, si.StepID
	pi := r.pointerIndex(pid)
	if pi < 0 || r.inst.Pointers[pi].StepSeq != seq {
		return
	}
	step, _ := r.def.Step(stepID)
	switch {
	case out.Route == dispatch.RouteFailure:
		target := step.OnFailure
		if target == "" {
			target = model.EndStep
		}
		r.enter(pid, target)
	case kind == model.KindGateway:
		r.route(pid, step, out.Next)
	default:
		r.enter(pid, definition.SuccessTarget(step))
	}
}

// --- gateways ---

func (r *run) route(pid string, step *model.StepDefinition, next []string) {
	gw := step.Action.Action.(*model.GatewayAction)
	switch gw.Mode {
	case model.GatewayJoin:
		r.arrive(pid, step)
		return
	case model.GatewayInclusive, model.GatewayParallel:
		if len(next) == 0 {
			next = []string{definition.SuccessTarget(step)}
		}
		r.split(pid, step, next)
		return
	}
	if len(next) == 0 {
		r.enter(pid, definition.SuccessTarget(step))
		return
	}
	r.enter(pid, next[0])
}

// split replaces pointer pid with one pointer per target, grouped under a
// new fork. Every branch pointer exists before any branch is entered so
// that a branch ending immediately cannot finish the instance early.
func (r *run) split(pid string, step *model.StepDefinition, next []string) {
	parent := r.inst.Pointers[r.pointerIndex(pid)]
	f := model.Fork{
		ID:            uuid.NewString(),
		GatewayStepID: step.ID,
		ParentForkID:  parent.ForkID,
		Expected:      len(next),
	}
	r.inst.Forks = append(r.inst.Forks, f)
	r.removePointer(pid)

	ids := make([]string, len(next))
	for i := range next {
		ids[i] = uuid.NewString()
		r.inst.Pointers = append(r.inst.Pointers, model.Pointer{ID: ids[i], ForkID: f.ID})
	}
	for i, target := range next {
		r.enter(ids[i], target)
	}
}

func (r *run) arrive(pid string, step *model.StepDefinition) {
	p := r.inst.Pointers[r.pointerIndex(pid)]
	f := r.fork(p.ForkID)
	if f == nil {
		r.enter(pid, definition.SuccessTarget(step))
		return
	}
	if f.JoinStepID == "" {
		f.JoinStepID = step.ID
	}
	f.Arrived = append(f.Arrived, pid)
	r.touch()
	r.settle(f.ID)
}

// settle closes a fork once every branch has arrived at its join or ended.
// The first arrived pointer continues past the join; the others are
// dropped. A fork whose branches all ended counts as one ended branch of
// its parent fork.
func (r *run) settle(forkID string) {
	f := r.fork(forkID)
	if f == nil || !f.Settled() {
		return
	}
	done := *f
	for i := range r.inst.Forks {
		if r.inst.Forks[i].ID == forkID {
			r.inst.Forks = append(r.inst.Forks[:i], r.inst.Forks[i+1:]...)
			break
		}
	}
	r.touch()

	if len(done.Arrived) == 0 {
		if parent := r.fork(done.ParentForkID); parent != nil {
			parent.Terminated++
			r.settle(parent.ID)
		}
		return
	}

	keep := done.Arrived[0]
	for _, id := range done.Arrived[1:] {
		r.removePointer(id)
	}
	pi := r.pointerIndex(keep)
	if pi < 0 {
		return
	}
	r.inst.Pointers[pi].ForkID = done.ParentForkID
	r.event(model.EventBranchJoined, nil, map[string]any{
		"fork_id":    done.ID,
		"gateway":    done.GatewayStepID,
		"join":       done.JoinStepID,
		"arrived":    len(done.Arrived),
		"terminated": done.Terminated,
	})
	join, ok := r.def.Step(done.JoinStepID)
	if !ok {
		return
	}
	r.enter(keep, definition.SuccessTarget(join))
}

// endPointer retires a pointer that reached the terminal marker. The
// instance completes when no pointers remain.
func (r *run) endPointer(pid string) {
	pi := r.pointerIndex(pid)
	if pi < 0 {
		return
	}
	p := r.inst.Pointers[pi]
	r.removePointer(pid)
	r.touch()
	if f := r.fork(p.ForkID); f != nil {
		f.Terminated++
		r.settle(f.ID)
	}
	if len(r.inst.Pointers) == 0 && !r.inst.Status.Terminal() {
		r.finish()
	}
}

// --- terminal transitions ---

func (r *run) end(status model.InstanceStatus) {
	r.inst.Status = status
	r.inst.SuspendReason = ""
	now := r.now
	r.inst.EndedAt = &now
	r.cancelAll = true
	r.ended = true
}

func (r *run) finish() {
	r.end(model.InstanceCompleted)
	r.event(model.EventInstanceCompleted, nil, nil)
}

func (r *run) cancel(reason string) {
	r.closeOpenSteps()
	r.end(model.InstanceCancelled)
	r.event(model.EventInstanceCancelled, nil, map[string]any{"reason": reason}).Comment = reason
}

func (r *run) errorInstance(stepID string, err error) {
	code := model.CodeOf(err)
	if code == "" {
		code = model.ErrDispatchFailure
	}
	r.closeOpenSteps()
	r.end(model.InstanceError)
	r.inst.Error = &model.Failure{StepID: stepID, Code: code, Message: errorMessage(err)}
	r.event(model.EventInstanceError, nil, map[string]any{
		"step_id": stepID,
		"code":    code,
		"error":   errorMessage(err),
	})
}

// closeOpenSteps marks every open step instance skipped and remembers
// running subprocess steps so their children can be cancelled.
func (r *run) closeOpenSteps() {
	now := r.now
	for k := range r.inst.Steps {
		si := &r.inst.Steps[k]
		if !si.Status.Open() {
			continue
		}
		if si.Kind == model.KindSubprocess && si.Status == model.StepInProgress {
			r.childSteps = append(r.childSteps, si.Seq)
		}
		si.Status = model.StepSkipped
		si.NextRetryAt = nil
		si.EndedAt = &now
	}
	r.touch()
}

func (r *run) suspend(reason string, data map[string]any) {
	r.inst.Status = model.InstanceSuspended
	r.inst.SuspendReason = reason
	if data == nil {
		data = map[string]any{}
	}
	data["reason"] = reason
	r.event(model.EventInstanceSuspended, nil, data)
}

// --- failures ---

// stepFailed applies the retry policy of an automated step, then follows
// on_failure or puts the instance into error.
func (r *run) stepFailed(seq int, err error, retryable bool) {
	si := r.inst.Step(seq)
	step, _ := r.def.Step(si.StepID)
	code := model.CodeOf(err)
	if code == "" {
		code = model.ErrDispatchFailure
	}
	si.LastError = errorMessage(err)
	r.event(model.EventStepFailed, si, map[string]any{
		"code":    code,
		"error":   si.LastError,
		"attempt": si.Attempts,
	})

	if retryable && code != model.ErrExpressionError && step.Retry != nil && si.Attempts-1 < step.Retry.MaxRetries {
		delay := step.Retry.Delay(si.Attempts - 1)
		at := r.now.Add(delay)
		si.Status = model.StepPending
		si.NextRetryAt = &at
		r.schedule(model.TimerPayload{
			Kind:    model.TimerRetry,
			StepID:  si.StepID,
			StepSeq: seq,
			Attempt: si.Attempts,
		}, at)
		r.event(model.EventRetryScheduled, si, map[string]any{
			"attempt": si.Attempts + 1,
			"delay":   delay.String(),
			"at":      at.Format(time.RFC3339Nano),
		})
		kind := si.Kind
		r.observe(func(m Recorder) { m.RecordStepRetry(string(kind)) })
		return
	}

	r.disarm(si)
	si.Status = model.StepFailed
	now := r.now
	si.EndedAt = &now
	if step.OnFailure != "" {
		r.advance(si.PointerID, seq, step.OnFailure)
		return
	}
	r.errorInstance(si.StepID, err)
}

// advance enters target if pointer pid still rests on step instance seq.
func (r *run) advance(pid string, seq int, target string) {
	pi := r.pointerIndex(pid)
	if pi < 0 || r.inst.Pointers[pi].StepSeq != seq {
		return
	}
	r.enter(pid, target)
}

// --- timers ---

// fire applies a timer payload. Timers that no longer match the instance
// state are stale and ignored.
func (r *run) fire(p model.TimerPayload) {
	switch p.Kind {
	case model.TimerSLAWarning, model.TimerSLABreach:
		r.slaCheckpoint(p.Kind)
		return
	}

	if r.inst.Status != model.InstanceActive {
		r.stale("ignoring timer for inactive instance", zap.String("kind", string(p.Kind)), zap.String("status", string(r.inst.Status)))
		return
	}
	si := r.inst.Step(p.StepSeq)
	if si == nil || !si.Status.Open() || si.StepID != p.StepID {
		r.stale("ignoring timer for closed step", zap.String("kind", string(p.Kind)), zap.Int("step_seq", p.StepSeq))
		return
	}

	switch p.Kind {
	case model.TimerTimeout:
		r.timeout(p.StepSeq)
	case model.TimerRetry:
		if si.Status != model.StepPending || si.NextRetryAt == nil || si.Attempts != p.Attempt {
			r.stale("ignoring stale retry timer", zap.Int("step_seq", p.StepSeq), zap.Int("attempt", p.Attempt))
			return
		}
		step, _ := r.def.Step(si.StepID)
		r.dispatch(p.StepSeq, step)
	case model.TimerEscalate:
		r.escalate(p.StepSeq, p.EscalationID)
	}
}

func (r *run) timeout(seq int) {
	si := r.inst.Step(seq)
	step, _ := r.def.Step(si.StepID)
	r.disarm(si)
	si.Status = model.StepTimeout
	now := r.now
	si.EndedAt = &now
	r.event(model.EventStepTimeout, si, map[string]any{"attempt": si.Attempts})
	if si.Kind == model.KindSubprocess {
		r.childSteps = append(r.childSteps, seq)
	}

	target := step.OnTimeout
	if target == "" {
		target = step.OnFailure
	}
	if target == "" {
		r.errorInstance(si.StepID, model.NewStepTimeoutError(si.StepID))
		return
	}
	r.advance(si.PointerID, seq, target)
}

// escalate runs an escalation rule if its condition still holds for a
// pending human step.
func (r *run) escalate(seq int, ruleID string) {
	si := r.inst.Step(seq)
	if !si.Kind.IsHuman() || si.Status != model.StepPending || si.HasEscalated(ruleID) {
		r.stale("ignoring stale escalation", zap.Int("step_seq", seq), zap.String("rule", ruleID))
		return
	}
	var rule *model.EscalationRule
	for i := range r.def.Escalations {
		if r.def.Escalations[i].ID == ruleID {
			rule = &r.def.Escalations[i]
			break
		}
	}
	if rule == nil {
		return
	}

	if rule.Condition != "" {
		vars := model.CloneVars(r.inst.Variables)
		if vars == nil {
			vars = make(map[string]any, 1)
		}
		vars["_step"] = map[string]any{
			"id":       si.StepID,
			"seq":      si.Seq,
			"status":   string(si.Status),
			"attempts": si.Attempts,
		}
		ok, err := r.e.expr.EvalBool(rule.Condition, vars)
		if err != nil {
			r.e.logger.Warn("escalation condition failed",
				zap.String("instance_id", r.inst.ID),
				zap.String("rule", ruleID),
				zap.Error(err),
			)
			return
		}
		if !ok {
			r.stale("escalation condition no longer holds", zap.String("rule", ruleID))
			return
		}
	}

	si.Escalated = append(si.Escalated, ruleID)
	if err := r.applyAction(rule.Action, []int{seq}, "escalation "+rule.ID); err != nil {
		r.e.logger.Warn("escalation action failed",
			zap.String("instance_id", r.inst.ID),
			zap.String("rule", ruleID),
			zap.Error(err),
		)
	}
	si = r.inst.Step(seq)
	r.event(model.EventEscalated, si, map[string]any{"rule": ruleID, "action": rule.Action.Type})
}

// applyAction performs an escalation or SLA action against the given human
// step instances.
func (r *run) applyAction(a model.EscalationAction, seqs []int, reason string) error {
	switch a.Type {
	case model.EscalationNotify:
		r.notify(a, seqs, reason)
		return nil
	case model.EscalationReassign, model.EscalationEscalate:
		set, err := r.e.resolver.Resolve(r.ctx, a.Assignee, r.inst.Variables)
		if err != nil {
			return err
		}
		for _, seq := range seqs {
			si := r.inst.Step(seq)
			if si == nil {
				continue
			}
			if a.Type == model.EscalationReassign || si.Assignee == nil {
				cp := set.Clone()
				si.Assignee = &cp
			} else {
				merged := union(*si.Assignee, set)
				si.Assignee = &merged
			}
		}
		r.touch()
		if a.Channel != "" {
			r.notify(a, seqs, reason)
		}
		return nil
	default:
		return fmt.Errorf("unknown escalation action %q", a.Type)
	}
}

func (r *run) notify(a model.EscalationAction, seqs []int, reason string) {
	body, err := dispatch.Render(a.Message, r.inst.Variables)
	if err != nil {
		body = a.Message
	}
	n := dispatch.Notification{
		InstanceID: r.inst.ID,
		Channel:    a.Channel,
		Recipients: a.Recipients,
		Subject:    fmt.Sprintf("%s: %s", r.def.Name, reason),
		Body:       body,
		Reason:     reason,
	}
	for _, seq := range seqs {
		si := r.inst.Step(seq)
		if si == nil {
			continue
		}
		if n.StepID == "" {
			n.StepID = si.StepID
		}
		if len(a.Recipients) == 0 && si.Assignee != nil {
			n.Recipients = append(n.Recipients, si.Assignee.Users...)
		}
	}
	r.notes = append(r.notes, n)
}

func (r *run) slaCheckpoint(kind model.TimerKind) {
	sla := r.inst.SLA
	if r.inst.Status.Terminal() || sla == nil || r.def.SLA == nil {
		r.stale("ignoring sla timer", zap.String("kind", string(kind)))
		return
	}
	now := r.now
	var actions []model.EscalationAction
	var name string
	if kind == model.TimerSLAWarning {
		if sla.Warned {
			return
		}
		sla.Warned, sla.WarnedAt = true, &now
		actions, name = r.def.SLA.WarningActions, model.EventSLAWarning
	} else {
		if sla.Breached {
			return
		}
		sla.Breached, sla.BreachedAt = true, &now
		actions, name = r.def.SLA.BreachActions, model.EventSLABreach
	}

	open := r.openHumanSteps()
	for _, a := range actions {
		if err := r.applyAction(a, open, string(kind)); err != nil {
			r.e.logger.Warn("sla action failed",
				zap.String("instance_id", r.inst.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
	r.event(name, nil, map[string]any{"target_at": sla.TargetAt.Format(time.RFC3339Nano)})
	defID := r.def.ID
	r.observe(func(m Recorder) { m.RecordSLAEvent(defID, string(kind)) })
}

func (r *run) openHumanSteps() []int {
	var out []int
	for _, si := range r.inst.Steps {
		if si.Kind.IsHuman() && si.Status == model.StepPending && si.Attempts > 0 {
			out = append(out, si.Seq)
		}
	}
	return out
}

// rearmSLA schedules the SLA checkpoints that have not fired yet.
func (r *run) rearmSLA() {
	sla := r.inst.SLA
	if sla == nil || r.def.SLA == nil {
		return
	}
	if !sla.Warned && r.def.SLA.WarningThreshold > 0 {
		r.schedule(model.TimerPayload{Kind: model.TimerSLAWarning}, sla.WarningAt)
	}
	if !sla.Breached {
		r.schedule(model.TimerPayload{Kind: model.TimerSLABreach}, sla.TargetAt)
	}
}

// rearm schedules the timers an open step instance should own.
func (r *run) rearm(seq int) {
	si := r.inst.Step(seq)
	if si == nil || !si.Status.Open() {
		return
	}
	if si.DueAt != nil {
		r.schedule(model.TimerPayload{Kind: model.TimerTimeout, StepID: si.StepID, StepSeq: seq}, *si.DueAt)
	}
	if si.NextRetryAt != nil {
		r.schedule(model.TimerPayload{
			Kind:    model.TimerRetry,
			StepID:  si.StepID,
			StepSeq: seq,
			Attempt: si.Attempts,
		}, *si.NextRetryAt)
	}
	if si.Kind.IsHuman() && si.Status == model.StepPending && si.Attempts > 0 {
		r.armEscalations(seq)
	}
}

// redispatch starts a new attempt of an automated step whose previous
// dispatch never reported back.
func (r *run) redispatch(seq int) {
	si := r.inst.Step(seq)
	step, _ := r.def.Step(si.StepID)
	r.event(model.EventRetryScheduled, si, map[string]any{
		"attempt": si.Attempts + 1,
		"reason":  "stale_dispatch",
	})
	r.dispatch(seq, step)
}

func union(a, b model.ActorSet) model.ActorSet {
	return model.ActorSet{
		Users: appendUnique(append([]string(nil), a.Users...), b.Users),
		Roles: appendUnique(append([]string(nil), a.Roles...), b.Roles),
		Teams: appendUnique(append([]string(nil), a.Teams...), b.Teams),
	}
}

func appendUnique(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}

func errorMessage(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Message
	}
	return err.Error()
}

func outcomeLabel(out dispatch.Outcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case out.Wait:
		return "wait"
	default:
		return "ok"
	}
}
