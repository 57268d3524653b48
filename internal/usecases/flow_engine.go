package usecases

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"waflow/internal/entities"
	"waflow/internal/interfaces"
)

// FlowEngine runs flow executions as durable step machines. The cursor
// (current step + resume timestamp) is persisted before every suspension, so
// a process restart resumes each execution where it left off.
type FlowEngine struct {
	flows   interfaces.FlowStore
	execs   interfaces.ExecutionStore
	convs   interfaces.ConversationStore
	msgs    interfaces.MessageStore
	sender  interfaces.Sender
	actions interfaces.ActionHandler
	clock   clockwork.Clock
	log     *logrus.Entry

	timersMu sync.Mutex
	timers   map[string]clockwork.Timer
}

func NewFlowEngine(
	flows interfaces.FlowStore,
	execs interfaces.ExecutionStore,
	convs interfaces.ConversationStore,
	msgs interfaces.MessageStore,
	sender interfaces.Sender,
	actions interfaces.ActionHandler,
	clock clockwork.Clock,
	logger *logrus.Logger,
) *FlowEngine {
	return &FlowEngine{
		flows:   flows,
		execs:   execs,
		convs:   convs,
		msgs:    msgs,
		sender:  sender,
		actions: actions,
		clock:   clock,
		log:     logger.WithField("module", "flow_engine"),
		timers:  make(map[string]clockwork.Timer),
	}
}

// StartFlowExecution creates and launches an execution of the flow against
// the conversation. At most one active execution per (flow, conversation)
// pair; a duplicate attempt returns a ConcurrencyConflict.
func (e *FlowEngine) StartFlowExecution(ctx context.Context, flowID, conversationID, accountID string) (*entities.FlowExecution, error) {
	flow, err := e.flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !flow.IsActive {
		return nil, &entities.ValidationError{Reason: "flow " + flowID + " is not active"}
	}
	if _, err := e.convs.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	if accountID == "" {
		accountID = flow.AccountID
	}

	active, err := e.execs.HasActive(ctx, flowID, conversationID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, &entities.ConcurrencyConflict{Reason: "flow already has an active execution for this conversation"}
	}

	exec := &entities.FlowExecution{
		ID:             uuid.NewString(),
		FlowID:         flowID,
		AccountID:      accountID,
		ConversationID: conversationID,
		Status:         entities.ExecPending,
		StartedAt:      e.clock.Now(),
	}
	if err := e.execs.Create(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.execs.SetStatus(ctx, exec.ID, entities.ExecRunning, ""); err != nil {
		return nil, err
	}
	exec.Status = entities.ExecRunning

	e.log.WithFields(logrus.Fields{
		"execution_id":    exec.ID,
		"flow_id":         flowID,
		"conversation_id": conversationID,
	}).Info("flow execution started")

	go e.run(exec.ID)
	return exec, nil
}

// run advances the execution step by step until it finishes or suspends.
// Status is re-read at every step boundary, so a pause or stop issued while a
// step was in flight takes effect at the next boundary.
func (e *FlowEngine) run(execID string) {
	ctx := context.Background()
	log := e.log.WithField("execution_id", execID)

	for {
		exec, err := e.execs.Get(ctx, execID)
		if err != nil {
			log.WithError(err).Error("execution lookup failed")
			return
		}
		if exec.Status != entities.ExecRunning {
			return
		}

		flow, err := e.flows.GetFlow(ctx, exec.FlowID)
		if err != nil {
			e.fail(ctx, execID, "flow lookup failed: "+err.Error())
			return
		}

		if exec.CurrentStep >= len(flow.Steps) {
			if err := e.execs.SetStatus(ctx, execID, entities.ExecCompleted, ""); err != nil {
				log.WithError(err).Warn("completion raced a concurrent transition")
			}
			log.Info("flow execution completed")
			return
		}

		step := flow.Steps[exec.CurrentStep]
		next := exec.CurrentStep + 1

		switch step.Type {
		case entities.StepSendMessage:
			if err := e.sendStep(ctx, exec, &step); err != nil {
				e.fail(ctx, execID, err.Error())
				return
			}

		case entities.StepDelay:
			// Persist the advanced cursor with the wakeup time first, then
			// arm the timer. A crash in between resumes from the timestamp.
			resumeAt := e.clock.Now().Add(time.Duration(step.DelayMinutes) * time.Minute)
			if err := e.execs.UpdateCursor(ctx, execID, next, &resumeAt); err != nil {
				log.WithError(err).Error("cursor update failed")
				return
			}
			e.armTimer(execID, time.Duration(step.DelayMinutes)*time.Minute)
			return

		case entities.StepCondition:
			target, done, err := e.branchTarget(exec, flow, &step)
			if err != nil {
				e.fail(ctx, execID, err.Error())
				return
			}
			if done {
				if err := e.execs.SetStatus(ctx, execID, entities.ExecCompleted, ""); err != nil {
					log.WithError(err).Warn("completion raced a concurrent transition")
				}
				log.Info("flow execution completed at condition exit")
				return
			}
			next = target

		case entities.StepAction:
			if err := e.actions.Execute(ctx, step.Action, step.ActionParams, exec.ConversationID); err != nil {
				e.fail(ctx, execID, "action "+step.Action+" failed: "+err.Error())
				return
			}

		default:
			e.fail(ctx, execID, "unknown step type "+string(step.Type))
			return
		}

		if err := e.execs.UpdateCursor(ctx, execID, next, nil); err != nil {
			log.WithError(err).Error("cursor update failed")
			return
		}
	}
}

// fail marks the execution ERROR. If a stop or completion already landed the
// terminal guard keeps it and the failure is only logged.
func (e *FlowEngine) fail(ctx context.Context, execID, reason string) {
	log := e.log.WithField("execution_id", execID)
	log.Error("flow execution failed: " + reason)
	if err := e.execs.SetStatus(ctx, execID, entities.ExecError, reason); err != nil {
		log.WithError(err).Debug("failure raced a terminal transition")
	}
}

// sendStep renders the step template with the conversation's lead fields and
// sends through the account session. The message row is persisted PENDING
// before the gateway call.
func (e *FlowEngine) sendStep(ctx context.Context, exec *entities.FlowExecution, step *entities.FlowStep) error {
	conv, err := e.convs.Get(ctx, exec.ConversationID)
	if err != nil {
		return err
	}
	content := RenderTemplate(step.Content, conversationVars(conv.LeadName, conv.Phone, conv.LeadStatus))

	msg := &entities.Message{
		ID:             uuid.NewString(),
		AccountID:      exec.AccountID,
		ConversationID: conv.ID,
		Direction:      entities.DirectionOut,
		To:             conv.Phone,
		Content:        content,
		Type:           entities.TypeText,
		Status:         entities.MessagePending,
		Timestamp:      e.clock.Now(),
	}
	if err := e.msgs.Create(ctx, msg); err != nil {
		return err
	}

	gatewayID, err := e.sender.Send(ctx, exec.AccountID, conv.Phone, content, entities.TypeText)
	if err != nil {
		_ = e.msgs.MarkFailed(ctx, msg.ID, err.Error())
		return err
	}
	return e.msgs.MarkSent(ctx, msg.ID, gatewayID)
}

// branchTarget evaluates the condition and resolves the jump target index.
// done reports a graceful exit (condition false, no else branch). Branch
// targets must point forward; the cursor only ever advances.
func (e *FlowEngine) branchTarget(exec *entities.FlowExecution, flow *entities.FlowDefinition, step *entities.FlowStep) (int, bool, error) {
	conv, err := e.convs.Get(context.Background(), exec.ConversationID)
	if err != nil {
		return 0, false, err
	}
	holds, err := evalCondition(step.Condition, conv)
	if err != nil {
		return 0, false, err
	}

	name := step.BranchTo
	if !holds {
		name = step.ElseBranchTo
		if name == "" {
			return 0, true, nil
		}
	}
	if name == "" {
		return exec.CurrentStep + 1, false, nil
	}

	idx := flow.StepIndex(name)
	if idx < 0 {
		return 0, false, &entities.ValidationError{Reason: "branch target " + name + " does not exist"}
	}
	if idx <= exec.CurrentStep {
		return 0, false, &entities.ValidationError{Reason: "branch target " + name + " is not a forward jump"}
	}
	return idx, false, nil
}

// evalCondition evaluates a "field op value" expression against the
// conversation. Supported fields: status, name, phone, tags. Supported ops:
// ==, !=, contains.
func evalCondition(expr string, conv *entities.Conversation) (bool, error) {
	parts := strings.SplitN(strings.TrimSpace(expr), " ", 3)
	if len(parts) != 3 {
		return false, &entities.ValidationError{Reason: "malformed condition: " + expr}
	}
	field, op, value := parts[0], parts[1], strings.TrimSpace(parts[2])

	if field == "tags" {
		found := false
		for _, t := range conv.Tags {
			if t == value {
				found = true
				break
			}
		}
		switch op {
		case "contains", "==":
			return found, nil
		case "!=":
			return !found, nil
		}
		return false, &entities.ValidationError{Reason: "unsupported tags operator " + op}
	}

	var actual string
	switch field {
	case "status":
		actual = conv.LeadStatus
	case "name":
		actual = conv.LeadName
	case "phone":
		actual = conv.Phone
	default:
		return false, &entities.ValidationError{Reason: "unknown condition field " + field}
	}

	switch op {
	case "==":
		return actual == value, nil
	case "!=":
		return actual != value, nil
	case "contains":
		return strings.Contains(actual, value), nil
	}
	return false, &entities.ValidationError{Reason: "unsupported operator " + op}
}

// PauseExecution suspends a running execution at its next step boundary. A
// pending delay timer is disarmed; the persisted resume timestamp survives so
// a later resume honors the remaining wait.
func (e *FlowEngine) PauseExecution(ctx context.Context, id string) error {
	if err := e.execs.SetStatus(ctx, id, entities.ExecPaused, ""); err != nil {
		return err
	}
	e.disarmTimer(id)
	e.log.WithField("execution_id", id).Info("flow execution paused")
	return nil
}

// ResumeExecution puts a paused execution back on the clock. If it was paused
// inside a delay window, only the remaining portion is waited.
func (e *FlowEngine) ResumeExecution(ctx context.Context, id string) error {
	exec, err := e.execs.Get(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != entities.ExecPaused {
		return &entities.ConcurrencyConflict{Reason: "execution is " + string(exec.Status) + ", not paused"}
	}
	if err := e.execs.SetStatus(ctx, id, entities.ExecRunning, ""); err != nil {
		return err
	}
	e.log.WithField("execution_id", id).Info("flow execution resumed")
	e.launch(exec)
	return nil
}

// StopExecution terminates an execution permanently. Stop always wins: a
// concurrently completing step cannot overwrite the stopped status.
func (e *FlowEngine) StopExecution(ctx context.Context, id string) error {
	if err := e.execs.SetStatus(ctx, id, entities.ExecStopped, ""); err != nil {
		return err
	}
	e.disarmTimer(id)
	e.log.WithField("execution_id", id).Info("flow execution stopped")
	return nil
}

// Recover relaunches every execution interrupted by a restart. Elapsed delay
// windows continue immediately; pending ones wait out the remainder.
func (e *FlowEngine) Recover(ctx context.Context) error {
	execs, err := e.execs.ListRunning(ctx)
	if err != nil {
		return err
	}
	for i := range execs {
		exec := execs[i]
		if exec.Status == entities.ExecPending {
			if err := e.execs.SetStatus(ctx, exec.ID, entities.ExecRunning, ""); err != nil {
				e.log.WithField("execution_id", exec.ID).WithError(err).Warn("recover transition failed")
				continue
			}
		}
		e.launch(&exec)
	}
	if len(execs) > 0 {
		e.log.WithField("executions", len(execs)).Info("recovered interrupted flow executions")
	}
	return nil
}

// launch continues an execution, honoring a persisted resume timestamp.
func (e *FlowEngine) launch(exec *entities.FlowExecution) {
	if exec.ResumeAt != nil {
		if wait := exec.ResumeAt.Sub(e.clock.Now()); wait > 0 {
			e.armTimer(exec.ID, wait)
			return
		}
	}
	go e.run(exec.ID)
}

// armTimer schedules the post-delay continuation. The wakeup clears the
// resume timestamp through a status-guarded write: if a pause or stop landed
// while the execution slept, the timestamp survives and the wakeup is a
// no-op, so a later resume waits out the remainder.
func (e *FlowEngine) armTimer(execID string, d time.Duration) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if old, ok := e.timers[execID]; ok {
		old.Stop()
	}
	e.timers[execID] = e.clock.AfterFunc(d, func() {
		e.disarmTimer(execID)
		ctx := context.Background()
		ok, err := e.execs.ClearResumeIfRunning(ctx, execID)
		if err != nil {
			e.log.WithField("execution_id", execID).WithError(err).Error("wakeup cursor update failed")
			return
		}
		if !ok {
			return
		}
		e.run(execID)
	})
}

func (e *FlowEngine) disarmTimer(execID string) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if t, ok := e.timers[execID]; ok {
		t.Stop()
		delete(e.timers, execID)
	}
}
