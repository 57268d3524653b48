package usecases

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"waflow/internal/entities"
	"waflow/internal/interfaces"
)

// In-memory stores mirroring the repository semantics: terminal statuses are
// never overwritten and campaign counters move exactly once per target.

type fakeFlowStore struct {
	mu       sync.Mutex
	flows    map[string]*entities.FlowDefinition
	triggers map[string]*entities.FlowTrigger
}

func newFakeFlowStore() *fakeFlowStore {
	return &fakeFlowStore{
		flows:    make(map[string]*entities.FlowDefinition),
		triggers: make(map[string]*entities.FlowTrigger),
	}
}

func (s *fakeFlowStore) add(f *entities.FlowDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
	for i := range f.Triggers {
		s.triggers[f.Triggers[i].ID] = &f.Triggers[i]
	}
}

func (s *fakeFlowStore) GetFlow(ctx context.Context, id string) (*entities.FlowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, &entities.NotFoundError{Kind: "flow", ID: id}
	}
	cp := *f
	return &cp, nil
}

func (s *fakeFlowStore) GetTrigger(ctx context.Context, id string) (*entities.FlowTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, &entities.NotFoundError{Kind: "trigger", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (s *fakeFlowStore) ListActiveScheduleTriggers(ctx context.Context) ([]entities.FlowTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.FlowTrigger
	for _, t := range s.triggers {
		if t.Type == entities.TriggerSchedule && t.IsActive && s.flows[t.FlowID] != nil && s.flows[t.FlowID].IsActive {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeFlowStore) ListActiveEventTriggers(ctx context.Context, accountID string) ([]entities.FlowTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.FlowTrigger
	for _, t := range s.triggers {
		f := s.flows[t.FlowID]
		if t.Type == entities.TriggerEvent && t.IsActive && f != nil && f.IsActive && f.AccountID == accountID {
			out = append(out, *t)
		}
	}
	return out, nil
}

type fakeExecStore struct {
	mu    sync.Mutex
	execs map[string]*entities.FlowExecution
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{execs: make(map[string]*entities.FlowExecution)}
}

func (s *fakeExecStore) Create(ctx context.Context, exec *entities.FlowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.FlowID == exec.FlowID && e.ConversationID == exec.ConversationID && !e.Status.IsTerminal() {
			return &entities.ConcurrencyConflict{Reason: "flow already has an active execution for this conversation"}
		}
	}
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (s *fakeExecStore) Get(ctx context.Context, id string) (*entities.FlowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, &entities.NotFoundError{Kind: "execution", ID: id}
	}
	cp := *e
	return &cp, nil
}

func (s *fakeExecStore) SetStatus(ctx context.Context, id string, status entities.ExecutionStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return &entities.NotFoundError{Kind: "execution", ID: id}
	}
	if e.Status.IsTerminal() {
		return &entities.ConcurrencyConflict{Reason: "execution already " + string(e.Status)}
	}
	e.Status = status
	e.Error = reason
	if status.IsTerminal() {
		now := time.Now()
		e.FinishedAt = &now
	}
	return nil
}

func (s *fakeExecStore) UpdateCursor(ctx context.Context, id string, step int, resumeAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return &entities.NotFoundError{Kind: "execution", ID: id}
	}
	e.CurrentStep = step
	e.ResumeAt = resumeAt
	return nil
}

func (s *fakeExecStore) ClearResumeIfRunning(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return false, &entities.NotFoundError{Kind: "execution", ID: id}
	}
	if e.Status != entities.ExecRunning {
		return false, nil
	}
	e.ResumeAt = nil
	return true, nil
}

func (s *fakeExecStore) HasActive(ctx context.Context, flowID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.FlowID == flowID && e.ConversationID == conversationID && !e.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeExecStore) ListRunning(ctx context.Context) ([]entities.FlowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.FlowExecution
	for _, e := range s.execs {
		if e.Status == entities.ExecPending || e.Status == entities.ExecRunning {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeExecStore) status(id string) entities.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[id].Status
}

type fakeConvStore struct {
	mu    sync.Mutex
	convs map[string]*entities.Conversation
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{convs: make(map[string]*entities.Conversation)}
}

func (s *fakeConvStore) add(c *entities.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.ID] = c
}

func (s *fakeConvStore) Get(ctx context.Context, id string) (*entities.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, &entities.NotFoundError{Kind: "conversation", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (s *fakeConvStore) UpsertInbound(ctx context.Context, accountID, phone string, at time.Time) (*entities.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.AccountID == accountID && c.Phone == phone {
			c.UnreadCount++
			c.LastActivity = at
			cp := *c
			return &cp, nil
		}
	}
	c := &entities.Conversation{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Phone:        phone,
		LeadStatus:   "new",
		UnreadCount:  1,
		LastActivity: at,
	}
	s.convs[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *fakeConvStore) SetLeadStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return &entities.NotFoundError{Kind: "conversation", ID: id}
	}
	c.LeadStatus = status
	return nil
}

func (s *fakeConvStore) AddTag(ctx context.Context, id, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return &entities.NotFoundError{Kind: "conversation", ID: id}
	}
	for _, t := range c.Tags {
		if t == tag {
			return nil
		}
	}
	c.Tags = append(c.Tags, tag)
	return nil
}

func (s *fakeConvStore) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return &entities.NotFoundError{Kind: "conversation", ID: id}
	}
	c.UnreadCount = 0
	return nil
}

type fakeMsgStore struct {
	mu   sync.Mutex
	msgs map[string]*entities.Message
}

func newFakeMsgStore() *fakeMsgStore {
	return &fakeMsgStore{msgs: make(map[string]*entities.Message)}
}

func (s *fakeMsgStore) Create(ctx context.Context, m *entities.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.msgs[m.ID] = &cp
	return nil
}

func (s *fakeMsgStore) MarkSent(ctx context.Context, id, gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.msgs[id]
	m.Status = entities.MessageSent
	m.GatewayID = gatewayID
	return nil
}

func (s *fakeMsgStore) MarkFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.msgs[id]
	m.Status = entities.MessageFailed
	m.Error = reason
	return nil
}

func (s *fakeMsgStore) UpdateStatusByGatewayID(ctx context.Context, accountID, gatewayID string, status entities.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.AccountID == accountID && m.GatewayID == gatewayID {
			m.Status = status
		}
	}
	return nil
}

func (s *fakeMsgStore) byStatus(status entities.MessageStatus) []entities.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.Message
	for _, m := range s.msgs {
		if m.Status == status {
			out = append(out, *m)
		}
	}
	return out
}

type fakeCampaignStore struct {
	mu        sync.Mutex
	campaigns map[string]*entities.Campaign
	targets   []*entities.CampaignTarget // insertion order
}

func newFakeCampaignStore() *fakeCampaignStore {
	return &fakeCampaignStore{campaigns: make(map[string]*entities.Campaign)}
}

func (s *fakeCampaignStore) Create(ctx context.Context, c *entities.Campaign, targets []entities.CampaignTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
	for i := range targets {
		t := targets[i]
		t.CampaignID = c.ID
		s.targets = append(s.targets, &t)
	}
	return nil
}

func (s *fakeCampaignStore) Get(ctx context.Context, id string) (*entities.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, &entities.NotFoundError{Kind: "campaign", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (s *fakeCampaignStore) SetStatus(ctx context.Context, id string, status entities.CampaignStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return &entities.NotFoundError{Kind: "campaign", ID: id}
	}
	if c.Status.IsTerminal() {
		return &entities.ConcurrencyConflict{Reason: "campaign already " + string(c.Status)}
	}
	c.Status = status
	c.Error = reason
	return nil
}

func (s *fakeCampaignStore) NextPendingTarget(ctx context.Context, campaignID string) (*entities.CampaignTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.CampaignID == campaignID && t.Status == entities.TargetPending {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeCampaignStore) MarkTargetSent(ctx context.Context, targetID, gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.ID == targetID {
			if t.Status != entities.TargetPending {
				return &entities.ConcurrencyConflict{Reason: "target is not pending"}
			}
			t.Status = entities.TargetSent
			t.GatewayID = gatewayID
			s.campaigns[t.CampaignID].SentCount++
			return nil
		}
	}
	return &entities.NotFoundError{Kind: "target", ID: targetID}
}

func (s *fakeCampaignStore) MarkTargetFailed(ctx context.Context, targetID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.ID == targetID {
			if t.Status != entities.TargetPending {
				return &entities.ConcurrencyConflict{Reason: "target is not pending"}
			}
			t.Status = entities.TargetFailed
			t.Error = reason
			s.campaigns[t.CampaignID].FailedCount++
			return nil
		}
	}
	return &entities.NotFoundError{Kind: "target", ID: targetID}
}

func (s *fakeCampaignStore) MarkDelivered(ctx context.Context, gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.GatewayID == gatewayID && t.Status == entities.TargetSent {
			t.Status = entities.TargetDelivered
			s.campaigns[t.CampaignID].DeliveredCount++
		}
	}
	return nil
}

func (s *fakeCampaignStore) MarkRead(ctx context.Context, gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.GatewayID != gatewayID {
			continue
		}
		switch t.Status {
		case entities.TargetSent:
			t.Status = entities.TargetRead
			s.campaigns[t.CampaignID].DeliveredCount++
			s.campaigns[t.CampaignID].ReadCount++
		case entities.TargetDelivered:
			t.Status = entities.TargetRead
			s.campaigns[t.CampaignID].ReadCount++
		}
	}
	return nil
}

func (s *fakeCampaignStore) CancelPendingTargets(ctx context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.targets {
		if t.CampaignID == campaignID && t.Status == entities.TargetPending {
			t.Status = entities.TargetCancelled
			n++
		}
	}
	return n, nil
}

func (s *fakeCampaignStore) ListByStatus(ctx context.Context, status entities.CampaignStatus) ([]entities.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.Campaign
	for _, c := range s.campaigns {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeCampaignStore) targetStatuses(campaignID string) []entities.TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.TargetStatus
	for _, t := range s.targets {
		if t.CampaignID == campaignID {
			out = append(out, t.Status)
		}
	}
	return out
}

// fakeSender implements Sender plus the typing indicator. Failures are
// scripted per recipient: each entry is consumed once, in order.
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentRecord
	typing   int
	failures map[string][]error
}

type sentRecord struct {
	To      string
	Content string
}

func newFakeSender() *fakeSender {
	return &fakeSender{failures: make(map[string][]error)}
}

func (f *fakeSender) failNext(to string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[to] = append(f.failures[to], err)
}

func (f *fakeSender) Send(ctx context.Context, accountID, to, content string, msgType entities.MessageType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.failures[to]; len(errs) > 0 {
		err := errs[0]
		f.failures[to] = errs[1:]
		return "", err
	}
	f.sent = append(f.sent, sentRecord{To: to, Content: content})
	return "gw-" + uuid.NewString(), nil
}

func (f *fakeSender) SendTyping(ctx context.Context, accountID, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, r := range f.sent {
		out = append(out, r.To)
	}
	return out
}

// fakeOneShot records deferred launches so tests can fire them on demand.
type fakeOneShot struct {
	mu        sync.Mutex
	scheduled map[string]func()
	cancelled []string
}

func newFakeOneShot() *fakeOneShot {
	return &fakeOneShot{scheduled: make(map[string]func())}
}

func (f *fakeOneShot) ScheduleOneShot(id string, at time.Time, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[id] = fn
}

func (f *fakeOneShot) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, id)
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeOneShot) fire(id string) bool {
	f.mu.Lock()
	fn, ok := f.scheduled[id]
	f.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

// fakeActions records executed actions.
type fakeActions struct {
	mu       sync.Mutex
	executed []string
	err      error
}

func (f *fakeActions) Execute(ctx context.Context, action string, params map[string]string, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.executed = append(f.executed, action)
	return nil
}

// fakeStarter records StartFlowExecution calls for scheduler and event
// processor tests.
type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	FlowID         string
	ConversationID string
	AccountID      string
}

func (f *fakeStarter) StartFlowExecution(ctx context.Context, flowID, conversationID, accountID string) (*entities.FlowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, startCall{FlowID: flowID, ConversationID: conversationID, AccountID: accountID})
	return &entities.FlowExecution{ID: uuid.NewString(), FlowID: flowID, ConversationID: conversationID}, nil
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var _ interfaces.ExecutionStore = (*fakeExecStore)(nil)
var _ interfaces.FlowStore = (*fakeFlowStore)(nil)
var _ interfaces.ConversationStore = (*fakeConvStore)(nil)
var _ interfaces.MessageStore = (*fakeMsgStore)(nil)
var _ interfaces.CampaignStore = (*fakeCampaignStore)(nil)
var _ CampaignSender = (*fakeSender)(nil)
var _ oneShotScheduler = (*fakeOneShot)(nil)
var _ interfaces.ActionHandler = (*fakeActions)(nil)
