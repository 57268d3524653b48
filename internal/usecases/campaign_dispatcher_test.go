package usecases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"waflow/internal/entities"
)

type dispatcherFixture struct {
	dispatcher *CampaignDispatcher
	campaigns  *fakeCampaignStore
	msgs       *fakeMsgStore
	sender     *fakeSender
	oneshot    *fakeOneShot
}

func newDispatcherFixture(t *testing.T, clock clockwork.Clock) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		campaigns: newFakeCampaignStore(),
		msgs:      newFakeMsgStore(),
		sender:    newFakeSender(),
		oneshot:   newFakeOneShot(),
	}
	// Generous burst keeps the limiter from stalling the tests.
	f.dispatcher = NewCampaignDispatcher(f.campaigns, f.msgs, f.sender, f.oneshot, clock, DispatcherOptions{Burst: 10}, testLogger())
	return f
}

func spec(targets ...string) *entities.CampaignSpec {
	s := &entities.CampaignSpec{
		Name:               "march promo",
		Message:            "Hi {name}, new offer!",
		RateLimitPerMinute: 6000,
	}
	for _, phone := range targets {
		s.Targets = append(s.Targets, entities.TargetSpec{Phone: phone, Variables: map[string]string{"name": "lead-" + phone}})
	}
	return s
}

func (f *dispatcherFixture) campaignStatus(id string) entities.CampaignStatus {
	c, _ := f.campaigns.Get(context.Background(), id)
	return c.Status
}

func TestCreateCampaignValidatesSpec(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())

	bad := []*entities.CampaignSpec{
		{Name: "x", Message: "m", RateLimitPerMinute: 10, Targets: []entities.TargetSpec{{Phone: "1"}}},
		{Name: "promo", Message: "", RateLimitPerMinute: 10, Targets: []entities.TargetSpec{{Phone: "1"}}},
		{Name: "promo", Message: "m", RateLimitPerMinute: 10},
		{Name: "promo", Message: "m", RateLimitPerMinute: 0, Targets: []entities.TargetSpec{{Phone: "1"}}},
	}
	for _, s := range bad {
		_, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", s)
		var validation *entities.ValidationError
		require.ErrorAs(t, err, &validation)
	}
}

func TestCampaignSendsEveryTargetOnce(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())

	c, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", spec("111", "222", "333"))
	require.NoError(t, err)

	waitFor(t, func() bool { return f.campaignStatus(c.ID) == entities.CampaignCompleted })

	final, _ := f.campaigns.Get(context.Background(), c.ID)
	require.Equal(t, 3, final.SentCount)
	require.Zero(t, final.FailedCount)
	require.Equal(t, []string{"111", "222", "333"}, f.sender.sentTo())
	require.Equal(t, "Hi lead-111, new offer!", f.sender.sent[0].Content)
	for _, st := range f.campaigns.targetStatuses(c.ID) {
		require.Equal(t, entities.TargetSent, st)
	}
	require.Len(t, f.msgs.byStatus(entities.MessageSent), 3)
}

func TestSendFailureSkipsTargetAndContinues(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())
	f.sender.failNext("222", &entities.SendFailure{AccountID: "acc-1", To: "222", Attempts: 3, Err: errors.New("timeout")})

	c, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", spec("111", "222", "333"))
	require.NoError(t, err)

	waitFor(t, func() bool { return f.campaignStatus(c.ID) == entities.CampaignCompleted })

	final, _ := f.campaigns.Get(context.Background(), c.ID)
	require.Equal(t, 2, final.SentCount)
	require.Equal(t, 1, final.FailedCount)
	require.Equal(t, []entities.TargetStatus{
		entities.TargetSent, entities.TargetFailed, entities.TargetSent,
	}, f.campaigns.targetStatuses(c.ID))
}

func TestCampaignFailsWhenNothingDelivered(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())
	f.sender.failNext("111", &entities.SendFailure{To: "111", Attempts: 3, Err: errors.New("timeout")})
	f.sender.failNext("222", &entities.SendFailure{To: "222", Attempts: 3, Err: errors.New("timeout")})

	c, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", spec("111", "222"))
	require.NoError(t, err)

	waitFor(t, func() bool { return f.campaignStatus(c.ID) == entities.CampaignFailed })
}

func TestConnectionLossPausesCampaign(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())
	f.sender.failNext("222", &entities.ConnectionError{AccountID: "acc-1", Reason: "no active session"})

	c, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", spec("111", "222", "333"))
	require.NoError(t, err)

	waitFor(t, func() bool { return f.campaignStatus(c.ID) == entities.CampaignPaused })

	// The interrupted target is untouched and sends again after resume.
	require.Equal(t, []entities.TargetStatus{
		entities.TargetSent, entities.TargetPending, entities.TargetPending,
	}, f.campaigns.targetStatuses(c.ID))

	require.NoError(t, f.dispatcher.Resume(context.Background(), c.ID))
	waitFor(t, func() bool { return f.campaignStatus(c.ID) == entities.CampaignCompleted })
	final, _ := f.campaigns.Get(context.Background(), c.ID)
	require.Equal(t, 3, final.SentCount)
}

func TestResumeRejectsNonPausedCampaign(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())

	c, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", spec("111"))
	require.NoError(t, err)
	waitFor(t, func() bool { return f.campaignStatus(c.ID) == entities.CampaignCompleted })

	err = f.dispatcher.Resume(context.Background(), c.ID)
	var conflict *entities.ConcurrencyConflict
	require.ErrorAs(t, err, &conflict)
}

func TestScheduledCampaignDefersLaunch(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())

	at := time.Now().Add(time.Hour)
	s := spec("111", "222")
	s.ScheduledAt = &at
	c, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", s)
	require.NoError(t, err)
	require.Equal(t, entities.CampaignScheduled, f.campaignStatus(c.ID))
	require.Zero(t, f.sender.sentCount())

	require.True(t, f.oneshot.fire(oneShotID(c.ID)))
	waitFor(t, func() bool { return f.campaignStatus(c.ID) == entities.CampaignCompleted })
	require.Equal(t, 2, f.sender.sentCount())
}

func TestStopCancelsPendingTargets(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())

	at := time.Now().Add(time.Hour)
	s := spec("111", "222")
	s.ScheduledAt = &at
	c, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", s)
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.Stop(context.Background(), c.ID))
	require.Equal(t, entities.CampaignCompleted, f.campaignStatus(c.ID))
	for _, st := range f.campaigns.targetStatuses(c.ID) {
		require.Equal(t, entities.TargetCancelled, st)
	}
	// Deferred launch timer is gone too.
	require.False(t, f.oneshot.fire(oneShotID(c.ID)))
}

func TestTypingSimulationPacesSends(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newDispatcherFixture(t, clock)

	s := spec("111")
	s.TypingSimulation = true
	c, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", s)
	require.NoError(t, err)

	// The loop is asleep in the simulated typing pause; nothing sent yet.
	waitFor(t, func() bool {
		f.sender.mu.Lock()
		defer f.sender.mu.Unlock()
		return f.sender.typing == 1
	})
	require.Zero(t, f.sender.sentCount())

	clock.BlockUntil(1)
	clock.Advance(4 * time.Second)
	waitFor(t, func() bool { return f.campaignStatus(c.ID) == entities.CampaignCompleted })
	require.Equal(t, 1, f.sender.sentCount())
}

func TestTypingDelayStaysInBand(t *testing.T) {
	for i := 0; i < 50; i++ {
		require.GreaterOrEqual(t, typingDelay(0), 800*time.Millisecond)
		require.LessOrEqual(t, typingDelay(100000), 4*time.Second)
		d := typingDelay(40)
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestRecoverRelaunchesInterruptedCampaigns(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())

	// A campaign that was mid-send when the process died.
	sending := &entities.Campaign{
		ID: "c-sending", AccountID: "acc-1", Name: "interrupted", Message: "hello",
		RateLimitPerMinute: 6000, Status: entities.CampaignSending, TargetCount: 1,
	}
	require.NoError(t, f.campaigns.Create(context.Background(), sending, []entities.CampaignTarget{
		{ID: "t1", Phone: "111", Status: entities.TargetPending},
	}))

	// A deferred campaign whose launch time passed during the outage.
	past := time.Now().Add(-time.Minute)
	overdue := &entities.Campaign{
		ID: "c-overdue", AccountID: "acc-1", Name: "overdue", Message: "hello",
		RateLimitPerMinute: 6000, Status: entities.CampaignScheduled, ScheduledAt: &past, TargetCount: 1,
	}
	require.NoError(t, f.campaigns.Create(context.Background(), overdue, []entities.CampaignTarget{
		{ID: "t2", Phone: "222", Status: entities.TargetPending},
	}))

	// A deferred campaign still in the future keeps its timer.
	future := time.Now().Add(time.Hour)
	upcoming := &entities.Campaign{
		ID: "c-upcoming", AccountID: "acc-1", Name: "upcoming", Message: "hello",
		RateLimitPerMinute: 6000, Status: entities.CampaignScheduled, ScheduledAt: &future, TargetCount: 1,
	}
	require.NoError(t, f.campaigns.Create(context.Background(), upcoming, []entities.CampaignTarget{
		{ID: "t3", Phone: "333", Status: entities.TargetPending},
	}))

	require.NoError(t, f.dispatcher.Recover(context.Background()))

	waitFor(t, func() bool {
		return f.campaignStatus("c-sending") == entities.CampaignCompleted &&
			f.campaignStatus("c-overdue") == entities.CampaignCompleted
	})
	require.Equal(t, entities.CampaignScheduled, f.campaignStatus("c-upcoming"))
	require.True(t, f.oneshot.fire(oneShotID("c-upcoming")))
	waitFor(t, func() bool { return f.campaignStatus("c-upcoming") == entities.CampaignCompleted })
}

func TestReceiptsAdvanceCountersMonotonically(t *testing.T) {
	f := newDispatcherFixture(t, clockwork.NewRealClock())

	c, err := f.dispatcher.CreateCampaign(context.Background(), "acc-1", spec("111", "222"))
	require.NoError(t, err)
	waitFor(t, func() bool { return f.campaignStatus(c.ID) == entities.CampaignCompleted })

	var gwIDs []string
	f.campaigns.mu.Lock()
	for _, target := range f.campaigns.targets {
		gwIDs = append(gwIDs, target.GatewayID)
	}
	f.campaigns.mu.Unlock()

	// Normal receipt order for the first target.
	require.NoError(t, f.campaigns.MarkDelivered(context.Background(), gwIDs[0]))
	require.NoError(t, f.campaigns.MarkRead(context.Background(), gwIDs[0]))
	// Read receipt arriving before the delivery receipt for the second.
	require.NoError(t, f.campaigns.MarkRead(context.Background(), gwIDs[1]))
	require.NoError(t, f.campaigns.MarkDelivered(context.Background(), gwIDs[1]))

	final, _ := f.campaigns.Get(context.Background(), c.ID)
	require.Equal(t, 2, final.DeliveredCount)
	require.Equal(t, 2, final.ReadCount)
	require.LessOrEqual(t, final.ReadCount, final.DeliveredCount)
	require.LessOrEqual(t, final.DeliveredCount, final.SentCount)
}
