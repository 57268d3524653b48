package usecases

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"waflow/internal/entities"
	"waflow/internal/interfaces"
)

// CampaignSender is what the dispatcher needs from the session layer: retried
// sends plus the cosmetic typing indicator.
type CampaignSender interface {
	interfaces.Sender
	SendTyping(ctx context.Context, accountID, to string)
}

// oneShotScheduler defers campaign launches to their scheduled time.
type oneShotScheduler interface {
	ScheduleOneShot(id string, at time.Time, fn func())
	Cancel(id string)
}

// DispatcherOptions tunes the send loop.
type DispatcherOptions struct {
	// Burst is the token bucket burst for the per-campaign rate limiter.
	Burst int
}

func (o *DispatcherOptions) withDefaults() {
	if o.Burst <= 0 {
		o.Burst = 1
	}
}

// CampaignDispatcher executes bulk-send campaigns: one rate-limited loop per
// running campaign, each target sent at most once. Campaign state transitions
// are persisted before the loop reacts to them, so a restart resumes from the
// target table alone.
type CampaignDispatcher struct {
	campaigns interfaces.CampaignStore
	msgs      interfaces.MessageStore
	sender    CampaignSender
	scheduler oneShotScheduler
	validate  *validator.Validate
	clock     clockwork.Clock
	opts      DispatcherOptions
	log       *logrus.Entry

	mu    sync.Mutex
	loops map[string]struct{}
}

func NewCampaignDispatcher(
	campaigns interfaces.CampaignStore,
	msgs interfaces.MessageStore,
	sender CampaignSender,
	scheduler oneShotScheduler,
	clock clockwork.Clock,
	opts DispatcherOptions,
	logger *logrus.Logger,
) *CampaignDispatcher {
	opts.withDefaults()
	return &CampaignDispatcher{
		campaigns: campaigns,
		msgs:      msgs,
		sender:    sender,
		scheduler: scheduler,
		validate:  validator.New(),
		clock:     clock,
		opts:      opts,
		log:       logger.WithField("module", "campaign_dispatcher"),
		loops:     make(map[string]struct{}),
	}
}

// CreateCampaign validates the spec, persists the campaign with its targets
// and either starts sending or defers to the scheduled time.
func (d *CampaignDispatcher) CreateCampaign(ctx context.Context, accountID string, spec *entities.CampaignSpec) (*entities.Campaign, error) {
	if err := d.validate.Struct(spec); err != nil {
		return nil, &entities.ValidationError{Reason: err.Error()}
	}

	c := &entities.Campaign{
		ID:                 uuid.NewString(),
		AccountID:          accountID,
		Name:               spec.Name,
		Message:            spec.Message,
		RateLimitPerMinute: spec.RateLimitPerMinute,
		TypingSimulation:   spec.TypingSimulation,
		Status:             entities.CampaignScheduled,
		ScheduledAt:        spec.ScheduledAt,
		TargetCount:        len(spec.Targets),
	}
	targets := make([]entities.CampaignTarget, 0, len(spec.Targets))
	for _, t := range spec.Targets {
		targets = append(targets, entities.CampaignTarget{
			ID:        uuid.NewString(),
			Phone:     t.Phone,
			Variables: t.Variables,
			Status:    entities.TargetPending,
		})
	}
	if err := d.campaigns.Create(ctx, c, targets); err != nil {
		return nil, err
	}

	log := d.log.WithFields(logrus.Fields{"campaign_id": c.ID, "targets": len(targets)})
	if spec.ScheduledAt != nil && spec.ScheduledAt.After(d.clock.Now()) {
		d.scheduler.ScheduleOneShot(oneShotID(c.ID), *spec.ScheduledAt, func() {
			if err := d.Start(context.Background(), c.ID); err != nil {
				d.log.WithField("campaign_id", c.ID).WithError(err).Error("scheduled campaign start failed")
			}
		})
		log.WithField("scheduled_at", spec.ScheduledAt).Info("campaign scheduled")
		return c, nil
	}

	if err := d.Start(ctx, c.ID); err != nil {
		return nil, err
	}
	log.Info("campaign started")
	return c, nil
}

// Start moves a scheduled or paused campaign into SENDING and launches its
// loop.
func (d *CampaignDispatcher) Start(ctx context.Context, id string) error {
	if err := d.campaigns.SetStatus(ctx, id, entities.CampaignSending, ""); err != nil {
		return err
	}
	go d.run(id)
	return nil
}

// Pause suspends the send loop after the in-flight target settles. Remaining
// targets stay PENDING.
func (d *CampaignDispatcher) Pause(ctx context.Context, id string) error {
	d.scheduler.Cancel(oneShotID(id))
	if err := d.campaigns.SetStatus(ctx, id, entities.CampaignPaused, "paused by operator"); err != nil {
		return err
	}
	d.log.WithField("campaign_id", id).Info("campaign paused")
	return nil
}

// Resume puts a paused campaign back into SENDING.
func (d *CampaignDispatcher) Resume(ctx context.Context, id string) error {
	c, err := d.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != entities.CampaignPaused {
		return &entities.ConcurrencyConflict{Reason: "campaign is " + string(c.Status) + ", not paused"}
	}
	d.log.WithField("campaign_id", id).Info("campaign resumed")
	return d.Start(ctx, id)
}

// Stop cancels every remaining PENDING target and finalizes. Already-sent
// targets keep collecting delivery and read receipts.
func (d *CampaignDispatcher) Stop(ctx context.Context, id string) error {
	d.scheduler.Cancel(oneShotID(id))
	cancelled, err := d.campaigns.CancelPendingTargets(ctx, id)
	if err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"campaign_id": id, "cancelled": cancelled}).Info("campaign stopped")
	return d.finalize(ctx, id, "stopped by operator")
}

// Recover relaunches campaigns interrupted by a restart: SENDING campaigns
// continue from their remaining PENDING targets, SCHEDULED ones get their
// timer re-registered or start immediately if the time already passed.
func (d *CampaignDispatcher) Recover(ctx context.Context) error {
	sending, err := d.campaigns.ListByStatus(ctx, entities.CampaignSending)
	if err != nil {
		return err
	}
	for _, c := range sending {
		go d.run(c.ID)
	}

	scheduled, err := d.campaigns.ListByStatus(ctx, entities.CampaignScheduled)
	if err != nil {
		return err
	}
	for _, c := range scheduled {
		id := c.ID
		if c.ScheduledAt != nil && c.ScheduledAt.After(d.clock.Now()) {
			d.scheduler.ScheduleOneShot(oneShotID(id), *c.ScheduledAt, func() {
				if err := d.Start(context.Background(), id); err != nil {
					d.log.WithField("campaign_id", id).WithError(err).Error("scheduled campaign start failed")
				}
			})
			continue
		}
		if err := d.Start(ctx, id); err != nil {
			d.log.WithField("campaign_id", id).WithError(err).Error("campaign recovery failed")
		}
	}
	if n := len(sending) + len(scheduled); n > 0 {
		d.log.WithField("campaigns", n).Info("recovered interrupted campaigns")
	}
	return nil
}

// run is the per-campaign send loop. Exactly one loop per campaign: a second
// Start while one is active is a no-op. Status is re-read every iteration so
// pause and stop take effect between targets.
func (d *CampaignDispatcher) run(id string) {
	d.mu.Lock()
	if _, active := d.loops[id]; active {
		d.mu.Unlock()
		return
	}
	d.loops[id] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.loops, id)
		d.mu.Unlock()
	}()

	ctx := context.Background()
	log := d.log.WithField("campaign_id", id)

	var limiter *rate.Limiter
	for {
		c, err := d.campaigns.Get(ctx, id)
		if err != nil {
			log.WithError(err).Error("campaign lookup failed")
			return
		}
		if c.Status != entities.CampaignSending {
			return
		}
		if limiter == nil {
			limiter = rate.NewLimiter(rate.Limit(float64(c.RateLimitPerMinute)/60.0), d.opts.Burst)
		}

		target, err := d.campaigns.NextPendingTarget(ctx, id)
		if err != nil {
			log.WithError(err).Error("target lookup failed")
			return
		}
		if target == nil {
			if err := d.finalize(ctx, id, ""); err != nil {
				log.WithError(err).Warn("finalize raced a concurrent transition")
			}
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := d.dispatch(ctx, c, target); err != nil {
			// Connection loss is campaign-fatal: the target stays PENDING and
			// the campaign pauses for the operator to reconnect and resume.
			log.WithField("target_id", target.ID).WithError(err).Warn("session lost, pausing campaign")
			if serr := d.campaigns.SetStatus(ctx, id, entities.CampaignPaused, err.Error()); serr != nil {
				log.WithError(serr).Warn("pause raced a concurrent transition")
			}
			return
		}
	}
}

// dispatch sends one target. A SendFailure marks the target FAILED and the
// loop moves on; only a ConnectionError propagates.
func (d *CampaignDispatcher) dispatch(ctx context.Context, c *entities.Campaign, target *entities.CampaignTarget) error {
	content := RenderTemplate(c.Message, target.Variables)

	if c.TypingSimulation {
		d.sender.SendTyping(ctx, c.AccountID, target.Phone)
		d.clock.Sleep(typingDelay(len(content)))
	}

	msg := &entities.Message{
		ID:        uuid.NewString(),
		AccountID: c.AccountID,
		Direction: entities.DirectionOut,
		To:        target.Phone,
		Content:   content,
		Type:      entities.TypeText,
		Status:    entities.MessagePending,
		Timestamp: d.clock.Now(),
	}
	if err := d.msgs.Create(ctx, msg); err != nil {
		return err
	}

	gatewayID, err := d.sender.Send(ctx, c.AccountID, target.Phone, content, entities.TypeText)
	if err != nil {
		_ = d.msgs.MarkFailed(ctx, msg.ID, err.Error())
		var sendErr *entities.SendFailure
		if errors.As(err, &sendErr) {
			d.log.WithFields(logrus.Fields{
				"campaign_id": c.ID,
				"target_id":   target.ID,
				"attempts":    sendErr.Attempts,
			}).Warn("target send failed")
			return d.campaigns.MarkTargetFailed(ctx, target.ID, err.Error())
		}
		return err
	}

	if err := d.msgs.MarkSent(ctx, msg.ID, gatewayID); err != nil {
		return err
	}
	return d.campaigns.MarkTargetSent(ctx, target.ID, gatewayID)
}

// finalize settles the campaign's terminal status from its counters: anything
// sent means COMPLETED, nothing sent with failures means FAILED.
func (d *CampaignDispatcher) finalize(ctx context.Context, id, reason string) error {
	c, err := d.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	status := entities.CampaignCompleted
	if c.SentCount == 0 && c.FailedCount > 0 {
		status = entities.CampaignFailed
		if reason == "" {
			reason = "no target could be delivered"
		}
	}
	if err := d.campaigns.SetStatus(ctx, id, status, reason); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{
		"campaign_id": id,
		"status":      status,
		"sent":        c.SentCount,
		"failed":      c.FailedCount,
	}).Info("campaign finished")
	return nil
}

// typingDelay approximates a human typing pause for a message of the given
// length: proportional to length with a little jitter, clamped to a band that
// never stalls the loop for long.
func typingDelay(length int) time.Duration {
	const (
		perChar = 35 * time.Millisecond
		minWait = 800 * time.Millisecond
		maxWait = 4 * time.Second
	)
	d := time.Duration(length) * perChar
	d += time.Duration(rand.Int63n(int64(300 * time.Millisecond)))
	if d < minWait {
		return minWait
	}
	if d > maxWait {
		return maxWait
	}
	return d
}

func oneShotID(campaignID string) string {
	return "campaign:" + campaignID
}
