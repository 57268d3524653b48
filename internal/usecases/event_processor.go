package usecases

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"waflow/internal/entities"
	"waflow/internal/interfaces"
)

// sessionLifecycle is what the processor needs from the session manager to
// persist gateway-reported connection transitions.
type sessionLifecycle interface {
	MarkConnected(ctx context.Context, accountID string) error
	MarkDropped(ctx context.Context, accountID string) error
}

// EventProcessor consumes the gateway event feed: it records inbound traffic,
// applies receipt transitions to messages and campaign targets, fires event
// triggers and keeps persisted connection state in sync.
type EventProcessor struct {
	accounts  interfaces.AccountStore
	convs     interfaces.ConversationStore
	msgs      interfaces.MessageStore
	campaigns interfaces.CampaignStore
	flows     interfaces.FlowStore
	engine    FlowStarter
	sessions  sessionLifecycle
	log       *logrus.Entry
}

func NewEventProcessor(
	accounts interfaces.AccountStore,
	convs interfaces.ConversationStore,
	msgs interfaces.MessageStore,
	campaigns interfaces.CampaignStore,
	flows interfaces.FlowStore,
	engine FlowStarter,
	sessions sessionLifecycle,
	logger *logrus.Logger,
) *EventProcessor {
	return &EventProcessor{
		accounts:  accounts,
		convs:     convs,
		msgs:      msgs,
		campaigns: campaigns,
		flows:     flows,
		engine:    engine,
		sessions:  sessions,
		log:       logger.WithField("module", "event_processor"),
	}
}

// Handle processes one gateway event. It never returns an error to the
// gateway layer: a failed side effect is logged, the feed keeps flowing.
func (p *EventProcessor) Handle(accountID string, evt interfaces.GatewayEvent) {
	ctx := context.Background()
	log := p.log.WithFields(logrus.Fields{"account_id": accountID, "event": evt.Type})

	switch evt.Type {
	case interfaces.EventMessageReceived:
		p.handleInbound(ctx, accountID, evt)

	case interfaces.EventMessageSent:
		// Echo of a message sent from the paired device itself; nothing to
		// reconcile against.
		log.WithField("gateway_ids", evt.GatewayIDs).Debug("outbound echo")

	case interfaces.EventDelivered:
		for _, id := range evt.GatewayIDs {
			if err := p.msgs.UpdateStatusByGatewayID(ctx, accountID, id, entities.MessageDelivered); err != nil {
				log.WithError(err).Warn("delivery receipt not applied to message")
			}
			if err := p.campaigns.MarkDelivered(ctx, id); err != nil {
				log.WithError(err).Warn("delivery receipt not applied to campaign target")
			}
		}

	case interfaces.EventRead:
		for _, id := range evt.GatewayIDs {
			if err := p.msgs.UpdateStatusByGatewayID(ctx, accountID, id, entities.MessageRead); err != nil {
				log.WithError(err).Warn("read receipt not applied to message")
			}
			if err := p.campaigns.MarkRead(ctx, id); err != nil {
				log.WithError(err).Warn("read receipt not applied to campaign target")
			}
		}

	case interfaces.EventConnected:
		if err := p.sessions.MarkConnected(ctx, accountID); err != nil {
			log.WithError(err).Error("connected transition not persisted")
		} else {
			log.Info("account connected")
		}

	case interfaces.EventDisconnected:
		if err := p.sessions.MarkDropped(ctx, accountID); err != nil {
			log.WithError(err).Error("disconnected transition not persisted")
		} else {
			log.Warn("account session dropped")
		}

	case interfaces.EventLoggedOut:
		if err := p.accounts.ClearSession(ctx, accountID); err != nil {
			log.WithError(err).Error("session wipe failed")
		}
		if err := p.accounts.UpdateStatus(ctx, accountID, entities.StatusDisconnected, "logged out from device"); err != nil {
			log.WithError(err).Error("logout transition not persisted")
		} else {
			log.Warn("account logged out from device")
		}
	}
}

// handleInbound records the message on its conversation and fires matching
// event triggers.
func (p *EventProcessor) handleInbound(ctx context.Context, accountID string, evt interfaces.GatewayEvent) {
	log := p.log.WithFields(logrus.Fields{"account_id": accountID, "from": evt.From})

	conv, err := p.convs.UpsertInbound(ctx, accountID, evt.From, evt.Timestamp)
	if err != nil {
		log.WithError(err).Error("conversation upsert failed")
		return
	}

	msg := &entities.Message{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		ConversationID: conv.ID,
		Direction:      entities.DirectionIn,
		From:           evt.From,
		Content:        evt.Content,
		Type:           entities.TypeText,
		Status:         entities.MessageDelivered,
		Timestamp:      evt.Timestamp,
	}
	if err := p.msgs.Create(ctx, msg); err != nil {
		log.WithError(err).Error("inbound message not persisted")
	}

	p.fireEventTriggers(ctx, accountID, conv, evt.Content)
}

// fireEventTriggers starts a flow execution for every active event trigger
// whose keyword matches the inbound text. Empty keywords match everything. A
// still-active previous execution is a skip, not an error.
func (p *EventProcessor) fireEventTriggers(ctx context.Context, accountID string, conv *entities.Conversation, content string) {
	triggers, err := p.flows.ListActiveEventTriggers(ctx, accountID)
	if err != nil {
		p.log.WithField("account_id", accountID).WithError(err).Error("event trigger lookup failed")
		return
	}

	text := strings.ToLower(content)
	for _, t := range triggers {
		if t.Keyword != "" && !strings.Contains(text, strings.ToLower(t.Keyword)) {
			continue
		}
		log := p.log.WithFields(logrus.Fields{
			"trigger_id":      t.ID,
			"flow_id":         t.FlowID,
			"conversation_id": conv.ID,
		})
		if _, err := p.engine.StartFlowExecution(ctx, t.FlowID, conv.ID, accountID); err != nil {
			var conflict *entities.ConcurrencyConflict
			if errors.As(err, &conflict) {
				log.Debug("previous execution still active, trigger skipped")
				continue
			}
			log.WithError(err).Error("triggered flow start failed")
			continue
		}
		log.Info("event trigger fired")
	}
}
