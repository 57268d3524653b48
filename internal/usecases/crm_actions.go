package usecases

import (
	"context"

	"github.com/sirupsen/logrus"

	"waflow/internal/entities"
	"waflow/internal/interfaces"
)

// CRMActions executes ACTION steps against conversation lead state. It
// implements interfaces.ActionHandler.
type CRMActions struct {
	convs interfaces.ConversationStore
	log   *logrus.Entry
}

func NewCRMActions(convs interfaces.ConversationStore, logger *logrus.Logger) *CRMActions {
	return &CRMActions{
		convs: convs,
		log:   logger.WithField("module", "crm_actions"),
	}
}

func (a *CRMActions) Execute(ctx context.Context, action string, params map[string]string, conversationID string) error {
	log := a.log.WithFields(logrus.Fields{
		"action":          action,
		"conversation_id": conversationID,
	})

	switch action {
	case "set_lead_status":
		status := params["status"]
		if status == "" {
			return &entities.ValidationError{Reason: "set_lead_status requires a status parameter"}
		}
		if err := a.convs.SetLeadStatus(ctx, conversationID, status); err != nil {
			return err
		}
		log.WithField("status", status).Info("lead status updated")
		return nil

	case "add_tag":
		tag := params["tag"]
		if tag == "" {
			return &entities.ValidationError{Reason: "add_tag requires a tag parameter"}
		}
		if err := a.convs.AddTag(ctx, conversationID, tag); err != nil {
			return err
		}
		log.WithField("tag", tag).Info("tag added")
		return nil

	case "mark_read":
		return a.convs.MarkRead(ctx, conversationID)
	}
	return &entities.ValidationError{Reason: "unknown action " + action}
}
