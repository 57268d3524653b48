package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"waflow/internal/entities"
	"waflow/internal/infrastructure"
	"waflow/internal/interfaces"
	"waflow/internal/repository"
	"waflow/internal/usecases"
)

type Handler struct {
	sessions   *infrastructure.SessionManager
	accounts   *repository.AccountRepository
	flows      *repository.FlowRepository
	execs      interfaces.ExecutionStore
	convs      interfaces.ConversationStore
	campaigns  interfaces.CampaignStore
	engine     *usecases.FlowEngine
	scheduler  *usecases.Scheduler
	dispatcher *usecases.CampaignDispatcher
	processor  *usecases.EventProcessor
}

func NewHandler(
	sessions *infrastructure.SessionManager,
	accounts *repository.AccountRepository,
	flows *repository.FlowRepository,
	execs interfaces.ExecutionStore,
	convs interfaces.ConversationStore,
	campaigns interfaces.CampaignStore,
	engine *usecases.FlowEngine,
	scheduler *usecases.Scheduler,
	dispatcher *usecases.CampaignDispatcher,
	processor *usecases.EventProcessor,
) *Handler {
	return &Handler{
		sessions:   sessions,
		accounts:   accounts,
		flows:      flows,
		execs:      execs,
		convs:      convs,
		campaigns:  campaigns,
		engine:     engine,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		processor:  processor,
	}
}

func SetupRoutes(r *gin.Engine, h *Handler, middleware *Middleware) {
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(10 << 20)) // 10MB max request size
	r.Use(middleware.CORSMiddleware())

	r.POST("/api/auth/token", func(c *gin.Context) {
		var req struct {
			Operator string `json:"operator"`
			APIKey   string `json:"api_key"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		token, err := middleware.IssueToken(req.Operator, req.APIKey)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	api.Use(middleware.RateLimitPerOperator(5, 10))
	{
		// Account / session routes
		api.POST("/accounts", h.CreateAccount)
		api.POST("/accounts/:id/connect", h.ConnectAccount)
		api.POST("/accounts/:id/disconnect", h.DisconnectAccount)
		api.POST("/accounts/:id/logout", h.LogoutAccount)
		api.GET("/accounts/:id/status", h.GetAccountStatus)
		api.GET("/accounts/:id/qr", h.GetAccountQR)
		api.GET("/accounts/:id/chats", h.ListAccountChats)
		api.POST("/accounts/:id/inbound", h.SimulateInbound)

		// Flow routes
		api.POST("/flows", h.CreateFlow)
		api.PUT("/flows/:id/active", h.SetFlowActive)
		api.POST("/flows/:id/executions", h.StartExecution)
		api.GET("/executions/:id", h.GetExecution)
		api.POST("/executions/:id/pause", h.PauseExecution)
		api.POST("/executions/:id/resume", h.ResumeExecution)
		api.POST("/executions/:id/stop", h.StopExecution)

		// Scheduler routes
		api.GET("/scheduler/jobs", h.GetSchedulerJobs)
		api.POST("/scheduler/triggers/:id/reschedule", h.RescheduleTrigger)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/start", h.StartScheduler)

		// Campaign routes
		api.POST("/accounts/:id/campaigns", h.CreateCampaign)
		api.GET("/campaigns/:id", h.GetCampaign)
		api.POST("/campaigns/:id/pause", h.PauseCampaign)
		api.POST("/campaigns/:id/resume", h.ResumeCampaign)
		api.POST("/campaigns/:id/stop", h.StopCampaign)

		// Conversation routes
		api.GET("/conversations/:id", h.GetConversation)
	}
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var notFound *entities.NotFoundError
	var validation *entities.ValidationError
	var conflict *entities.ConcurrencyConflict
	var connErr *entities.ConnectionError
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &connErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ========================================
// Account / session handlers
// ========================================

func (h *Handler) CreateAccount(c *gin.Context) {
	var req struct {
		Name  string `json:"name" binding:"required"`
		Phone string `json:"phone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account := &entities.Account{
		ID:    uuid.NewString(),
		Name:  req.Name,
		Phone: req.Phone,
	}
	if err := h.accounts.Create(c.Request.Context(), account); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (h *Handler) ConnectAccount(c *gin.Context) {
	result, err := h.sessions.Connect(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) DisconnectAccount(c *gin.Context) {
	if err := h.sessions.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (h *Handler) LogoutAccount(c *gin.Context) {
	if err := h.sessions.Logout(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (h *Handler) GetAccountStatus(c *gin.Context) {
	account, err := h.accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             account.ID,
		"status":         account.Status,
		"live":           h.sessions.ActiveSession(account.ID) != nil,
		"last_heartbeat": account.LastHeartbeat,
		"last_error":     account.LastError,
	})
}

// GetAccountQR returns the current pairing QR as a PNG.
func (h *Handler) GetAccountQR(c *gin.Context) {
	account, err := h.accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if account.Status == entities.StatusConnected {
		c.String(http.StatusOK, "Already paired")
		return
	}
	if account.PairingCode == "" {
		c.String(http.StatusAccepted, "QR code not yet available. Please wait...")
		return
	}

	png, err := qrcode.Encode(account.PairingCode, qrcode.Medium, 256)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to generate QR code")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) ListAccountChats(c *gin.Context) {
	sess := h.sessions.ActiveSession(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account is not connected"})
		return
	}
	chats, err := sess.ListChats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// SimulateInbound injects a synthetic inbound message into the event feed.
// Useful for exercising event triggers without a paired device.
func (h *Handler) SimulateInbound(c *gin.Context) {
	var req struct {
		From    string `json:"from" binding:"required"`
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.processor.Handle(c.Param("id"), interfaces.GatewayEvent{
		Type:      interfaces.EventMessageReceived,
		From:      req.From,
		Content:   req.Content,
		Timestamp: time.Now(),
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// ========================================
// Flow and execution handlers
// ========================================

var validate = validator.New()

func (h *Handler) CreateFlow(c *gin.Context) {
	var flow entities.FlowDefinition
	if err := c.ShouldBindJSON(&flow); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.Struct(&flow); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	for i := range flow.Steps {
		if flow.Steps[i].ID == "" {
			flow.Steps[i].ID = uuid.NewString()
		}
	}
	for i := range flow.Triggers {
		if flow.Triggers[i].ID == "" {
			flow.Triggers[i].ID = uuid.NewString()
		}
		flow.Triggers[i].FlowID = flow.ID
	}
	if err := h.flows.Create(c.Request.Context(), &flow); err != nil {
		writeError(c, err)
		return
	}
	// Register any schedule triggers that are live from the start.
	if flow.IsActive {
		for i := range flow.Triggers {
			t := flow.Triggers[i]
			if t.Type == entities.TriggerSchedule && t.IsActive {
				if err := h.scheduler.ScheduleJob(&t); err != nil {
					writeError(c, err)
					return
				}
			}
		}
	}
	c.JSON(http.StatusCreated, flow)
}

func (h *Handler) SetFlowActive(c *gin.Context) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.flows.SetActive(c.Request.Context(), id, req.Active); err != nil {
		writeError(c, err)
		return
	}
	flow, err := h.flows.GetFlow(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, t := range flow.Triggers {
		if t.Type == entities.TriggerSchedule {
			if err := h.scheduler.RescheduleJob(c.Request.Context(), t.ID); err != nil {
				writeError(c, err)
				return
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": req.Active})
}

func (h *Handler) StartExecution(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id" binding:"required"`
		AccountID      string `json:"account_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	exec, err := h.engine.StartFlowExecution(c.Request.Context(), c.Param("id"), req.ConversationID, req.AccountID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

func (h *Handler) GetExecution(c *gin.Context) {
	exec, err := h.execs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *Handler) PauseExecution(c *gin.Context) {
	if err := h.engine.PauseExecution(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *Handler) ResumeExecution(c *gin.Context) {
	if err := h.engine.ResumeExecution(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (h *Handler) StopExecution(c *gin.Context) {
	if err := h.engine.StopExecution(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// ========================================
// Scheduler handlers
// ========================================

func (h *Handler) GetSchedulerJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.scheduler.Status()})
}

func (h *Handler) RescheduleTrigger(c *gin.Context) {
	if err := h.scheduler.RescheduleJob(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rescheduled"})
}

func (h *Handler) StopScheduler(c *gin.Context) {
	h.scheduler.StopAll()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *Handler) StartScheduler(c *gin.Context) {
	h.scheduler.Start()
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// ========================================
// Campaign handlers
// ========================================

func (h *Handler) CreateCampaign(c *gin.Context) {
	var spec entities.CampaignSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	campaign, err := h.dispatcher.CreateCampaign(c.Request.Context(), c.Param("id"), &spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

func (h *Handler) GetCampaign(c *gin.Context) {
	campaign, err := h.campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (h *Handler) PauseCampaign(c *gin.Context) {
	if err := h.dispatcher.Pause(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *Handler) ResumeCampaign(c *gin.Context) {
	if err := h.dispatcher.Resume(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sending"})
}

func (h *Handler) StopCampaign(c *gin.Context) {
	if err := h.dispatcher.Stop(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// ========================================
// Conversation handlers
// ========================================

func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.convs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}
