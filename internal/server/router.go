package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/repairdesk/internal/auth"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/cases"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/listcache"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "repairdesk_user_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingCasesService   = errors.New("cases service dependency required")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// ListingCache holds per-identity case listings between writes.
type ListingCache = listcache.Cache[[]cases.CaseView]

type Dependencies struct {
	TokenValidator    TokenValidator
	CasesService      *cases.Service
	Realtime          *RealtimeDispatcher
	ListingCache      *ListingCache
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.CasesService == nil {
		return nil, errMissingCasesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.TokenValidator,
		cases:     deps.CasesService,
		realtime:  realtime,
		listings:  deps.ListingCache,
		heartbeat: heartbeat,
		clock:     clock,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/cases")
	protected.Use(handler.authorizeRequest(false))
	protected.GET("", handler.handleListCases)
	protected.POST("", handler.handleCreateCase)
	protected.PATCH("/:id/status", handler.handleUpdateStatus)
	protected.POST("/:id/claim", handler.handleClaimCase)

	router.GET("/cases/stream", handler.authorizeRequest(true), handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	cases     *cases.Service
	realtime  *RealtimeDispatcher
	listings  *ListingCache
	heartbeat time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type listCasesPayload struct {
	Cases []cases.CaseView `json:"cases"`
}

type casePayload struct {
	Case cases.CaseView `json:"case"`
}

type createCaseRequest struct {
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details"`
	Public  bool            `json:"public"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListCases(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var generation uint64
	if h.listings != nil {
		if cached, hit := h.listings.Get(userID.String()); hit {
			c.JSON(http.StatusOK, listCasesPayload{Cases: cached})
			return
		}
		generation = h.listings.Generation()
	}

	records, err := h.cases.ListCases(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	views := make([]cases.CaseView, 0, len(records))
	for _, record := range records {
		views = append(views, record.View())
	}
	if h.listings != nil {
		h.listings.SetIfCurrent(userID.String(), views, generation)
	}
	c.JSON(http.StatusOK, listCasesPayload{Cases: views})
}

func (h *httpHandler) handleCreateCase(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var request createCaseRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request", Code: "cases.create_case.invalid_request"})
		return
	}
	status := cases.Status("")
	if request.Status != "" {
		parsed, err := cases.NewStatus(request.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorPayload{Error: err.Error(), Code: "cases.create_case.invalid_status"})
			return
		}
		status = parsed
	}

	created, err := h.cases.CreateCase(c.Request.Context(), userID, cases.CreateRequest{
		Status:  status,
		Details: request.Details,
		Public:  request.Public,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.announce(created, created.Public())
	c.JSON(http.StatusCreated, casePayload{Case: created.View()})
}

func (h *httpHandler) handleUpdateStatus(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	caseID, err := cases.NewCaseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: err.Error(), Code: "cases.update_status.invalid_case_id"})
		return
	}

	var request updateStatusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request", Code: "cases.update_status.invalid_request"})
		return
	}
	status, err := cases.NewStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: err.Error(), Code: "cases.update_status.invalid_status"})
		return
	}

	updated, err := h.cases.UpdateStatus(c.Request.Context(), userID, caseID, status)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.announce(updated, updated.Public())
	c.JSON(http.StatusOK, casePayload{Case: updated.View()})
}

func (h *httpHandler) handleClaimCase(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	caseID, err := cases.NewCaseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: err.Error(), Code: "cases.claim_case.invalid_case_id"})
		return
	}

	claimed, err := h.cases.ClaimCase(c.Request.Context(), userID, caseID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	// Every listing that showed the case as public is now stale.
	h.announce(claimed, true)
	c.JSON(http.StatusOK, casePayload{Case: claimed.View()})
}

// announce invalidates cached listings and notifies change streams about record.
func (h *httpHandler) announce(record cases.Case, broadcast bool) {
	if h.cases.Visibility() == cases.VisibilityAll {
		broadcast = true
	}
	message := RealtimeMessage{
		EventType: RealtimeEventCaseChanged,
		CaseIDs:   []string{record.CaseID},
		Timestamp: h.clock().UTC(),
		Broadcast: broadcast,
	}
	if broadcast {
		if h.listings != nil {
			h.listings.InvalidateAll()
		}
		h.realtime.Publish(message)
		return
	}
	if record.OwnerID == nil {
		return
	}
	if h.listings != nil {
		h.listings.Invalidate(*record.OwnerID)
	}
	message.UserID = *record.OwnerID
	h.realtime.Publish(message)
}

func (h *httpHandler) requireUser(c *gin.Context) (cases.UserID, bool) {
	userID, err := cases.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Code: "auth.unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	code := ""
	var serviceErr *cases.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	switch {
	case errors.Is(err, cases.ErrCaseNotFound):
		c.JSON(http.StatusNotFound, errorPayload{Error: "case not found", Code: code})
	case errors.Is(err, cases.ErrCaseClaimed):
		c.JSON(http.StatusConflict, errorPayload{Error: "case already claimed", Code: code})
	case errors.Is(err, cases.ErrInvalidDetails), errors.Is(err, cases.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, errorPayload{Error: err.Error(), Code: code})
	default:
		h.logger.Error("cases request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: "internal_error", Code: code})
	}
}

func (h *httpHandler) authorizeRequest(allowQueryToken bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.TokenFromRequest(c.Request, allowQueryToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: err.Error(), Code: "auth.missing_token"})
			return
		}
		subject, err := h.tokens.ValidateToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Code: "auth.invalid_token"})
			return
		}
		c.Set(userIDContextKey, subject)
		c.Next()
	}
}
