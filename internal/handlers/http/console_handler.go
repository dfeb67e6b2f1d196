package http

import (
	"context"
	"net/http"

	"opsconsole/internal/core/domain"
	"opsconsole/internal/core/ports"
	"opsconsole/internal/infrastructure/livekit"
	"opsconsole/internal/infrastructure/monitoring"
	"opsconsole/pkg/errors"
	"opsconsole/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AlertOperations are the alert actions exposed over HTTP. Resolutions and
// test alerts are broadcast by the implementation.
type AlertOperations interface {
	AllAlerts() domain.AlertsView
	ResolveAlert(ctx context.Context, id string) (domain.Alert, bool)
	TriggerTestAlert(ctx context.Context, severity domain.AlertSeverity) (domain.Alert, error)
}

type WebhookReceiver interface {
	Receive(ctx context.Context, r *http.Request) error
}

// WebSocketEndpoint upgrades dashboard connections.
type WebSocketEndpoint interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

type ConsoleHandler struct {
	metrics  ports.MetricsReader
	alerts   AlertOperations
	webhooks WebhookReceiver
	ws       WebSocketEndpoint
	health   *monitoring.HealthChecker
	exporter http.Handler
	mockMode bool
}

type ConsoleHandlerOption func(*ConsoleHandler)

// WithMetricsExporter serves h on GET /metrics.
func WithMetricsExporter(h http.Handler) ConsoleHandlerOption {
	return func(ch *ConsoleHandler) { ch.exporter = h }
}

func WithHealthChecker(hc *monitoring.HealthChecker) ConsoleHandlerOption {
	return func(ch *ConsoleHandler) { ch.health = hc }
}

func NewConsoleHandler(
	metrics ports.MetricsReader,
	alerts AlertOperations,
	webhooks WebhookReceiver,
	ws WebSocketEndpoint,
	mockMode bool,
	opts ...ConsoleHandlerOption,
) *ConsoleHandler {
	h := &ConsoleHandler{
		metrics:  metrics,
		alerts:   alerts,
		webhooks: webhooks,
		ws:       ws,
		mockMode: mockMode,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.health == nil {
		h.health = monitoring.NewHealthChecker()
	}
	return h
}

func (h *ConsoleHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/health", h.Health)
		api.GET("/ready", h.Ready)

		api.GET("/metrics/current", h.GetCurrentMetrics)
		api.GET("/metrics/history", h.GetMetricsHistory)
		api.GET("/metrics/snapshot", h.GetSnapshot)

		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:name", h.GetRoom)

		api.GET("/alerts", h.ListAlerts)
		api.POST("/alerts/:id/resolve", h.ResolveAlert)

		api.POST("/livekit/webhook", h.ReceiveWebhook)
		api.POST("/test/alert", h.TriggerTestAlert)
	}

	router.GET("/ws", gin.WrapF(h.ws.HandleWebSocket))

	if h.exporter != nil {
		router.GET("/metrics", gin.WrapH(h.exporter))
	}
}

func (h *ConsoleHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"mock_mode":         h.mockMode,
		"websocket_clients": h.ws.ClientCount(),
	})
}

// Ready reports dependency health; 503 when any check fails.
func (h *ConsoleHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *ConsoleHandler) GetCurrentMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.ComputeCurrentMetrics())
}

func (h *ConsoleHandler) GetMetricsHistory(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.GetHistory())
}

func (h *ConsoleHandler) GetSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.GetSnapshot())
}

func (h *ConsoleHandler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.ListRooms())
}

func (h *ConsoleHandler) GetRoom(c *gin.Context) {
	name := c.Param("name")
	if err := validation.ValidateRoomName(name); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	room, ok := h.metrics.GetRoomByName(name)
	if !ok {
		c.Error(errors.NewNotFoundError("Room").WithContext("room_name", name))
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *ConsoleHandler) ListAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, h.alerts.AllAlerts())
}

func (h *ConsoleHandler) ResolveAlert(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateAlertID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	alert, ok := h.alerts.ResolveAlert(c.Request.Context(), id)
	if !ok {
		c.Error(errors.NewNotFoundError("Alert").WithContext("alert_id", id))
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *ConsoleHandler) ReceiveWebhook(c *gin.Context) {
	if err := h.webhooks.Receive(c.Request.Context(), c.Request); err != nil {
		if livekit.IsClientError(err) {
			c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
			return
		}
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to process webhook", http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ConsoleHandler) TriggerTestAlert(c *gin.Context) {
	if !h.mockMode {
		c.Error(errors.NewModeDisabledError("Test alerts only available in mock mode"))
		return
	}

	severity := c.DefaultQuery("severity", string(domain.SeverityWarning))
	if err := validation.ValidateOneOf(severity, "severity",
		string(domain.SeverityInfo), string(domain.SeverityWarning), string(domain.SeverityCritical),
	); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if _, err := h.alerts.TriggerTestAlert(c.Request.Context(), domain.AlertSeverity(severity)); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Test alert triggered"})
}
