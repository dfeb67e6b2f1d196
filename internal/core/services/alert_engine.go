package services

import (
	"fmt"
	"sync"
	"time"

	"opsconsole/internal/core/domain"
	"opsconsole/pkg/ring"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	lowQualityThreshold      = 0.5
	qualityResolveThreshold  = 0.7
	disconnectResolveFactor  = 0.5
	participantResolveFactor = 0.8
)

type AlertConfig struct {
	DisconnectRateThreshold   float64
	ParticipantCountThreshold int
	RoomDurationWarning       time.Duration
	Cooldown                  time.Duration
	ResolvedHistory           int
}

func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		DisconnectRateThreshold:   0.1,
		ParticipantCountThreshold: 100,
		RoomDurationWarning:       120 * time.Minute,
		Cooldown:                  5 * time.Minute,
		ResolvedHistory:           100,
	}
}

// AlertEngine evaluates threshold rules against metrics snapshots and keeps
// the active and recently resolved alerts. It never reads the MetricsStore.
type AlertEngine struct {
	mu sync.Mutex

	cfg AlertConfig

	active    map[string]*domain.Alert
	order     []string // active alert ids in creation order
	resolved  *ring.Buffer[domain.Alert]
	lastFired map[domain.AlertType]time.Time

	now    func() time.Time
	newID  func() string
	logger *zap.SugaredLogger
}

type AlertOption func(*AlertEngine)

func WithAlertClock(now func() time.Time) AlertOption {
	return func(e *AlertEngine) { e.now = now }
}

func NewAlertEngine(cfg AlertConfig, logger *zap.SugaredLogger, opts ...AlertOption) *AlertEngine {
	if cfg.ResolvedHistory < 1 {
		cfg.ResolvedHistory = 1
	}
	e := &AlertEngine{
		cfg:       cfg,
		active:    make(map[string]*domain.Alert),
		resolved:  ring.New[domain.Alert](cfg.ResolvedHistory),
		lastFired: make(map[domain.AlertType]time.Time),
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckMetrics evaluates the system-wide rules and returns the alerts it
// created. A rule whose type fired within the cooldown creates nothing.
func (e *AlertEngine) CheckMetrics(m domain.SystemMetrics) []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var created []domain.Alert
	add := func(a *domain.Alert) {
		if a != nil {
			created = append(created, a.Clone())
		}
	}

	if m.TotalParticipants > 0 {
		ratio := disconnectRatio(m)
		if ratio > e.cfg.DisconnectRateThreshold {
			add(e.createLocked(domain.AlertHighDisconnectRate, domain.SeverityCritical,
				"High Disconnect Rate",
				fmt.Sprintf("Disconnect rate is %.1f/min (%.1f%% of participants)", m.DisconnectRate, ratio*100),
				""))
		}
	}

	if m.TotalParticipants > e.cfg.ParticipantCountThreshold {
		add(e.createLocked(domain.AlertHighParticipantCount, domain.SeverityWarning,
			"High Participant Count",
			fmt.Sprintf("System has %d active participants", m.TotalParticipants),
			""))
	}

	if m.AvgConnectionQuality < lowQualityThreshold && m.TotalParticipants > 0 {
		add(e.createLocked(domain.AlertLowConnectionQuality, domain.SeverityWarning,
			"Low Average Connection Quality",
			fmt.Sprintf("Average connection quality is %.0f%%", m.AvgConnectionQuality*100),
			""))
	}

	if m.AvgRoomDurationSeconds > e.cfg.RoomDurationWarning.Seconds() {
		add(e.createLocked(domain.AlertLongRoomDuration, domain.SeverityInfo,
			"Long Running Rooms Detected",
			fmt.Sprintf("Average room duration is %.0f minutes", m.AvgRoomDurationSeconds/60),
			""))
	}

	return created
}

// CheckRoom evaluates the per-room duration rule. Each room has its own
// cooldown key.
func (e *AlertEngine) CheckRoom(room domain.Room) []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	minutes := room.Duration(e.now()).Minutes()
	if minutes <= e.cfg.RoomDurationWarning.Minutes() {
		return nil
	}

	a := e.createLocked(domain.RoomLongDuration(room.SID), domain.SeverityInfo,
		fmt.Sprintf("Room Running for %.0f+ Minutes", minutes),
		fmt.Sprintf("Room '%s' has been active for %.0f minutes", room.Name, minutes),
		room.Name)
	if a == nil {
		return nil
	}
	return []domain.Alert{a.Clone()}
}

// AutoResolve resolves active alerts whose condition has cleared with
// margin. Duration alerts only resolve manually. The result follows alert
// creation order.
func (e *AlertEngine) AutoResolve(m domain.SystemMetrics) []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for _, id := range e.order {
		if e.shouldResolve(e.active[id].Type, m) {
			ids = append(ids, id)
		}
	}

	resolved := make([]domain.Alert, 0, len(ids))
	for _, id := range ids {
		if a, ok := e.resolveLocked(id); ok {
			resolved = append(resolved, a)
		}
	}
	return resolved
}

func (e *AlertEngine) shouldResolve(t domain.AlertType, m domain.SystemMetrics) bool {
	switch t {
	case domain.AlertHighDisconnectRate:
		return m.TotalParticipants == 0 ||
			disconnectRatio(m) <= e.cfg.DisconnectRateThreshold*disconnectResolveFactor
	case domain.AlertHighParticipantCount:
		return float64(m.TotalParticipants) <= float64(e.cfg.ParticipantCountThreshold)*participantResolveFactor
	case domain.AlertLowConnectionQuality:
		return m.AvgConnectionQuality >= qualityResolveThreshold
	default:
		return false
	}
}

// ResolveAlert moves an active alert to the resolved history.
func (e *AlertEngine) ResolveAlert(id string) (domain.Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveLocked(id)
}

// TriggerTestAlert creates an alert outside the rule table. It is not
// subject to cooldown and only resolves manually.
func (e *AlertEngine) TriggerTestAlert(severity domain.AlertSeverity) (domain.Alert, error) {
	if !severity.Valid() {
		return domain.Alert{}, fmt.Errorf("%w: %q", domain.ErrInvalidSeverity, severity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.insertLocked(domain.AlertTest, severity, "Test Alert",
		"This is a manually triggered test alert", "")
	return a.Clone(), nil
}

func (e *AlertEngine) ActiveAlerts() []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Alert, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.active[id].Clone())
	}
	return out
}

// ResolvedAlerts returns the resolved history, oldest first.
func (e *AlertEngine) ResolvedAlerts() []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolved.Slice()
}

func (e *AlertEngine) AllAlerts() domain.AlertsView {
	return domain.AlertsView{
		Active:   e.ActiveAlerts(),
		Resolved: e.ResolvedAlerts(),
	}
}

func (e *AlertEngine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active = make(map[string]*domain.Alert)
	e.order = nil
	e.resolved.Reset()
	e.lastFired = make(map[domain.AlertType]time.Time)
}

// createLocked returns nil while t is cooling down.
func (e *AlertEngine) createLocked(t domain.AlertType, sev domain.AlertSeverity, title, desc, roomName string) *domain.Alert {
	now := e.now()
	if last, ok := e.lastFired[t]; ok && now.Sub(last) < e.cfg.Cooldown {
		return nil
	}
	e.lastFired[t] = now
	return e.insertLocked(t, sev, title, desc, roomName)
}

func (e *AlertEngine) insertLocked(t domain.AlertType, sev domain.AlertSeverity, title, desc, roomName string) *domain.Alert {
	a := &domain.Alert{
		ID:          e.newID(),
		Type:        t,
		Severity:    sev,
		Status:      domain.AlertActive,
		Title:       title,
		Description: desc,
		RoomName:    roomName,
		CreatedAt:   e.now(),
	}
	e.active[a.ID] = a
	e.order = append(e.order, a.ID)

	e.logger.Infow("Alert created",
		"alert_id", a.ID,
		"type", a.Type,
		"severity", a.Severity,
		"title", a.Title,
	)
	return a
}

func (e *AlertEngine) resolveLocked(id string) (domain.Alert, bool) {
	a, ok := e.active[id]
	if !ok {
		return domain.Alert{}, false
	}
	delete(e.active, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}

	now := e.now()
	a.Status = domain.AlertResolved
	a.ResolvedAt = &now
	e.resolved.Push(*a)

	e.logger.Infow("Alert resolved",
		"alert_id", a.ID,
		"type", a.Type,
		"active_for", now.Sub(a.CreatedAt).String(),
	)
	return a.Clone(), true
}

func disconnectRatio(m domain.SystemMetrics) float64 {
	total := m.TotalParticipants
	if total < 1 {
		total = 1
	}
	return m.DisconnectRate / float64(total)
}
