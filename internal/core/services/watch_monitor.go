package services

import (
	"context"
	"time"

	"eca.monitor/internal/core/logger"
)

const (
	// A session whose last applied fetch is older than this is stalled:
	// the poll loop should have fired many times over by now.
	sessionStallTimeout = 5 * time.Minute
)

type WatchMonitor struct {
	svc       *WatchService
	alertChan chan WatchAlert

	// OnStats, when set, receives session counts each sweep. The server
	// wires it to the metrics gauges.
	OnStats func(active, lost int)
}

type WatchAlert struct {
	WatchID   string
	JobID     string
	Event     string // "stalled", "connection_lost"
	Timestamp time.Time
}

func NewWatchMonitor(svc *WatchService) *WatchMonitor {
	return &WatchMonitor{
		svc:       svc,
		alertChan: make(chan WatchAlert, 100),
	}
}

// Start begins sweeping live sessions
func (m *WatchMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkSessions()
		}
	}
}

func (m *WatchMonitor) checkSessions() {
	infos := m.svc.SessionInfos()

	now := time.Now()
	lost := 0
	for _, info := range infos {
		if info.ConnectionLost {
			lost++
			m.alert(WatchAlert{
				WatchID:   info.WatchID,
				JobID:     info.JobID,
				Event:     "connection_lost",
				Timestamp: now,
			})
		}

		if !info.LastActivity.IsZero() && now.Sub(info.LastActivity) > sessionStallTimeout {
			m.alert(WatchAlert{
				WatchID:   info.WatchID,
				JobID:     info.JobID,
				Event:     "stalled",
				Timestamp: now,
			})
		}
	}

	if m.OnStats != nil {
		m.OnStats(len(infos), lost)
	}
}

func (m *WatchMonitor) alert(a WatchAlert) {
	select {
	case m.alertChan <- a:
	default:
		logger.Warn("Watch alert channel full, dropping alert",
			"watch_id", a.WatchID, "event", a.Event)
	}
}

// Alerts returns the alert channel
func (m *WatchMonitor) Alerts() <-chan WatchAlert {
	return m.alertChan
}

// LogAlerts drains the alert channel into the service log. Runs until ctx
// is cancelled; a webhook consumer would replace this.
func (m *WatchMonitor) LogAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.alertChan:
			logger.Warn("Watch alert",
				"watch_id", a.WatchID, "job_id", a.JobID,
				"event", a.Event, "at", a.Timestamp)
		}
	}
}
