// Package quality ingests per-participant link metrics, raises degradation
// warnings and drives the periodic stats poll while a call is connected.
package quality

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/notify"
	apperrors "carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
)

// Warning kinds emitted to the reporting participant
const (
	WarningHighPacketLoss = "high-packet-loss"
	WarningHighLatency    = "high-latency"
)

// CallGetter is the read-only view of call state used for authorization
type CallGetter interface {
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// SnapshotSink persists the last sample onto the call row
type SnapshotSink interface {
	UpdateQualitySnapshot(ctx context.Context, callID, userID uuid.UUID, m *domain.QualityMetrics) error
}

// ParticipantSink persists the last sample onto the participant row
type ParticipantSink interface {
	UpdateMetrics(ctx context.Context, callID, userID uuid.UUID, m *domain.QualityMetrics) error
}

// Config holds quality monitor tunables
type Config struct {
	PollInterval         time.Duration
	PacketLossWarningPct float64
	LatencyWarningMs     float64
}

// Monitor tracks link health per (call, participant)
type Monitor struct {
	calls        CallGetter
	snapshots    SnapshotSink
	participants ParticipantSink
	notifier     *notify.Notifier
	metrics      *metrics.Metrics
	config       Config

	mu      sync.Mutex
	polls   map[pollKey]chan struct{}
	stopped bool
}

type pollKey struct {
	callID uuid.UUID
	userID uuid.UUID
}

// NewMonitor creates a new quality monitor
func NewMonitor(calls CallGetter, snapshots SnapshotSink, participants ParticipantSink, notifier *notify.Notifier, m *metrics.Metrics, config Config) *Monitor {
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.PacketLossWarningPct <= 0 {
		config.PacketLossWarningPct = 10.0
	}
	if config.LatencyWarningMs <= 0 {
		config.LatencyWarningMs = 300.0
	}
	return &Monitor{
		calls:        calls,
		snapshots:    snapshots,
		participants: participants,
		notifier:     notifier,
		metrics:      m,
		config:       config,
		polls:        make(map[pollKey]chan struct{}),
	}
}

// Start begins the periodic stats poll for one participant of a call.
// Starting an already-monitored pair restarts its poll.
func (m *Monitor) Start(callID, userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	key := pollKey{callID: callID, userID: userID}
	if stop, ok := m.polls[key]; ok {
		close(stop)
	} else {
		m.metrics.MonitorStarted()
	}

	stop := make(chan struct{})
	m.polls[key] = stop
	go m.poll(callID, userID, stop)
}

// Stop ends the poll for one participant. Stopping a pair that is not
// monitored is a no-op, so a disconnect racing a call end cannot double-stop.
func (m *Monitor) Stop(callID, userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(pollKey{callID: callID, userID: userID})
}

// StopCall ends the polls of every participant of a call
func (m *Monitor) StopCall(callID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.polls {
		if key.callID == callID {
			m.stopLocked(key)
		}
	}
}

// Close stops all polls
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for key := range m.polls {
		m.stopLocked(key)
	}
}

func (m *Monitor) stopLocked(key pollKey) {
	stop, ok := m.polls[key]
	if !ok {
		return
	}
	close(stop)
	delete(m.polls, key)
	m.metrics.MonitorStopped()
}

func (m *Monitor) poll(callID, userID uuid.UUID, stop chan struct{}) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.notifier.ToUser(ctx, userID, "request-quality-stats", map[string]any{
				"call_id": callID,
			})
			cancel()
			if err != nil {
				logger.Warn("Failed to publish request-quality-stats",
					zap.String("call_id", callID.String()),
					zap.Error(err))
			}
		}
	}
}

// Report ingests one metrics sample from a participant. Invalid payloads are
// rejected at the boundary; accepted samples are persisted on both the call
// snapshot and the participant row, and threshold breaches are reported back
// to the participant whose link is degraded.
func (m *Monitor) Report(ctx context.Context, callID, userID uuid.UUID, sample *domain.QualityMetrics) error {
	if sample == nil {
		return apperrors.MissingFieldError("metrics")
	}
	if err := sample.Validate(); err != nil {
		return apperrors.InvalidMetricsError(err)
	}

	call, err := m.calls.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	if !call.IsParty(userID) {
		return apperrors.NotCallPartyError()
	}
	if call.Status.IsTerminal() {
		return apperrors.CallTerminalError(string(call.Status))
	}

	sample.ReportedAt = time.Now()

	if err := m.snapshots.UpdateQualitySnapshot(ctx, callID, userID, sample); err != nil {
		return err
	}
	if err := m.participants.UpdateMetrics(ctx, callID, userID, sample); err != nil {
		return err
	}

	m.metrics.RecordQualityReport()
	m.warnOnThresholds(ctx, callID, userID, sample)

	return nil
}

func (m *Monitor) warnOnThresholds(ctx context.Context, callID, userID uuid.UUID, sample *domain.QualityMetrics) {
	if sample.PacketLossPct > m.config.PacketLossWarningPct {
		m.emitWarning(ctx, callID, userID, WarningHighPacketLoss, sample.PacketLossPct, "switch to audio-only")
	}
	if sample.LatencyMs > m.config.LatencyWarningMs {
		m.emitWarning(ctx, callID, userID, WarningHighLatency, sample.LatencyMs, "poor connection")
	}
}

func (m *Monitor) emitWarning(ctx context.Context, callID, userID uuid.UUID, kind string, value float64, suggestion string) {
	m.metrics.RecordQualityWarning(kind)

	if err := m.notifier.ToUser(ctx, userID, "quality-warning", map[string]any{
		"call_id":    callID,
		"kind":       kind,
		"value":      value,
		"suggestion": suggestion,
	}); err != nil {
		logger.Warn("Failed to publish quality-warning",
			zap.String("call_id", callID.String()),
			zap.String("kind", kind),
			zap.Error(err))
	}

	logger.Info("Quality warning",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()),
		zap.String("kind", kind),
		zap.Float64("value", value))
}
