package domain

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// QualityMetrics is the closed link-health schema reported by clients.
// Payloads are validated at the boundary; untyped metric blobs are rejected.
type QualityMetrics struct {
	BandwidthKbps float64 `json:"bandwidth_kbps" validate:"gte=0"`
	LatencyMs     float64 `json:"latency_ms" validate:"gte=0"`
	PacketLossPct float64 `json:"packet_loss_pct" validate:"gte=0,lte=100"`
	JitterMs      float64 `json:"jitter_ms" validate:"gte=0"`
	Resolution    string  `json:"resolution,omitempty" validate:"omitempty,max=16"`

	ReportedAt time.Time `json:"reported_at,omitempty"`
}

var metricsValidator = validator.New()

// Validate checks the metrics sample against the closed schema.
func (m *QualityMetrics) Validate() error {
	return metricsValidator.Struct(m)
}
