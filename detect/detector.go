// Package detect implements the threat detectors and the engine that runs
// them over the event stream.
package detect

import (
	"context"

	"sentinel/core"
)

// Detector inspects a single event and reports at most one threat.
// Implementations must honor ctx cancellation and must not panic; the engine
// recovers panics but treats them as detector failures.
type Detector interface {
	Name() string
	Detect(ctx context.Context, event *core.SecurityEvent) (*core.ThreatEvent, error)
}
