package service

import (
	"fmt"

	"github.com/syncmesh/modsync/internal/component"
	"github.com/syncmesh/modsync/internal/observability"
)

// LoggingAppearanceSink is the default apply.AppearanceSink wired by
// the daemon entrypoint: it always reports ready and logs every apply
// instead of touching a real in-game character. A host game client
// integrating this engine replaces it with one that drives its own
// mod-loading plugins (spec.md §1 names AppearanceSink as an external
// boundary the engine never implements itself).
type LoggingAppearanceSink struct {
	logger *observability.Logger
}

// NewLoggingAppearanceSink builds a sink that logs through logger.
func NewLoggingAppearanceSink(logger *observability.Logger) *LoggingAppearanceSink {
	return &LoggingAppearanceSink{logger: logger}
}

// IsReady always reports true; a real sink would check that the named
// in-game character is currently loaded and addressable.
func (s *LoggingAppearanceSink) IsReady(playerID string) bool {
	return true
}

// Apply logs the appearance it would have installed.
func (s *LoggingAppearanceSink) Apply(appearance component.Appearance, playerID string) error {
	if s.logger != nil {
		s.logger.Info(fmt.Sprintf("apply: would install appearance on %s (penumbra=%d bytes, glamourer=%d bytes)",
			playerID, len(appearance.Penumbra), len(appearance.Glamourer)))
	}
	return nil
}
