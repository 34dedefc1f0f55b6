package service

import "github.com/syncmesh/modsync/internal/component"

// AppearanceSource is the sending-side external collaborator spec.md
// §1 names: the game-integration layer that reports a local player's
// current appearance so it can be pushed to a peer. Like
// apply.AppearanceSink, the engine never implements the real version
// of this itself.
type AppearanceSource interface {
	// CurrentAppearance returns the live appearance state for
	// playerName, along with a content hash the caller uses as the
	// recipe's appearance_hash.
	CurrentAppearance(playerName string) (appearance component.Appearance, appearanceHash string, err error)
}

// StaticAppearanceSource serves a fixed, in-memory map of player name
// to appearance; useful for the daemon's standalone/demo mode and for
// tests, until a real game-integration source is wired in.
type StaticAppearanceSource struct {
	byPlayer map[string]staticEntry
}

type staticEntry struct {
	appearance component.Appearance
	hash       string
}

// NewStaticAppearanceSource builds an empty StaticAppearanceSource.
func NewStaticAppearanceSource() *StaticAppearanceSource {
	return &StaticAppearanceSource{byPlayer: make(map[string]staticEntry)}
}

// Set registers the appearance served for playerName.
func (s *StaticAppearanceSource) Set(playerName string, appearance component.Appearance, appearanceHash string) {
	s.byPlayer[playerName] = staticEntry{appearance: appearance, hash: appearanceHash}
}

// CurrentAppearance implements AppearanceSource.
func (s *StaticAppearanceSource) CurrentAppearance(playerName string) (component.Appearance, string, error) {
	e, ok := s.byPlayer[playerName]
	if !ok {
		return component.Appearance{}, "", errNoAppearance{playerName: playerName}
	}
	return e.appearance, e.hash, nil
}

type errNoAppearance struct{ playerName string }

func (e errNoAppearance) Error() string {
	return "service: no current appearance registered for " + e.playerName
}
