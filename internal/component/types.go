// Package component implements the content-addressed Component/Recipe
// store (spec.md §4.2): deduplicated mod fragments persisted as one
// JSON file per component/recipe, with an in-memory mirror for O(1)
// lookup.
package component

import "time"

// Kind enumerates the six appearance-fragment kinds spec.md §3 names.
type Kind string

const (
	KindPenumbra      Kind = "penumbra"
	KindGlamourer     Kind = "glamourer"
	KindCustomizePlus Kind = "customize_plus"
	KindHeels         Kind = "heels"
	KindHonorific     Kind = "honorific"
	KindPhonebook     Kind = "phonebook"
)

// tagByKind maps a Kind to its one/two-letter recipe-ref tag (spec.md §3).
var tagByKind = map[Kind]string{
	KindPenumbra:      "P",
	KindGlamourer:      "G",
	KindCustomizePlus: "C",
	KindHeels:         "H",
	KindHonorific:     "O",
	KindPhonebook:     "PB",
}

var kindByTag = map[string]Kind{
	"P": KindPenumbra, "G": KindGlamourer, "C": KindCustomizePlus,
	"H": KindHeels, "O": KindHonorific, "PB": KindPhonebook,
}

// Component is a content-addressed unit of an Appearance.
type Component struct {
	Hash           string    `json:"hash"`
	Kind           Kind      `json:"kind"`
	Identifier     string    `json:"identifier"`
	Data           string    `json:"data,omitempty"`
	Size           int       `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ReferenceCount int       `json:"reference_count"`
}

// Recipe is a persisted, named reference list reconstructing an
// Appearance from stored Components.
type Recipe struct {
	AppearanceHash string    `json:"appearance_hash"`
	PlayerName     string    `json:"player_name"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Refs           []string  `json:"refs"` // "<tag>:<hash>", order preserved
}

// Appearance is the transmitted bundle for one player (see GLOSSARY).
type Appearance struct {
	Penumbra      string // asset file paths joined/encoded by the caller
	Glamourer     string // design blob
	CustomizePlus string // scale profile blob
	Heels         string // scalar vertical offset, stringified
	Honorific     string // title string
	Phonebook     string // manipulation blob
}

// fieldByKind returns the Appearance field value for a kind.
func fieldByKind(a Appearance, k Kind) (identifier, data string, ok bool) {
	switch k {
	case KindPenumbra:
		return "mods", a.Penumbra, a.Penumbra != ""
	case KindGlamourer:
		return "design", a.Glamourer, a.Glamourer != ""
	case KindCustomizePlus:
		return "scale", a.CustomizePlus, a.CustomizePlus != ""
	case KindHeels:
		return "offset", a.Heels, a.Heels != ""
	case KindHonorific:
		return "title", a.Honorific, a.Honorific != ""
	case KindPhonebook:
		return "manip", a.Phonebook, a.Phonebook != ""
	}
	return "", "", false
}

// setFieldByKind populates the Appearance field matching kind.
func setFieldByKind(a *Appearance, k Kind, data string) {
	switch k {
	case KindPenumbra:
		a.Penumbra = data
	case KindGlamourer:
		a.Glamourer = data
	case KindCustomizePlus:
		a.CustomizePlus = data
	case KindHeels:
		a.Heels = data
	case KindHonorific:
		a.Honorific = data
	case KindPhonebook:
		a.Phonebook = data
	}
}

// orderedKinds fixes the iteration order used when building recipe refs
// from an Appearance, matching the tag order in spec.md §3.
var orderedKinds = []Kind{
	KindPenumbra, KindGlamourer, KindCustomizePlus,
	KindHeels, KindHonorific, KindPhonebook,
}
