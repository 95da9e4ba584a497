package wizard

import (
	"slices"
	"strings"
)

const (
	GroupArea         = "area"
	GroupOrganization = "organization"
	GroupOwn          = "own"

	// OwnTopicKey is stored when the speaker picks their own topic.
	OwnTopicKey = "own-topic"

	// LanguageOther selects a free-text language.
	LanguageOther = "Other"
)

// Category is a leaf prompt bundle.
type Category struct {
	Key     string   `json:"key"`
	Label   string   `json:"label"`
	Prompts []string `json:"prompts"`
}

// CategoryGroup is a top-level choice. A group with no leaves resolves to Sentinel.
type CategoryGroup struct {
	Key      string     `json:"key"`
	Label    string     `json:"label"`
	Leaves   []Category `json:"leaves,omitempty"`
	Sentinel *Category  `json:"sentinel,omitempty"`
}

// Catalog is the prompt-category tree offered on the category step.
var Catalog = []CategoryGroup{
	{
		Key:   GroupArea,
		Label: "Life in the area",
		Leaves: []Category{
			{Key: "area-early", Label: "Early days", Prompts: []string{
				"When did you or your family first come to the area?",
				"What did the neighborhood look like then?",
			}},
			{Key: "area-orchards", Label: "The orchard years", Prompts: []string{
				"Do you remember the orchards and farms?",
				"Who worked the land, and what was a season like?",
			}},
			{Key: "area-tech", Label: "The tech boom", Prompts: []string{
				"How did the arrival of technology companies change daily life?",
				"What did you gain, and what was lost?",
			}},
			{Key: "area-today", Label: "Life today", Prompts: []string{
				"What makes this place home for you now?",
				"What would you like future residents to know?",
			}},
		},
	},
	{
		Key:   GroupOrganization,
		Label: "An organization",
		Leaves: []Category{
			{Key: "org-history", Label: "Its history", Prompts: []string{
				"How and why was the organization founded?",
				"What were the turning points?",
			}},
			{Key: "org-people", Label: "Its people", Prompts: []string{
				"Who shaped the organization?",
				"Is there a person whose story should be remembered?",
			}},
			{Key: "org-impact", Label: "Its impact", Prompts: []string{
				"How has the organization changed the community?",
				"Share a moment when its work mattered to someone.",
			}},
		},
	},
	{
		Key:      GroupOwn,
		Label:    "My own topic",
		Sentinel: &Category{Key: OwnTopicKey, Label: "Own topic"},
	},
}

// Languages is the enumerated language list; LanguageOther takes free text.
var Languages = []string{
	"English",
	"Spanish",
	"Mandarin Chinese",
	"Cantonese",
	"Hindi",
	"Tamil",
	"Telugu",
	"Korean",
	"Japanese",
	"Vietnamese",
	"Tagalog",
	"Persian",
	"Russian",
	LanguageOther,
}

// FindGroup looks up a top-level category.
func FindGroup(key string) (CategoryGroup, bool) {
	for _, g := range Catalog {
		if g.Key == key {
			return g, true
		}
	}
	return CategoryGroup{}, false
}

// FindLeaf looks up a leaf within a group.
func (g CategoryGroup) FindLeaf(key string) (Category, bool) {
	for _, c := range g.Leaves {
		if c.Key == key {
			return c, true
		}
	}
	if g.Sentinel != nil && g.Sentinel.Key == key {
		return *g.Sentinel, true
	}
	return Category{}, false
}

// KnownLanguage reports whether name is one of the enumerated languages
// (case-insensitive) and returns its canonical spelling.
func KnownLanguage(name string) (string, bool) {
	name = strings.TrimSpace(name)
	i := slices.IndexFunc(Languages, func(l string) bool { return strings.EqualFold(l, name) })
	if i < 0 {
		return "", false
	}
	return Languages[i], true
}
