package wizard

import (
	"errors"
	"fmt"
	"strings"

	"storyarchive/internal/recorder"
	"storyarchive/pkg/assist"
	"storyarchive/pkg/domain"
)

// MaxDetailTags caps the tags kept on a story.
const MaxDetailTags = 20

type Speaker struct {
	Name     string `json:"name"`
	Age      string `json:"age,omitempty"`
	Pronouns string `json:"pronouns,omitempty"`
}

// Photo is the optional speaker portrait held until submission.
type Photo struct {
	Name     string
	MimeType string
	Data     []byte
}

// CategorySelection is the category prompts choice. Key is empty until a
// leaf (or the own-topic sentinel) is chosen.
type CategorySelection struct {
	Group string `json:"group,omitempty"`
	Key   string `json:"key,omitempty"`
	Label string `json:"label,omitempty"`
}

type Details struct {
	Title    string           `json:"title"`
	Tags     []string         `json:"tags"`
	Location *domain.Location `json:"location,omitempty"`
	// Language is one of Languages; LanguageOther takes OtherLanguage.
	Language      string          `json:"language"`
	OtherLanguage string          `json:"otherLanguage,omitempty"`
	Date          domain.DateSpec `json:"date"`
	Summary       string          `json:"summary,omitempty"`
}

// EffectiveLanguage resolves the stored language name.
func (d Details) EffectiveLanguage() string {
	if d.Language == LanguageOther {
		return strings.TrimSpace(d.OtherLanguage)
	}
	if canon, ok := KnownLanguage(d.Language); ok {
		return canon
	}
	return ""
}

// Draft is the in-progress story.
type Draft struct {
	Speaker                Speaker
	Photo                  *Photo
	IncludeCategoryPrompts bool
	Category               CategorySelection
	// Clip is the recorder's current finished clip; AudioKey is set once
	// that clip has been uploaded.
	Clip       *recorder.Clip
	AudioKey   string
	audioFor   *recorder.Clip
	Transcript string
	Details    Details
}

// audioUploaded reports whether the active clip is the uploaded one.
func (d *Draft) audioUploaded() bool {
	return d.Clip != nil && d.AudioKey != "" && d.audioFor == d.Clip
}

// FieldError names a single failing field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists the fields blocking a step or the final submit.
type ValidationError struct {
	Step   StepName
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("wizard: step %s invalid: %s", e.Step, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrStepInvalid
}

type checker struct {
	step   StepName
	fields []FieldError
}

func (c *checker) fail(field, msg string) {
	c.fields = append(c.fields, FieldError{Field: field, Message: msg})
}

func (c *checker) err() error {
	if len(c.fields) == 0 {
		return nil
	}
	return &ValidationError{Step: c.step, Fields: c.fields}
}

func validateSpeaker(d *Draft) error {
	c := checker{step: StepSpeaker}
	if strings.TrimSpace(d.Speaker.Name) == "" {
		c.fail("speaker.name", "speaker name is required")
	}
	return c.err()
}

func validateCategory(d *Draft) error {
	c := checker{step: StepCategory}
	switch {
	case d.Category.Group == "":
		c.fail("category.group", "choose a category")
	case d.Category.Key == "":
		c.fail("category.key", "choose a topic within the category")
	}
	return c.err()
}

func validateRecord(d *Draft, state recorder.State) error {
	c := checker{step: StepRecord}
	if d.Clip.Empty() {
		c.fail("audio", "record or upload an audio clip")
	} else if state != recorder.StateFinished {
		c.fail("audio", "finish trimming before continuing")
	}
	return c.err()
}

func validateTranscription(o Outcome) error {
	c := checker{step: StepTranscription}
	if !o.Status.terminal() {
		c.fail("transcript", "transcription has not finished yet")
	}
	return c.err()
}

func validateDetails(d Details) error {
	c := checker{step: StepDetails}
	if strings.TrimSpace(d.Title) == "" {
		c.fail("details.title", "title is required")
	}
	if len(d.Tags) == 0 {
		c.fail("details.tags", "add at least one tag")
	}
	if d.Location == nil {
		c.fail("details.location", "location is required")
	} else if err := d.Location.Validate(); err != nil {
		c.fail("details.location", err.Error())
	}
	switch {
	case strings.TrimSpace(d.Language) == "":
		c.fail("details.language", "language is required")
	case d.Language == LanguageOther && strings.TrimSpace(d.OtherLanguage) == "":
		c.fail("details.otherLanguage", "name the language")
	case d.EffectiveLanguage() == "":
		c.fail("details.language", "unknown language")
	}
	if err := d.Date.Validate(); err != nil {
		c.fail("details.date", err.Error())
	}
	return c.err()
}

// validateSubmit checks the cumulative set the final submit needs, plus the
// full detail validation.
func validateSubmit(d *Draft) error {
	c := checker{step: StepReview}
	if !d.audioUploaded() {
		c.fail("audio", "audio has not been uploaded")
	}
	if strings.TrimSpace(d.Speaker.Name) == "" {
		c.fail("speaker.name", "speaker name is required")
	}
	if d.IncludeCategoryPrompts && d.Category.Key == "" {
		c.fail("category.key", "choose a topic within the category")
	}
	var ve *ValidationError
	if err := validateDetails(d.Details); errors.As(err, &ve) {
		c.fields = append(c.fields, ve.Fields...)
	}
	return c.err()
}

func normalizeDetails(d Details) Details {
	d.Title = strings.TrimSpace(d.Title)
	d.Summary = strings.TrimSpace(d.Summary)
	d.Tags = assist.NormalizeTags(d.Tags, MaxDetailTags)
	if canon, ok := KnownLanguage(d.Language); ok {
		d.Language = canon
	}
	if d.Language != LanguageOther {
		d.OtherLanguage = ""
	}
	if d.Location != nil {
		loc := *d.Location
		loc.Name = strings.TrimSpace(loc.Name)
		d.Location = &loc
	}
	return d
}
