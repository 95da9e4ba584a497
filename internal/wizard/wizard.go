// Package wizard drives the multi-step story submission workflow.
//
// A Wizard owns the draft, the audio recorder and the outcomes of the
// asynchronous transcription, suggestion and translation calls. Every step
// position is looked up through a StepTable built from the category prompts
// flag. Async results carry a generation number and are dropped when a newer
// request for the same purpose was issued in the meantime.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"storyarchive/internal/pubsub"
	"storyarchive/internal/recorder"
	"storyarchive/pkg/assist"
	"storyarchive/pkg/domain"
)

var (
	ErrStepInvalid     = errors.New("wizard: step is not complete")
	ErrWrongStep       = errors.New("wizard: operation not available on this step")
	ErrUnknownStep     = errors.New("wizard: unknown step")
	ErrLastStep        = errors.New("wizard: already on the last step")
	ErrFirstStep       = errors.New("wizard: already on the first step")
	ErrBusy            = errors.New("wizard: another operation is in progress")
	ErrClosed          = errors.New("wizard: closed")
	ErrSubmitted       = errors.New("wizard: story already submitted")
	ErrUnknownCategory = errors.New("wizard: unknown category")
	ErrInvalidPhoto    = errors.New("wizard: photo must be a non-empty image")
	ErrPhotoTooLarge   = errors.New("wizard: photo too large")
	ErrNoSuggestions   = errors.New("wizard: no suggestions available")
	ErrNoTranslation   = errors.New("wizard: no translation available")
	ErrDraftChanged    = errors.New("wizard: draft changed during the operation")
	ErrUpload          = errors.New("wizard: audio upload failed")
	ErrPublish         = errors.New("wizard: story could not be saved")
)

const (
	defaultMaxPhotoBytes = 10 << 20
	maxNotices           = 8
)

// Archive stores the blobs and the final document for a wizard.
type Archive interface {
	UploadAudio(ctx context.Context, author domain.Identity, name, mimeType string, data []byte) (string, error)
	// DiscardBlob removes an uploaded blob that no story references.
	DiscardBlob(ctx context.Context, key string)
	// Publish uploads the photo, if any, and writes the story document.
	// A failed document write must not leave the photo behind.
	Publish(ctx context.Context, author domain.Identity, sub Submission) (domain.Story, error)
}

// Submission is everything the archive needs to publish a story.
type Submission struct {
	Speaker    Speaker
	Photo      *Photo
	AudioKey   string
	Transcript string
	Category   CategorySelection
	Details    Details
}

type Config struct {
	ID          string
	Author      domain.Identity
	Archive     Archive
	Transcriber assist.Transcriber
	Suggester   assist.Suggester
	Translator  assist.Translator
	// MaxPhotoBytes caps the speaker photo. Defaults to 10 MiB.
	MaxPhotoBytes int
	// MaxRecordSeconds caps the recording length.
	MaxRecordSeconds int
	Logger           *slog.Logger
}

type Wizard struct {
	id       string
	author   domain.Identity
	archive  Archive
	stt      assist.Transcriber
	suggest  assist.Suggester
	tr       assist.Translator
	maxPhoto int
	log      *slog.Logger

	rec    *recorder.Recorder
	events *pubsub.PubSub[Event]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	steps          StepTable
	current        StepName
	draft          Draft
	transcription  Outcome
	suggestions    Outcome
	translation    Outcome
	transcribeGen  uint64
	suggestGen     uint64
	translateGen   uint64
	transcribedFor *recorder.Clip
	edited         bool
	busy           bool
	submitted      *domain.Story
	notices        []Notice
	noticeSeq      uint64
	closed         bool
}

func New(cfg Config) (*Wizard, error) {
	if cfg.ID == "" {
		return nil, errors.New("wizard: id is required")
	}
	if cfg.Author.UID == "" {
		return nil, errors.New("wizard: author is required")
	}
	if cfg.Archive == nil || cfg.Transcriber == nil || cfg.Suggester == nil || cfg.Translator == nil {
		return nil, errors.New("wizard: archive and assist services are required")
	}
	if cfg.MaxPhotoBytes <= 0 {
		cfg.MaxPhotoBytes = defaultMaxPhotoBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Wizard{
		id:       cfg.ID,
		author:   cfg.Author,
		archive:  cfg.Archive,
		stt:      cfg.Transcriber,
		suggest:  cfg.Suggester,
		tr:       cfg.Translator,
		maxPhoto: cfg.MaxPhotoBytes,
		log:      logger.With("wizard_id", cfg.ID),
		events:   pubsub.New[Event](),
		ctx:      ctx,
		cancel:   cancel,
		steps:    BuildSteps(false),
		current:  StepSpeaker,
	}
	w.rec = recorder.New(recorder.Options{
		OnClipChange: w.onClipChange,
		MaxSeconds:   cfg.MaxRecordSeconds,
	})
	return w, nil
}

func (w *Wizard) ID() string { return w.id }

func (w *Wizard) Author() domain.Identity { return w.author }

// Events subscribes to wizard changes until ctx is done.
func (w *Wizard) Events(ctx context.Context) pubsub.Subscription[Event] {
	return w.events.Subscribe(ctx)
}

// Recorder returns the audio recorder. It is only handed out on the record step.
func (w *Wizard) Recorder() (*recorder.Recorder, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepRecord); err != nil {
		return nil, err
	}
	return w.rec, nil
}

// RecorderChanged broadcasts the recorder state after a client action.
func (w *Wizard) RecorderChanged() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	snap := w.rec.Snapshot()
	w.publishLocked(Event{Type: EventRecorder, Recorder: &snap})
}

// RecorderFailed turns a failed recorder action into a notice. Only
// permission errors are user-facing; other failures are the caller's to report.
func (w *Wizard) RecorderFailed(err error) {
	if !errors.Is(err, recorder.ErrPermissionDenied) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.noticeLocked("record", "Microphone access was denied.", err)
	snap := w.rec.Snapshot()
	w.publishLocked(Event{Type: EventRecorder, Recorder: &snap})
}

// Clip returns the active finished clip, if any.
func (w *Wizard) Clip() *recorder.Clip {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft.Clip
}

func (w *Wizard) SetSpeaker(s Speaker) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepSpeaker); err != nil {
		return err
	}
	w.draft.Speaker = Speaker{
		Name:     strings.TrimSpace(s.Name),
		Age:      strings.TrimSpace(s.Age),
		Pronouns: strings.TrimSpace(s.Pronouns),
	}
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

// SpeakerPatch changes only the fields that are set.
type SpeakerPatch struct {
	Name     *string
	Age      *string
	Pronouns *string
}

// PatchSpeaker merges p into the current speaker.
func (w *Wizard) PatchSpeaker(p SpeakerPatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepSpeaker); err != nil {
		return err
	}
	sp := w.draft.Speaker
	if p.Name != nil {
		sp.Name = strings.TrimSpace(*p.Name)
	}
	if p.Age != nil {
		sp.Age = strings.TrimSpace(*p.Age)
	}
	if p.Pronouns != nil {
		sp.Pronouns = strings.TrimSpace(*p.Pronouns)
	}
	if sp == w.draft.Speaker {
		return nil
	}
	w.draft.Speaker = sp
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

// SetIncludeCategoryPrompts toggles the optional category step and rebuilds
// the step table. Turning it off clears any category choice.
func (w *Wizard) SetIncludeCategoryPrompts(on bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepSpeaker); err != nil {
		return err
	}
	w.draft.IncludeCategoryPrompts = on
	w.steps = BuildSteps(on)
	if !on {
		w.draft.Category = CategorySelection{}
	}
	w.publishLocked(Event{Type: EventStep, Step: w.current})
	return nil
}

// SetSpeakerPhoto stores the optional portrait; nil removes it.
func (w *Wizard) SetSpeakerPhoto(p *Photo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepSpeaker); err != nil {
		return err
	}
	if p == nil {
		w.draft.Photo = nil
		w.publishLocked(Event{Type: EventDraft})
		return nil
	}
	if len(p.Data) == 0 || !strings.HasPrefix(p.MimeType, "image/") {
		return ErrInvalidPhoto
	}
	if len(p.Data) > w.maxPhoto {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPhotoTooLarge, len(p.Data), w.maxPhoto)
	}
	w.draft.Photo = &Photo{
		Name:     p.Name,
		MimeType: p.MimeType,
		Data:     append([]byte(nil), p.Data...),
	}
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

// ChooseCategoryGroup selects a top-level category. A group without leaves
// resolves to its sentinel key at once.
func (w *Wizard) ChooseCategoryGroup(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepCategory); err != nil {
		return err
	}
	g, ok := FindGroup(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, key)
	}
	switch {
	case g.Sentinel != nil:
		w.draft.Category = CategorySelection{Group: g.Key, Key: g.Sentinel.Key, Label: g.Sentinel.Label}
	case w.draft.Category.Group != g.Key:
		w.draft.Category = CategorySelection{Group: g.Key}
	}
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

func (w *Wizard) ChooseCategoryLeaf(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepCategory); err != nil {
		return err
	}
	g, ok := FindGroup(w.draft.Category.Group)
	if !ok {
		return fmt.Errorf("%w: choose a category group first", ErrUnknownCategory)
	}
	leaf, ok := g.FindLeaf(key)
	if !ok {
		return fmt.Errorf("%w: %q is not in %q", ErrUnknownCategory, key, g.Key)
	}
	w.draft.Category = CategorySelection{Group: g.Key, Key: leaf.Key, Label: leaf.Label}
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

// SetTranscript replaces the transcript with the user's text. A transcription
// still in flight will record its outcome but no longer overwrite the text.
func (w *Wizard) SetTranscript(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepTranscription); err != nil {
		return err
	}
	w.draft.Transcript = text
	w.edited = true
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

// RetryTranscription sends the current clip to the transcriber again.
func (w *Wizard) RetryTranscription() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepTranscription); err != nil {
		return err
	}
	if w.transcription.Status == StatusPending {
		return ErrBusy
	}
	if w.draft.Clip.Empty() {
		return &ValidationError{Step: StepTranscription, Fields: []FieldError{{Field: "audio", Message: "no audio to transcribe"}}}
	}
	w.startTranscriptionLocked()
	return nil
}

// Translate requests a translation of the current transcript. A newer call
// supersedes the result of an older one.
func (w *Wizard) Translate(language string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepTranscription); err != nil {
		return err
	}
	text := strings.TrimSpace(w.draft.Transcript)
	language = strings.TrimSpace(language)
	c := checker{step: StepTranscription}
	if text == "" {
		c.fail("transcript", "nothing to translate")
	}
	if language == "" {
		c.fail("language", "choose a target language")
	}
	if err := c.err(); err != nil {
		return err
	}

	w.translateGen++
	gen := w.translateGen
	w.translation = Outcome{Status: StatusPending, Language: language}
	w.publishOutcomeLocked(EventTranslation, w.translation)
	w.goAsync(func(ctx context.Context) {
		out, err := w.tr.Translate(ctx, text, language)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || gen != w.translateGen {
			w.log.Debug("dropping stale translation", "generation", gen)
			return
		}
		if err != nil {
			w.translation = Outcome{Status: StatusError, Language: language, Error: err.Error()}
			w.noticeLocked("translate", "Translation failed. You can try again.", err)
		} else {
			w.translation = Outcome{Status: StatusSuccess, Language: language, Text: out}
		}
		w.publishOutcomeLocked(EventTranslation, w.translation)
	})
	return nil
}

// ApplyTranslation replaces the transcript with the latest translation.
func (w *Wizard) ApplyTranslation() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepTranscription); err != nil {
		return err
	}
	if w.translation.Status != StatusSuccess {
		return ErrNoTranslation
	}
	w.draft.Transcript = w.translation.Text
	w.edited = true
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

func (w *Wizard) SetDetails(d Details) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepDetails); err != nil {
		return err
	}
	w.draft.Details = normalizeDetails(d)
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

func (w *Wizard) AcceptSuggestedSummary() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepDetails); err != nil {
		return err
	}
	if w.suggestions.Status != StatusSuccess {
		return ErrNoSuggestions
	}
	w.draft.Details.Summary = w.suggestions.Summary
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

// AcceptSuggestedTags merges the suggested tags into the user's tags.
func (w *Wizard) AcceptSuggestedTags() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepDetails); err != nil {
		return err
	}
	if w.suggestions.Status != StatusSuccess {
		return ErrNoSuggestions
	}
	merged := append(append([]string(nil), w.draft.Details.Tags...), w.suggestions.Tags...)
	w.draft.Details.Tags = assist.NormalizeTags(merged, MaxDetailTags)
	w.publishLocked(Event{Type: EventDraft})
	return nil
}

// RetrySuggestions fetches suggestions again after a failure.
func (w *Wizard) RetrySuggestions() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(StepDetails); err != nil {
		return err
	}
	if w.suggestions.Status == StatusPending {
		return ErrBusy
	}
	text := strings.TrimSpace(w.draft.Transcript)
	if text == "" {
		return &ValidationError{Step: StepDetails, Fields: []FieldError{{Field: "transcript", Message: "transcript is empty"}}}
	}
	w.startSuggestionsLocked(text)
	return nil
}

// Validate runs the validator of an active step.
func (w *Wizard) Validate(step StepName) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.steps.Has(step) {
		return fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
	return w.validateLocked(step)
}

// CanAdvance reports whether Next would move past the current step.
func (w *Wizard) CanAdvance() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canAdvanceLocked()
}

// Next validates the current step and moves forward. Leaving the record step
// uploads the clip, once per clip, and starts transcription in the
// background. Entering the details step fetches suggestions once per
// transcript.
func (w *Wizard) Next(ctx context.Context) (StepName, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.editable(""); err != nil {
		return w.current, err
	}
	if err := w.validateLocked(w.current); err != nil {
		return w.current, err
	}
	from := w.current
	next, ok := w.steps.Next(from)
	if !ok {
		return from, ErrLastStep
	}

	if from == StepRecord && !w.draft.audioUploaded() {
		if err := w.uploadAudioLocked(ctx); err != nil {
			return w.current, err
		}
	}

	w.current = next
	if from == StepRecord && w.transcribedFor != w.draft.Clip {
		w.startTranscriptionLocked()
	}
	if next == StepDetails {
		w.maybeSuggestLocked()
	}
	w.publishLocked(Event{Type: EventStep, Step: w.current})
	return w.current, nil
}

// Back moves to the previous step without validation.
func (w *Wizard) Back() (StepName, error) {
	w.mu.Lock()
	if err := w.editable(""); err != nil {
		w.mu.Unlock()
		return w.current, err
	}
	prev, ok := w.steps.Prev(w.current)
	if !ok {
		w.mu.Unlock()
		return w.current, ErrFirstStep
	}
	return w.moveTo(prev)
}

// GoTo jumps back to an earlier active step.
func (w *Wizard) GoTo(step StepName) (StepName, error) {
	w.mu.Lock()
	return w.goToLocked(step)
}

// GoToIndex jumps back to the step at position i of the active steps, as
// shown by the progress bar.
func (w *Wizard) GoToIndex(i int) (StepName, error) {
	w.mu.Lock()
	step, err := w.steps.At(i)
	if err != nil {
		w.mu.Unlock()
		return w.current, fmt.Errorf("%w: %v", ErrUnknownStep, err)
	}
	return w.goToLocked(step)
}

// goToLocked is called with w.mu held and releases it.
func (w *Wizard) goToLocked(step StepName) (StepName, error) {
	if err := w.editable(""); err != nil {
		w.mu.Unlock()
		return w.current, err
	}
	if !w.steps.Has(step) {
		w.mu.Unlock()
		return w.current, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
	if !w.steps.Before(step, w.current) {
		w.mu.Unlock()
		return w.current, fmt.Errorf("%w: can only go back to an earlier step", ErrWrongStep)
	}
	return w.moveTo(step)
}

// moveTo is called with w.mu held and releases it. Leaving the record step
// mid-recording throws the partial recording away so the capture track is
// released.
func (w *Wizard) moveTo(step StepName) (StepName, error) {
	leavingRecord := w.current == StepRecord
	w.current = step
	w.publishLocked(Event{Type: EventStep, Step: step})
	w.mu.Unlock()

	if leavingRecord {
		switch w.rec.State() {
		case recorder.StateRecording, recorder.StatePaused:
			w.restartRecorder()
		}
	}
	return step, nil
}

// CanSubmit reports whether Submit would be attempted.
func (w *Wizard) CanSubmit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.editable(StepReview) == nil && validateSubmit(&w.draft) == nil
}

// ValidateSubmit explains what blocks the final submit.
func (w *Wizard) ValidateSubmit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return validateSubmit(&w.draft)
}

// Submit publishes the story. On failure the draft is kept for a retry; on
// success the wizard switches to its thank-you view with an empty draft.
func (w *Wizard) Submit(ctx context.Context) (domain.Story, error) {
	w.mu.Lock()
	if err := w.editable(StepReview); err != nil {
		w.mu.Unlock()
		return domain.Story{}, err
	}
	if err := validateSubmit(&w.draft); err != nil {
		w.mu.Unlock()
		return domain.Story{}, err
	}
	sub := w.submissionLocked()
	w.beginBusyLocked()
	defer w.wg.Done()
	w.mu.Unlock()

	story, err := w.archive.Publish(ctx, w.author, sub)

	w.mu.Lock()
	w.busy = false
	if err != nil {
		if w.closed {
			w.discardLater(sub.AudioKey)
		} else {
			w.noticeLocked("submit", "Your story could not be saved. Please try again.", err)
		}
		w.mu.Unlock()
		return domain.Story{}, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	w.submitted = &story
	w.resetDraftLocked()
	w.publishLocked(Event{Type: EventSubmitted, Story: &story})
	w.mu.Unlock()

	w.log.Info("story submitted", "story_id", story.ID)
	w.restartRecorder()
	return story, nil
}

// Reset discards the draft and starts over on the first step.
func (w *Wizard) Reset() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.busy {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.submitted == nil && w.draft.AudioKey != "" {
		w.discardLater(w.draft.AudioKey)
	}
	w.submitted = nil
	w.notices = nil
	w.resetDraftLocked()
	w.publishLocked(Event{Type: EventReset, Step: w.current})
	w.mu.Unlock()

	w.restartRecorder()
	return nil
}

// Wait blocks until all background calls have finished.
func (w *Wizard) Wait() {
	w.wg.Wait()
}

// Close releases the recorder, cancels background calls and removes any
// uploaded audio that never made it into a story.
func (w *Wizard) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if !w.busy && w.submitted == nil && w.draft.AudioKey != "" {
		w.discardLater(w.draft.AudioKey)
	}
	w.cancel()
	w.events.Stop()
	w.mu.Unlock()

	w.rec.Close()
	w.wg.Wait()
}

type View string

const (
	ViewForm     View = "form"
	ViewThankYou View = "thankYou"
)

type Snapshot struct {
	ID                     string            `json:"id"`
	View                   View              `json:"view"`
	Step                   StepName          `json:"step"`
	StepIndex              int               `json:"stepIndex"`
	Steps                  []StepName        `json:"steps"`
	CanAdvance             bool              `json:"canAdvance"`
	CanSubmit              bool              `json:"canSubmit"`
	Busy                   bool              `json:"busy"`
	Speaker                Speaker           `json:"speaker"`
	HasPhoto               bool              `json:"hasPhoto"`
	IncludeCategoryPrompts bool              `json:"includeCategoryPrompts"`
	Category               CategorySelection `json:"category"`
	AudioUploaded          bool              `json:"audioUploaded"`
	Transcript             string            `json:"transcript"`
	Details                Details           `json:"details"`
	Recorder               recorder.Snapshot `json:"recorder"`
	Transcription          Outcome           `json:"transcription"`
	Suggestions            Outcome           `json:"suggestions"`
	Translation            Outcome           `json:"translation"`
	Notices                []Notice          `json:"notices"`
	Story                  *domain.Story     `json:"story,omitempty"`
}

func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx, _ := w.steps.Index(w.current)
	snap := Snapshot{
		ID:                     w.id,
		View:                   ViewForm,
		Step:                   w.current,
		StepIndex:              idx,
		Steps:                  w.steps.Steps(),
		CanAdvance:             w.canAdvanceLocked(),
		CanSubmit:              w.editable(StepReview) == nil && validateSubmit(&w.draft) == nil,
		Busy:                   w.busy,
		Speaker:                w.draft.Speaker,
		HasPhoto:               w.draft.Photo != nil,
		IncludeCategoryPrompts: w.draft.IncludeCategoryPrompts,
		Category:               w.draft.Category,
		AudioUploaded:          w.draft.audioUploaded(),
		Transcript:             w.draft.Transcript,
		Details:                w.draft.Details,
		Recorder:               w.rec.Snapshot(),
		Transcription:          w.transcription,
		Suggestions:            w.suggestions,
		Translation:            w.translation,
		Notices:                append([]Notice(nil), w.notices...),
	}
	if w.submitted != nil {
		story := *w.submitted
		snap.View = ViewThankYou
		snap.Story = &story
	}
	return snap
}

// onClipChange is the recorder's clip callback; the recorder is the only
// source of truth for whether audio was provided.
func (w *Wizard) onClipChange(clip *recorder.Clip) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.draft.Clip == clip {
		return
	}
	w.draft.Clip = clip
	if w.transcription.Status == StatusPending {
		// the pending result belongs to the previous clip
		w.transcribeGen++
		w.transcription = Outcome{}
	}
	snap := w.rec.Snapshot()
	w.publishLocked(Event{Type: EventRecorder, Recorder: &snap})
}

func (w *Wizard) editable(step StepName) error {
	switch {
	case w.closed:
		return ErrClosed
	case w.submitted != nil:
		return ErrSubmitted
	case w.busy:
		return ErrBusy
	case step != "" && w.current != step:
		return fmt.Errorf("%w: current step is %s, not %s", ErrWrongStep, w.current, step)
	}
	return nil
}

func (w *Wizard) validateLocked(step StepName) error {
	switch step {
	case StepSpeaker:
		return validateSpeaker(&w.draft)
	case StepCategory:
		return validateCategory(&w.draft)
	case StepRecord:
		return validateRecord(&w.draft, w.rec.State())
	case StepTranscription:
		return validateTranscription(w.transcription)
	case StepDetails:
		return validateDetails(w.draft.Details)
	case StepReview:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownStep, step)
}

func (w *Wizard) canAdvanceLocked() bool {
	if w.editable("") != nil {
		return false
	}
	if _, ok := w.steps.Next(w.current); !ok {
		return false
	}
	return w.validateLocked(w.current) == nil
}

// uploadAudioLocked uploads the active clip with w.mu released for the
// duration of the call. w.busy keeps other operations out meanwhile.
func (w *Wizard) uploadAudioLocked(ctx context.Context) error {
	clip := w.draft.Clip
	w.beginBusyLocked()
	defer w.wg.Done()
	w.mu.Unlock()
	key, err := w.archive.UploadAudio(ctx, w.author, clip.Name, clip.MimeType, clip.Data)
	w.mu.Lock()
	w.busy = false

	if err != nil {
		if !w.closed {
			w.noticeLocked("upload", "Audio upload failed. Please try again.", err)
		}
		return fmt.Errorf("%w: %w", ErrUpload, err)
	}
	if w.closed || w.draft.Clip != clip || w.current != StepRecord {
		w.discardLater(key)
		if w.closed {
			// Close skipped the draft audio while we were busy.
			w.discardLater(w.draft.AudioKey)
			return ErrClosed
		}
		return ErrDraftChanged
	}
	if old := w.draft.AudioKey; old != "" {
		w.discardLater(old)
	}
	w.draft.AudioKey = key
	w.draft.audioFor = clip
	return nil
}

func (w *Wizard) startTranscriptionLocked() {
	w.transcribeGen++
	gen := w.transcribeGen
	clip := w.draft.Clip
	w.transcribedFor = clip
	w.edited = false
	w.transcription = Outcome{Status: StatusPending}
	w.publishOutcomeLocked(EventTranscription, w.transcription)
	w.goAsync(func(ctx context.Context) {
		text, err := w.stt.Transcribe(ctx, clip.Data, clip.MimeType)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || gen != w.transcribeGen {
			w.log.Debug("dropping stale transcription", "generation", gen)
			return
		}
		if err != nil {
			w.transcription = Outcome{Status: StatusError, Error: err.Error()}
			w.noticeLocked("transcribe", "Transcription failed. You can type the transcript yourself.", err)
		} else {
			w.transcription = Outcome{Status: StatusSuccess, Text: text}
			if !w.edited {
				w.draft.Transcript = text
			}
		}
		w.publishOutcomeLocked(EventTranscription, w.transcription)
	})
}

func (w *Wizard) maybeSuggestLocked() {
	text := strings.TrimSpace(w.draft.Transcript)
	if text == "" {
		return
	}
	if w.suggestions.Status != StatusNone && w.suggestions.input == text {
		return
	}
	w.startSuggestionsLocked(text)
}

func (w *Wizard) startSuggestionsLocked(text string) {
	w.suggestGen++
	gen := w.suggestGen
	w.suggestions = Outcome{Status: StatusPending, input: text}
	w.publishOutcomeLocked(EventSuggestions, w.suggestions)
	w.goAsync(func(ctx context.Context) {
		res, err := w.suggest.Suggest(ctx, text)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || gen != w.suggestGen {
			w.log.Debug("dropping stale suggestions", "generation", gen)
			return
		}
		if err != nil {
			w.suggestions = Outcome{Status: StatusError, Error: err.Error(), input: text}
			w.noticeLocked("suggest", "Suggestions are unavailable right now.", err)
		} else {
			w.suggestions = Outcome{Status: StatusSuccess, Summary: res.Summary, Tags: res.Tags, input: text}
		}
		w.publishOutcomeLocked(EventSuggestions, w.suggestions)
	})
}

func (w *Wizard) submissionLocked() Submission {
	d := w.draft
	details := d.Details
	details.Tags = append([]string(nil), details.Tags...)
	details.Language = details.EffectiveLanguage()
	details.OtherLanguage = ""
	sub := Submission{
		Speaker:    d.Speaker,
		AudioKey:   d.AudioKey,
		Transcript: strings.TrimSpace(d.Transcript),
		Details:    details,
	}
	if d.IncludeCategoryPrompts {
		sub.Category = d.Category
	}
	if d.Photo != nil {
		p := *d.Photo
		sub.Photo = &p
	}
	return sub
}

// resetDraftLocked empties the draft and bumps every generation so results
// still in flight are dropped.
func (w *Wizard) resetDraftLocked() {
	w.draft = Draft{}
	w.steps = BuildSteps(false)
	w.current = StepSpeaker
	w.transcription, w.suggestions, w.translation = Outcome{}, Outcome{}, Outcome{}
	w.transcribeGen++
	w.suggestGen++
	w.translateGen++
	w.transcribedFor = nil
	w.edited = false
}

func (w *Wizard) restartRecorder() {
	if err := w.rec.Restart(); err != nil && !errors.Is(err, recorder.ErrInvalidTransition) && !errors.Is(err, recorder.ErrClosed) {
		w.log.Warn("recorder restart failed", "err", err)
	}
}

// beginBusyLocked marks a foreground call in flight. It holds a w.wg slot
// until the caller's deferred Done, so Close waits for the call and any
// cleanup it schedules.
func (w *Wizard) beginBusyLocked() {
	w.busy = true
	w.wg.Add(1)
}

func (w *Wizard) goAsync(fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
}

// discardLater removes an orphaned blob in the background; it outlives Close.
func (w *Wizard) discardLater(key string) {
	if key == "" {
		return
	}
	ctx := context.WithoutCancel(w.ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.archive.DiscardBlob(ctx, key)
	}()
}

func (w *Wizard) noticeLocked(op, message string, err error) {
	w.log.Warn("wizard operation failed", "op", op, "err", err)
	w.noticeSeq++
	n := Notice{ID: w.noticeSeq, Op: op, Message: message, At: time.Now().UTC()}
	w.notices = append(w.notices, n)
	if len(w.notices) > maxNotices {
		w.notices = w.notices[len(w.notices)-maxNotices:]
	}
	w.publishLocked(Event{Type: EventNotice, Notice: &n})
}

// DismissNotice removes a notice from the snapshot.
func (w *Wizard) DismissNotice(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, n := range w.notices {
		if n.ID == id {
			w.notices = append(w.notices[:i], w.notices[i+1:]...)
			return
		}
	}
}

func (w *Wizard) publishOutcomeLocked(t EventType, o Outcome) {
	o.Tags = append([]string(nil), o.Tags...)
	w.publishLocked(Event{Type: t, Step: w.current, Outcome: &o})
}

func (w *Wizard) publishLocked(evt Event) {
	if w.closed {
		return
	}
	evt.WizardID = w.id
	w.events.Publish(evt)
}
