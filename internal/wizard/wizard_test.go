package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/stretchr/testify/require"

	"storyarchive/internal/recorder"
	"storyarchive/pkg/assist"
	"storyarchive/pkg/domain"
)

const testRate = 8000

var testAuthor = domain.Identity{UID: "user-1", DisplayName: "Ana"}

type fakeArchive struct {
	mu         sync.Mutex
	uploads    []string
	discarded  []string
	published  []Submission
	uploadErr  error
	publishErr error

	// publishEntered is closed when Publish starts, which then blocks on
	// publishGate.
	publishEntered chan struct{}
	publishGate    chan struct{}
}

func (a *fakeArchive) UploadAudio(_ context.Context, author domain.Identity, name, _ string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploadErr != nil {
		return "", a.uploadErr
	}
	if len(data) == 0 {
		return "", errors.New("empty audio")
	}
	key := fmt.Sprintf("audio/%s/%d-%s", author.UID, len(a.uploads), name)
	a.uploads = append(a.uploads, key)
	return key, nil
}

func (a *fakeArchive) DiscardBlob(_ context.Context, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discarded = append(a.discarded, key)
}

func (a *fakeArchive) Publish(_ context.Context, author domain.Identity, sub Submission) (domain.Story, error) {
	if a.publishGate != nil {
		close(a.publishEntered)
		<-a.publishGate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.publishErr != nil {
		return domain.Story{}, a.publishErr
	}
	a.published = append(a.published, sub)
	story := domain.Story{
		ID:            fmt.Sprintf("story-%d", len(a.published)),
		Title:         sub.Details.Title,
		Speaker:       sub.Speaker.Name,
		AudioKey:      sub.AudioKey,
		Tags:          sub.Details.Tags,
		Language:      sub.Details.Language,
		Transcription: sub.Transcript,
		AuthorID:      author.UID,
		DateSpec:      sub.Details.Date,
		CategoryGroup: sub.Category.Group,
		CategoryKey:   sub.Category.Key,
		CategoryLabel: sub.Category.Label,
	}
	if sub.Details.Location != nil {
		story.Location = *sub.Details.Location
	}
	return story, nil
}

func (a *fakeArchive) counts() (uploads, discarded, published int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.uploads), len(a.discarded), len(a.published)
}

type fakeAssist struct {
	mu            sync.Mutex
	transcript    string
	transcribeErr error
	suggestions   assist.Suggestions
	suggestErr    error
	gates         map[string]chan struct{}
	suggestInputs []string
	transcribes   int
}

func newFakeAssist() *fakeAssist {
	return &fakeAssist{
		transcript:  "Hello world.",
		suggestions: assist.Suggestions{Summary: "A greeting.", Tags: []string{"Greeting", "Family"}},
		gates:       map[string]chan struct{}{},
	}
}

func (f *fakeAssist) Transcribe(context.Context, []byte, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribes++
	return f.transcript, f.transcribeErr
}

func (f *fakeAssist) Suggest(_ context.Context, transcript string) (assist.Suggestions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suggestInputs = append(f.suggestInputs, transcript)
	return f.suggestions, f.suggestErr
}

func (f *fakeAssist) Translate(ctx context.Context, text, lang string) (string, error) {
	f.mu.Lock()
	gate := f.gates[lang]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "[" + lang + "] " + text, nil
}

func (f *fakeAssist) suggestCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.suggestInputs...)
}

func newTestWizard(t *testing.T, archive *fakeArchive, ai *fakeAssist) *Wizard {
	t.Helper()
	w, err := New(Config{
		ID:          "wiz-1",
		Author:      testAuthor,
		Archive:     archive,
		Transcriber: ai,
		Suggester:   ai,
		Translator:  ai,
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func tone(seconds float64) *audio.IntBuffer {
	frames := int(seconds * testRate)
	data := make([]int, frames)
	for i := range data {
		data[i] = (i*13)%20000 - 10000
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: testRate, NumChannels: 1},
		Data:           data,
		SourceBitDepth: 16,
	}
}

func recordClip(t *testing.T, w *Wizard, seconds float64) *recorder.Clip {
	t.Helper()
	rec, err := w.Recorder()
	require.NoError(t, err)
	require.NoError(t, rec.Start(context.Background(), recorder.RemoteDevice{}))
	require.NoError(t, rec.Append(tone(seconds)))
	clip, err := rec.Stop(context.Background())
	require.NoError(t, err)
	require.Same(t, clip, w.Clip())
	return clip
}

func next(t *testing.T, w *Wizard, want StepName) {
	t.Helper()
	got, err := w.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func validDetails() Details {
	return Details{
		Title:    "Test",
		Tags:     []string{"Family"},
		Location: &domain.Location{Name: "Oaxaca, Mexico", Lat: 17.06, Lng: -96.72},
		Language: "Spanish",
		Date:     domain.YearDate(1990),
	}
}

// toDetails walks a fresh wizard from the speaker step to the details step.
func toDetails(t *testing.T, w *Wizard) {
	t.Helper()
	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)
	recordClip(t, w, 2)
	next(t, w, StepTranscription)
	w.Wait()
	next(t, w, StepDetails)
	w.Wait()
}

func TestStepTableMatchesToggle(t *testing.T) {
	for _, include := range []bool{false, true} {
		table := BuildSteps(include)
		want := 5
		if include {
			want = 6
		}
		require.Equal(t, want, table.Len())
		require.Equal(t, include, table.Has(StepCategory))
		for i, name := range table.Steps() {
			idx, ok := table.Index(name)
			require.True(t, ok)
			require.Equal(t, i, idx)
			at, err := table.At(i)
			require.NoError(t, err)
			require.Equal(t, name, at)
		}
		for _, name := range []StepName{StepSpeaker, StepRecord, StepTranscription, StepDetails, StepReview} {
			require.True(t, table.Has(name), "step %s", name)
		}
		_, err := table.At(table.Len())
		require.Error(t, err)
	}

	with := BuildSteps(true)
	step, ok := with.Next(StepSpeaker)
	require.True(t, ok)
	require.Equal(t, StepCategory, step)
	idx, _ := with.Index(StepRecord)
	require.Equal(t, 2, idx)
}

func TestEveryActiveStepHasValidator(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	require.NoError(t, w.SetIncludeCategoryPrompts(true))
	for _, step := range w.Snapshot().Steps {
		err := w.Validate(step)
		require.False(t, errors.Is(err, ErrUnknownStep), "step %s", step)
	}
	require.ErrorIs(t, w.Validate("bogus"), ErrUnknownStep)
}

func TestScenarioRecordTrimSubmit(t *testing.T) {
	archive := &fakeArchive{}
	ai := newFakeAssist()
	w := newTestWizard(t, archive, ai)

	require.False(t, w.CanAdvance())
	_, err := w.Next(context.Background())
	require.ErrorIs(t, err, ErrStepInvalid)

	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)

	rec, err := w.Recorder()
	require.NoError(t, err)
	recordClip(t, w, 10)
	_, err = rec.EnableTrimming()
	require.NoError(t, err)
	require.False(t, w.CanAdvance(), "trimming must be confirmed first")
	require.NoError(t, rec.SetTrimRegion(2, 7))
	trimmed, err := rec.ConfirmTrim(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 5.0, trimmed.Duration(), 1.0/testRate)
	require.Same(t, trimmed, w.Clip())

	next(t, w, StepTranscription)
	w.Wait()
	snap := w.Snapshot()
	require.Equal(t, StatusSuccess, snap.Transcription.Status)
	require.Equal(t, "Hello world.", snap.Transcript)
	require.True(t, snap.AudioUploaded)

	next(t, w, StepDetails)
	w.Wait()
	require.Equal(t, StatusSuccess, w.Snapshot().Suggestions.Status)
	require.NoError(t, w.SetDetails(validDetails()))
	next(t, w, StepReview)

	require.True(t, w.CanSubmit())
	story, err := w.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Test", story.Title)
	require.Equal(t, "Maria G.", story.Speaker)
	require.NotNil(t, story.Year)
	require.Equal(t, 1990, *story.Year)
	require.Nil(t, story.StartYear)
	require.Nil(t, story.EndYear)
	require.Equal(t, []string{"Family"}, story.Tags)
	require.Equal(t, "Spanish", story.Language)
	require.Equal(t, 17.06, story.Location.Lat)
	require.Equal(t, "Hello world.", story.Transcription)

	uploads, discarded, published := archive.counts()
	require.Equal(t, 1, uploads)
	require.Equal(t, 0, discarded)
	require.Equal(t, 1, published)

	snap = w.Snapshot()
	require.Equal(t, ViewThankYou, snap.View)
	require.Equal(t, StepSpeaker, snap.Step)
	require.Empty(t, snap.Speaker.Name)
	require.Equal(t, recorder.StateIdle, snap.Recorder.State)

	_, err = w.Next(context.Background())
	require.ErrorIs(t, err, ErrSubmitted)
	require.NoError(t, w.Reset())
	require.Equal(t, ViewForm, w.Snapshot().View)
}

func TestScenarioTranscriptionFailureAllowsManualTranscript(t *testing.T) {
	ai := newFakeAssist()
	ai.transcribeErr = &assist.Error{Op: "transcribe", Kind: assist.KindProvider, Err: errors.New("503")}
	w := newTestWizard(t, &fakeArchive{}, ai)

	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)
	recordClip(t, w, 1)
	next(t, w, StepTranscription)
	w.Wait()

	snap := w.Snapshot()
	require.Equal(t, StatusError, snap.Transcription.Status)
	require.Empty(t, snap.Transcript)
	require.Len(t, snap.Notices, 1)
	require.Equal(t, "transcribe", snap.Notices[0].Op)

	require.NoError(t, w.SetTranscript("Typed by hand."))
	next(t, w, StepDetails)
	w.Wait()
	require.Equal(t, []string{"Typed by hand."}, ai.suggestCalls())
}

func TestScenarioCategoryPrompts(t *testing.T) {
	archive := &fakeArchive{}
	w := newTestWizard(t, archive, newFakeAssist())

	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	require.NoError(t, w.SetIncludeCategoryPrompts(true))
	require.Len(t, w.Snapshot().Steps, 6)
	next(t, w, StepCategory)

	_, err := w.Next(context.Background())
	require.ErrorIs(t, err, ErrStepInvalid)
	require.ErrorIs(t, w.ChooseCategoryLeaf("org-history"), ErrUnknownCategory)

	require.NoError(t, w.ChooseCategoryGroup(GroupOrganization))
	require.ErrorIs(t, w.Validate(StepCategory), ErrStepInvalid, "a group alone is not enough")
	require.ErrorIs(t, w.ChooseCategoryLeaf("area-early"), ErrUnknownCategory)
	require.NoError(t, w.ChooseCategoryLeaf("org-history"))
	next(t, w, StepRecord)

	recordClip(t, w, 1)
	next(t, w, StepTranscription)
	w.Wait()
	next(t, w, StepDetails)
	w.Wait()
	require.NoError(t, w.SetDetails(validDetails()))
	next(t, w, StepReview)

	story, err := w.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, GroupOrganization, story.CategoryGroup)
	require.Equal(t, "org-history", story.CategoryKey)
	require.Equal(t, "Its history", story.CategoryLabel)
}

func TestOwnTopicShortCircuits(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	require.NoError(t, w.SetSpeaker(Speaker{Name: "Lee"}))
	require.NoError(t, w.SetIncludeCategoryPrompts(true))
	next(t, w, StepCategory)
	require.NoError(t, w.ChooseCategoryGroup(GroupOwn))
	require.Equal(t, OwnTopicKey, w.Snapshot().Category.Key)
	next(t, w, StepRecord)
}

func TestPatchSpeakerMergesFields(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	name, age, empty := " Maria G. ", "82", ""
	require.NoError(t, w.PatchSpeaker(SpeakerPatch{Name: &name, Age: &age}))
	require.NoError(t, w.PatchSpeaker(SpeakerPatch{}))
	require.Equal(t, Speaker{Name: "Maria G.", Age: "82"}, w.Snapshot().Speaker)

	require.NoError(t, w.PatchSpeaker(SpeakerPatch{Age: &empty}))
	require.Equal(t, Speaker{Name: "Maria G."}, w.Snapshot().Speaker)
	require.True(t, w.CanAdvance())

	next(t, w, StepRecord)
	require.ErrorIs(t, w.PatchSpeaker(SpeakerPatch{Name: &name}), ErrWrongStep)
}

func TestGoToIndexFollowsActiveSteps(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	require.NoError(t, w.SetSpeaker(Speaker{Name: "Lee"}))
	require.NoError(t, w.SetIncludeCategoryPrompts(true))
	next(t, w, StepCategory)
	require.NoError(t, w.ChooseCategoryGroup(GroupOwn))
	next(t, w, StepRecord)

	_, err := w.GoToIndex(6)
	require.ErrorIs(t, err, ErrUnknownStep)
	_, err = w.GoToIndex(2)
	require.ErrorIs(t, err, ErrWrongStep, "current step is not earlier")

	step, err := w.GoToIndex(1)
	require.NoError(t, err)
	require.Equal(t, StepCategory, step)
	require.Equal(t, 1, w.Snapshot().StepIndex)
}

func TestTogglingCategoryStepOffOnlyOnSpeakerStep(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	require.NoError(t, w.SetSpeaker(Speaker{Name: "Lee"}))
	require.NoError(t, w.SetIncludeCategoryPrompts(true))
	next(t, w, StepCategory)
	require.ErrorIs(t, w.SetIncludeCategoryPrompts(false), ErrWrongStep)
	require.NoError(t, w.ChooseCategoryGroup(GroupOwn))

	_, err := w.Back()
	require.NoError(t, err)
	require.NoError(t, w.SetIncludeCategoryPrompts(false))
	snap := w.Snapshot()
	require.Len(t, snap.Steps, 5)
	require.Empty(t, snap.Category.Key)
	next(t, w, StepRecord)
	require.Equal(t, 1, w.Snapshot().StepIndex)
}

func TestSuggestionsFetchedOncePerTranscript(t *testing.T) {
	ai := newFakeAssist()
	w := newTestWizard(t, &fakeArchive{}, ai)
	toDetails(t, w)
	require.Len(t, ai.suggestCalls(), 1)

	_, err := w.Back()
	require.NoError(t, err)
	next(t, w, StepDetails)
	w.Wait()
	require.Len(t, ai.suggestCalls(), 1)

	_, err = w.Back()
	require.NoError(t, err)
	require.NoError(t, w.SetTranscript("A different story."))
	next(t, w, StepDetails)
	w.Wait()
	require.Equal(t, []string{"Hello world.", "A different story."}, ai.suggestCalls())
}

func TestAcceptSuggestionsIsAdditive(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	toDetails(t, w)

	d := validDetails()
	d.Tags = []string{"family", "Orchards"}
	require.NoError(t, w.SetDetails(d))
	require.NoError(t, w.AcceptSuggestedTags())
	require.NoError(t, w.AcceptSuggestedSummary())

	snap := w.Snapshot()
	require.Equal(t, []string{"family", "Orchards", "Greeting"}, snap.Details.Tags)
	require.Equal(t, "A greeting.", snap.Details.Summary)
}

func TestSuggestionFailureIsRetryable(t *testing.T) {
	ai := newFakeAssist()
	ai.suggestErr = &assist.Error{Op: "suggest", Kind: assist.KindMalformedResponse, Err: errors.New("bad json")}
	w := newTestWizard(t, &fakeArchive{}, ai)
	toDetails(t, w)

	require.Equal(t, StatusError, w.Snapshot().Suggestions.Status)
	require.ErrorIs(t, w.AcceptSuggestedTags(), ErrNoSuggestions)

	ai.mu.Lock()
	ai.suggestErr = nil
	ai.mu.Unlock()
	require.NoError(t, w.RetrySuggestions())
	w.Wait()
	require.Equal(t, StatusSuccess, w.Snapshot().Suggestions.Status)
}

func TestStaleTranslationIsDropped(t *testing.T) {
	ai := newFakeAssist()
	slow := make(chan struct{})
	ai.gates["Spanish"] = slow
	w := newTestWizard(t, &fakeArchive{}, ai)

	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)
	recordClip(t, w, 1)
	next(t, w, StepTranscription)
	w.Wait()

	require.NoError(t, w.Translate("Spanish"))
	require.Equal(t, StatusPending, w.Snapshot().Translation.Status)
	require.NoError(t, w.Translate("French"))
	require.Eventually(t, func() bool {
		return w.Snapshot().Translation.Status == StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)

	close(slow)
	w.Wait()
	tr := w.Snapshot().Translation
	require.Equal(t, "French", tr.Language)
	require.Equal(t, "[French] Hello world.", tr.Text)

	require.NoError(t, w.ApplyTranslation())
	require.Equal(t, "[French] Hello world.", w.Snapshot().Transcript)
}

func TestTranslateValidatesInput(t *testing.T) {
	ai := newFakeAssist()
	ai.transcript = ""
	w := newTestWizard(t, &fakeArchive{}, ai)
	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)
	recordClip(t, w, 1)
	next(t, w, StepTranscription)
	w.Wait()

	err := w.Translate("Spanish")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "transcript", ve.Fields[0].Field)
	require.Equal(t, StatusNone, w.Snapshot().Translation.Status)
}

func TestAudioUploadedOncePerClip(t *testing.T) {
	archive := &fakeArchive{}
	ai := newFakeAssist()
	w := newTestWizard(t, archive, ai)

	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)
	recordClip(t, w, 1)
	next(t, w, StepTranscription)
	w.Wait()

	_, err := w.Back()
	require.NoError(t, err)
	next(t, w, StepTranscription)
	w.Wait()
	uploads, _, _ := archive.counts()
	require.Equal(t, 1, uploads)
	require.Equal(t, 1, ai.transcribes)

	_, err = w.Back()
	require.NoError(t, err)
	rec, err := w.Recorder()
	require.NoError(t, err)
	require.NoError(t, rec.Restart())
	require.Nil(t, w.Clip())
	require.False(t, w.CanAdvance())
	recordClip(t, w, 2)
	next(t, w, StepTranscription)
	w.Wait()

	uploads, discarded, _ := archive.counts()
	require.Equal(t, 2, uploads)
	require.Equal(t, 1, discarded)
	require.Equal(t, 2, ai.transcribes)
}

func TestUploadFailureStaysOnRecordStep(t *testing.T) {
	archive := &fakeArchive{uploadErr: errors.New("bucket unavailable")}
	w := newTestWizard(t, archive, newFakeAssist())
	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)
	recordClip(t, w, 1)

	_, err := w.Next(context.Background())
	require.ErrorIs(t, err, ErrUpload)
	snap := w.Snapshot()
	require.Equal(t, StepRecord, snap.Step)
	require.Len(t, snap.Notices, 1)

	archive.mu.Lock()
	archive.uploadErr = nil
	archive.mu.Unlock()
	next(t, w, StepTranscription)
}

func TestSubmitFailureKeepsDraft(t *testing.T) {
	archive := &fakeArchive{}
	w := newTestWizard(t, archive, newFakeAssist())
	toDetails(t, w)
	require.NoError(t, w.SetDetails(validDetails()))
	next(t, w, StepReview)

	archive.mu.Lock()
	archive.publishErr = errors.New("write failed")
	archive.mu.Unlock()
	_, err := w.Submit(context.Background())
	require.ErrorIs(t, err, ErrPublish)

	snap := w.Snapshot()
	require.Equal(t, ViewForm, snap.View)
	require.Equal(t, StepReview, snap.Step)
	require.Equal(t, "Test", snap.Details.Title)
	require.True(t, snap.AudioUploaded)
	require.True(t, snap.CanSubmit)
	require.NotEmpty(t, snap.Notices)

	archive.mu.Lock()
	archive.publishErr = nil
	archive.mu.Unlock()
	_, err = w.Submit(context.Background())
	require.NoError(t, err)
	_, discarded, published := archive.counts()
	require.Equal(t, 1, published)
	require.Equal(t, 0, discarded)
}

func TestSubmitRevalidatesDetails(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	toDetails(t, w)
	require.NoError(t, w.SetDetails(validDetails()))
	next(t, w, StepReview)

	w.mu.Lock()
	w.draft.Details.Date = domain.DateSpec{Kind: domain.DatePeriod}
	w.mu.Unlock()

	require.False(t, w.CanSubmit())
	_, err := w.Submit(context.Background())
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "details.date", ve.Fields[0].Field)
}

func TestOpenPeriodIsAccepted(t *testing.T) {
	d := validDetails()
	d.Date = domain.PeriodDate(1960, nil)
	require.NoError(t, validateDetails(d))

	archive := &fakeArchive{}
	w := newTestWizard(t, archive, newFakeAssist())
	toDetails(t, w)
	require.NoError(t, w.SetDetails(d))
	next(t, w, StepReview)
	story, err := w.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.DatePeriod, story.Kind)
	require.Equal(t, 1960, *story.StartYear)
	require.Nil(t, story.EndYear)
	require.Nil(t, story.Year)
}

func TestDetailsValidation(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*Details)
		field string
	}{
		{"title", func(d *Details) { d.Title = "  " }, "details.title"},
		{"tags", func(d *Details) { d.Tags = nil }, "details.tags"},
		{"location", func(d *Details) { d.Location = nil }, "details.location"},
		{"language", func(d *Details) { d.Language = "" }, "details.language"},
		{"other language", func(d *Details) { d.Language = LanguageOther }, "details.otherLanguage"},
		{"unknown language", func(d *Details) { d.Language = "Klingon" }, "details.language"},
		{"period without start", func(d *Details) { d.Date = domain.DateSpec{Kind: domain.DatePeriod} }, "details.date"},
		{"both date forms", func(d *Details) {
			d.Date = domain.YearDate(1990)
			start := 1980
			d.Date.StartYear = &start
		}, "details.date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDetails()
			tc.edit(&d)
			var ve *ValidationError
			require.ErrorAs(t, validateDetails(d), &ve)
			require.Equal(t, tc.field, ve.Fields[0].Field)
		})
	}

	d := validDetails()
	d.Language = LanguageOther
	d.OtherLanguage = "Zapotec"
	require.NoError(t, validateDetails(d))
	require.Equal(t, "Zapotec", d.EffectiveLanguage())
}

func TestOperationsBoundToTheirStep(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	require.ErrorIs(t, w.SetDetails(validDetails()), ErrWrongStep)
	require.ErrorIs(t, w.SetTranscript("x"), ErrWrongStep)
	require.ErrorIs(t, w.ChooseCategoryGroup(GroupArea), ErrWrongStep)
	_, err := w.Recorder()
	require.ErrorIs(t, err, ErrWrongStep)
	_, err = w.Submit(context.Background())
	require.ErrorIs(t, err, ErrWrongStep)
	_, err = w.Back()
	require.ErrorIs(t, err, ErrFirstStep)
	_, err = w.GoTo(StepDetails)
	require.ErrorIs(t, err, ErrWrongStep)
}

func TestSpeakerPhotoChecks(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	require.ErrorIs(t, w.SetSpeakerPhoto(&Photo{MimeType: "text/plain", Data: []byte("x")}), ErrInvalidPhoto)
	require.ErrorIs(t, w.SetSpeakerPhoto(&Photo{MimeType: "image/png", Data: make([]byte, defaultMaxPhotoBytes+1)}), ErrPhotoTooLarge)
	require.NoError(t, w.SetSpeakerPhoto(&Photo{Name: "me.png", MimeType: "image/png", Data: []byte{1, 2}}))
	require.True(t, w.Snapshot().HasPhoto)
	require.NoError(t, w.SetSpeakerPhoto(nil))
	require.False(t, w.Snapshot().HasPhoto)
}

func TestLeavingRecordStepReleasesTrack(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)

	released := make(chan struct{})
	rec, err := w.Recorder()
	require.NoError(t, err)
	require.NoError(t, rec.Start(context.Background(), recorder.RemoteDevice{Released: func() { close(released) }}))
	require.NoError(t, rec.Append(tone(1)))

	_, err = w.Back()
	require.NoError(t, err)
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("track was not released")
	}
	require.Equal(t, recorder.StateIdle, w.Snapshot().Recorder.State)
}

func TestResetAndCloseDiscardUnpublishedAudio(t *testing.T) {
	archive := &fakeArchive{}
	w := newTestWizard(t, archive, newFakeAssist())
	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)
	recordClip(t, w, 1)
	next(t, w, StepTranscription)
	w.Wait()

	require.NoError(t, w.Reset())
	w.Wait()
	_, discarded, _ := archive.counts()
	require.Equal(t, 1, discarded)
	snap := w.Snapshot()
	require.Equal(t, StepSpeaker, snap.Step)
	require.Empty(t, snap.Transcript)
	require.Equal(t, StatusNone, snap.Transcription.Status)

	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)
	recordClip(t, w, 1)
	next(t, w, StepTranscription)
	w.Close()
	_, discarded, _ = archive.counts()
	require.Equal(t, 2, discarded)
	require.ErrorIs(t, w.SetTranscript("x"), ErrClosed)
}

func TestCloseDuringFailedSubmitDiscardsAudio(t *testing.T) {
	archive := &fakeArchive{
		publishErr:     errors.New("db down"),
		publishEntered: make(chan struct{}),
		publishGate:    make(chan struct{}),
	}
	w := newTestWizard(t, archive, newFakeAssist())
	toDetails(t, w)
	require.NoError(t, w.SetDetails(validDetails()))
	next(t, w, StepReview)

	submitErr := make(chan error, 1)
	go func() {
		_, err := w.Submit(context.Background())
		submitErr <- err
	}()
	<-archive.publishEntered

	closed := make(chan struct{})
	go func() {
		w.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool {
		return errors.Is(w.SetTranscript("x"), ErrClosed)
	}, time.Second, 5*time.Millisecond)
	select {
	case <-closed:
		t.Fatal("Close returned while publish was in flight")
	default:
	}

	close(archive.publishGate)
	require.ErrorIs(t, <-submitErr, ErrPublish)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	require.Len(t, archive.uploads, 1)
	require.Equal(t, archive.uploads, archive.discarded)
}

func TestEventsArePublished(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := w.Events(ctx)
	defer sub.Stop()

	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)

	var got []EventType
	for len(got) < 2 {
		select {
		case evt := <-sub.ResultChan():
			require.Equal(t, "wiz-1", evt.WizardID)
			got = append(got, evt.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far: %v", got)
		}
	}
	require.Equal(t, []EventType{EventDraft, EventStep}, got)
}

func TestDeniedMicrophoneBecomesNotice(t *testing.T) {
	w := newTestWizard(t, &fakeArchive{}, newFakeAssist())
	require.NoError(t, w.SetSpeaker(Speaker{Name: "Maria G."}))
	next(t, w, StepRecord)

	rec, err := w.Recorder()
	require.NoError(t, err)
	err = rec.Start(context.Background(), recorder.RemoteDevice{Denied: true})
	require.ErrorIs(t, err, recorder.ErrPermissionDenied)
	w.RecorderFailed(err)
	w.RecorderFailed(errors.New("encoder crashed"))

	snap := w.Snapshot()
	require.Len(t, snap.Notices, 1)
	require.Equal(t, "record", snap.Notices[0].Op)
	require.Equal(t, recorder.StateIdle, snap.Recorder.State)

	w.DismissNotice(snap.Notices[0].ID)
	require.Empty(t, w.Snapshot().Notices)
}
