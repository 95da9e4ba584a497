package assist

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"storyarchive/pkg/ai"
)

type fakeText struct {
	out     string
	err     error
	calls   int
	prompts []ai.Prompt
}

func (f *fakeText) GenerateText(_ context.Context, p ai.Prompt) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, p)
	return f.out, f.err
}

type fakeSTT struct {
	out   string
	err   error
	calls int
	audio ai.Audio
}

func (f *fakeSTT) TranscribeAudio(_ context.Context, _ string, a ai.Audio) (string, error) {
	f.calls++
	f.audio = a
	return f.out, f.err
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"```{\"a\":1}```":         `{"a":1}`,
		"  {\"a\":1}  ":           `{"a":1}`,
		"plain text":              "plain text",
	}
	for in, want := range cases {
		require.Equal(t, want, StripCodeFence(in), "input %q", in)
	}
}

func TestTranscribe(t *testing.T) {
	stt := &fakeSTT{out: "  Hello world.\n"}
	svc := NewService(stt, nil, 0)

	text, err := svc.Transcribe(context.Background(), []byte("RIFF"), "audio/wav")
	require.NoError(t, err)
	require.Equal(t, "Hello world.", text)
	require.Equal(t, "recording.wav", stt.audio.Filename)
	require.Equal(t, "audio/wav", stt.audio.MimeType)
}

func TestTranscribeValidatesBeforeCallingProvider(t *testing.T) {
	stt := &fakeSTT{out: "x"}
	svc := NewService(stt, nil, 0)

	_, err := svc.Transcribe(context.Background(), nil, "audio/wav")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Transcribe(context.Background(), []byte("x"), "")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Transcribe(context.Background(), []byte("x"), "application/pdf")
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Zero(t, stt.calls)
}

func TestTranscribeProviderFailures(t *testing.T) {
	svc := NewService(&fakeSTT{err: &ai.ProviderError{Provider: "gemini", Status: 500}}, nil, 0)
	_, err := svc.Transcribe(context.Background(), []byte("x"), "audio/webm")
	require.ErrorIs(t, err, ErrProvider)
	require.Equal(t, KindProvider, KindOf(err))
	var perr *ai.ProviderError
	require.True(t, errors.As(err, &perr))

	svc = NewService(&fakeSTT{out: "   "}, nil, 0)
	_, err = svc.Transcribe(context.Background(), []byte("x"), "audio/webm")
	require.ErrorIs(t, err, ErrProvider)
}

func TestSuggestParsesFencedJSON(t *testing.T) {
	text := &fakeText{out: "```json\n{\"summary\":\" A story of home. \",\"tags\":[\"Family\",\" family \",\"Migration\",\"\",\"Oaxaca\"]}\n```"}
	svc := NewService(nil, text, 0)

	res, err := svc.Suggest(context.Background(), "Hello world.")
	require.NoError(t, err)
	require.Equal(t, "A story of home.", res.Summary)
	require.Equal(t, []string{"Family", "Migration", "Oaxaca"}, res.Tags)
	require.True(t, text.prompts[0].JSON)
	require.Contains(t, text.prompts[0].User, "Hello world.")
}

func TestSuggestCapsTags(t *testing.T) {
	tags := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		tags = append(tags, `"t`+strings.Repeat("x", i)+`"`)
	}
	raw := `{"summary":"s","tags":[` + strings.Join(tags, ",") + `]}`
	res, err := ParseSuggestions(raw)
	require.NoError(t, err)
	require.Len(t, res.Tags, MaxTags)
}

func TestSuggestMalformedIsHardFailure(t *testing.T) {
	for _, raw := range []string{
		"not json at all",
		`{"summary": "half`,
		`{"tags":["a"]}`,
		`{"summary":"s","tags":[]}`,
		`{"summary":"s","tags":"a,b"}`,
		`{"summary":"A story.","tags":["a","b","c","d","e"]} and then some chatter {oops`,
		`{"summary":"A story.","tags":["a"]}{"summary":"again"}`,
		"```json\n{\"summary\":\"s\",\"tags\":[\"a\"]}\n```\nHope this helps!",
	} {
		_, err := ParseSuggestions(raw)
		require.ErrorIs(t, err, ErrMalformedResponse, "raw %q", raw)
	}
}

func TestSuggestAcceptsFewTags(t *testing.T) {
	res, err := ParseSuggestions(" {\"summary\":\"A story.\",\"tags\":[\"only\"]}\n")
	require.NoError(t, err)
	require.Equal(t, []string{"only"}, res.Tags)
}

func TestSuggestRequiresTranscript(t *testing.T) {
	text := &fakeText{out: "{}"}
	_, err := NewService(nil, text, 0).Suggest(context.Background(), "   ")
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Zero(t, text.calls)
}

func TestTranslate(t *testing.T) {
	text := &fakeText{out: "Hola mundo.\n"}
	svc := NewService(nil, text, 0)

	out, err := svc.Translate(context.Background(), "Hello world.", "Spanish")
	require.NoError(t, err)
	require.Equal(t, "Hola mundo.", out)
	require.Contains(t, text.prompts[0].User, "entirely into Spanish")
	require.False(t, text.prompts[0].JSON)

	_, err = svc.Translate(context.Background(), "Hello", " ")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Translate(context.Background(), "", "Spanish")
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Equal(t, 1, text.calls)
}

func TestTranslateProviderError(t *testing.T) {
	svc := NewService(nil, &fakeText{err: errors.New("boom")}, 0)
	_, err := svc.Translate(context.Background(), "Hello", "Korean")
	require.Equal(t, KindProvider, KindOf(err))
	require.Contains(t, err.Error(), "translate")
}
