// Package recorder captures, previews and trims a single audio clip.
//
// The recorder is a state machine:
//
//	idle -> recording <-> paused -> finished <-> trimming
//	any non-idle state -> idle (Restart)
//
// Encoding runs on a background goroutine; a clip is reported finished only
// once its encoded bytes have replaced the active clip.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"storyarchive/internal/util"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateFinished  State = "finished"
	StateTrimming  State = "trimming"
)

var (
	ErrInvalidTransition = errors.New("recorder: invalid state transition")
	ErrInvalidRegion     = errors.New("recorder: invalid trim region")
	ErrPermissionDenied  = errors.New("recorder: microphone permission denied")
	ErrUnsupportedRate   = errors.New("recorder: unsupported playback rate")
	ErrUnsupportedFormat = errors.New("recorder: unsupported audio format")
	ErrFormatMismatch    = errors.New("recorder: audio chunk format does not match recording")
	ErrNotTrimmable      = errors.New("recorder: clip cannot be trimmed")
	ErrTooLong           = errors.New("recorder: recording exceeds maximum duration")
	ErrBusy              = errors.New("recorder: encoding in progress")
	ErrClosed            = errors.New("recorder: closed")
)

// PlaybackRates lists the supported preview speeds.
var PlaybackRates = []float64{0.5, 1, 1.5, 2}

const (
	defaultPeakBuckets = 256
	defaultMaxSeconds  = 60 * 60
)

// Region is a [Start, End) range in seconds.
type Region struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Clip is a finished, immutable audio asset.
type Clip struct {
	Name     string
	MimeType string
	Data     []byte
	// Format and samples are only set for clips the recorder can decode;
	// other uploads are kept opaque.
	Format  Format
	Peaks   []float64
	samples []int
}

// Trimmable reports whether the clip holds decoded PCM.
func (c *Clip) Trimmable() bool {
	return c != nil && c.Format.valid()
}

// Frames returns the per-channel sample count.
func (c *Clip) Frames() int {
	if !c.Trimmable() {
		return 0
	}
	return len(c.samples) / c.Format.Channels
}

// Duration returns the clip length in seconds, or 0 when unknown.
func (c *Clip) Duration() float64 {
	if !c.Trimmable() {
		return 0
	}
	return float64(c.Frames()) / float64(c.Format.SampleRate)
}

// Empty reports whether the clip carries no audio.
func (c *Clip) Empty() bool {
	if c == nil {
		return true
	}
	if c.Trimmable() {
		return c.Frames() == 0
	}
	return len(c.Data) == 0
}

// Options configures a Recorder.
type Options struct {
	// OnClipChange is called after every change of the usable finished clip,
	// with nil when no clip is selected. It runs outside the recorder lock.
	OnClipChange func(*Clip)
	PeakBuckets  int
	MaxSeconds   int
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	opts     Options
	state    State
	track    Track
	format   Format
	samples  []int
	clip     *Clip
	region   *Region
	rate     float64
	busy     bool
	gen      uint64
	closed   bool
	notifyMu sync.Mutex
}

func New(opts Options) *Recorder {
	if opts.PeakBuckets <= 0 {
		opts.PeakBuckets = defaultPeakBuckets
	}
	if opts.MaxSeconds <= 0 {
		opts.MaxSeconds = defaultMaxSeconds
	}
	return &Recorder{opts: opts, state: StateIdle, rate: 1}
}

// Start opens the device and begins a new recording. Valid only from idle.
// A permission failure leaves the recorder idle.
func (r *Recorder) Start(ctx context.Context, dev Device) error {
	r.mu.Lock()
	if err := r.guard(StateIdle); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	track, err := dev.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("open capture device: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// the state may have moved while the device was opening
	if err := r.guard(StateIdle); err != nil {
		track.Stop()
		return err
	}
	r.track = track
	r.format = Format{}
	r.samples = nil
	r.clip = nil
	r.region = nil
	r.state = StateRecording
	return nil
}

// Pause suspends capture. Valid only while recording.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(StateRecording); err != nil {
		return err
	}
	r.state = StatePaused
	return nil
}

// Resume continues a paused recording.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(StatePaused); err != nil {
		return err
	}
	r.state = StateRecording
	return nil
}

// Append adds captured PCM to the recording. Chunks captured before a pause
// may still arrive while paused and are kept.
func (r *Recorder) Append(buf *audio.IntBuffer) error {
	if buf == nil || buf.Format == nil {
		return ErrUnsupportedFormat
	}
	if buf.SourceBitDepth != 0 && buf.SourceBitDepth != bitDepth {
		return fmt.Errorf("%w: bit depth %d, expected 16", ErrUnsupportedFormat, buf.SourceBitDepth)
	}
	format := Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	if !format.valid() {
		return ErrUnsupportedFormat
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(StateRecording, StatePaused); err != nil {
		return err
	}
	if r.format.valid() && r.format != format {
		return ErrFormatMismatch
	}
	if len(buf.Data)%format.Channels != 0 {
		return fmt.Errorf("%w: partial frame", ErrUnsupportedFormat)
	}
	total := (len(r.samples) + len(buf.Data)) / format.Channels
	if total > r.opts.MaxSeconds*format.SampleRate {
		return ErrTooLong
	}
	r.format = format
	r.samples = append(r.samples, buf.Data...)
	return nil
}

// WriteWAV decodes one WAV chunk from the client and appends it.
func (r *Recorder) WriteWAV(chunk []byte) error {
	format, samples, err := decodeWAV(chunk)
	if err != nil {
		return err
	}
	return r.Append(&audio.IntBuffer{
		Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		Data:           samples,
		SourceBitDepth: bitDepth,
	})
}

// Stop finalizes the recording. The capture track is released immediately;
// encoding happens in the background and the call waits for it or ctx.
// If ctx ends first the clip still lands once encoding finishes.
func (r *Recorder) Stop(ctx context.Context) (*Clip, error) {
	r.mu.Lock()
	if err := r.guard(StateRecording, StatePaused); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.releaseTrack()
	format := r.format
	if !format.valid() {
		// nothing captured yet; encode an empty mono clip
		format = Format{SampleRate: 48000, Channels: 1}
	}
	samples := r.samples
	r.samples = nil
	done := r.encodeAsync(format, samples, util.NewAssetName("recording", ".wav"))
	r.mu.Unlock()
	return r.wait(ctx, done)
}

// EnableTrimming selects the whole clip as the trim region.
func (r *Recorder) EnableTrimming() (Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(StateFinished); err != nil {
		return Region{}, err
	}
	if !r.clip.Trimmable() || r.clip.Empty() {
		return Region{}, ErrNotTrimmable
	}
	region := Region{Start: 0, End: r.clip.Duration()}
	r.region = &region
	r.state = StateTrimming
	return region, nil
}

// SetTrimRegion replaces the trim region; 0 <= start < end <= duration.
// An invalid region leaves the previous one untouched.
func (r *Recorder) SetTrimRegion(start, end float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(StateTrimming); err != nil {
		return err
	}
	if _, _, err := r.frameRange(start, end); err != nil {
		return err
	}
	r.region = &Region{Start: start, End: end}
	return nil
}

// CancelTrim leaves trimming without changing the clip.
func (r *Recorder) CancelTrim() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard(StateTrimming); err != nil {
		return err
	}
	r.region = nil
	r.state = StateFinished
	return nil
}

// ConfirmTrim cuts [start, end) out of every channel at the original sample
// rate, re-encodes it as a new asset and makes it the active clip.
func (r *Recorder) ConfirmTrim(ctx context.Context) (*Clip, error) {
	r.mu.Lock()
	if err := r.guard(StateTrimming); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	from, to, err := r.frameRange(r.region.Start, r.region.End)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	format := r.clip.Format
	samples := r.clip.samples[from*format.Channels : to*format.Channels]
	done := r.encodeAsync(format, samples, util.NewAssetName("clip", ".wav"))
	r.mu.Unlock()
	return r.wait(ctx, done)
}

// LoadClip uses an uploaded file instead of a recording. WAV uploads are
// decoded so they can be previewed and trimmed; anything else is kept as is.
func (r *Recorder) LoadClip(name, mimeType string, data []byte) (*Clip, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrUnsupportedFormat)
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	clip := &Clip{Name: name, MimeType: mimeType, Data: data}
	if isWAV(data) {
		format, samples, err := decodeWAV(data)
		switch {
		case err == nil:
			if len(samples)/format.Channels > r.opts.MaxSeconds*format.SampleRate {
				return nil, ErrTooLong
			}
			clip.MimeType = "audio/wav"
			clip.Format = format
			clip.samples = samples
			clip.Peaks = peaks(format, samples, r.opts.PeakBuckets)
		case errors.Is(err, ErrUnsupportedFormat):
			// other bit depths stay playable but cannot be trimmed
		default:
			return nil, err
		}
	}

	r.mu.Lock()
	if err := r.guard(StateIdle, StateFinished); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.gen++
	r.clip = clip
	r.region = nil
	r.state = StateFinished
	r.mu.Unlock()
	r.notify(clip)
	return clip, nil
}

// Restart discards all audio and returns to idle. Valid from any non-idle state,
// including while an encode is in flight; its result is then dropped.
func (r *Recorder) Restart() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state == StateIdle {
		r.mu.Unlock()
		return ErrInvalidTransition
	}
	r.reset()
	r.mu.Unlock()
	r.notify(nil)
	return nil
}

// SetPlaybackRate changes preview speed only; samples are untouched.
func (r *Recorder) SetPlaybackRate(rate float64) error {
	if !slices.Contains(PlaybackRates, rate) {
		return ErrUnsupportedRate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.rate = rate
	return nil
}

// Close releases the capture track and drops all audio. No callback fires.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.reset()
	r.closed = true
}

// Clip returns the active finished clip, or nil.
func (r *Recorder) Clip() *Clip {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateFinished && r.state != StateTrimming {
		return nil
	}
	return r.clip
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot is a read-only view for clients.
type Snapshot struct {
	State           State     `json:"state"`
	Busy            bool      `json:"busy"`
	RecordedSeconds float64   `json:"recordedSeconds"`
	PlaybackRate    float64   `json:"playbackRate"`
	Region          *Region   `json:"region,omitempty"`
	Clip            *ClipInfo `json:"clip,omitempty"`
}

type ClipInfo struct {
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType"`
	SizeBytes int       `json:"sizeBytes"`
	Duration  float64   `json:"duration"`
	Trimmable bool      `json:"trimmable"`
	Format    *Format   `json:"format,omitempty"`
	Peaks     []float64 `json:"peaks,omitempty"`
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{State: r.state, Busy: r.busy, PlaybackRate: r.rate}
	if r.format.valid() {
		snap.RecordedSeconds = float64(len(r.samples)/r.format.Channels) / float64(r.format.SampleRate)
	}
	if r.region != nil {
		region := *r.region
		snap.Region = &region
	}
	if c := r.clip; c != nil && (r.state == StateFinished || r.state == StateTrimming) {
		info := &ClipInfo{
			Name:      c.Name,
			MimeType:  c.MimeType,
			SizeBytes: len(c.Data),
			Duration:  c.Duration(),
			Trimmable: c.Trimmable(),
			Peaks:     c.Peaks,
		}
		if c.Trimmable() {
			f := c.Format
			info.Format = &f
		}
		snap.Clip = info
	}
	return snap
}

// guard must be called with r.mu held.
func (r *Recorder) guard(allowed ...State) error {
	if r.closed {
		return ErrClosed
	}
	if r.busy {
		return ErrBusy
	}
	if !slices.Contains(allowed, r.state) {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, r.state)
	}
	return nil
}

// frameRange must be called with r.mu held and a trimmable clip.
func (r *Recorder) frameRange(start, end float64) (int, int, error) {
	duration := r.clip.Duration()
	if math.IsNaN(start) || math.IsNaN(end) || start < 0 || start >= end || end > duration {
		return 0, 0, fmt.Errorf("%w: [%.3f, %.3f) outside [0, %.3f]", ErrInvalidRegion, start, end, duration)
	}
	rate := float64(r.clip.Format.SampleRate)
	from := int(math.Round(start * rate))
	to := min(int(math.Round(end*rate)), r.clip.Frames())
	if from >= to {
		return 0, 0, fmt.Errorf("%w: region shorter than one sample", ErrInvalidRegion)
	}
	return from, to, nil
}

func (r *Recorder) releaseTrack() {
	if r.track != nil {
		r.track.Stop()
		r.track = nil
	}
}

func (r *Recorder) reset() {
	r.releaseTrack()
	r.gen++
	r.busy = false
	r.format = Format{}
	r.samples = nil
	r.clip = nil
	r.region = nil
	r.state = StateIdle
}

type encodeResult struct {
	clip *Clip
	err  error
}

// encodeAsync must be called with r.mu held. The returned channel yields once
// the result has been committed (or discarded as stale).
func (r *Recorder) encodeAsync(format Format, samples []int, name string) <-chan encodeResult {
	r.busy = true
	gen := r.gen
	buckets := r.opts.PeakBuckets
	done := make(chan encodeResult, 1)
	go func() {
		own := slices.Clone(samples)
		data, err := encodeWAV(format, own)
		var clip *Clip
		if err == nil {
			clip = &Clip{
				Name:     name,
				MimeType: "audio/wav",
				Data:     data,
				Format:   format,
				Peaks:    peaks(format, own, buckets),
				samples:  own,
			}
		}
		done <- r.commit(gen, clip, err)
	}()
	return done
}

func (r *Recorder) commit(gen uint64, clip *Clip, err error) encodeResult {
	r.mu.Lock()
	if r.gen != gen || r.closed {
		r.mu.Unlock()
		return encodeResult{err: fmt.Errorf("%w: superseded", ErrInvalidTransition)}
	}
	r.busy = false
	if err != nil {
		// keep whatever clip was active; a failed stop leaves nothing usable
		if r.clip == nil {
			r.state = StateIdle
		} else {
			r.state = StateFinished
		}
		r.region = nil
		r.mu.Unlock()
		return encodeResult{err: err}
	}
	r.clip = clip
	r.region = nil
	r.state = StateFinished
	r.mu.Unlock()
	r.notify(clip)
	return encodeResult{clip: clip}
}

func (r *Recorder) wait(ctx context.Context, done <-chan encodeResult) (*Clip, error) {
	select {
	case res := <-done:
		return res.clip, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Recorder) notify(clip *Clip) {
	if r.opts.OnClipChange == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.opts.OnClipChange(clip)
}
