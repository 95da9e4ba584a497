package recorder

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written for 16-bit PCM.
const WAVHeaderSize = 44

const bitDepth = 16

// Format describes interleaved PCM audio.
type Format struct {
	SampleRate int `json:"sampleRate"`
	Channels   int `json:"channels"`
}

func (f Format) valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// encodeWAV writes interleaved 16-bit samples as a standalone WAV file.
func encodeWAV(format Format, samples []int) ([]byte, error) {
	out := &writerseeker.WriterSeeker{}
	encoder := wav.NewEncoder(out, format.SampleRate, bitDepth, format.Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := encoder.Write(buf); err != nil {
		return nil, fmt.Errorf("encoder write buffer: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encoder close: %w", err)
	}
	data, err := io.ReadAll(out.Reader())
	if err != nil {
		return nil, fmt.Errorf("reading wav into memory: %w", err)
	}
	return data, nil
}

// decodeWAV reads a 16-bit PCM WAV file into interleaved samples.
func decodeWAV(data []byte) (Format, []int, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	decoder.ReadInfo()
	if err := decoder.Err(); err != nil {
		return Format{}, nil, fmt.Errorf("%w: read wave file headers: %v", ErrUnsupportedFormat, err)
	}
	if !decoder.IsValidFile() {
		return Format{}, nil, fmt.Errorf("%w: not a valid wave file", ErrUnsupportedFormat)
	}
	if decoder.SampleBitDepth() != bitDepth {
		return Format{}, nil, fmt.Errorf("%w: bit depth %d, expected 16", ErrUnsupportedFormat, decoder.SampleBitDepth())
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("read full pcm buffer: %w", err)
	}
	format := Format{SampleRate: int(decoder.SampleRate), Channels: int(decoder.NumChans)}
	if !format.valid() {
		return Format{}, nil, fmt.Errorf("%w: %d Hz, %d channels", ErrUnsupportedFormat, format.SampleRate, format.Channels)
	}
	return format, buf.Data, nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// peaks reduces the clip to n normalized absolute peak values across all channels.
func peaks(format Format, samples []int, n int) []float64 {
	if n <= 0 || !format.valid() {
		return nil
	}
	frames := len(samples) / format.Channels
	if frames == 0 {
		return []float64{}
	}
	if n > frames {
		n = frames
	}
	out := make([]float64, n)
	for b := 0; b < n; b++ {
		from := b * frames / n
		to := (b + 1) * frames / n
		peak := 0
		for i := from * format.Channels; i < to*format.Channels; i++ {
			v := samples[i]
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		out[b] = math.Min(1, float64(peak)/32768)
	}
	return out
}
