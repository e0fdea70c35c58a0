// Package audioconv normalizes WAV call recordings ahead of the STT
// upload. Stereo 16-bit PCM is downmixed to mono in process; every other
// shape (compressed codecs, other bit depths, sample-rate changes) is
// left to the external resampler and passed through untouched.
package audioconv

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Normalize returns the recording with stereo 16-bit PCM WAV downmixed to
// mono, plus whether anything changed. Non-WAV input is returned as-is:
// the STT backend accepts compressed containers directly.
func Normalize(raw []byte) ([]byte, bool, error) {
	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return raw, false, nil
	}
	dec.ReadInfo()
	if dec.NumChans <= 1 || dec.BitDepth != 16 {
		return raw, false, nil
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, false, fmt.Errorf("audioconv: decode pcm: %w", err)
	}
	mono := downmix(buf)

	var out memWriteSeeker
	enc := wav.NewEncoder(&out, mono.Format.SampleRate, 16, 1, 1)
	if err := enc.Write(mono); err != nil {
		return nil, false, fmt.Errorf("audioconv: encode mono: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, false, fmt.Errorf("audioconv: finalize wav: %w", err)
	}
	return out.buf, true, nil
}

// downmix averages the interleaved channels of buf into a mono buffer at
// the same sample rate.
func downmix(buf *audio.IntBuffer) *audio.IntBuffer {
	chans := buf.Format.NumChannels
	frames := len(buf.Data) / chans
	mono := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: buf.Format.SampleRate},
		Data:           make([]int, frames),
		SourceBitDepth: 16,
	}
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < chans; c++ {
			sum += buf.Data[i*chans+c]
		}
		mono.Data[i] = sum / chans
	}
	return mono
}

// memWriteSeeker is the in-memory io.WriteSeeker wav.NewEncoder needs —
// the encoder seeks back to patch chunk sizes on Close.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if grow := m.pos + len(p) - len(m.buf); grow > 0 {
		m.buf = append(m.buf, make([]byte, grow)...)
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = m.pos + int(offset)
	case io.SeekEnd:
		next = len(m.buf) + int(offset)
	default:
		return 0, fmt.Errorf("audioconv: bad whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("audioconv: seek before start")
	}
	m.pos = next
	return int64(next), nil
}
