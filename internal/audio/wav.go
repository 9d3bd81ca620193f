package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// MIMETypeWAV is the container produced by EncodeWAV.
	MIMETypeWAV = "audio/wav"

	bitDepth      = 16
	pcmFormatCode = 1
)

// EncodeWAV wraps signed 16-bit little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	if channels <= 0 {
		channels = defaultChannels
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := &memFile{}
	enc := wav.NewEncoder(out, sampleRate, bitDepth, channels, pcmFormatCode)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	return out.Bytes(), nil
}

// memFile is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes once the data is written.
type memFile struct {
	data []byte
	pos  int64
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		if end > int64(cap(m.data)) {
			grown := make([]byte, end, end*2)
			copy(grown, m.data)
			m.data = grown
		} else {
			m.data = m.data[:end]
		}
	}
	copy(m.data[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = m.pos + offset
	case io.SeekEnd:
		next = int64(len(m.data)) + offset
	default:
		return 0, errors.New("memfile: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("memfile: negative position")
	}
	m.pos = next
	return next, nil
}

func (m *memFile) Bytes() []byte {
	return m.data
}
