package decode

import (
	"bytes"
	"errors"
	"fmt"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// WAV decodes complete RIFF/WAVE files with integer PCM samples of 8, 16, 24
// or 32 bits. WAV is not a [Framer]: the header describes the whole file.
type WAV struct{}

// Decode implements [Decoder].
func (WAV) Decode(data []byte, _ map[string]string) (audio.Buffer, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return audio.Buffer{}, errors.New("not a valid WAV file")
	}
	ib, err := d.FullPCMBuffer()
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("read WAV samples: %w", err)
	}
	if ib.Format == nil || ib.Format.SampleRate <= 0 || ib.Format.NumChannels <= 0 {
		return audio.Buffer{}, errors.New("WAV file has no format chunk")
	}
	pcm, err := toPCM16(ib, int(d.BitDepth))
	if err != nil {
		return audio.Buffer{}, err
	}
	return audio.Buffer{
		Format: audio.Format{SampleRate: ib.Format.SampleRate, Channels: ib.Format.NumChannels},
		Data:   pcm,
	}, nil
}

// toPCM16 packs go-audio integer samples of the given source depth into
// signed 16-bit little-endian bytes.
func toPCM16(ib *goaudio.IntBuffer, depth int) ([]byte, error) {
	var shift func(int) int
	switch depth {
	case 8:
		// 8-bit WAV is unsigned with a 128 midpoint.
		shift = func(v int) int { return (v - 128) << 8 }
	case 16:
		shift = func(v int) int { return v }
	case 24:
		shift = func(v int) int { return v >> 8 }
	case 32:
		shift = func(v int) int { return v >> 16 }
	default:
		return nil, fmt.Errorf("unsupported WAV bit depth %d", depth)
	}
	out := make([]byte, len(ib.Data)*audio.BytesPerSample)
	for i, v := range ib.Data {
		s := int16(shift(v))
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}
