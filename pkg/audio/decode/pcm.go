package decode

import (
	"fmt"
	"strconv"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// Defaults for audio/pcm payloads without rate or channels parameters.
const (
	DefaultPCMRate     = 16000
	DefaultPCMChannels = 1
)

// PCM passes raw signed 16-bit little-endian samples through. The format is
// read from the "rate" and "channels" content type parameters.
type PCM struct{}

// PCMContentType returns the content type describing raw PCM in format f.
func PCMContentType(f audio.Format) string {
	return fmt.Sprintf("%s; rate=%d; channels=%d", TypePCM, f.SampleRate, f.Channels)
}

// Decode implements [Decoder].
func (PCM) Decode(data []byte, params map[string]string) (audio.Buffer, error) {
	f, err := pcmFormat(params)
	if err != nil {
		return audio.Buffer{}, err
	}
	if len(data)%f.FrameSize() != 0 {
		return audio.Buffer{}, &audio.ErrMisaligned{Bytes: len(data), Format: f}
	}
	return audio.Buffer{Format: f, Data: data}, nil
}

// Boundary implements [Framer]: any whole number of frames is decodable.
func (PCM) Boundary(data []byte, params map[string]string) int {
	f, err := pcmFormat(params)
	if err != nil {
		return 0
	}
	return len(data) - len(data)%f.FrameSize()
}

func pcmFormat(params map[string]string) (audio.Format, error) {
	f := audio.Format{SampleRate: DefaultPCMRate, Channels: DefaultPCMChannels}
	if v, ok := params["rate"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return audio.Format{}, fmt.Errorf("invalid rate parameter %q", v)
		}
		f.SampleRate = n
	}
	if v, ok := params["channels"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return audio.Format{}, fmt.Errorf("invalid channels parameter %q", v)
		}
		f.Channels = n
	}
	return f, nil
}
