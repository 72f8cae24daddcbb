package decode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/speakstream/pkg/audio"
)

// MP3 decodes MPEG-1/2/2.5 Layer III audio. The decoder always yields stereo
// samples at the stream's native rate.
type MP3 struct{}

// Decode implements [Decoder].
func (MP3) Decode(data []byte, _ map[string]string) (audio.Buffer, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("open MP3 stream: %w", err)
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("decode MP3 frames: %w", err)
	}
	f := audio.Format{SampleRate: d.SampleRate(), Channels: 2}
	// Drop a trailing partial frame rather than failing the whole chunk.
	pcm = pcm[:len(pcm)-len(pcm)%f.FrameSize()]
	if len(pcm) == 0 {
		return audio.Buffer{}, fmt.Errorf("no MP3 frames in %d bytes", len(data))
	}
	return audio.Buffer{Format: f, Data: pcm}, nil
}

// Boundary implements [Framer]. It walks MP3 frame headers and returns the
// end of the last complete frame. A leading ID3v2 tag is kept with the first
// frame. Bytes that do not start a valid header are skipped over and stay
// attached to the preceding frame.
func (MP3) Boundary(data []byte, _ map[string]string) int {
	pos := 0
	if len(data) >= 10 && string(data[:3]) == "ID3" {
		size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
		pos = 10 + size
		if pos > len(data) {
			return 0
		}
	}

	end := 0
	for pos+4 <= len(data) {
		n := mp3FrameLen(data[pos : pos+4])
		if n <= 0 {
			pos++
			continue
		}
		if pos+n > len(data) {
			break
		}
		pos += n
		end = pos
	}
	return end
}

var (
	mp3BitratesV1 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, -1}
	mp3BitratesV2 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, -1}
	mp3Rates      = map[int][3]int{
		3: {44100, 48000, 32000}, // MPEG-1
		2: {22050, 24000, 16000}, // MPEG-2
		0: {11025, 12000, 8000},  // MPEG-2.5
	}
)

// mp3FrameLen returns the byte length of the Layer III frame whose header is
// h, or 0 if h is not a usable header.
func mp3FrameLen(h []byte) int {
	if h[0] != 0xff || h[1]&0xe0 != 0xe0 {
		return 0
	}
	version := int(h[1]>>3) & 3
	layer := int(h[1]>>1) & 3
	if version == 1 || layer != 1 {
		return 0
	}
	brIdx := int(h[2] >> 4)
	srIdx := int(h[2]>>2) & 3
	if srIdx == 3 {
		return 0
	}
	padding := int(h[2]>>1) & 1
	rate := mp3Rates[version][srIdx]

	if version == 3 {
		br := mp3BitratesV1[brIdx]
		if br <= 0 {
			return 0
		}
		return 144000*br/rate + padding
	}
	br := mp3BitratesV2[brIdx]
	if br <= 0 {
		return 0
	}
	return 72000*br/rate + padding
}
