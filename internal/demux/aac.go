package demux

import (
	"errors"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ErrInvalidADTS is returned when an ADTS header carries a reserved
// sampling frequency index.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// AACSamplesPerFrame is the number of PCM samples one raw AAC-LC frame
// decodes to.
const AACSamplesPerFrame = 1024

const (
	adtsHeaderSize    = 7
	adtsHeaderSizeCRC = 9
)

// Sampling frequencies by index, ISO/IEC 14496-3 Table 1.18.
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame is one ADTS frame.
type AACFrame struct {
	Data            []byte // header and payload
	HeaderSize      int
	ObjectType      int
	SampleRateIndex int
	SampleRate      int
	Channels        int
}

// Payload returns the raw access unit.
func (f AACFrame) Payload() []byte {
	return f.Data[f.HeaderSize:]
}

// Config returns the AudioSpecificConfig the frame header describes.
func (f AACFrame) Config() mpeg4audio.AudioSpecificConfig {
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType(f.ObjectType),
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
	}
}

func isADTSSync(b []byte) bool {
	return b[0] == 0xFF && b[1]&0xF6 == 0xF0
}

// parseADTSHeader decodes the fixed and variable header at the start of
// b, which must hold at least adtsHeaderSize bytes.
func parseADTSHeader(b []byte) (AACFrame, int, error) {
	f := AACFrame{
		HeaderSize:      adtsHeaderSize,
		ObjectType:      int(b[2]>>6) + 1,
		SampleRateIndex: int(b[2] >> 2 & 0x0F),
		Channels:        int(b[2]&0x01)<<2 | int(b[3]>>6),
	}
	if b[1]&0x01 == 0 {
		f.HeaderSize = adtsHeaderSizeCRC
	}
	if f.SampleRateIndex >= len(aacSampleRates) {
		return f, 0, ErrInvalidADTS
	}
	f.SampleRate = aacSampleRates[f.SampleRateIndex]
	length := int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5)
	return f, length, nil
}

// ParseADTS splits an ADTS byte stream into frames. Bytes before a sync
// word are skipped and a truncated final frame is ignored.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	for len(data) >= adtsHeaderSize {
		if !isADTSSync(data) {
			data = data[1:]
			continue
		}
		f, length, err := parseADTSHeader(data)
		if err != nil {
			return frames, err
		}
		if length < f.HeaderSize || length > len(data) {
			break
		}
		f.Data = data[:length]
		frames = append(frames, f)
		data = data[length:]
	}
	return frames, nil
}
