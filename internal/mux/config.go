package mux

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// avcDecoderConfig builds an AVCDecoderConfigurationRecord
// (ISO 14496-15 5.2.4.1.1) from raw SPS and PPS NAL units without start
// codes. It returns nil when the SPS is too short to carry the profile and
// level bytes or the PPS is missing.
func avcDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}

// audioSpecificConfig encodes the AAC AudioSpecificConfig carried in the
// FLV AAC sequence header. An object type of 0 selects AAC-LC.
func audioSpecificConfig(asc mpeg4audio.AudioSpecificConfig) ([]byte, error) {
	if asc.SampleRate <= 0 || asc.ChannelCount <= 0 {
		return nil, fmt.Errorf("audio config: sample rate %d, channels %d", asc.SampleRate, asc.ChannelCount)
	}
	if asc.Type == 0 {
		asc.Type = mpeg4audio.ObjectTypeAACLC
	}
	b, err := asc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("audio config: %w", err)
	}
	return b, nil
}
