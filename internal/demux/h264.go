package demux

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/streampush/internal/timebase"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice = byte(h264.NALUTypeNonIDR)
	NALTypeIDR   = byte(h264.NALUTypeIDR)
	NALTypeSEI   = byte(h264.NALUTypeSEI)
	NALTypeSPS   = byte(h264.NALUTypeSPS)
	NALTypePPS   = byte(h264.NALUTypePPS)
	NALTypeAUD   = byte(h264.NALUTypeAccessUnitDelimiter)
)

const profileBaseline = 66

var errSPSTooShort = errors.New("SPS data too short")

// SPSInfo is the part of an H.264 sequence parameter set the pipeline
// needs: picture size, colour range, VUI timing and reordering.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
	FullRange       bool

	TimingPresent  bool
	NumUnitsInTick uint32
	TimeScale      uint32

	PicStructPresent     bool
	BitstreamRestriction bool
	MaxNumReorderFrames  int
	MaxDecFrameBuffering int
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// FrameRate returns the frame rate declared by the VUI timing info, or
// the zero Rational when the SPS carries none. A frame spans two ticks.
func (s SPSInfo) FrameRate() timebase.Rational {
	if !s.TimingPresent || s.NumUnitsInTick == 0 || s.TimeScale == 0 {
		return timebase.Rational{}
	}
	return timebase.New(int64(s.TimeScale), 2*int64(s.NumUnitsInTick)).Reduce()
}

// ReorderDepth returns how many frames a decoder holds back before
// output. Baseline streams never reorder; otherwise the VUI bitstream
// restriction is authoritative and its absence means 0.
func (s SPSInfo) ReorderDepth() int {
	if s.ProfileIDC == profileBaseline || !s.BitstreamRestriction {
		return 0
	}
	return s.MaxNumReorderFrames
}

// ParseSPS parses an SPS NAL unit, header byte included, start code
// excluded.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	var sps h264.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		return SPSInfo{}, fmt.Errorf("parse SPS: %w", err)
	}

	info := SPSInfo{
		Width:           sps.Width(),
		Height:          sps.Height(),
		ProfileIDC:      nalu[1],
		ConstraintFlags: nalu[2],
		LevelIDC:        nalu[3],
	}
	vui := sps.VUI
	if vui == nil {
		return info, nil
	}
	info.FullRange = vui.VideoSignalTypePresentFlag && vui.VideoFullRangeFlag
	info.PicStructPresent = vui.PicStructPresentFlag
	if ti := vui.TimingInfo; ti != nil {
		info.TimingPresent = true
		info.NumUnitsInTick = ti.NumUnitsInTick
		info.TimeScale = ti.TimeScale
	}
	if br := vui.BitstreamRestriction; br != nil {
		info.BitstreamRestriction = true
		info.MaxNumReorderFrames = int(br.MaxNumReorderFrames)
		info.MaxDecFrameBuffering = int(br.MaxDecFrameBuffering)
	}
	return info, nil
}

// NALUnit is one NAL unit of an access unit.
type NALUnit struct {
	Type byte   // nal_unit_type
	Data []byte // header byte included, start code excluded
}

// ParseAnnexB splits an Annex B access unit into NAL units. Zero bytes
// before a start code belong to the start code. Input that does not begin
// with a start code yields nil.
func ParseAnnexB(data []byte) []NALUnit {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil
	}
	units := make([]NALUnit, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		units = append(units, NALUnit{Type: nalu[0] & 0x1F, Data: nalu})
	}
	return units
}

// IsKeyframe reports whether nalType is an IDR slice.
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsVCL reports whether nalType is a coded slice (types 1-5).
func IsVCL(nalType byte) bool {
	return nalType >= NALTypeSlice && nalType <= NALTypeIDR
}

// IsSPS reports whether nalType is a sequence parameter set.
func IsSPS(nalType byte) bool {
	return nalType == NALTypeSPS
}

// IsPPS reports whether nalType is a picture parameter set.
func IsPPS(nalType byte) bool {
	return nalType == NALTypePPS
}
