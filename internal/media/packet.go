// Package media defines the packet and frame types that flow through the
// streampush pipeline, from demuxing through decode, sampling and muxing.
package media

import "github.com/zsiec/streampush/internal/timebase"

// Kind is the media type of an elementary stream.
type Kind int

// Stream kinds.
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Codec identifies the compressed format of an elementary stream.
type Codec string

// Supported codecs.
const (
	CodecH264 Codec = "h264"
	CodecAAC  Codec = "aac"
)

// PacketFlags carries per-packet boolean attributes.
type PacketFlags uint32

// Packet flags.
const (
	FlagKeyframe PacketFlags = 1 << iota
	FlagCorrupt
	FlagDiscard
)

// SideDataType identifies an opaque side data attachment.
type SideDataType int

// Side data types.
const (
	// SideDataA53CC carries ATSC A/53 caption triplets (cc_valid|cc_type,
	// cc_data_1, cc_data_2) extracted from SEI.
	SideDataA53CC SideDataType = iota + 1
	// SideDataNewExtradata carries an updated codec configuration.
	SideDataNewExtradata
)

// SideData is an opaque attachment that must survive stream copy
// byte-for-byte.
type SideData struct {
	Type SideDataType
	Data []byte
}

// Packet is one compressed access unit. PTS, DTS and Duration are in the
// timebase of the stream identified by StreamIndex; unset timestamps are
// timebase.NoPTS.
type Packet struct {
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	StreamIndex int
	Flags       PacketFlags
	SideData    []SideData
}

// NewPacket returns an empty packet with unset timestamps.
func NewPacket() *Packet {
	return &Packet{PTS: timebase.NoPTS, DTS: timebase.NoPTS}
}

// IsKeyframe reports whether the packet starts a random access point.
func (p *Packet) IsKeyframe() bool {
	return p.Flags&FlagKeyframe != 0
}

// AddSideData appends a copy of data under the given type.
func (p *Packet) AddSideData(typ SideDataType, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	p.SideData = append(p.SideData, SideData{Type: typ, Data: cp})
}

// GetSideData returns the first attachment of the given type.
func (p *Packet) GetSideData(typ SideDataType) ([]byte, bool) {
	for _, sd := range p.SideData {
		if sd.Type == typ {
			return sd.Data, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of p including payload and side data.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.Data != nil {
		c.Data = make([]byte, len(p.Data))
		copy(c.Data, p.Data)
	}
	if p.SideData != nil {
		c.SideData = make([]SideData, len(p.SideData))
		for i, sd := range p.SideData {
			d := make([]byte, len(sd.Data))
			copy(d, sd.Data)
			c.SideData[i] = SideData{Type: sd.Type, Data: d}
		}
	}
	return &c
}
