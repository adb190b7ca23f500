package demux

import (
	"context"
	"log/slog"

	"github.com/zsiec/ccx"
)

// A/53 cc_data marker bytes: marker bits, cc_valid and cc_type.
const (
	ccMarkerField1     = 0xFC
	ccMarkerDTVCCData  = 0xFE
	ccMarkerDTVCCStart = 0xFF
)

// captionExtractor pulls A/53 caption data out of SEI NAL units. The
// cc_data triplets travel on as packet side data; CEA-608 text is decoded
// only for debug logging.
type captionExtractor struct {
	log  *slog.Logger
	decs map[int]*ccx.CEA608Decoder

	frames        int64
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
}

func newCaptionExtractor(log *slog.Logger) *captionExtractor {
	return &captionExtractor{
		log: log,
		decs: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
	}
}

// nextFrame advances the video frame counter used to collapse doubled
// control codes.
func (c *captionExtractor) nextFrame() {
	c.frames++
}

// extract returns the cc_data triplets carried by one SEI NAL unit, or nil
// when it holds no captions.
func (c *captionExtractor) extract(sei []byte, pts int64) []byte {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var out []byte
	for _, pair := range cd.CC608Pairs {
		out = append(out, ccMarkerField1|byte(pair.Field&0x01), pair.Data[0], pair.Data[1])
		c.decode608(pair.Field, pair.Channel, pair.Data[0], pair.Data[1], pts)
	}
	for _, t := range cd.DTVCC {
		marker := byte(ccMarkerDTVCCData)
		if t.Start {
			marker = ccMarkerDTVCCStart
		}
		out = append(out, marker, t.Data[0], t.Data[1])
	}
	return out
}

func (c *captionExtractor) decode608(field byte, channel int, cc1, cc2 byte, pts int64) {
	if !c.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	f := field & 0x01

	// Control codes are transmitted twice; act on the first copy only.
	if cc1 >= 0x10 && cc1 <= 0x1F {
		cp := [2]byte{cc1, cc2}
		if c.lastWasCtrl[f] && c.lastCtrl[f] == cp && c.frames-c.lastCtrlFrame[f] <= 2 {
			c.lastWasCtrl[f] = false
			return
		}
		c.lastCtrl[f] = cp
		c.lastWasCtrl[f] = true
		c.lastCtrlFrame[f] = c.frames
	} else {
		c.lastWasCtrl[f] = false
	}

	dec := c.decs[channel]
	if dec == nil {
		return
	}
	if text := dec.Decode(cc1, cc2); text != "" {
		c.log.Debug("caption", "channel", channel, "pts", pts, "text", text)
	}
}
