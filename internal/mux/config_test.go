package mux

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

func TestAVCDecoderConfig(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x42, 0xE0, 0x1E, 0xAB, 0xCD}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}

	config := avcDecoderConfig(sps, pps)
	if config == nil {
		t.Fatal("expected non-nil config")
	}
	header := []byte{1, 0x42, 0xE0, 0x1E, 0xFF, 0xE1}
	if !bytes.Equal(config[:6], header) {
		t.Errorf("header: got %x, want %x", config[:6], header)
	}
	if n := binary.BigEndian.Uint16(config[6:8]); n != uint16(len(sps)) {
		t.Errorf("SPS length: got %d, want %d", n, len(sps))
	}
	if !bytes.Equal(config[8:8+len(sps)], sps) {
		t.Error("SPS data mismatch")
	}
	off := 8 + len(sps)
	if config[off] != 1 {
		t.Errorf("numPPS: got %d, want 1", config[off])
	}
	if n := binary.BigEndian.Uint16(config[off+1 : off+3]); n != uint16(len(pps)) {
		t.Errorf("PPS length: got %d, want %d", n, len(pps))
	}
	if !bytes.Equal(config[off+3:], pps) {
		t.Error("PPS data mismatch")
	}
}

func TestAVCDecoderConfigIncomplete(t *testing.T) {
	t.Parallel()
	if avcDecoderConfig([]byte{0x67, 0x42}, []byte{0x68}) != nil {
		t.Error("expected nil for SPS too short")
	}
	if avcDecoderConfig([]byte{0x67, 0x42, 0xE0, 0x1E}, nil) != nil {
		t.Error("expected nil for empty PPS")
	}
}

func TestAudioSpecificConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		objectType int
		rate       int
		channels   int
		want       []byte
	}{
		{"LC 48k stereo", 2, 48000, 2, []byte{0x11, 0x90}},
		{"default object type", 0, 44100, 2, []byte{0x12, 0x10}},
		{"LC 48k mono", 2, 48000, 1, []byte{0x11, 0x88}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := audioSpecificConfig(mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectType(tt.objectType),
				SampleRate:   tt.rate,
				ChannelCount: tt.channels,
			})
			if err != nil {
				t.Fatalf("audioSpecificConfig: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("config: got %x, want %x", got, tt.want)
			}
		})
	}
	if _, err := audioSpecificConfig(mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC, ChannelCount: 2}); err == nil {
		t.Error("expected error for zero sample rate")
	}
}
