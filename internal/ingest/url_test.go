package ingest

import (
	"testing"
	"time"
)

func TestParseURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    Target
		wantErr bool
	}{
		{raw: "-", want: Target{Scheme: "stdin"}},
		{raw: "capture.ts", want: Target{Scheme: "file", Path: "capture.ts"}},
		{raw: "file:///data/in.ts", want: Target{Scheme: "file", Path: "/data/in.ts"}},
		{
			raw:  "udp://239.0.0.1:1234?buffer_size=1048576&socket_timeout=2000000",
			want: Target{Scheme: "udp", Address: "239.0.0.1:1234", Options: Options{BufferSize: 1 << 20, SocketTimeout: 2 * time.Second}},
		},
		{
			raw:  "udp://:5000?transport=tcp",
			want: Target{Scheme: "udp", Address: ":5000", Options: Options{Transport: "tcp"}},
		},
		{
			raw:  "tcp://0.0.0.0:9000?listen=1",
			want: Target{Scheme: "tcp", Address: "0.0.0.0:9000", Options: Options{Listen: true}},
		},
		{
			raw:  "SRT://relay:9000?streamid=live/cam1&max_delay=200000",
			want: Target{Scheme: "srt", Address: "relay:9000", Options: Options{StreamID: "live/cam1", MaxDelay: 200 * time.Millisecond}},
		},
		{
			raw:  "srt://:9000",
			want: Target{Scheme: "srt", Address: ":9000", Options: Options{Listen: true}},
		},
		{
			raw:  "srt://0.0.0.0:9000?mode=listener",
			want: Target{Scheme: "srt", Address: "0.0.0.0:9000", Options: Options{Listen: true}},
		},
		{raw: "", wantErr: true},
		{raw: "udp://host", wantErr: true},
		{raw: "udp://host:1?buffer_size=-1", wantErr: true},
		{raw: "udp://host:1?socket_timeout=soon", wantErr: true},
		{raw: "udp://host:1?transport=quic", wantErr: true},
		{raw: "srt://host:1?mode=rendezvous", wantErr: true},
		{raw: "file://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURL: %v", err)
			}
			tt.want.Raw = tt.raw
			if got != tt.want {
				t.Errorf("target:\n got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}
