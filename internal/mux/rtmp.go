package mux

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"

	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/zsiec/streampush/internal/logging"
)

const (
	defaultRTMPPort = "1935"
	rtmpChunkSize   = 4096

	audioChunkStreamID = 4
	videoChunkStreamID = 6
)

// rtmpTarget is a parsed rtmp://host[:port]/app/key URL.
type rtmpTarget struct {
	addr  string
	app   string
	key   string
	tcURL string
}

func parseRTMPURL(raw string) (rtmpTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return rtmpTarget{}, fmt.Errorf("parse RTMP URL: %w", err)
	}
	if u.Scheme != "rtmp" || u.Hostname() == "" {
		return rtmpTarget{}, fmt.Errorf("RTMP URL %q: want rtmp://host[:port]/app/key", raw)
	}
	app, key, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if app == "" || key == "" {
		return rtmpTarget{}, fmt.Errorf("RTMP URL %q: missing application or stream key", raw)
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	port := u.Port()
	if port == "" {
		port = defaultRTMPPort
	}
	addr := net.JoinHostPort(u.Hostname(), port)
	return rtmpTarget{
		addr:  addr,
		app:   app,
		key:   key,
		tcURL: "rtmp://" + addr + "/" + app,
	}, nil
}

// rtmpWriter publishes FLV tags as RTMP audio and video messages.
type rtmpWriter struct {
	log    *slog.Logger
	target rtmpTarget
	client *rtmp.ClientConn
	stream *rtmp.Stream
	buf    bytes.Buffer
}

// dialRTMP connects and creates the stream; publishing starts in Begin.
func dialRTMP(raw string, log *slog.Logger) (*rtmpWriter, error) {
	target, err := parseRTMPURL(raw)
	if err != nil {
		return nil, err
	}
	log = log.With("component", "rtmp-publisher", "addr", target.addr, "app", target.app)

	client, err := rtmp.Dial("rtmp", target.addr, &rtmp.ConnConfig{
		Logger: logging.Logrus("rtmp"),
	})
	if err != nil {
		return nil, fmt.Errorf("dial RTMP %s: %w", target.addr, err)
	}
	if err := client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      target.app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0 (compatible; streampush)",
			TCURL:    target.tcURL,
		},
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("RTMP connect %s: %w", target.tcURL, err)
	}
	stream, err := client.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("RTMP create stream: %w", err)
	}
	log.Info("RTMP connected")
	return &rtmpWriter{log: log, target: target, client: client, stream: stream}, nil
}

// Begin publishes the stream under the URL's stream key.
func (w *rtmpWriter) Begin(_, _ bool) error {
	if err := w.stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: w.target.key,
		PublishingType: "live",
	}); err != nil {
		return fmt.Errorf("RTMP publish: %w", err)
	}
	w.log.Info("RTMP publishing")
	return nil
}

func (w *rtmpWriter) WriteTag(tag *flvtag.FlvTag) error {
	w.buf.Reset()
	switch data := tag.Data.(type) {
	case *flvtag.VideoData:
		if err := flvtag.EncodeVideoData(&w.buf, data); err != nil {
			return err
		}
		return w.stream.Write(videoChunkStreamID, tag.Timestamp, &rtmpmsg.VideoMessage{Payload: &w.buf})
	case *flvtag.AudioData:
		if err := flvtag.EncodeAudioData(&w.buf, data); err != nil {
			return err
		}
		return w.stream.Write(audioChunkStreamID, tag.Timestamp, &rtmpmsg.AudioMessage{Payload: &w.buf})
	default:
		return errors.New("rtmp: unsupported tag data")
	}
}

func (w *rtmpWriter) Close() error {
	w.log.Info("RTMP connection closed")
	return w.client.Close()
}
