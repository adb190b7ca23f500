package mux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
)

// fileWriter encodes FLV tags to a file.
type fileWriter struct {
	dst io.WriteCloser
	bw  *bufio.Writer
	enc *flv.Encoder
	// tagged is set once the encoder has written PreviousTagSize0.
	tagged bool
}

func createFile(path string) (*fileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create FLV file: %w", err)
	}
	return newFileWriter(f), nil
}

func newFileWriter(dst io.WriteCloser) *fileWriter {
	return &fileWriter{dst: dst, bw: bufio.NewWriter(dst)}
}

// Begin writes the FLV file header.
func (w *fileWriter) Begin(audio, video bool) error {
	var flags flv.Flags
	if audio {
		flags |= flv.FlagsAudio
	}
	if video {
		flags |= flv.FlagsVideo
	}
	enc, err := flv.NewEncoder(w.bw, flags)
	if err != nil {
		return err
	}
	w.enc = enc
	return nil
}

func (w *fileWriter) WriteTag(tag *flvtag.FlvTag) error {
	if w.enc == nil {
		return ErrNotStarted
	}
	w.tagged = true
	return w.enc.Encode(tag)
}

// Close ends the file. A file with a header but no tags still gets its
// zero PreviousTagSize0.
func (w *fileWriter) Close() error {
	var err error
	if w.enc != nil && !w.tagged {
		_, err = w.bw.Write(make([]byte, 4))
	}
	return errors.Join(err, w.bw.Flush(), w.dst.Close())
}
