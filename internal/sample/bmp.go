package sample

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	bmpFileHeaderSize = 14
	bmpInfoHeaderSize = 40
	bmpHeaderSize     = bmpFileHeaderSize + bmpInfoHeaderSize
	bmpBitsPerPixel   = 24
)

// ErrInvalidBMP is returned when a file is not a 24-bit uncompressed
// bitmap.
var ErrInvalidBMP = errors.New("invalid 24-bit bitmap")

// Image is a packed 24-bit picture in B, G, R byte order with rows stored
// top to bottom and no padding.
type Image struct {
	Width  int
	Height int
	Pix    []byte
}

// NewImage allocates a black image.
func NewImage(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]byte, width*height*3)}
}

// bmpRowSize is the on-disk row length, padded to 4 bytes.
func bmpRowSize(width int) int {
	return (width*bmpBitsPerPixel + 31) / 32 * 4
}

// EncodeBMP writes img as a bottom-up 24-bit bitmap with a 14 byte file
// header and a 40 byte info header.
func EncodeBMP(w io.Writer, img *Image) error {
	if img.Width <= 0 || img.Height <= 0 || len(img.Pix) < img.Width*img.Height*3 {
		return fmt.Errorf("encode %dx%d image with %d bytes: %w", img.Width, img.Height, len(img.Pix), ErrInvalidBMP)
	}
	rowSize := bmpRowSize(img.Width)

	var hdr [bmpHeaderSize]byte
	le := binary.LittleEndian
	hdr[0], hdr[1] = 'B', 'M'
	le.PutUint32(hdr[2:], uint32(bmpHeaderSize+rowSize*img.Height))
	le.PutUint32(hdr[10:], bmpHeaderSize)
	le.PutUint32(hdr[14:], bmpInfoHeaderSize)
	le.PutUint32(hdr[18:], uint32(img.Width))
	le.PutUint32(hdr[22:], uint32(img.Height))
	le.PutUint16(hdr[26:], 1)
	le.PutUint16(hdr[28:], bmpBitsPerPixel)
	// Compression and the five trailing fields stay zero.

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	row := make([]byte, rowSize)
	stride := img.Width * 3
	for y := img.Height - 1; y >= 0; y-- {
		copy(row, img.Pix[y*stride:(y+1)*stride])
		if _, err := bw.Write(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DecodeBMP reads a bitmap written by EncodeBMP.
func DecodeBMP(r io.Reader) (*Image, error) {
	var hdr [bmpHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read bitmap header: %w", err)
	}
	le := binary.LittleEndian
	if hdr[0] != 'B' || hdr[1] != 'M' {
		return nil, fmt.Errorf("magic %q: %w", hdr[:2], ErrInvalidBMP)
	}
	offset := le.Uint32(hdr[10:])
	width := int(int32(le.Uint32(hdr[18:])))
	height := int(int32(le.Uint32(hdr[22:])))
	bpp := le.Uint16(hdr[28:])
	compression := le.Uint32(hdr[30:])
	if bpp != bmpBitsPerPixel || compression != 0 || width <= 0 || height <= 0 || offset < bmpHeaderSize {
		return nil, fmt.Errorf("%dx%d bpp=%d compression=%d: %w", width, height, bpp, compression, ErrInvalidBMP)
	}
	if _, err := io.CopyN(io.Discard, r, int64(offset-bmpHeaderSize)); err != nil {
		return nil, fmt.Errorf("skip to pixel data: %w", err)
	}

	img := NewImage(width, height)
	row := make([]byte, bmpRowSize(width))
	stride := width * 3
	for y := height - 1; y >= 0; y-- {
		if _, err := io.ReadFull(r, row); err != nil {
			return nil, fmt.Errorf("read row %d: %w", y, err)
		}
		copy(img.Pix[y*stride:(y+1)*stride], row)
	}
	return img, nil
}

// WriteFile writes img to path as a bitmap. The file is written next to
// path and renamed into place so readers never see a partial image.
func WriteFile(path string, img *Image) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := EncodeBMP(tmp, img); err != nil {
		tmp.Close()
		return fmt.Errorf("encode bitmap: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename bitmap: %w", err)
	}
	return nil
}

// ReadFile reads a bitmap from path.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeBMP(bufio.NewReader(f))
}
