package ncm

import (
	"bytes"
	"fmt"
)

// Format is the real audio format found under the keystream.
type Format int

const (
	FormatMP3 Format = iota
	FormatFLAC
)

func (f Format) String() string {
	switch f {
	case FormatMP3:
		return "mp3"
	case FormatFLAC:
		return "flac"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Ext returns the output file extension, including the dot.
func (f Format) Ext() string {
	return "." + f.String()
}

var (
	id3Header = []byte("ID3")

	PngHeader     = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	PngHeaderSize = len(PngHeader)
)

const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
)

// SniffFormat reports MP3 for decoded audio starting with an ID3 tag and
// FLAC for anything else.
func SniffFormat(head []byte) Format {
	if bytes.HasPrefix(head, id3Header) {
		return FormatMP3
	}
	return FormatFLAC
}

// CoverMIME reports image/png for data with the PNG signature, image/jpeg
// otherwise.
func CoverMIME(image []byte) string {
	if len(image) >= PngHeaderSize && bytes.Equal(image[:PngHeaderSize], PngHeader) {
		return MIMEPNG
	}
	return MIMEJPEG
}
