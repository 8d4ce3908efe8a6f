package ncm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReaderAt remembers the furthest offset read.
type recordingReaderAt struct {
	r   io.ReaderAt
	end int64
}

func (r *recordingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.r.ReadAt(p, off)
	if end := off + int64(n); end > r.end {
		r.end = end
	}
	return n, err
}

func TestOpenAndDumpMP3(t *testing.T) {
	audio := sampleAudio("ID3", 5000)
	path := fixture{
		contentKey: testKey(32),
		meta:       sampleMeta,
		cover:      []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3},
		frameExtra: 11,
		audio:      audio,
	}.write(t, "song.ncm")

	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Metadata())
	assert.Equal(t, "周杰伦/Guest", c.Metadata().MustArtist())
	assert.Equal(t, sampleMeta, c.MetadataJSON())
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3}, c.Cover())
	assert.Equal(t, "image/jpeg", c.CoverMIME())

	outDir := t.TempDir()
	res, err := c.Dump(outDir)
	require.NoError(t, err)
	assert.Equal(t, FormatMP3, res.Format)
	assert.Equal(t, filepath.Join(outDir, "song.mp3"), res.Path)
	assert.EqualValues(t, len(audio), res.Size)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, audio, got)
}

func TestDumpFLACNextToSource(t *testing.T) {
	audio := sampleAudio("fLaC", 1<<12+5)
	path := fixture{contentKey: testKey(1), audio: audio}.write(t, "track.ncm")

	c, err := Open(path, WithBufferSize(7))
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Dump("")
	require.NoError(t, err)
	assert.Equal(t, FormatFLAC, res.Format)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "track.flac"), res.Path)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, audio, got)
}

func TestDumpTwice(t *testing.T) {
	audio := sampleAudio("ID3", 600)
	data := fixture{contentKey: testKey(16), audio: audio}.encode(t)

	c, err := NewContainer(bytes.NewReader(data), int64(len(data)), WithName("x.ncm"))
	require.NoError(t, err)

	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		res, err := c.Dump(dir)
		require.NoError(t, err)
		got, err := os.ReadFile(res.Path)
		require.NoError(t, err)
		assert.Equal(t, audio, got)
	}
}

func TestDumpShortPayload(t *testing.T) {
	data := fixture{contentKey: testKey(4), audio: []byte{'I', 'D'}}.encode(t)
	c, err := NewContainer(bytes.NewReader(data), int64(len(data)), WithName("short.ncm"))
	require.NoError(t, err)

	res, err := c.Dump(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, FormatFLAC, res.Format)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte{'I', 'D'}, got)
}

func TestDumpEmptyPayload(t *testing.T) {
	data := fixture{contentKey: testKey(4)}.encode(t)
	c, err := NewContainer(bytes.NewReader(data), int64(len(data)), WithName("empty.ncm"))
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = c.Dump(dir)
	assert.ErrorIs(t, err, ErrCorrupt)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// hookReaderAt runs before on every read and fails the read if it errors.
type hookReaderAt struct {
	r      io.ReaderAt
	before func(off int64) error
}

func (h *hookReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if err := h.before(off); err != nil {
		return 0, err
	}
	return h.r.ReadAt(p, off)
}

func TestDumpClosedWhileStreaming(t *testing.T) {
	data := fixture{contentKey: testKey(8), audio: sampleAudio("ID3", 512)}.encode(t)
	var c *Container
	r := &hookReaderAt{r: bytes.NewReader(data), before: func(off int64) error {
		if c != nil && off > c.PayloadOffset() {
			_ = c.Close()
		}
		return nil
	}}

	var err error
	c, err = NewContainer(r, int64(len(data)), WithName("closing.ncm"), WithBufferSize(64))
	require.NoError(t, err)

	_, err = c.Dump(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, 1, strings.Count(err.Error(), ErrIO.Error()))
}

func TestDumpReadFailureKeepsPartialFile(t *testing.T) {
	audio := sampleAudio("ID3", 512)
	data := fixture{contentKey: testKey(8), audio: audio}.encode(t)
	errDiskGone := errors.New("disk gone")
	var c *Container
	r := &hookReaderAt{r: bytes.NewReader(data), before: func(off int64) error {
		if c != nil && off >= c.PayloadOffset()+128 {
			return errDiskGone
		}
		return nil
	}}

	var err error
	c, err = NewContainer(r, int64(len(data)), WithName("failing.ncm"), WithBufferSize(64))
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = c.Dump(dir)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, errDiskGone)

	got, err := os.ReadFile(filepath.Join(dir, "failing.mp3"))
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.Less(t, len(got), len(audio))
	assert.Equal(t, audio[:len(got)], got)
}

func TestDumpAfterClose(t *testing.T) {
	path := fixture{contentKey: testKey(8), audio: sampleAudio("ID3", 64)}.write(t, "closed.ncm")
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Dump(t.TempDir())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, ErrIO)
}

func TestOpenWithoutMetadata(t *testing.T) {
	path := fixture{contentKey: testKey(8), audio: sampleAudio("ID3", 64)}.write(t, "nometa.ncm")
	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Metadata())
	assert.Equal(t, "{}", c.MetadataJSON())
	assert.Nil(t, c.Cover())
}

func TestOpenBrokenMetadataStillDecodes(t *testing.T) {
	audio := sampleAudio("ID3", 300)
	path := fixture{
		contentKey: testKey(8),
		modify:     []byte("163 key(Don't modify):%%%%"),
		audio:      audio,
	}.write(t, "badmeta.ncm")

	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "{}", c.MetadataJSON())

	res, err := c.Dump(t.TempDir())
	require.NoError(t, err)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, audio, got)
}

func TestOpenPNGCover(t *testing.T) {
	cover := append(bytes.Clone(PngHeader), 0, 0, 0, 13)
	path := fixture{contentKey: testKey(8), cover: cover, audio: sampleAudio("fLaC", 10)}.write(t, "png.ncm")

	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "image/png", c.CoverMIME())
	assert.Equal(t, cover, c.Cover())
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.ncm"))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestBadMagicA(t *testing.T) {
	data := fixture{contentKey: testKey(8), audio: sampleAudio("ID3", 64)}.encode(t)
	data[0] = 'X'

	r := &recordingReaderAt{r: bytes.NewReader(data)}
	_, err := NewContainer(r, int64(len(data)))
	assert.ErrorIs(t, err, ErrFormat)
	assert.EqualValues(t, LeadingSize, r.end)
}

func TestBadMagicB(t *testing.T) {
	data := fixture{contentKey: testKey(8), audio: sampleAudio("ID3", 64)}.encode(t)
	data[7] = 'X'

	_, err := NewContainer(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestTinyFile(t *testing.T) {
	data := []byte("CTE")
	_, err := NewContainer(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrFormat)
}

func header(keyLen uint32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, MagicA)
	_ = binary.Write(&buf, binary.LittleEndian, MagicB)
	buf.Write([]byte{0, 0})
	_ = binary.Write(&buf, binary.LittleEndian, keyLen)
	return buf.Bytes()
}

func TestZeroKeyLength(t *testing.T) {
	data := append(header(0), make([]byte, 64)...)
	_, err := NewContainer(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestKeyLengthBeyondFile(t *testing.T) {
	data := append(header(1<<30), make([]byte, 64)...)
	_, err := NewContainer(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestKeyBlockTooShortForPrefix(t *testing.T) {
	key := encryptECB(t, coreKey, pad([]byte("netease")))
	for i := range key {
		key[i] ^= keyBlockMask
	}
	data := append(header(uint32(len(key))), key...)
	data = append(data, make([]byte, 32)...)

	_, err := NewContainer(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEmptyContentKey(t *testing.T) {
	key := encryptECB(t, coreKey, pad([]byte("neteasecloudmusic")))
	for i := range key {
		key[i] ^= keyBlockMask
	}
	data := append(header(uint32(len(key))), key...)
	data = append(data, make([]byte, 32)...)

	_, err := NewContainer(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestTruncatedContainer(t *testing.T) {
	fx := fixture{
		contentKey: testKey(16),
		meta:       sampleMeta,
		cover:      []byte{1, 2, 3, 4},
		frameExtra: 4,
	}
	data := fx.encode(t)

	// every prefix short of the full header must fail as corrupt
	for cut := 8; cut < len(data); cut++ {
		_, err := NewContainer(bytes.NewReader(data[:cut]), int64(cut))
		require.ErrorIsf(t, err, ErrCorrupt, "cut at %d", cut)
	}
	_, err := NewContainer(bytes.NewReader(data), int64(len(data)))
	assert.NoError(t, err)
}

func TestCoverImageLongerThanFrame(t *testing.T) {
	fx := fixture{contentKey: testKey(16), audio: sampleAudio("ID3", 32)}
	data := fx.encode(t)

	// frame length sits right after the 5 reserved bytes following the empty modify block
	off := 8 + 2 + 4 + len(fx.keyBlock(t)) + 4 + 5
	binary.LittleEndian.PutUint32(data[off:], 0)
	binary.LittleEndian.PutUint32(data[off+4:], 8)

	_, err := NewContainer(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPayloadOffset(t *testing.T) {
	fx := fixture{contentKey: testKey(16), cover: []byte{9, 9}, frameExtra: 3, audio: sampleAudio("ID3", 32)}
	data := fx.encode(t)

	c, err := NewContainer(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.EqualValues(t, len(data)-32, c.PayloadOffset())
}
