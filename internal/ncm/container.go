package ncm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBufferSize 1MB
	DefaultBufferSize = 1 << 20

	LeadingSize = 4

	MagicA uint32 = 0x4e455443
	MagicB uint32 = 0x4d414446

	keyBlockMask    = 0x64
	modifyBlockMask = 0x63

	// `neteasecloudmusic`
	contentKeyPrefixSize = 17
)

// Container is an opened ncm file. The header is fully parsed by the time
// a Container is returned; the audio payload is decoded on Dump.
//
// A Container must not be dumped from several goroutines at once. Distinct
// Containers share nothing and may be used concurrently.
type Container struct {
	name string
	src  *guardedReaderAt
	size int64

	closer io.Closer
	closed atomic.Bool

	payloadOffset int64
	box           *KeyBox
	meta          *Metadata
	image         []byte

	bufferSize int
	log        *logrus.Entry
}

type Option func(*Container)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Container) {
		c.log = log
	}
}

// WithBufferSize sets the read/write chunk size used by Dump.
func WithBufferSize(size int) Option {
	return func(c *Container) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithName sets the source name used to derive the dump file name. Open
// sets it to the input path.
func WithName(name string) Option {
	return func(c *Container) {
		c.name = name
	}
}

// Open opens and parses the ncm file at path. On error nothing is left open.
func Open(path string, opts ...Option) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	opts = append([]Option{WithName(path)}, opts...)
	c, err := NewContainer(f, info.Size(), opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	c.closer = f
	return c, nil
}

// NewContainer parses an ncm container of the given size read from src.
// If src is an io.Closer it is not closed by Container.Close; use Open for
// file ownership.
func NewContainer(src io.ReaderAt, size int64, opts ...Option) (*Container, error) {
	c := &Container{
		name:       "audio.ncm",
		size:       size,
		bufferSize: DefaultBufferSize,
	}
	c.src = &guardedReaderAt{r: src, closed: &c.closed}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.log = c.log.WithField("file", filepath.Base(c.name))

	if err := c.verifyMagicHeader(); err != nil {
		return nil, err
	}

	p := &parser{
		r:    bufio.NewReaderSize(io.NewSectionReader(c.src, magicSize, size-magicSize), c.bufferSize),
		off:  magicSize,
		size: size,
	}
	// 2 bytes version, unused
	p.skip(2, "version")
	c.recoverKeyBox(p)
	c.recoverMetadata(p)
	p.skip(5, "crc")
	c.extractCover(p)
	if p.err != nil {
		return nil, p.err
	}

	c.payloadOffset = p.off
	c.log.Debugf("header parsed, audio payload at offset %d", c.payloadOffset)
	return c, nil
}

const magicSize = 2 * LeadingSize

// verifyMagicHeader reads the two magic words straight from the source so a
// mismatch in the first word never consumes the second.
func (c *Container) verifyMagicHeader() error {
	buf := make([]byte, LeadingSize)
	for i, want := range []uint32{MagicA, MagicB} {
		n, err := c.src.ReadAt(buf, int64(i*LeadingSize))
		if n < LeadingSize {
			return fmt.Errorf("%w: read magic header: %v", ErrFormat, err)
		}
		if binary.LittleEndian.Uint32(buf) != want {
			return fmt.Errorf("%w: not ncm file", ErrFormat)
		}
	}
	return nil
}

func (c *Container) recoverKeyBox(p *parser) {
	n := p.readUint32("key block length")
	if p.err != nil {
		return
	}
	if n == 0 {
		p.err = fmt.Errorf("%w: empty key block", ErrCorrupt)
		return
	}
	data := p.readBytes(n, "key block")
	if p.err != nil {
		return
	}
	for i := range data {
		data[i] ^= keyBlockMask
	}

	data, err := DecryptECB(coreKey, data)
	if err != nil {
		p.err = err
		return
	}
	if len(data) < contentKeyPrefixSize {
		p.err = fmt.Errorf("%w: key block too short (%d bytes)", ErrCorrupt, len(data))
		return
	}
	// 跳过 `neteasecloudmusic` 17个字符
	key := data[contentKeyPrefixSize:]
	c.box, p.err = BuildKeyBox(key)
	clear(data)
}

func (c *Container) recoverMetadata(p *parser) {
	m := p.readUint32("modify block length")
	if p.err != nil || m == 0 {
		return
	}
	data := p.readBytes(m, "modify block")
	if p.err != nil {
		return
	}
	for i := range data {
		data[i] ^= modifyBlockMask
	}

	meta, err := recoverMetadata(data)
	if err != nil {
		c.log.WithError(err).Debug("metadata unavailable")
		return
	}
	c.meta = meta
}

func (c *Container) extractCover(p *parser) {
	frameLen := p.readUint32("cover frame length")
	imageLen := p.readUint32("cover image length")
	if p.err != nil {
		return
	}
	if imageLen > frameLen {
		p.err = fmt.Errorf("%w: cover image length %d exceeds frame length %d", ErrCorrupt, imageLen, frameLen)
		return
	}
	if imageLen > 0 {
		c.image = p.readBytes(imageLen, "cover image")
	}
	p.skip(int64(frameLen-imageLen), "cover frame")
}

// Metadata returns the track metadata, or nil when the container has none.
func (c *Container) Metadata() *Metadata {
	return c.meta
}

// MetadataJSON returns the metadata as compact JSON, "{}" when absent.
func (c *Container) MetadataJSON() string {
	return c.meta.JSON()
}

// Cover returns the embedded cover image, nil if there is none.
func (c *Container) Cover() []byte {
	return c.image
}

func (c *Container) CoverMIME() string {
	return CoverMIME(c.image)
}

func (c *Container) Name() string {
	return c.name
}

// PayloadOffset is the offset of the first audio byte in the container.
func (c *Container) PayloadOffset() int64 {
	return c.payloadOffset
}

// Close releases the source. Reads in progress on the container fail with
// ErrClosed afterwards.
func (c *Container) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

type guardedReaderAt struct {
	r      io.ReaderAt
	closed *atomic.Bool
}

func (g *guardedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if g.closed.Load() {
		return 0, ErrClosed
	}
	return g.r.ReadAt(p, off)
}

// parser keeps the first error; every step after it is a no-op.
type parser struct {
	r    *bufio.Reader
	off  int64
	size int64
	err  error
}

func (p *parser) remaining() int64 {
	return p.size - p.off
}

func (p *parser) skip(n int64, what string) {
	if p.err != nil {
		return
	}
	if n > p.remaining() {
		p.err = fmt.Errorf("%w: skip %s: need %d bytes, %d left", ErrCorrupt, what, n, p.remaining())
		return
	}
	discarded, err := p.r.Discard(int(n))
	p.off += int64(discarded)
	if err != nil {
		p.err = fmt.Errorf("%w: skip %s: %s", ErrCorrupt, what, err)
	}
}

func (p *parser) readUint32(what string) uint32 {
	buf := p.readBytes(LeadingSize, what)
	if p.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf)
}

func (p *parser) readBytes(size uint32, what string) []byte {
	if p.err != nil {
		return nil
	}
	if int64(size) > p.remaining() {
		p.err = fmt.Errorf("%w: read %s: need %d bytes, %d left", ErrCorrupt, what, size, p.remaining())
		return nil
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(p.r, buf)
	p.off += int64(n)
	if err != nil {
		p.err = fmt.Errorf("%w: read %s: %s", ErrCorrupt, what, err)
		return nil
	}
	return buf
}
