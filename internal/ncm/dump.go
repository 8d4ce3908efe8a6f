package ncm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const sniffSize = 3

// DumpResult describes a decoded audio file written by Dump.
type DumpResult struct {
	Path   string
	Format Format
	Size   int64
}

// Dump decodes the audio payload into outputDir, or next to the source when
// outputDir is empty. The file is named after the source with the sniffed
// extension. On failure a partially written file may be left behind.
func (c *Container) Dump(outputDir string) (*DumpResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	payload := io.NewSectionReader(c.src, c.payloadOffset, c.size-c.payloadOffset)
	dec := NewDecoder(payload, c.box)

	head := make([]byte, sniffSize)
	n, err := io.ReadFull(dec, head)
	switch {
	case errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%w: no audio payload", ErrCorrupt)
	case errors.Is(err, io.ErrUnexpectedEOF):
	case err != nil:
		return nil, ioError(err)
	}
	head = head[:n]

	res := &DumpResult{Format: SniffFormat(head)}
	res.Path = c.dumpPath(outputDir, res.Format)

	f, err := os.Create(res.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	res.Size, err = c.saveMusic(f, head, dec)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err = f.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	c.log.WithField("output", res.Path).Debugf("dumped %d bytes of %s", res.Size, res.Format)
	return res, nil
}

func (c *Container) saveMusic(f *os.File, head []byte, dec *Decoder) (int64, error) {
	writer := bufio.NewWriterSize(f, c.bufferSize)
	if _, err := writer.Write(head); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}

	buf := make([]byte, c.bufferSize)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				return dec.Offset(), fmt.Errorf("%w: %w", ErrIO, werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return dec.Offset(), ioError(err)
		}
	}

	if err := writer.Flush(); err != nil {
		return dec.Offset(), fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		return dec.Offset(), fmt.Errorf("%w: %w", ErrIO, err)
	}
	return dec.Offset(), nil
}

func (c *Container) dumpPath(outputDir string, format Format) string {
	if outputDir == "" {
		outputDir = filepath.Dir(c.name)
	}
	basename := filepath.Base(c.name)
	filename := strings.TrimSuffix(basename, filepath.Ext(basename))
	return filepath.Join(outputDir, filename+format.Ext())
}

// ioError marks err as an ErrIO unless it already is one.
func ioError(err error) error {
	if errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}
