// Package convert is the boundary between commands and the ncm decoder: it
// turns every outcome into a Status and never lets a failure escape as a
// panic.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jdxj/ncmdump/internal/cover"
	"github.com/jdxj/ncmdump/internal/ncm"
	"github.com/jdxj/ncmdump/internal/tag"
)

type Status int

const (
	StatusOK          Status = 1
	StatusFailed      Status = -1
	StatusInvalidArgs Status = -2
	StatusTagFailed   Status = -3
	StatusInternal    Status = -99
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "decrypt failed"
	case StatusInvalidArgs:
		return "invalid arguments"
	case StatusTagFailed:
		return "write tags failed"
	case StatusInternal:
		return "internal error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

var (
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrInternal    = errors.New("internal error")
)

// Request describes one file to unlock. Empty Title, Artist, Album and a
// nil Cover fall back to what the container carries.
type Request struct {
	Input     string
	OutputDir string

	Title  string
	Artist string
	Album  string
	Cover  []byte

	SkipTags bool
}

type Result struct {
	Status Status
	Input  string
	Path   string
	Format ncm.Format
	Err    error
}

func (r Result) OK() bool {
	return r.Status == StatusOK
}

type Option func(*Converter)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Converter) {
		c.log = log
	}
}

// CoverFetcher downloads the album picture referenced by the metadata.
// *cover.Fetcher implements it.
type CoverFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

var _ CoverFetcher = (*cover.Fetcher)(nil)

// WithCoverFetcher enables downloading the album picture when a container
// has no embedded cover.
func WithCoverFetcher(f CoverFetcher) Option {
	return func(c *Converter) {
		c.fetcher = f
	}
}

func WithBufferSize(size int) Option {
	return func(c *Converter) {
		c.bufferSize = size
	}
}

// Converter is safe for concurrent use on different files.
type Converter struct {
	log        *logrus.Entry
	fetcher    CoverFetcher
	bufferSize int
}

func New(opts ...Option) *Converter {
	c := &Converter{bufferSize: ncm.DefaultBufferSize}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

func (c *Converter) open(path string) (*ncm.Container, error) {
	return ncm.Open(path, ncm.WithLogger(c.log), ncm.WithBufferSize(c.bufferSize))
}

// Unlock decodes req.Input into req.OutputDir and writes tags to the result.
func (c *Converter) Unlock(ctx context.Context, req Request) (res Result) {
	res.Input = req.Input
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusInternal
			res.Err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	if err := checkRequest(req); err != nil {
		res.Status, res.Err = StatusInvalidArgs, err
		return res
	}

	container, err := c.open(req.Input)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	defer func() {
		_ = container.Close()
	}()

	dump, err := container.Dump(req.OutputDir)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	res.Path, res.Format = dump.Path, dump.Format

	if !req.SkipTags {
		t := c.tags(ctx, req, container)
		if emptyTags(&t) {
			c.log.WithField("file", req.Input).Debug("nothing to tag")
		} else if err := tag.Write(dump.Path, t); err != nil {
			res.Status, res.Err = StatusTagFailed, err
			return res
		}
	}

	res.Status = StatusOK
	return res
}

func checkRequest(req Request) error {
	if req.Input == "" {
		return fmt.Errorf("%w: empty input path", ErrInvalidArgs)
	}
	if req.OutputDir == "" {
		return nil
	}
	info, err := os.Stat(req.OutputDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidArgs, req.OutputDir)
	}
	return nil
}

func emptyTags(t *tag.Tags) bool {
	return t.Title == "" && t.Artist == "" && t.Album == "" && len(t.Cover) == 0
}

func (c *Converter) tags(ctx context.Context, req Request, container *ncm.Container) tag.Tags {
	meta := container.Metadata()
	t := tag.Tags{
		Title:  firstNonEmpty(req.Title, meta.MustName()),
		Artist: firstNonEmpty(req.Artist, meta.MustArtist()),
		Album:  firstNonEmpty(req.Album, meta.MustAlbum()),
		Cover:  req.Cover,
	}
	if len(t.Cover) == 0 {
		t.Cover = container.Cover()
	}
	if len(t.Cover) == 0 && c.fetcher != nil && meta.MustAlbumPic() != "" {
		data, err := c.fetcher.Fetch(ctx, meta.MustAlbumPic())
		if err != nil {
			c.log.WithField("file", req.Input).WithError(err).Warn("cover download failed")
		} else {
			t.Cover = data
		}
	}
	if len(t.Cover) > 0 {
		t.CoverMIME = ncm.CoverMIME(t.Cover)
	}
	return t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// MetadataJSON returns the metadata of the container at path as JSON, or
// "{}" when it has none or cannot be opened.
func (c *Converter) MetadataJSON(path string) (out string) {
	out = "{}"
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("file", path).Errorf("read metadata: %v", r)
			out = "{}"
		}
	}()

	container, err := c.open(path)
	if err != nil {
		c.log.WithField("file", path).WithError(err).Error("read metadata failed")
		return out
	}
	defer func() {
		_ = container.Close()
	}()
	return container.MetadataJSON()
}
