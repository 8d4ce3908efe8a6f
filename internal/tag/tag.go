// Package tag embeds title, artist, album and cover art into decoded audio
// files.
package tag

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"
)

const (
	DefaultCoverMIME = "image/jpeg"
	coverDescription = "Front cover"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrWriteFailed       = errors.New("write tags failed")
)

// Tags is what gets written. Empty strings are written as-is; a nil Cover
// leaves existing pictures untouched.
type Tags struct {
	Title     string
	Artist    string
	Album     string
	Cover     []byte
	CoverMIME string
}

func (t *Tags) coverMIME() string {
	if t.CoverMIME == "" {
		return DefaultCoverMIME
	}
	return t.CoverMIME
}

// Write picks the tag container by the extension of path.
func Write(path string, tags Tags) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		err = writeMp3(path, &tags)
	case ".flac":
		err = writeFlac(path, &tags)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, filepath.Base(path), err)
	}
	return nil
}

// id3HeaderSize is the smallest file id3v2 can open for parsing.
const id3HeaderSize = 10

func writeMp3(path string, tags *Tags) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() < id3HeaderSize {
		return writeShortMp3(path, info.Mode(), tags)
	}

	mp3File, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return err
	}
	defer func() {
		_ = mp3File.Close()
	}()

	setMp3Tags(mp3File, tags)
	return mp3File.Save()
}

// writeShortMp3 prepends a fresh tag to a file too short to hold one.
func writeShortMp3(path string, mode os.FileMode, tags *Tags) error {
	audio, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mp3Tag := id3v2.NewEmptyTag()
	setMp3Tags(mp3Tag, tags)

	var buf bytes.Buffer
	if _, err = mp3Tag.WriteTo(&buf); err != nil {
		return err
	}
	buf.Write(audio)
	return os.WriteFile(path, buf.Bytes(), mode)
}

func setMp3Tags(mp3Tag *id3v2.Tag, tags *Tags) {
	mp3Tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	mp3Tag.SetTitle(tags.Title)
	mp3Tag.SetArtist(tags.Artist)
	mp3Tag.SetAlbum(tags.Album)

	if len(tags.Cover) > 0 {
		mp3Tag.DeleteFrames(mp3Tag.CommonID("Attached picture"))
		pic := id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    tags.coverMIME(),
			PictureType: id3v2.PTFrontCover,
			Description: coverDescription,
			Picture:     tags.Cover,
		}
		mp3Tag.AddAttachedPicture(pic)
	}
}

func writeFlac(path string, tags *Tags) error {
	flacFile, err := flac.ParseFile(path)
	if err != nil {
		return err
	}

	var (
		vcIndex = -1
		vc      *flacvorbis.MetaDataBlockVorbisComment
		kept    = make([]*flac.MetaDataBlock, 0, len(flacFile.Meta)+1)
	)
	for _, meta := range flacFile.Meta {
		switch {
		case meta.Type == flac.VorbisComment && vc == nil:
			vc, err = flacvorbis.ParseFromMetaDataBlock(*meta)
			if err != nil {
				return err
			}
			vcIndex = len(kept)
		case meta.Type == flac.VorbisComment:
			// only one comment block is allowed, fold the rest into the first
			extra, err := flacvorbis.ParseFromMetaDataBlock(*meta)
			if err != nil {
				return err
			}
			vc.Comments = append(vc.Comments, extra.Comments...)
			continue
		case meta.Type == flac.Picture && len(tags.Cover) > 0:
			// replaced below
			continue
		}
		kept = append(kept, meta)
	}

	if vc == nil {
		vc = flacvorbis.New()
	}
	vc.Comments = dropFields(vc.Comments, flacvorbis.FIELD_TITLE, flacvorbis.FIELD_ARTIST, flacvorbis.FIELD_ALBUM)
	_ = vc.Add(flacvorbis.FIELD_TITLE, tags.Title)
	_ = vc.Add(flacvorbis.FIELD_ARTIST, tags.Artist)
	_ = vc.Add(flacvorbis.FIELD_ALBUM, tags.Album)
	mdb := vc.Marshal()
	if vcIndex >= 0 {
		kept[vcIndex] = &mdb
	} else {
		kept = append(kept, &mdb)
	}

	if len(tags.Cover) > 0 {
		pic := newPicture(tags)
		picBlock := pic.Marshal()
		kept = append(kept, &picBlock)
	}

	flacFile.Meta = kept
	return flacFile.Save(path)
}

// newPicture fills in dimensions when the image decodes, and falls back to
// a bare block otherwise so undecodable covers are still embedded verbatim.
func newPicture(tags *Tags) *flacpicture.MetadataBlockPicture {
	pic, err := flacpicture.NewFromImageData(flacpicture.PictureTypeFrontCover, coverDescription,
		tags.Cover, tags.coverMIME())
	if err == nil {
		return pic
	}
	return &flacpicture.MetadataBlockPicture{
		PictureType: flacpicture.PictureTypeFrontCover,
		MIME:        tags.coverMIME(),
		Description: coverDescription,
		ImageData:   tags.Cover,
	}
}

// dropFields removes vorbis comments whose field name matches any of names.
func dropFields(comments []string, names ...string) []string {
	out := comments[:0]
	for _, c := range comments {
		field, _, _ := strings.Cut(c, "=")
		drop := false
		for _, name := range names {
			if strings.EqualFold(field, name) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, c)
		}
	}
	return out
}
