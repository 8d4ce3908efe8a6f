package ncm

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// `163 key(Don't modify):`
	modifyHeaderSize = 22
	// `music:`
	metaLabelSize = 6
)

var errNoMetadata = errors.New("no metadata")

// Metadata is the track description carried by the modify block. A nil
// *Metadata means the container has none; its accessors return zero values.
type Metadata struct {
	Name     string
	Album    string
	Artists  []string
	Format   string
	AlbumPic string
	MusicID  string
	Bitrate  int64
	Duration int64

	raw json.RawMessage
}

func (m *Metadata) MustName() string {
	if m == nil {
		return ""
	}
	return m.Name
}

func (m *Metadata) MustAlbum() string {
	if m == nil {
		return ""
	}
	return m.Album
}

// MustArtist joins the artist names with "/".
func (m *Metadata) MustArtist() string {
	if m == nil {
		return ""
	}
	return strings.Join(m.Artists, "/")
}

func (m *Metadata) MustAlbumPic() string {
	if m == nil {
		return ""
	}
	return m.AlbumPic
}

// JSON returns the parsed tree in compact form, or "{}" when absent.
func (m *Metadata) JSON() string {
	if m == nil || len(m.raw) == 0 {
		return "{}"
	}
	return string(m.raw)
}

// recoverMetadata turns an XOR-decoded modify block into a Metadata record.
// Any failure is reported as an error wrapping errNoMetadata; callers treat
// it as "no metadata" rather than a container failure.
func recoverMetadata(block []byte) (*Metadata, error) {
	if len(block) < modifyHeaderSize {
		return nil, fmt.Errorf("%w: modify block too short (%d bytes)", errNoMetadata, len(block))
	}
	// 跳过 `163 key(Don't modify):` 22个字符
	data, err := base64.StdEncoding.DecodeString(string(block[modifyHeaderSize:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNoMetadata, err)
	}
	data, err = DecryptECB(modifyKey, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNoMetadata, err)
	}
	if len(data) < metaLabelSize {
		return nil, fmt.Errorf("%w: decrypted metadata too short", errNoMetadata)
	}
	// 跳过 `music:` 6个字符
	return ParseMetadata(data[metaLabelSize:])
}

// ParseMetadata parses the JSON text found after the `music:` label.
func ParseMetadata(data []byte) (*Metadata, error) {
	var tree map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %w", errNoMetadata, err)
	}
	if tree == nil {
		return nil, fmt.Errorf("%w: metadata is not an object", errNoMetadata)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data[:dec.InputOffset()]); err != nil {
		return nil, fmt.Errorf("%w: %w", errNoMetadata, err)
	}

	m := &Metadata{
		Name:     stringField(tree["musicName"]),
		Album:    stringField(tree["album"]),
		Format:   stringField(tree["format"]),
		AlbumPic: stringField(tree["albumPic"]),
		MusicID:  stringField(tree["musicId"]),
		Bitrate:  intField(tree["bitrate"]),
		Duration: intField(tree["duration"]),
		raw:      compact.Bytes(),
	}

	// artist: [["name", id], ...]
	if list, ok := tree["artist"].([]interface{}); ok {
		for _, v := range list {
			pair, ok := v.([]interface{})
			if !ok || len(pair) == 0 {
				continue
			}
			m.Artists = append(m.Artists, stringField(pair[0]))
		}
	}
	return m, nil
}

func stringField(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

func intField(v interface{}) int64 {
	switch x := v.(type) {
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			f, _ := x.Float64()
			return int64(f)
		}
		return i
	case string:
		i, _ := json.Number(x).Int64()
		return i
	default:
		return 0
	}
}
