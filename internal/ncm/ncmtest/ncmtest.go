// Package ncmtest builds synthetic ncm containers for tests.
package ncmtest

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/jdxj/ncmdump/internal/ncm"
)

var (
	coreKey   = []byte("hzHRAmso5kInbaxW")
	modifyKey = []byte(`#14ljk_!\]&0U<'(`)
)

// Fixture describes a container. Meta is the JSON text stored in the
// modify block; empty means no modify block.
type Fixture struct {
	ContentKey []byte
	Meta       string
	Cover      []byte
	Audio      []byte
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func encrypt(key, plaintext []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	plaintext = pad(plaintext)
	out := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], plaintext[i:i+aes.BlockSize])
	}
	return out
}

func mask(data []byte, m byte) []byte {
	for i := range data {
		data[i] ^= m
	}
	return data
}

// Bytes encodes the fixture.
func (fx Fixture) Bytes(t testing.TB) []byte {
	t.Helper()
	key := fx.ContentKey
	if len(key) == 0 {
		key = []byte("0123456789abcdef0123456789abcdef")
	}

	var buf bytes.Buffer
	u32 := func(v int) {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(v))
	}
	u32(int(ncm.MagicA))
	u32(int(ncm.MagicB))
	buf.Write([]byte{0x01, 0x00})

	keyBlock := mask(encrypt(coreKey, append([]byte("neteasecloudmusic"), key...)), 0x64)
	u32(len(keyBlock))
	buf.Write(keyBlock)

	if fx.Meta == "" {
		u32(0)
	} else {
		enc := encrypt(modifyKey, []byte("music:"+fx.Meta))
		block := mask([]byte("163 key(Don't modify):"+base64.StdEncoding.EncodeToString(enc)), 0x63)
		u32(len(block))
		buf.Write(block)
	}

	buf.Write(make([]byte, 5))
	u32(len(fx.Cover))
	u32(len(fx.Cover))
	buf.Write(fx.Cover)

	box, err := ncm.BuildKeyBox(key)
	if err != nil {
		t.Fatalf("build key box: %v", err)
	}
	audio := make([]byte, len(fx.Audio))
	ncm.XORKeyStream(box, audio, fx.Audio, 0)
	buf.Write(audio)
	return buf.Bytes()
}

// Write stores the fixture as dir/name and returns the path.
func (fx Fixture) Write(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, fx.Bytes(t), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// MP3 returns a playable-looking MP3 stream: an empty ID3v2.4 tag and a
// frame header.
func MP3() []byte {
	return []byte{'I', 'D', '3', 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFB, 0x90, 0x64, 0x00, 0x00}
}

// FLAC returns a minimal FLAC stream: a zeroed STREAMINFO block and a frame
// sync code.
func FLAC() []byte {
	out := []byte("fLaC")
	out = append(out, 0x80, 0x00, 0x00, 34)
	out = append(out, make([]byte, 34)...)
	return append(out, 0xFF, 0xF8, 0x00, 0x00)
}
