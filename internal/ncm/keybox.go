package ncm

import (
	"fmt"
	"io"
)

const KeyBoxSize = 256

// KeyBox is a permutation of all byte values derived from a content key.
type KeyBox [KeyBoxSize]byte

// BuildKeyBox runs the key schedule over key. Each swap target is the sum
// of the current entry, the previous swap target and the next key byte.
func BuildKeyBox(key []byte) (*KeyBox, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty content key", ErrCorrupt)
	}

	box := new(KeyBox)
	// 1. 初始化
	for i := 0; i < KeyBoxSize; i++ {
		box[i] = byte(i)
	}
	// 2. 打乱
	var last byte
	offset := 0
	for i := 0; i < KeyBoxSize; i++ {
		swap := box[i]
		c := swap + last + key[offset]
		offset++
		if offset >= len(key) {
			offset = 0
		}
		box[i], box[c] = box[c], swap
		last = c
	}
	return box, nil
}

// keyStream holds the keystream byte for every position modulo 256.
type keyStream [KeyBoxSize]byte

// 3. 生成流密钥
func newKeyStream(box *KeyBox) *keyStream {
	ks := new(keyStream)
	for i := 0; i < KeyBoxSize; i++ {
		j := byte(i + 1)
		ks[i] = box[box[j]+box[box[j]+j]]
	}
	return ks
}

func (ks *keyStream) xor(dst, src []byte, pos int64) {
	for i, b := range src {
		dst[i] = b ^ ks[byte(pos+int64(i))]
	}
}

// XORKeyStream XORs src into dst with the keystream generated by box,
// starting at absolute stream position pos. Applying it twice with the
// same box and position restores the input. dst must be at least as long
// as src; they may overlap exactly.
func XORKeyStream(box *KeyBox, dst, src []byte, pos int64) {
	newKeyStream(box).xor(dst, src, pos)
}

// Decoder undoes the keystream over an underlying reader, tracking the
// absolute position across reads.
type Decoder struct {
	r   io.Reader
	ks  *keyStream
	pos int64
}

func NewDecoder(r io.Reader, box *KeyBox) *Decoder {
	return &Decoder{r: r, ks: newKeyStream(box)}
}

func (d *Decoder) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.ks.xor(p[:n], p[:n], d.pos)
		d.pos += int64(n)
	}
	return n, err
}

// Offset returns the number of bytes decoded so far.
func (d *Decoder) Offset() int64 {
	return d.pos
}
