package ncm

import (
	"crypto/aes"
	"fmt"
)

var (
	// 687A4852416D736F356B496E62617857
	coreKey = []byte{0x68, 0x7A, 0x48, 0x52, 0x41, 0x6D, 0x73, 0x6F, 0x35, 0x6B, 0x49, 0x6E, 0x62, 0x61, 0x78, 0x57}
	// 2331346C6A6B5F215C5D2630553C2728
	modifyKey = []byte{0x23, 0x31, 0x34, 0x6C, 0x6A, 0x6B, 0x5F, 0x21, 0x5C, 0x5D, 0x26, 0x30, 0x55, 0x3C, 0x27, 0x28}
)

// DecryptECB decrypts every whole block of ciphertext under key and strips
// the trailing pad with Unpad. A trailing partial block is ignored.
func DecryptECB(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	blockSize := block.BlockSize()

	dataSize := len(ciphertext) / blockSize * blockSize
	if dataSize == 0 {
		return nil, fmt.Errorf("%w: ciphertext shorter than one block", ErrCorrupt)
	}
	plaintext := make([]byte, dataSize)

	for start := 0; start < dataSize; start += blockSize {
		end := start + blockSize
		block.Decrypt(plaintext[start:end], ciphertext[start:end])
	}
	return Unpad(plaintext), nil
}

// Unpad drops as many trailing bytes as the last byte says, if that value
// is at most aes.BlockSize. Pad bytes are not checked against each other.
func Unpad(plaintext []byte) []byte {
	if len(plaintext) == 0 {
		return plaintext
	}
	pad := int(plaintext[len(plaintext)-1])
	if pad > aes.BlockSize || pad > len(plaintext) {
		pad = 0
	}
	return plaintext[:len(plaintext)-pad]
}
