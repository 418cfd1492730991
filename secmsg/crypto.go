package secmsg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"errors"
	"fmt"
)

// Pad applies ISO 9797-1 padding method 2: append 0x80 then zeros up to the
// block boundary. A full padding block is added when the input is aligned.
func Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// Unpad strips ISO 9797-1 method 2 padding. Pad then Unpad is the identity
// for every byte sequence.
func Unpad(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, errors.New("secmsg: bad padding")
	}
	return data[:idx], nil
}

func cbcEncrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("secmsg: CBC encrypt: data not block aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func cbcDecrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("secmsg: CBC decrypt: data not block aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// tripleDESCipher builds a 2-key 3DES block cipher from a 16-byte key.
func tripleDESCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("secmsg: 3DES key must be 16 bytes, got %d", len(key))
	}
	k := make([]byte, 24)
	copy(k[0:16], key)
	copy(k[16:24], key[0:8])
	return des.NewTripleDESCipher(k)
}

// adjustDESParity sets each key byte's least significant bit to odd parity.
func adjustDESParity(key []byte) {
	for i, b := range key {
		parity := byte(0)
		for v := b >> 1; v != 0; v >>= 1 {
			parity ^= v & 1
		}
		key[i] = (b &^ 1) | (parity ^ 1)
	}
}

// retailMAC computes ISO 9797-1 MAC algorithm 3 (DES retail MAC) with a
// 16-byte key over already-padded data.
func retailMAC(key, padded []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("secmsg: retail MAC key must be 16 bytes, got %d", len(key))
	}
	if len(padded)%8 != 0 {
		return nil, fmt.Errorf("secmsg: retail MAC input not block aligned")
	}
	ka, err := des.NewCipher(key[0:8])
	if err != nil {
		return nil, err
	}
	kb, err := des.NewCipher(key[8:16])
	if err != nil {
		return nil, err
	}

	h := make([]byte, 8)
	y := make([]byte, 8)
	for i := 0; i < len(padded); i += 8 {
		xorBlock(y, h, padded[i:i+8])
		ka.Encrypt(h, y)
	}
	kb.Decrypt(y, h)
	ka.Encrypt(h, y)
	return h, nil
}

// aesCMAC computes the AES-CMAC (NIST SP 800-38B) of msg.
func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k1, k2 := cmacSubkeys(block)

	n := (len(msg) + 15) / 16
	if n == 0 {
		n = 1
	}
	lastComplete := len(msg) != 0 && len(msg)%16 == 0

	last := make([]byte, 16)
	if lastComplete {
		copy(last, msg[(n-1)*16:])
		xorBlock(last, last, k1)
	} else {
		remain := len(msg) - (n-1)*16
		if remain > 0 {
			copy(last, msg[(n-1)*16:])
		}
		last[remain] = 0x80
		xorBlock(last, last, k2)
	}

	x := make([]byte, 16)
	y := make([]byte, 16)
	for i := 0; i < n-1; i++ {
		xorBlock(y, x, msg[i*16:(i+1)*16])
		block.Encrypt(x, y)
	}
	xorBlock(y, x, last)
	block.Encrypt(x, y)
	return x, nil
}

func cmacSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87
	zero := make([]byte, 16)
	l := make([]byte, 16)
	block.Encrypt(l, zero)

	k1 = make([]byte, 16)
	leftShift1(k1, l)
	if l[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = make([]byte, 16)
	leftShift1(k2, k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}
	return k1, k2
}

func leftShift1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// Zeroize overwrites every byte of each slice. Key material is wiped, not
// merely dereferenced, whenever a session ends or is superseded.
func Zeroize(bufs ...[]byte) {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
	}
}
