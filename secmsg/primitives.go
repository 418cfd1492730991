package secmsg

import "crypto/aes"

// The access control negotiators reuse the codec's cipher primitives for
// their challenge-response cryptograms, before any session exists.

// TDESEncryptCBC encrypts block-aligned data with 2-key 3DES in CBC mode.
func TDESEncryptCBC(key, iv, data []byte) ([]byte, error) {
	block, err := tripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcEncrypt(block, iv, data)
}

// TDESDecryptCBC decrypts block-aligned data with 2-key 3DES in CBC mode.
func TDESDecryptCBC(key, iv, data []byte) ([]byte, error) {
	block, err := tripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcDecrypt(block, iv, data)
}

// AESEncryptCBC encrypts block-aligned data with AES in CBC mode.
func AESEncryptCBC(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcEncrypt(block, iv, data)
}

// AESDecryptCBC decrypts block-aligned data with AES in CBC mode.
func AESDecryptCBC(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cbcDecrypt(block, iv, data)
}

// RetailMAC computes the ISO 9797-1 algorithm 3 MAC over data, applying
// padding method 2 first.
func RetailMAC(key, data []byte) ([]byte, error) {
	return retailMAC(key, Pad(data, 8))
}

// CMAC computes the full-width AES-CMAC of msg.
func CMAC(key, msg []byte) ([]byte, error) {
	return aesCMAC(key, msg)
}
