package sfcore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strconv"
)

// materialDescription is stored alongside each staged file so the server
// can locate the master key that wraps the file key. Every value is a
// string on the wire, including keySize.
type materialDescription struct {
	QueryID string `json:"queryId"`
	SMKID   string `json:"smkId"`
	KeySize string `json:"keySize"`
}

// fileCryptoMetadata travels with an encrypted stage file as object-store
// metadata. All fields are already encoded for the wire: key and iv are
// base64, matdesc is serialized JSON, digest is the base64 SHA-256 of the
// encrypted payload.
type fileCryptoMetadata struct {
	key     string
	iv      string
	matdesc string
	digest  string
}

// payloadDigest returns the base64 SHA-256 of data.
func payloadDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// decodeMasterKey decodes the stage master key and checks it selects a
// known cipher: 16 bytes for AES-128, 32 for AES-256.
func decodeMasterKey(op string, material *encryptionMaterial) ([]byte, error) {
	masterKey, err := base64.StdEncoding.DecodeString(material.QueryStageMasterKey)
	if err != nil {
		return nil, wrapError(KindProtocol, op, err)
	}
	if len(masterKey) != 16 && len(masterKey) != 32 {
		return nil, newError(KindProtocol, op, "unsupported master key size: %d bytes", len(masterKey))
	}
	return masterKey, nil
}

// encryptPayload seals data for an internal stage. A fresh file key and IV
// encrypt the payload with AES-CBC and PKCS#7 padding; the file key itself
// is wrapped with AES-ECB under the stage master key. The file key length
// follows the master key length.
func encryptPayload(data []byte, material *encryptionMaterial) ([]byte, fileCryptoMetadata, error) {
	const op = "encrypt file"

	masterKey, err := decodeMasterKey(op, material)
	if err != nil {
		return nil, fileCryptoMetadata{}, err
	}

	fileKey := make([]byte, len(masterKey))
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, fileKey); err != nil {
		return nil, fileCryptoMetadata{}, wrapError(KindConfiguration, op, err)
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fileCryptoMetadata{}, wrapError(KindConfiguration, op, err)
	}

	block, err := aes.NewCipher(fileKey)
	if err != nil {
		return nil, fileCryptoMetadata{}, wrapError(KindConfiguration, op, err)
	}
	padded := pkcs7Pad(data, aes.BlockSize)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	wrappedKey, err := ecbEncrypt(masterKey, pkcs7Pad(fileKey, aes.BlockSize))
	if err != nil {
		return nil, fileCryptoMetadata{}, wrapError(KindConfiguration, op, err)
	}

	matdesc, err := json.Marshal(materialDescription{
		QueryID: material.QueryID,
		SMKID:   strconv.FormatInt(material.SMKID, 10),
		KeySize: strconv.Itoa(len(masterKey) * 8),
	})
	if err != nil {
		return nil, fileCryptoMetadata{}, wrapError(KindConfiguration, op, err)
	}

	meta := fileCryptoMetadata{
		key:     base64.StdEncoding.EncodeToString(wrappedKey),
		iv:      base64.StdEncoding.EncodeToString(iv),
		matdesc: string(matdesc),
		digest:  payloadDigest(encrypted),
	}
	return encrypted, meta, nil
}

// decryptPayload reverses encryptPayload: it verifies the digest over the
// encrypted bytes, unwraps the file key, and decrypts the payload.
func decryptPayload(data []byte, meta fileCryptoMetadata, material *encryptionMaterial) ([]byte, error) {
	const op = "decrypt file"

	if payloadDigest(data) != meta.digest {
		return nil, newError(KindProtocol, op, "data integrity check failed: digest mismatch")
	}

	masterKey, err := decodeMasterKey(op, material)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := base64.StdEncoding.DecodeString(meta.key)
	if err != nil {
		return nil, wrapError(KindProtocol, op, err)
	}
	iv, err := base64.StdEncoding.DecodeString(meta.iv)
	if err != nil {
		return nil, wrapError(KindProtocol, op, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, newError(KindProtocol, op, "bad IV length %d", len(iv))
	}

	paddedKey, err := ecbDecrypt(masterKey, wrappedKey)
	if err != nil {
		return nil, wrapError(KindProtocol, op, err)
	}
	fileKey, err := pkcs7Unpad(paddedKey)
	if err != nil {
		return nil, wrapError(KindProtocol, op, err)
	}

	block, err := aes.NewCipher(fileKey)
	if err != nil {
		return nil, wrapError(KindProtocol, op, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, newError(KindProtocol, op, "encrypted payload length %d is not block-aligned", len(data))
	}
	decrypted := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, data)

	return pkcs7Unpad(decrypted)
}

// ecbEncrypt wraps the file key block by block. ECB appears only here: the
// stage protocol wraps a single random key with it, and the standard
// library offers no ECB mode.
func ecbEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, newError(KindConfiguration, "encrypt file", "key wrap input is not block-aligned")
	}
	out := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], plaintext[i:i+aes.BlockSize])
	}
	return out, nil
}

func ecbDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, newError(KindProtocol, "decrypt file", "wrapped key length %d is not block-aligned", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, newError(KindProtocol, "decrypt file", "padded payload length %d is not block-aligned", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, newError(KindProtocol, "decrypt file", "invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, newError(KindProtocol, "decrypt file", "corrupt padding")
		}
	}
	return data[:len(data)-n], nil
}
