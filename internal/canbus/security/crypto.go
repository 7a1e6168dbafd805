package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/bwu32/canbus/internal/canbus"
)

// MACSize HMAC-SHA256摘要长度
const MACSize = sha256.Size

// sealSize 密文完整性标签长度（截断的HMAC-SHA256）
const sealSize = 16

// Encrypt AES-CBC加密，返回 IV||密文||标签 与本次开销
// 标签覆盖IV与密文，任一字节被篡改都会解密失败
// 记录的加密开销按往返（加密+解密）计为两倍
func (m *Manager) Encrypt(plaintext []byte) ([]byte, time.Duration, error) {
	start := time.Now()

	block, err := aes.NewCipher(m.aesKey)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded), aes.BlockSize+len(padded)+sealSize)
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, 0, fmt.Errorf("failed to generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	out = append(out, m.seal(out)...)

	overhead := time.Since(start)
	m.recordOverhead(canbus.MeasureEncryption, 2*overhead)
	m.encrypted.Add(1)
	return out, overhead, nil
}

// Decrypt 解密 IV||密文||标签
// 长度非法、标签不符或填充非法时返回false，借此区分攻击者注入的明文
func (m *Manager) Decrypt(data []byte) ([]byte, time.Duration, bool) {
	start := time.Now()
	plaintext, err := m.decrypt(data)
	return plaintext, time.Since(start), err == nil
}

func (m *Manager) decrypt(data []byte) ([]byte, error) {
	body := len(data) - sealSize
	if body < 2*aes.BlockSize || body%aes.BlockSize != 0 {
		return nil, canbus.ErrMalformedCiphertext
	}
	if !hmac.Equal(data[body:], m.seal(data[:body])) {
		return nil, canbus.ErrMalformedCiphertext
	}

	block, err := aes.NewCipher(m.aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv, ct := data[:aes.BlockSize], data[aes.BlockSize:body]
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	return pkcs7Unpad(padded, aes.BlockSize)
}

// AddMAC 在负载后追加HMAC，记录的开销按签名+校验计为两倍
func (m *Manager) AddMAC(data []byte) ([]byte, time.Duration) {
	start := time.Now()

	mac := hmac.New(sha256.New, m.hmacKey)
	mac.Write(data)
	out := make([]byte, 0, len(data)+MACSize)
	out = append(out, data...)
	out = mac.Sum(out)

	overhead := time.Since(start)
	m.recordOverhead(canbus.MeasureAuthentication, 2*overhead)
	m.authenticated.Add(1)
	return out, overhead
}

// VerifyMAC 分离并常量时间比较HMAC，返回去除MAC后的负载
func (m *Manager) VerifyMAC(data []byte) ([]byte, time.Duration, bool) {
	start := time.Now()
	if len(data) < MACSize {
		return nil, time.Since(start), false
	}

	message, received := data[:len(data)-MACSize], data[len(data)-MACSize:]
	mac := hmac.New(sha256.New, m.hmacKey)
	mac.Write(message)
	valid := hmac.Equal(received, mac.Sum(nil))

	if !valid {
		return nil, time.Since(start), false
	}
	return message, time.Since(start), true
}

func (m *Manager) seal(ivct []byte) []byte {
	mac := hmac.New(sha256.New, m.sealKey)
	mac.Write(ivct)
	return mac.Sum(nil)[:sealSize]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, canbus.ErrMalformedCiphertext
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, canbus.ErrMalformedCiphertext
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, canbus.ErrMalformedCiphertext
		}
	}
	return data[:len(data)-n], nil
}
