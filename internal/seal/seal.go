// Package seal 提供写入低信任存储层之前的对称加密封装。
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrSecretTooShort 密钥长度不足
var ErrSecretTooShort = errors.New("seal secret must be at least 16 characters")

// keySalt 固定盐值：同一 secret 在任何进程中派生出相同的密钥，已写入的 Cookie 才能在重启后解开
var keySalt = []byte("tempmail.client.seal.v1")

// encoding Cookie 安全的编码方式
var encoding = base64.RawURLEncoding

// Sealer 使用 AES-256-GCM 封装不透明字符串
//
// 密文格式: base64url(nonce || ciphertext)
type Sealer struct {
	aead cipher.AEAD
}

// New 根据口令派生密钥并创建 Sealer
//
// 参数:
//   - secret: 口令，至少 16 个字符
//
// 返回值:
//   - *Sealer: 可并发使用的封装器
//   - error: 口令过短或初始化失败
func New(secret string) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, ErrSecretTooShort
	}

	key := argon2.IDKey([]byte(secret), keySalt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal 加密明文
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encoding.EncodeToString(out), nil
}

// Open 解密密文
//
// 从不返回错误：格式错误、密钥不符或被篡改的输入都返回 ok=false，
// 调用方必须把它当作“没有数据”处理。
func (s *Sealer) Open(ciphertext string) (plaintext string, ok bool) {
	raw, err := encoding.DecodeString(ciphertext)
	if err != nil {
		return "", false
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize+s.aead.Overhead() {
		return "", false
	}

	out, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// SealJSON 序列化后加密
func (s *Sealer) SealJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.Seal(string(data))
}

// OpenJSON 解密并反序列化；任何失败都返回 false
func (s *Sealer) OpenJSON(ciphertext string, v any) bool {
	plaintext, ok := s.Open(ciphertext)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(plaintext), v) == nil
}
