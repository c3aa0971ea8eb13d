package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// argon2id 参数，参考 RFC 9106 的内存受限配置。
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	keyLen     = 32
	saltLen    = 16
)

// deriveKey 由主密码与存储级随机盐派生 AES-256 密钥。密钥只存在于进程内存。
func deriveKey(masterPassword, salt []byte) []byte {
	return argon2.IDKey(masterPassword, salt, kdfTime, kdfMemory, kdfThreads, keyLen)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("credential: 生成盐失败: %w", err)
	}
	return salt, nil
}

// seal 使用 AES-256-GCM 加密，nonce 随机生成并前置到密文，
// 因此相同明文的两次加密结果必然不同。
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: 初始化加密器失败: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: 初始化GCM失败: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credential: 生成nonce失败: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open 解密 seal 的输出。密文被篡改或密钥不匹配时返回错误。
func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: 初始化解密器失败: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: 初始化GCM失败: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("credential: 密文长度非法")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: 解密失败: %w", err)
	}

	return plaintext, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
