package core

import (
	"fmt"
	"strings"
)

// EncryptedPrefix 配置中加密 Key 的前缀
const EncryptedPrefix = "enc:"

// NoOpSecretProvider 默认的明文透传 SecretProvider
type NoOpSecretProvider struct{}

func NewNoOpSecretProvider() *NoOpSecretProvider {
	return &NoOpSecretProvider{}
}

func (s *NoOpSecretProvider) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

func (s *NoOpSecretProvider) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}

// ResolveCredentials 解密带 enc: 前缀的 Key，去掉空值，保持顺序
func ResolveCredentials(sp SecretProvider, raw []string) ([]string, error) {
	keys := make([]string, 0, len(raw))
	for i, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.HasPrefix(v, EncryptedPrefix) {
			if _, noop := sp.(*NoOpSecretProvider); noop || sp == nil {
				return nil, fmt.Errorf("api key #%d is encrypted but no secret key is configured", i+1)
			}
			plain, err := sp.Decrypt(strings.TrimPrefix(v, EncryptedPrefix))
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt api key #%d: %w", i+1, err)
			}
			v = plain
		}
		keys = append(keys, v)
	}
	return keys, nil
}
