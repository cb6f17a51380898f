package wechat

import (
	"fmt"

	"github.com/smallbiznis/railpay/internal/payment/domain"
	"github.com/wechatpay-apiv3/wechatpay-go/utils"
)

const (
	algorithmAESGCM = "AEAD_AES_256_GCM"
	gcmNonceSize    = 12
)

// DecryptResource opens a notification resource with the merchant's API v3
// key. The key must be exactly 32 bytes.
func DecryptResource(apiV3Key string, resource Resource) ([]byte, error) {
	if resource.Algorithm != "" && resource.Algorithm != algorithmAESGCM {
		return nil, fmt.Errorf("%w: unsupported algorithm %s", domain.ErrInvalidPayload, resource.Algorithm)
	}
	if len(apiV3Key) != 32 {
		return nil, fmt.Errorf("%w: api v3 key must be 32 bytes", domain.ErrInvalidSignature)
	}
	if resource.Ciphertext == "" || len(resource.Nonce) != gcmNonceSize {
		return nil, domain.ErrInvalidPayload
	}
	plain, err := utils.DecryptAES256GCM(apiV3Key, resource.AssociatedData, resource.Nonce, resource.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return []byte(plain), nil
}
