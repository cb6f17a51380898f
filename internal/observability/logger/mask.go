package logger

import (
	"net/http"
	"strings"
)

// Keys whose values never reach a log line unmasked. Matching is by substring
// on the lowercased key, so "recipient_account" and "api_v3_key" both match.
var sensitiveKeys = []string{
	"secret",
	"sign",
	"private_key",
	"api_v3_key",
	"api_key",
	"authorization",
	"account",
	"card_no",
	"openid",
	"buyer_id",
	"token",
}

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"wechatpay-signature": {},
	"x-railpay-signature": {},
}

// MaskSecret keeps only the last four characters of value.
func MaskSecret(value string) string {
	return maskLast4(value)
}

// MaskHeaders returns a flattened copy of headers with signatures and
// authorization values masked.
func MaskHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	masked := make(map[string]string, len(headers))
	for key, values := range headers {
		joined := strings.Join(values, ",")
		if _, ok := sensitiveHeaders[strings.ToLower(strings.TrimSpace(key))]; ok {
			joined = maskLast4(joined)
		}
		masked[key] = joined
	}
	return masked
}

// MaskJSON returns a deep-copied map with sensitive fields masked. Gateway
// payloads pass through here before they are logged.
func MaskJSON(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		if isSensitiveKey(key) {
			out[key] = maskValue(value)
			continue
		}
		out[key] = maskJSONValue(value)
	}
	return out
}

// MaskStringMap is MaskJSON for the flat form bodies Alipay and UnionPay post.
func MaskStringMap(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	out := make(map[string]string, len(input))
	for key, value := range input {
		if isSensitiveKey(key) {
			value = maskLast4(value)
		}
		out[key] = value
	}
	return out
}

func maskJSONValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return MaskJSON(typed)
	case []any:
		items := make([]any, 0, len(typed))
		for _, entry := range typed {
			items = append(items, maskJSONValue(entry))
		}
		return items
	default:
		return value
	}
}

func maskValue(value any) any {
	switch typed := value.(type) {
	case string:
		return maskLast4(typed)
	case []byte:
		return maskLast4(string(typed))
	default:
		return "****"
	}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, needle := range sensitiveKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}

func maskLast4(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}
