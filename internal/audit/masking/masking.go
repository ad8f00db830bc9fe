// Package masking redacts credentials before audit metadata is stored.
package masking

import "strings"

const maskToken = "****"

var secretHints = []string{"secret", "token", "password", "api_key", "apikey"}

// IsSecretKey reports whether a metadata key names a credential.
func IsSecretKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "key" || key == "authorization" {
		return true
	}
	for _, hint := range secretHints {
		if strings.Contains(key, hint) {
			return true
		}
	}
	return false
}

// MaskSecret redacts a credential, keeping its prefix (mf_live_) and last
// four characters so operators can still tell keys apart.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 8 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskMetadata copies metadata with every string under a secret key masked.
// Nested objects are walked; other values are kept as is.
func MaskMetadata(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(IsSecretKey(trimmedKey), value)
	}
	if len(masked) == 0 {
		return nil
	}
	return masked
}

func maskValue(secret bool, value any) any {
	switch cast := value.(type) {
	case string:
		if secret {
			return MaskSecret(cast)
		}
		return cast
	case map[string]any:
		return MaskMetadata(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(secret, item))
		}
		return out
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
