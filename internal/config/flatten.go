package config

import (
	"sort"
	"strings"
	"sync"
)

// secretKeys are masked in `config list` and never echoed by `config set`.
var secretKeys = map[string]bool{
	"endpoint.api_key": true,
	"telegram.token":   true,
}

// headersPrefix holds free-form request headers; any sub key is accepted.
const headersPrefix = "endpoint.headers."

// optionalKeys are valid keys that defaults() leaves unset.
var optionalKeys = map[string]bool{
	"telegram.allowed_chats": true,
}

// IsSecretKey reports whether the value under key must not be displayed.
// Besides the fixed secret keys, request headers that carry credentials
// (endpoint.headers.Authorization, endpoint.headers.X-Api-Key, ...) count.
func IsSecretKey(key string) bool {
	if secretKeys[key] {
		return true
	}
	name, ok := strings.CutPrefix(key, headersPrefix)
	if !ok {
		return false
	}
	name = strings.ToLower(name)
	for _, marker := range []string{"authorization", "token", "key", "secret", "cookie"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

var (
	knownOnce sync.Once
	knownKeys map[string]bool
)

// KnownKey reports whether key names a setting askstream reads.
func KnownKey(key string) bool {
	knownOnce.Do(func() {
		knownKeys = make(map[string]bool)
		if m, err := ToMap(defaults()); err == nil {
			for k := range Flatten(m) {
				knownKeys[k] = true
			}
		}
	})
	if knownKeys[key] || optionalKeys[key] {
		return true
	}
	name, ok := strings.CutPrefix(key, headersPrefix)
	return ok && name != "" && !strings.Contains(name, ".")
}

// Flatten converts a nested map into a flat map with dot-separated keys:
// {"retry": {"max_attempts": 3}} becomes {"retry.max_attempts": 3}. Empty
// nested maps disappear.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}

// Unflatten rebuilds the nested form of a flat map. Keys are applied in
// sorted order, so when both "endpoint" and "endpoint.url" are present the
// nested value replaces the scalar.
func Unflatten(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, k := range keys {
		parts := strings.Split(k, ".")
		current := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = flat[k]
	}
	return out
}

// MaskSecrets returns a copy of flat with non-empty secret strings replaced
// by "***" and their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !ok || s == "" || !IsSecretKey(k) {
			out[k] = v
			continue
		}
		runes := []rune(s)
		if len(runes) > 4 {
			runes = runes[len(runes)-4:]
		}
		out[k] = "***" + string(runes)
	}
	return out
}
