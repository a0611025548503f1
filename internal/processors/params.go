package processors

import (
	"errors"
	"time"
)

// ErrHTTPRequest — HTTP-запрос не выполнен (сеть, DNS, таймаут).
var ErrHTTPRequest = errors.New("http request failed")

// getString извлекает строку из params с default значением.
func getString(params map[string]any, key, defaultVal string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return defaultVal
}

// getSeconds извлекает число секунд. Параметры из JSON приходят как float64.
func getSeconds(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// getDuration возвращает положительную длительность или defaultVal.
func getDuration(params map[string]any, key string, defaultVal time.Duration) time.Duration {
	if sec, ok := getSeconds(params, key); ok && sec > 0 {
		return time.Duration(sec * float64(time.Second))
	}
	return defaultVal
}

// getInts извлекает список целых или defaultVal.
func getInts(params map[string]any, key string, defaultVal []int) []int {
	raw, ok := params[key].([]any)
	if !ok {
		if ints, ok := params[key].([]int); ok {
			return ints
		}
		return defaultVal
	}

	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}
