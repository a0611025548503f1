package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Параметры узлов рендерятся по Context экземпляра workflow:
// входные параметры на верхнем уровне, outputs узлов под ключом их ID.
//
//	"url": "https://api.local/orders/{{ .order_id }}"
//	"amount": "{{ .quote.total }}"
//
// Строка, целиком состоящая из одной ссылки ({{ .quote.total }}), заменяется
// самим значением без приведения к строке: числа, списки и объекты из
// outputs предыдущих узлов доходят до процессора с исходным типом.

// templateCacheSize — число разобранных шаблонов в кэше.
const templateCacheSize = 512

var (
	// wholeRef — строка из одной ссылки на путь в Context.
	wholeRef = regexp.MustCompile(`^\{\{\s*\.([A-Za-z_][\w]*(?:\.[A-Za-z_][\w]*)*)\s*\}\}$`)

	// parsed — разобранные шаблоны; определения повторяются между экземплярами.
	parsed, _ = lru.New[string, *template.Template](templateCacheSize)
)

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"default": func(def, val any) any {
		if isEmpty(val) {
			return def
		}
		return val
	},
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if !isEmpty(v) {
				return v
			}
		}
		return nil
	},
	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = fmt.Sprint(it)
		}
		return strings.Join(parts, sep)
	},
	"contains": strings.Contains,
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"trim":     strings.TrimSpace,
	"replace":  strings.ReplaceAll,
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// Render рендерит строковый шаблон. Отсутствующий ключ даёт "<no value>".
func Render(tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, ok := parsed.Get(tmpl)
	if !ok {
		var err error
		t, err = template.New("param").Funcs(templateFuncs).Parse(tmpl)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
		}
		parsed.Add(tmpl, t)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// lookup ищет значение по пути a.b.c во вложенных map.
func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// RenderValue рендерит строки внутри value, обходя map[string]any и []any.
// Остальные типы возвращаются как есть.
func RenderValue(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if m := wholeRef.FindStringSubmatch(v); m != nil {
			if ref, ok := lookup(data, m[1]); ok {
				return ref, nil
			}
		}
		return Render(v, data)

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			r, err := RenderValue(val, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = r
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			r, err := RenderValue(val, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil

	default:
		return value, nil
	}
}

// RenderParams рендерит параметры узла в новую map; params не изменяется.
func RenderParams(params map[string]any, data map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	rendered, err := RenderValue(params, data)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}
