package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/adnl/pkg/tl"
)

// decodeInput reads hex, or base64 when asBase64 is set. Whitespace and a
// 0x prefix are ignored.
func decodeInput(s string, asBase64 bool) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if asBase64 {
		return base64.StdEncoding.DecodeString(s)
	}
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// parseObject reads a TL object written as a YAML or JSON mapping, e.g.
// {"@type": echo.request, text: hello}
func parseObject(text string) (tl.Object, error) {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("invalid object: %w", err)
	}
	obj, _ := toTL(raw).(tl.Object)
	if obj.Type() == "" {
		return nil, fmt.Errorf("invalid object: missing %q", tl.TypeKey)
	}
	return obj, nil
}

func toTL(v any) any {
	switch val := v.(type) {
	case map[string]any:
		obj := make(tl.Object, len(val))
		for k, item := range val {
			obj[k] = toTL(item)
		}
		return obj
	case []any:
		for i := range val {
			val[i] = toTL(val[i])
		}
		return val
	}
	return v
}

// encodePayload serializes the object, or decodes the raw input when no
// object is given
func encodePayload(reg *tl.Registry, object, raw string, asBase64 bool) ([]byte, error) {
	if object != "" {
		obj, err := parseObject(object)
		if err != nil {
			return nil, err
		}
		return reg.SerializeObject(obj)
	}
	if raw == "" {
		return nil, fmt.Errorf("no payload given")
	}
	return decodeInput(raw, asBase64)
}

// render formats data as indented JSON when it decodes as a known TL
// object and as hex otherwise
func render(reg *tl.Registry, data []byte) string {
	obj, n, err := reg.DeserializeObject(data)
	if err != nil {
		return hex.EncodeToString(data)
	}
	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return hex.EncodeToString(data)
	}
	if n < len(data) {
		return fmt.Sprintf("%s\n(%d trailing bytes)", out, len(data)-n)
	}
	return string(out)
}
