package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// NormalizePayload возвращает копию p, пригодную для JSON: uuid, время, []byte,
// error и Stringer становятся строками, вложенные map и срезы обходятся рекурсивно.
// То, что json.Marshal всё равно не примет, выводится через %v.
func NormalizePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch vv := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return vv
	case uuid.UUID:
		return vv.String()
	case *uuid.UUID:
		if vv == nil {
			return nil
		}
		return vv.String()
	case time.Time:
		return vv.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if vv == nil {
			return nil
		}
		return vv.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return vv.String()
	case []byte:
		return string(vv)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(vv, &decoded); err != nil {
			return string(vv)
		}
		return normalizeValue(decoded)
	case map[string]any:
		return NormalizePayload(vv)
	case map[string]string:
		m := make(map[string]any, len(vv))
		for k, s := range vv {
			m[k] = s
		}
		return m
	case []any:
		s := make([]any, len(vv))
		for i := range vv {
			s[i] = normalizeValue(vv[i])
		}
		return s
	case []string:
		s := make([]any, len(vv))
		for i := range vv {
			s[i] = vv[i]
		}
		return s
	case error:
		return vv.Error()
	case fmt.Stringer:
		return vv.String()
	}

	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}

// EncodePayload нормализует и сериализует p, nil кодируется как {}
func EncodePayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(NormalizePayload(p))
}

// DecodePayload разбирает JSON в map, пустой вход даёт пустую map
func DecodePayload(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
