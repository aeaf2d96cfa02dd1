package fiscal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
)

// MetadataRawKey holds a reconstructed payload that was not valid JSON
const MetadataRawKey = "legacy_raw"

// RepairMetadata decodes stored audit metadata. Older writers spread a JSON
// string into an object keyed "0", "1", ... with one character per key; when
// that shape is found the string is rebuilt in index order and parsed, and
// every non-index key is merged over the result. Those writers counted
// UTF-16 code units, so a character outside the Basic Multilingual Plane
// arrives as two keys holding surrogate halves; the halves are rejoined.
func RepairMetadata(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	switch v := decoded.(type) {
	case map[string]any:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		return repairObject(v, fields), nil
	case string:
		// a JSON-encoded string holding the object
		var inner map[string]any
		if err := json.Unmarshal([]byte(v), &inner); err == nil && inner != nil {
			return inner, nil
		}
		out[MetadataRawKey] = v
		return out, nil
	default:
		return nil, fmt.Errorf("metadata must be an object, got %T", decoded)
	}
}

func repairObject(obj map[string]any, fields map[string]json.RawMessage) map[string]any {
	chars := map[int][]uint16{}
	rest := map[string]any{}
	for k, v := range obj {
		idx, err := strconv.Atoi(k)
		s, isStr := v.(string)
		if err == nil && idx >= 0 && strconv.Itoa(idx) == k && isStr && utf8.RuneCountInString(s) == 1 {
			chars[idx] = codeUnits(s, fields[k])
			continue
		}
		rest[k] = v
	}
	if len(chars) == 0 {
		return obj
	}

	indexes := make([]int, 0, len(chars))
	for i := range chars {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for pos, idx := range indexes {
		if pos != idx {
			// not a contiguous spread; leave the object untouched
			return obj
		}
	}

	var units []uint16
	for _, idx := range indexes {
		units = append(units, chars[idx]...)
	}
	rebuilt := []byte(string(utf16.Decode(units)))

	base := map[string]any{}
	if err := json.Unmarshal(rebuilt, &base); err != nil || base == nil {
		base = map[string]any{MetadataRawKey: string(rebuilt)}
	}
	for k, v := range rest {
		base[k] = v
	}
	return base
}

// codeUnits returns the UTF-16 units of one spread character. encoding/json
// turns a lone surrogate escape into U+FFFD, so the half is read back from
// the raw literal.
func codeUnits(decoded string, raw json.RawMessage) []uint16 {
	lit := string(raw)
	if len(lit) == len(`"\uD83D"`) && strings.HasPrefix(lit, `"\u`) && strings.HasSuffix(lit, `"`) {
		if u, err := strconv.ParseUint(lit[3:7], 16, 16); err == nil && utf16.IsSurrogate(rune(u)) {
			return []uint16{uint16(u)}
		}
	}
	return utf16.Encode([]rune(decoded))
}

// CanonicalMetadata serializes metadata in canonical JSON (RFC 8785) so
// stored values compare byte for byte.
func CanonicalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize metadata: %w", err)
	}
	return canonical, nil
}
