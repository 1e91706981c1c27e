package frontend

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// maxAnalysisDepth bounds recursion into nested objects.
	maxAnalysisDepth = 3
	// maxKeysPerLevel bounds how many keys of one object are scanned.
	maxKeysPerLevel = 15
	// maxAnalyzedFields caps the total number of suggestions returned.
	maxAnalyzedFields = 20
	// maxSampleRunes bounds string sample values.
	maxSampleRunes = 100
)

// AnalyzedField describes one extractable leaf field found in a sample
// payload, with a ready-to-use extraction pattern.
type AnalyzedField struct {
	Path        string      `json:"path"`
	Pattern     string      `json:"pattern"`
	FieldType   string      `json:"field_type"`
	SampleValue interface{} `json:"sample_value"`
	IsArray     bool        `json:"is_array"`
	ArrayLength *int        `json:"array_length,omitempty"`
}

// AnalyzePayload walks a decoded JSON object and returns its extractable
// leaf fields: primitives, nulls, and arrays of primitives. Containers are
// descended into, not reported; array analysis looks at the first element
// only, matching how extraction fans out over arrays. Keys are visited in
// sorted order so repeated analyses of the same payload agree.
func AnalyzePayload(payload map[string]interface{}) []AnalyzedField {
	var fields []AnalyzedField
	discoverFields(payload, nil, 0, &fields)
	if len(fields) > maxAnalyzedFields {
		fields = fields[:maxAnalyzedFields]
	}
	return fields
}

func discoverFields(data interface{}, segments []string, depth int, out *[]AnalyzedField) {
	if depth > maxAnalysisDepth {
		return
	}
	m, ok := data.(map[string]interface{})
	if !ok {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxKeysPerLevel {
		keys = keys[:maxKeysPerLevel]
	}
	for _, k := range keys {
		v := m[k]
		segs := append(append([]string{}, segments...), k)
		if isLeaf(v) {
			f := AnalyzedField{
				Path:        strings.Join(segs, "."),
				Pattern:     patternForPath(segs),
				FieldType:   fieldType(v),
				SampleValue: sampleValue(v),
			}
			if arr, isArr := v.([]interface{}); isArr {
				f.IsArray = true
				n := len(arr)
				f.ArrayLength = &n
			}
			*out = append(*out, f)
		}
		switch val := v.(type) {
		case map[string]interface{}:
			if depth < maxAnalysisDepth {
				discoverFields(val, segs, depth+1, out)
			}
		case []interface{}:
			if depth < maxAnalysisDepth && len(val) > 0 {
				if first, isObj := val[0].(map[string]interface{}); isObj {
					discoverFields(first, segs, depth+1, out)
				}
			}
		}
	}
}

// patternForPath nests path segments into extraction-pattern syntax:
// ["pull_request", "user", "login"] becomes "pull_request{user{login}}".
func patternForPath(segments []string) string {
	pattern := segments[len(segments)-1]
	for i := len(segments) - 2; i >= 0; i-- {
		pattern = segments[i] + "{" + pattern + "}"
	}
	return pattern
}

// isLeaf reports whether v holds an extractable value rather than a
// container. An array counts as a leaf when its first element is a
// primitive; empty arrays are leaves.
func isLeaf(v interface{}) bool {
	switch val := v.(type) {
	case nil, bool, float64, string:
		return true
	case []interface{}:
		if len(val) == 0 {
			return true
		}
		switch val[0].(type) {
		case nil, bool, float64, string:
			return true
		}
		return false
	case map[string]interface{}:
		return false
	default:
		return true
	}
}

func fieldType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}

func sampleValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > maxSampleRunes {
			return string(r[:maxSampleRunes]) + "..."
		}
		return val
	case []interface{}:
		return fmt.Sprintf("[%d items]", len(val))
	case map[string]interface{}:
		return fmt.Sprintf("{object with %d fields}", len(val))
	default:
		return val
	}
}
