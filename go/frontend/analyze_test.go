package frontend

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// decodePayload mirrors how handler code sees payloads: numbers become
// float64, objects become map[string]interface{}.
func decodePayload(t *testing.T, raw string) map[string]interface{} {
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func fieldPaths(fields []AnalyzedField) []string {
	paths := make([]string, 0, len(fields))
	for _, f := range fields {
		paths = append(paths, f.Path)
	}
	return paths
}

func TestAnalyzePayload_EmitsOnlyLeafFields(t *testing.T) {
	fields := AnalyzePayload(decodePayload(t, `{
		"action": "opened",
		"number": 17,
		"merged": false,
		"closed_at": null,
		"pull_request": {"title": "Fix", "user": {"login": "alice"}}
	}`))

	require.Equal(t, []string{
		"action",
		"closed_at",
		"merged",
		"number",
		"pull_request.title",
		"pull_request.user.login",
	}, fieldPaths(fields))

	byPath := map[string]AnalyzedField{}
	for _, f := range fields {
		byPath[f.Path] = f
	}
	require.Equal(t, "string", byPath["action"].FieldType)
	require.Equal(t, "opened", byPath["action"].SampleValue)
	require.Equal(t, "number", byPath["number"].FieldType)
	require.Equal(t, float64(17), byPath["number"].SampleValue)
	require.Equal(t, "boolean", byPath["merged"].FieldType)
	require.Equal(t, false, byPath["merged"].SampleValue)
	require.Equal(t, "null", byPath["closed_at"].FieldType)
	require.Nil(t, byPath["closed_at"].SampleValue)
	require.Equal(t, "pull_request{user{login}}", byPath["pull_request.user.login"].Pattern)
}

func TestAnalyzePayload_DepthIsBounded(t *testing.T) {
	fields := AnalyzePayload(decodePayload(t, `{
		"v0": "x0",
		"l1": {
			"v1": "x1",
			"l2": {
				"v2": "x2",
				"l3": {
					"v3": "x3",
					"l4": {"v4": "never reached"}
				}
			}
		}
	}`))

	require.Equal(t, []string{
		"l1.l2.l3.v3",
		"l1.l2.v2",
		"l1.v1",
		"v0",
	}, fieldPaths(fields))
}

func TestAnalyzePayload_ScansAtMostFifteenKeysPerLevel(t *testing.T) {
	payload := map[string]interface{}{}
	for i := 0; i < 20; i++ {
		payload[fmt.Sprintf("k%02d", i)] = "v"
	}

	fields := AnalyzePayload(payload)

	require.Len(t, fields, 15)
	require.Equal(t, "k00", fields[0].Path)
	require.Equal(t, "k14", fields[14].Path)
}

func TestAnalyzePayload_CapsTotalFields(t *testing.T) {
	inner := map[string]interface{}{}
	for i := 0; i < 15; i++ {
		inner[fmt.Sprintf("k%02d", i)] = "v"
	}
	payload := map[string]interface{}{
		"a": inner,
		"b": inner,
	}

	fields := AnalyzePayload(payload)

	require.Len(t, fields, maxAnalyzedFields)
}

func TestAnalyzePayload_ArrayHandling(t *testing.T) {
	fields := AnalyzePayload(decodePayload(t, `{
		"labels": ["bug", "ui", "p1"],
		"empty": [],
		"commits": [
			{"id": "abc", "message": "first"},
			{"id": "def", "message": "second"}
		]
	}`))

	byPath := map[string]AnalyzedField{}
	for _, f := range fields {
		byPath[f.Path] = f
	}

	labels := byPath["labels"]
	require.Equal(t, "array", labels.FieldType)
	require.True(t, labels.IsArray)
	require.NotNil(t, labels.ArrayLength)
	require.Equal(t, 3, *labels.ArrayLength)
	require.Equal(t, "[3 items]", labels.SampleValue)

	empty := byPath["empty"]
	require.Equal(t, "array", empty.FieldType)
	require.True(t, empty.IsArray)
	require.NotNil(t, empty.ArrayLength)
	require.Equal(t, 0, *empty.ArrayLength)

	// An array of objects is a container: no field for the array itself,
	// and only the first element contributes children.
	require.NotContains(t, byPath, "commits")
	require.Equal(t, "commits{id}", byPath["commits.id"].Pattern)
	require.Equal(t, "abc", byPath["commits.id"].SampleValue)
	require.Equal(t, "first", byPath["commits.message"].SampleValue)
}

func TestAnalyzePayload_TruncatesLongStringSamples(t *testing.T) {
	long := strings.Repeat("x", 150)
	fields := AnalyzePayload(map[string]interface{}{"body": long})

	require.Len(t, fields, 1)
	require.Equal(t, strings.Repeat("x", 100)+"...", fields[0].SampleValue)
}

func TestAnalyzePayload_CountsRunesNotBytes(t *testing.T) {
	long := strings.Repeat("ä", 101)
	fields := AnalyzePayload(map[string]interface{}{"body": long})

	require.Len(t, fields, 1)
	require.Equal(t, strings.Repeat("ä", 100)+"...", fields[0].SampleValue)
}

func TestPatternForPath(t *testing.T) {
	require.Equal(t, "action", patternForPath([]string{"action"}))
	require.Equal(t, "repository{name}", patternForPath([]string{"repository", "name"}))
	require.Equal(t, "pull_request{user{login}}", patternForPath([]string{"pull_request", "user", "login"}))
}
