package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// AssertJSONSubset checks that every key of expected is present in actual with an equal
// value. Keys only present in actual are ignored.
func AssertJSONSubset(t TestingT, expected, actual string) bool {
	t.Helper()

	diff, err := JSONSubsetDiff(expected, actual)
	if err != nil {
		t.Errorf("JSON comparison failed: %v", err)
		return false
	}
	if diff != "" {
		t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// JSONSubsetDiff returns an ASCII diff of expected against the matching part of actual,
// or "" when they agree
func JSONSubsetDiff(expected, actual string) (string, error) {
	var exp, act any
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return "", fmt.Errorf("expected: %w", err)
	}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return "", fmt.Errorf("actual: %w", err)
	}
	pruneExtraKeys(act, exp)

	expBytes, _ := json.Marshal(exp)
	actBytes, _ := json.Marshal(act)

	diff, err := gojsondiff.New().Compare(expBytes, actBytes)
	if err != nil {
		return "", err
	}
	if !diff.Modified() {
		return "", nil
	}

	f := formatter.NewAsciiFormatter(exp, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	return f.Format(diff)
}

// pruneExtraKeys drops object keys of actual that expected does not mention
func pruneExtraKeys(actual, expected any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k := range act {
			if _, keep := exp[k]; !keep {
				delete(act, k)
				continue
			}
			pruneExtraKeys(act[k], exp[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}
