package tester

import (
	"strings"

	"github.com/crafter-station/scrapi/internal/schema"
)

// Output markers written by the test harness.
const (
	PassMarker   = "Test passed!"
	ResultPrefix = "Result: "
)

var failMarkers = []string{"Test failed", "Error", "process.exit(1)"}

var emptyMarkers = []string{"Result: []", "Result: {}", "returned empty", "Empty result"}

// Classify reads harness output. testPassed needs the pass marker and none
// of the failure markers. returnedEmpty is checked on its own and can be
// true alongside testPassed.
func Classify(output string) (testPassed, returnedEmpty bool) {
	testPassed = strings.Contains(output, PassMarker)
	for _, m := range failMarkers {
		if strings.Contains(output, m) {
			testPassed = false
			break
		}
	}
	for _, m := range emptyMarkers {
		if strings.Contains(output, m) {
			returnedEmpty = true
			break
		}
	}
	return testPassed, returnedEmpty
}

// ResultValue decodes the JSON after the last "Result: " line.
func ResultValue(output string) (any, bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, ResultPrefix) {
			continue
		}
		v, err := schema.ParseValue(strings.TrimPrefix(line, ResultPrefix))
		if err != nil {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

// ClassifyStructural decides from the decoded result instead of text
// markers: empty means an empty array, object or null, and a passing result
// must satisfy out when it is set. The harness pass marker is still
// required.
func ClassifyStructural(output string, out *schema.Descriptor) (testPassed, returnedEmpty bool, detail string) {
	v, ok := ResultValue(output)
	if !ok {
		return false, false, "no decodable result line in output"
	}
	returnedEmpty = schema.IsEmpty(v)
	testPassed = strings.Contains(output, PassMarker)
	if out != nil {
		if err := out.Validate(v); err != nil {
			return false, returnedEmpty, "result does not match output schema: " + err.Error()
		}
	}
	return testPassed, returnedEmpty, ""
}
