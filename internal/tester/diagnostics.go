package tester

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Diagnostic is one error found in compiler or harness output.
type Diagnostic struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	msg := d.Message
	if d.Code != "" {
		msg = d.Code + ": " + msg
	}
	if d.File == "" {
		return msg
	}
	return fmt.Sprintf("%s:%d:%d: %s", d.File, d.Line, d.Column, msg)
}

// tsc output format: script.ts(42,5): error TS2345: Argument of type...
var tscLineRe = regexp.MustCompile(`^(.+)\((\d+),(\d+)\):\s+error\s+(TS\d+):\s+(.+)$`)

// Node error heads: "TypeError: x is undefined", "Error [ERR_X]: ...".
var errorHeadRe = regexp.MustCompile(`^(?:[A-Z][A-Za-z]*)?Error(?: \[[A-Z_]+\])?: .+$`)

// Stack frames: "at main (/tmp/w/script.ts:3:9)" or "at /tmp/w/script.ts:3:9".
var frameRe = regexp.MustCompile(`^at (?:.+ \()?(.+?):(\d+):(\d+)\)?$`)

// ParseDiagnostics extracts compiler errors and runtime errors from output.
// A runtime error is located at its first stack frame inside the bundle's
// own TypeScript files; frames in dependencies are skipped.
func ParseDiagnostics(output string) []Diagnostic {
	var diags []Diagnostic
	var pending string

	flush := func() {
		if pending != "" {
			diags = append(diags, Diagnostic{Message: pending})
			pending = ""
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if m := tscLineRe.FindStringSubmatch(line); m != nil {
			flush()
			lineNum, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			diags = append(diags, Diagnostic{File: m[1], Line: lineNum, Column: col, Code: m[4], Message: m[5]})
			continue
		}
		if errorHeadRe.MatchString(line) {
			flush()
			pending = line
			continue
		}
		if pending == "" {
			continue
		}
		if m := frameRe.FindStringSubmatch(line); m != nil && ownFile(m[1]) {
			lineNum, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			diags = append(diags, Diagnostic{File: path.Base(m[1]), Line: lineNum, Column: col, Message: pending})
			pending = ""
		}
	}
	flush()
	return diags
}

func ownFile(p string) bool {
	p = strings.TrimPrefix(p, "file://")
	return strings.HasSuffix(p, ".ts") && !strings.Contains(p, "node_modules")
}

// Summarize renders the first diagnostic and how many more there are.
func Summarize(diags []Diagnostic) string {
	switch len(diags) {
	case 0:
		return ""
	case 1:
		return diags[0].String()
	}
	return fmt.Sprintf("%s (+%d more)", diags[0], len(diags)-1)
}
