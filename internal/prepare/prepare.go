// Package prepare turns captured traffic and request schemas into the file
// bundle handed to the code generation service.
package prepare

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/crafter-station/scrapi/internal/capture"
	"github.com/crafter-station/scrapi/internal/files"
	"github.com/crafter-station/scrapi/internal/prompt"
)

// Input is everything the bundle is built from.
type Input struct {
	Logs         []capture.LogEntry
	UserPrompt   string
	InputSchema  string
	OutputSchema string
	TestArgs     string

	// TemplatesDir overrides built-in file templates when set.
	TemplatesDir string
}

// LogFileName returns the bundle path of the n-th (zero-based) log entry.
func LogFileName(n int) string {
	return path.Join(files.LogDir, fmt.Sprintf("log-%d.json", n))
}

// Prepare builds the bundle in its fixed order: one locked file per log
// entry, then package.json, test.ts, tsconfig.json and schema.ts (all
// locked), then the unlocked script.ts stub. The result depends only on in.
func Prepare(in Input) ([]files.VirtualFile, error) {
	out := make([]files.VirtualFile, 0, len(in.Logs)+5)

	for i, entry := range in.Logs {
		content, err := logContent(entry)
		if err != nil {
			return nil, fmt.Errorf("log %d (%s): %w", i, entry.URL, err)
		}
		out = append(out, files.VirtualFile{Name: LogFileName(i), Content: content, Locked: true})
	}

	testArgs := strings.TrimSpace(in.TestArgs)
	if testArgs == "" {
		testArgs = "{}"
	}
	vars := prompt.Vars{
		"test_args":     testArgs,
		"input_schema":  in.InputSchema,
		"output_schema": in.OutputSchema,
		"user_prompt":   in.UserPrompt,
	}

	bundle := []struct {
		name     string
		template string
		locked   bool
	}{
		{files.PackageFile, prompt.PackageTemplate, true},
		{files.TestFile, prompt.TestTemplate, true},
		{files.TSConfigFile, prompt.TSConfigTemplate, true},
		{files.SchemaFile, prompt.SchemaTemplate, true},
		{files.ScriptFile, prompt.ScriptTemplate, false},
	}
	for _, b := range bundle {
		content, err := prompt.RenderNamed(b.template, in.TemplatesDir, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, files.VirtualFile{Name: b.name, Content: content, Locked: b.locked})
	}
	return out, nil
}

// logContent is the raw body for text responses and the whole entry as
// indented JSON otherwise.
func logContent(entry capture.LogEntry) (string, error) {
	if s, ok := entry.Body.(string); ok {
		return s, nil
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
