// Package files defines the in-memory file bundle exchanged with the code
// generation service.
package files

import "sort"

// Well-known names inside a bundle.
const (
	ScriptFile   = "script.ts"
	SchemaFile   = "schema.ts"
	TestFile     = "test.ts"
	PackageFile  = "package.json"
	TSConfigFile = "tsconfig.json"
	LogDir       = "logs"
)

// VirtualFile is a named text file. Locked files must not be changed by the
// generator.
type VirtualFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Locked  bool   `json:"locked"`
}

// Manifest is the name/locked projection returned in run summaries.
type Manifest struct {
	Name   string `json:"name"`
	Locked bool   `json:"locked"`
}

// Find returns the file with the given name.
func Find(set []VirtualFile, name string) (VirtualFile, bool) {
	for _, f := range set {
		if f.Name == name {
			return f, true
		}
	}
	return VirtualFile{}, false
}

// Merge applies updates to current by filename and returns a new slice.
// Locked files are never replaced and names absent from current are ignored,
// so a merge can only ever rewrite files the generator owns.
func Merge(current []VirtualFile, updates []VirtualFile) []VirtualFile {
	byName := make(map[string]string, len(updates))
	for _, u := range updates {
		byName[u.Name] = u.Content
	}

	out := make([]VirtualFile, len(current))
	for i, f := range current {
		out[i] = f
		if f.Locked {
			continue
		}
		if content, ok := byName[f.Name]; ok {
			out[i].Content = content
		}
	}
	return out
}

// ToManifest projects a bundle to its manifest.
func ToManifest(set []VirtualFile) []Manifest {
	m := make([]Manifest, len(set))
	for i, f := range set {
		m[i] = Manifest{Name: f.Name, Locked: f.Locked}
	}
	return m
}

// Names returns the sorted file names of set.
func Names(set []VirtualFile) []string {
	names := make([]string, len(set))
	for i, f := range set {
		names[i] = f.Name
	}
	sort.Strings(names)
	return names
}
