package files

import (
	"testing"
)

func bundle() []VirtualFile {
	return []VirtualFile{
		{Name: "logs/log-1.json", Content: "{}", Locked: true},
		{Name: TestFile, Content: "test", Locked: true},
		{Name: SchemaFile, Content: "schema", Locked: true},
		{Name: ScriptFile, Content: "stub", Locked: false},
	}
}

func TestMerge_OnlyUnlocked(t *testing.T) {
	current := bundle()
	merged := Merge(current, []VirtualFile{
		{Name: ScriptFile, Content: "generated"},
		{Name: TestFile, Content: "rewritten test"},
		{Name: SchemaFile, Content: "rewritten schema"},
		{Name: "extra.ts", Content: "new"},
	})

	if len(merged) != len(current) {
		t.Fatalf("len = %d, want %d", len(merged), len(current))
	}
	script, _ := Find(merged, ScriptFile)
	if script.Content != "generated" {
		t.Errorf("script content = %q, want generated", script.Content)
	}
	for _, f := range merged {
		if f.Locked {
			orig, _ := Find(current, f.Name)
			if f.Content != orig.Content {
				t.Errorf("locked file %s changed to %q", f.Name, f.Content)
			}
		}
	}
	if _, ok := Find(merged, "extra.ts"); ok {
		t.Error("unknown file should not be added")
	}
	// input is not mutated
	if s, _ := Find(current, ScriptFile); s.Content != "stub" {
		t.Errorf("Merge mutated input: %q", s.Content)
	}
}

func TestToManifest(t *testing.T) {
	m := ToManifest(bundle())
	if len(m) != 4 {
		t.Fatalf("len = %d", len(m))
	}
	if m[3].Name != ScriptFile || m[3].Locked {
		t.Errorf("last manifest entry = %+v", m[3])
	}
}
