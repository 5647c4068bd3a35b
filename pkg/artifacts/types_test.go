package artifacts

import (
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		typ  Type
		ok   bool
	}{
		{"prompts/greet.prompt.yaml", TypePrompt, true},
		{"tools/ping.tool.yaml", TypeTool, true},
		{"deep/nested/thing.prompt.yaml", TypePrompt, true},
		{"greet.prompt.yaml", TypePrompt, true},
		{"config.yaml", "", false},
		{"prompt.yaml", "", false},
		{"greet.prompt.yml", "", false},
		{"greet.prompt.yaml.bak", "", false},
		{"README.md", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			typ, ok := Classify(tt.path)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if typ != tt.typ {
				t.Errorf("expected %s, got %s", tt.typ, typ)
			}
		})
	}
}

func TestTypeValid(t *testing.T) {
	if !TypePrompt.Valid() || !TypeTool.Valid() {
		t.Error("expected built-in types to be valid")
	}
	if Type("model").Valid() {
		t.Error("expected unknown type to be invalid")
	}
}

func TestTypesOrder(t *testing.T) {
	types := Types()
	if len(types) != 2 || types[0] != TypePrompt || types[1] != TypeTool {
		t.Errorf("expected [prompt tool], got %v", types)
	}
}

func TestTypeSuffix(t *testing.T) {
	if TypePrompt.Suffix() != ".prompt.yaml" {
		t.Errorf("expected .prompt.yaml, got %s", TypePrompt.Suffix())
	}
	if TypeTool.Suffix() != ".tool.yaml" {
		t.Errorf("expected .tool.yaml, got %s", TypeTool.Suffix())
	}
}
