package providers

import "testing"

func TestParseModel(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		model    string
		wantErr  bool
	}{
		{"anthropic:claude-sonnet-4-5", "anthropic", "claude-sonnet-4-5", false},
		{"openai:gpt-4o", "openai", "gpt-4o", false},
		{"custom:host:8080/model", "custom", "host:8080/model", false},
		{"nomodel", "", "", true},
		{":leading", "", "", true},
		{"trailing:", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		provider, model, err := ParseModel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseModel(%q) err = %v", tt.in, err)
			continue
		}
		if provider != tt.provider || model != tt.model {
			t.Errorf("ParseModel(%q) = %q, %q", tt.in, provider, model)
		}
	}
}

func TestContextWindow(t *testing.T) {
	if w := ContextWindow("anthropic:claude-sonnet-4-5-20250929"); w != 200_000 {
		t.Errorf("claude window = %d", w)
	}
	if w := ContextWindow("openai:gpt-4o-2024-08-06"); w != 128_000 {
		t.Errorf("gpt-4o window = %d", w)
	}
	if w := ContextWindow("fake:never-heard-of-it"); w != 0 {
		t.Errorf("unknown window = %d", w)
	}
	if Known("fake:never-heard-of-it") {
		t.Error("unknown model reported as known")
	}

	RegisterModel("house-model", 32_000)
	if w := ContextWindow("local:house-model-v2"); w != 32_000 {
		t.Errorf("registered window = %d", w)
	}
}

// Longest prefix wins: gpt-4o-mini must not match the plain gpt-4o entry.
func TestContextWindowLongestPrefix(t *testing.T) {
	if w := ContextWindow("openai:gpt-4o-mini-2024"); w != 128_000 {
		t.Errorf("gpt-4o-mini window = %d", w)
	}
}
