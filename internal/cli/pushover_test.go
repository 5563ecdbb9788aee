package cli

import (
	"bufio"
	"strings"
	"testing"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		output string
	}{
		{name: "empty", input: "", output: ""},
		{name: "short", input: "abc", output: "***"},
		{name: "exactly four", input: "abcd", output: "****"},
		{name: "longer than four", input: "abcdefgh", output: "abcd****"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskSecret(tt.input); got != tt.output {
				t.Fatalf("maskSecret(%q) = %q, want %q", tt.input, got, tt.output)
			}
		})
	}
}

func TestAskSecret(t *testing.T) {
	var out strings.Builder
	r := bufio.NewReader(strings.NewReader("\nnew-token\n"))

	if got := askSecret(r, &out, "User Key", "current-key"); got != "current-key" {
		t.Fatalf("empty answer = %q, want current value", got)
	}
	if !strings.Contains(out.String(), "User Key [curr*******]: ") {
		t.Fatalf("prompt = %q", out.String())
	}
	if got := askSecret(r, &out, "App Token", ""); got != "new-token" {
		t.Fatalf("answer = %q", got)
	}
}
