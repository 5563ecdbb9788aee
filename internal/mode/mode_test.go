package mode

import "testing"

func TestParse(t *testing.T) {
	for _, m := range All {
		got, err := Parse(" " + string(m) + " ")
		if err != nil || got != m {
			t.Fatalf("Parse(%q) = %q, %v", m, got, err)
		}
	}
	if got, err := Parse("RELENTLESS"); err != nil || got != Relentless {
		t.Fatalf("Parse(RELENTLESS) = %q, %v", got, err)
	}
	if _, err := Parse("turbo"); err == nil {
		t.Fatal("Parse(turbo) succeeded")
	}
}

func TestPolicies(t *testing.T) {
	tests := []struct {
		mode                                  Mode
		observing, director, needsTask, idles bool
	}{
		{Drive, false, true, true, false},
		{Relentless, false, true, true, false},
		{Interactive, false, true, false, true},
		{Watch, true, true, false, false},
		{Passive, true, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if tt.mode.Observing() != tt.observing || tt.mode.ConsultsDirector() != tt.director ||
				tt.mode.RequiresTask() != tt.needsTask || tt.mode.StartsIdle() != tt.idles {
				t.Fatalf("%s policy mismatch", tt.mode)
			}
		})
	}
	if Drive.Title() != "Drive Mode" || Mode("").Title() != "" {
		t.Fatalf("Title() = %q", Drive.Title())
	}
}
