package logging

import "testing"

func FuzzParseLevel(f *testing.F) {
	seeds := []string{"debug", "info", "warn", "warning", "error", "", "  ERROR  ", "trace"}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, raw string) {
		level, ok := ParseLevel(raw)
		if ok && normalizeLevel(level) != level {
			t.Fatalf("ParseLevel(%q) returned unnormalized level %q", raw, level)
		}
	})
}
