package sqlguard

import (
	"strings"
	"testing"
	"time"
)

func TestSafeRegex(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		input     string
		timeout   time.Duration
		wantMatch bool
		wantErr   bool
	}{
		{"simple match", `hello`, "hello world", 100 * time.Millisecond, true, false},
		{"no match", `goodbye`, "hello world", 100 * time.Millisecond, false, false},
		{"regex with anchors", `^hello$`, "hello", 100 * time.Millisecond, true, false},
		{"invalid pattern", `[invalid(`, "test", 100 * time.Millisecond, false, false},
		{"empty pattern", "", "test", 100 * time.Millisecond, true, false},
		{"empty input", `test`, "", 100 * time.Millisecond, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeRegex(tt.pattern, tt.input, tt.timeout)
			if (err != nil) != tt.wantErr {
				t.Errorf("SafeRegex() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.wantMatch {
				t.Errorf("SafeRegex() = %v, want %v", got, tt.wantMatch)
			}
		})
	}
}

func TestSafeRegex_ReDoSProtection(t *testing.T) {
	// Go's regexp engine runs in linear time, so a nested-quantifier
	// pattern alone finishes quickly; a 16 MiB input makes the match run
	// far longer than the timeout, which is what SafeRegex must cut short.
	redoPattern := `(a+)+$`
	input := strings.Repeat("a", 1<<24) + "b"

	start := time.Now()
	_, err := SafeRegex(redoPattern, input, 50*time.Millisecond)
	duration := time.Since(start)

	if err == nil {
		t.Error("SafeRegex() should have timed out on ReDoS pattern")
	}
	if duration > 200*time.Millisecond {
		t.Errorf("SafeRegex() took too long (%v), should have timed out faster", duration)
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("SafeRegex() error = %v, should contain 'timeout'", err)
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
		errMsg  string
	}{
		{"valid simple pattern", `hello`, false, ""},
		{"invalid pattern", `[invalid(`, true, "invalid regex pattern"},
		{"pattern too long", strings.Repeat("a", 10001), true, "pattern too long"},
		{"dangerous nested quantifiers", `a*+`, true, "potentially dangerous nested quantifiers"},
		{"safe quantifiers - single star", `a*`, false, ""},
		{"safe quantifiers - single braces", `a{1,10}`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePattern() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && err != nil && tt.errMsg != "" {
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidatePattern() error message = %v, want containing %v", err.Error(), tt.errMsg)
				}
			}
		})
	}
}

func TestMatchPattern(t *testing.T) {
	got, err := MatchPattern(`test`, "this is a test")
	if err != nil {
		t.Fatalf("MatchPattern() error = %v", err)
	}
	if !got {
		t.Error("MatchPattern() = false, want true")
	}
}

func BenchmarkSafeRegex(b *testing.B) {
	pattern := `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`
	input := "test.user+tag@example.co.uk"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = SafeRegex(pattern, input, 100*time.Millisecond)
	}
}
