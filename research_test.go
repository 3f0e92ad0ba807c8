package famulus

import (
	"os"
	"strings"
	"testing"
)

func TestResearchLogAppend(t *testing.T) {
	r := NewResearchLog(t.TempDir(), nil)

	md := `# Quantum Networks

Entanglement distribution over fiber is limited by loss. Repeaters change that.

See [the survey](https://example.com/survey) for details.
`
	path, err := r.Append("conv1", "web_fetch", md)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := string(data)
	for _, want := range []string{"## web_fetch", "# Quantum Networks", "https://example.com/survey"} {
		if !strings.Contains(got, want) {
			t.Errorf("findings missing %q:\n%s", want, got)
		}
	}

	// A second append accumulates in the same file.
	path2, err := r.Append("conv1", "web_search", "More results about repeaters.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path2 != path {
		t.Errorf("append switched files: %q vs %q", path2, path)
	}
	data, _ = os.ReadFile(path)
	if !strings.Contains(string(data), "## web_search") {
		t.Error("second finding not appended")
	}
}

func TestResearchLogRemove(t *testing.T) {
	r := NewResearchLog(t.TempDir(), nil)
	path, err := r.Append("conv1", "web_search", "finding")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Remove("conv1")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("findings file survived Remove")
	}
	// Removing an absent file is a no-op.
	r.Remove("conv1")
}

func TestExtractFindings(t *testing.T) {
	md := `## Results

The first sentence matters most.
The second line should be dropped from the skeleton.

[source](https://example.com/a)
`
	got := ExtractFindings(md)
	if !strings.Contains(got, "## Results") {
		t.Errorf("heading missing:\n%s", got)
	}
	if !strings.Contains(got, "The first sentence matters most.") {
		t.Errorf("paragraph first line missing:\n%s", got)
	}
	if !strings.Contains(got, "- https://example.com/a") {
		t.Errorf("link destination missing:\n%s", got)
	}
}

func TestExtractFindingsPlainText(t *testing.T) {
	got := ExtractFindings("just one plain sentence")
	if got != "just one plain sentence" {
		t.Errorf("got %q", got)
	}
}
