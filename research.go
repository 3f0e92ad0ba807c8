package famulus

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ResearchLog accumulates web findings into one markdown file per
// conversation, so long research sessions survive history compression.
type ResearchLog struct {
	dir string
	log *slog.Logger
}

func NewResearchLog(dir string, log *slog.Logger) *ResearchLog {
	if log == nil {
		log = nopLogger
	}
	return &ResearchLog{dir: dir, log: log}
}

// Path returns the findings file for a conversation.
func (r *ResearchLog) Path(conversationID string) string {
	return filepath.Join(r.dir, "research-"+conversationID+".md")
}

// Append extracts the salient structure from a web tool's markdown result
// and appends it to the conversation's findings file. Returns the file path.
func (r *ResearchLog) Append(conversationID, toolName, content string) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", err
	}
	path := r.Path(conversationID)

	findings := ExtractFindings(content)
	if findings == "" {
		findings = firstLine(content, 300)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\n## %s\n\n%s\n", toolName, findings); err != nil {
		return "", err
	}
	r.log.Debug("research finding appended", "conversation", conversationID, "tool", toolName)
	return path, nil
}

// Remove deletes the findings file for a conversation, ignoring absence.
func (r *ResearchLog) Remove(conversationID string) {
	if err := os.Remove(r.Path(conversationID)); err != nil && !os.IsNotExist(err) {
		r.log.Warn("research file removal failed", "conversation", conversationID, "error", err)
	}
}

// ExtractFindings walks the markdown AST of a tool result and keeps the
// skeleton: headings, link destinations, and the first sentence of each
// paragraph. Non-markdown input degrades to an empty string and the caller
// falls back to a plain preview.
func ExtractFindings(md string) string {
	src := []byte(md)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			b.WriteString(strings.Repeat("#", node.Level) + " " + segmentText(node, src) + "\n")
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			dest := string(node.Destination)
			if dest != "" {
				b.WriteString("- " + dest + "\n")
			}
		case *ast.Paragraph:
			line := firstLine(segmentText(node, src), 200)
			if line != "" {
				b.WriteString(line + "\n")
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// segmentText joins a block node's source segments.
func segmentText(n ast.Node, src []byte) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return strings.TrimSpace(b.String())
}
