package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samsaffron/docpilot/internal/mcp"
	"github.com/tidwall/gjson"
)

// NoPriorContext is the running context of a fresh or cleared session.
const NoPriorContext = "None. Start of conversation."

const baseInstructions = `You are a document editing assistant. The user works on a structured document
that lives in a document server; you read and change it only through the
provided tools. Work step by step, call tools when you need information or need
to make a change, and explain briefly what you did. When the task is finished,
answer without calling any tool.`

// ReferenceResolver turns a selected reference identifier into text or
// markup suitable for the prompt.
type ReferenceResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ToolResolver resolves references through a provider tool that takes
// {"ref": "..."}.
type ToolResolver struct {
	Tools ToolProvider
	Tool  string
}

func (r ToolResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if r.Tools == nil || r.Tool == "" {
		return "", fmt.Errorf("no reference tool configured")
	}
	args, err := json.Marshal(map[string]string{"ref": ref})
	if err != nil {
		return "", err
	}
	res, err := r.Tools.CallTool(ctx, r.Tool, args)
	if err != nil {
		return "", err
	}
	if content := gjson.GetBytes(res.Payload, "content"); content.Type == gjson.String {
		return content.String(), nil
	}
	stripped, err := mcp.StripFields(res.Payload, "document")
	if err != nil {
		return "", err
	}
	return string(stripped), nil
}

// SnapshotResolver resolves JSON pointer references ("#/texts/3") against
// the document snapshot sent with the query, deferring to Fallback for
// anything the snapshot does not contain.
type SnapshotResolver struct {
	Document json.RawMessage
	Fallback ReferenceResolver
}

func (r SnapshotResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if len(r.Document) > 0 {
		if path, ok := pointerPath(ref); ok {
			node := gjson.GetBytes(r.Document, path)
			if node.Exists() {
				if text := node.Get("text"); text.Type == gjson.String {
					return text.String(), nil
				}
				return node.Raw, nil
			}
		}
	}
	if r.Fallback != nil {
		return r.Fallback.Resolve(ctx, ref)
	}
	return "", fmt.Errorf("reference %s not found in document", ref)
}

// pointerPath converts a JSON pointer fragment to a gjson path.
func pointerPath(ref string) (string, bool) {
	if !strings.HasPrefix(ref, "#/") || len(ref) == 2 {
		return "", false
	}
	tokens := strings.Split(ref[2:], "/")
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		tokens[i] = escapePathToken(tok)
	}
	return strings.Join(tokens, "."), true
}

func escapePathToken(tok string) string {
	var b strings.Builder
	for _, r := range tok {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type selectedItem struct {
	Ref  string
	Text string
	Err  error
}

func resolveSelection(ctx context.Context, resolver ReferenceResolver, refs []string) []selectedItem {
	items := make([]selectedItem, 0, len(refs))
	for _, ref := range refs {
		text, err := resolver.Resolve(ctx, ref)
		items = append(items, selectedItem{Ref: ref, Text: text, Err: err})
	}
	return items
}

// buildSystemPrompt assembles the static prompt material of a run. It is
// computed once and never changes while the run is in progress.
func buildSystemPrompt(runningContext string, selection []selectedItem, document json.RawMessage) string {
	var b strings.Builder
	b.WriteString(baseInstructions)

	b.WriteString("\n\nPrevious conversation context: ")
	b.WriteString(runningContext)

	if len(selection) > 0 {
		b.WriteString("\n\nThe user has selected these parts of the document:\n")
		for _, item := range selection {
			if item.Err != nil {
				fmt.Fprintf(&b, "- %s (could not be resolved)\n", item.Ref)
				continue
			}
			fmt.Fprintf(&b, "- %s:\n%s\n", item.Ref, item.Text)
		}
	}

	if len(document) > 0 {
		b.WriteString("\n\nCurrent document:\n")
		b.Write(document)
	}
	return b.String()
}
