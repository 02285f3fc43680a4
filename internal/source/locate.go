// Package source locates Go function declarations in source files and maps
// registered functions to the file that defines them.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// ErrNotFound is returned when no declaration with the requested name exists.
var ErrNotFound = errors.New("function declaration not found")

// Span is the position of one declaration. Lines are 0-based and EndLine is
// exclusive, so lines[StartLine:EndLine] is the declaration text.
// DocStartLine is the first line of the doc comment directly above the
// declaration, or StartLine when it has none.
type Span struct {
	Name         string
	StartLine    int
	EndLine      int
	DocStartLine int
	StartByte    uint32
	EndByte      uint32
}

// Locate finds the top-level function or method declaration called name.
// Methods are addressed as "Type.Method" (pointer receivers included).
func Locate(ctx context.Context, content []byte, name string) (Span, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return Span{}, fmt.Errorf("parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		declName := declarationName(node, content)
		if declName == "" || declName != name {
			continue
		}
		return Span{
			Name:         declName,
			StartLine:    int(node.StartPoint().Row),
			EndLine:      int(node.EndPoint().Row) + 1,
			DocStartLine: docStartLine(node),
			StartByte:    node.StartByte(),
			EndByte:      node.EndByte(),
		}, nil
	}
	return Span{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Declarations lists the names of all top-level functions and methods.
func Declarations(ctx context.Context, content []byte) ([]string, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	defer tree.Close()

	var names []string
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		if name := declarationName(root.NamedChild(i), content); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// docStartLine walks back over the comment lines that touch node. A comment
// trailing code on its line does not count.
func docStartLine(node *sitter.Node) int {
	start := int(node.StartPoint().Row)
	for prev := node.PrevNamedSibling(); prev != nil && prev.Type() == "comment"; prev = prev.PrevNamedSibling() {
		if int(prev.EndPoint().Row)+1 != start || prev.StartPoint().Column != 0 {
			break
		}
		start = int(prev.StartPoint().Row)
	}
	return start
}

func declarationName(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "function_declaration":
		nameNode := node.ChildByFieldName("name")
		if nameNode == nil {
			return ""
		}
		return nameNode.Content(content)

	case "method_declaration":
		nameNode := node.ChildByFieldName("name")
		receiverNode := node.ChildByFieldName("receiver")
		if nameNode == nil || receiverNode == nil {
			return ""
		}
		recv := receiverTypeName(receiverNode.Content(content))
		if recv == "" {
			return ""
		}
		return recv + "." + nameNode.Content(content)
	}
	return ""
}

// receiverTypeName reduces "(s *Server[T])" to "Server".
func receiverTypeName(receiver string) string {
	receiver = strings.TrimSpace(receiver)
	receiver = strings.TrimPrefix(receiver, "(")
	receiver = strings.TrimSuffix(receiver, ")")
	fields := strings.Fields(receiver)
	if len(fields) == 0 {
		return ""
	}
	typ := strings.TrimLeft(fields[len(fields)-1], "*")
	if idx := strings.Index(typ, "["); idx >= 0 {
		typ = typ[:idx]
	}
	return typ
}

// SpanText returns the full lines covered by span.
func SpanText(content []byte, span Span) string {
	lines := SplitLines(string(content))
	if span.StartLine < 0 || span.EndLine > len(lines) || span.StartLine >= span.EndLine {
		return ""
	}
	return strings.Join(lines[span.StartLine:span.EndLine], "")
}

// Extract returns the source text of the named declaration.
func Extract(ctx context.Context, content []byte, name string) (string, error) {
	span, err := Locate(ctx, content, name)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(SpanText(content, span), "\n"), nil
}

// ExtractFile reads path and returns the source text of the named declaration.
func ExtractFile(ctx context.Context, path, name string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Extract(ctx, content, name)
}

// SplitLines splits s after each newline, keeping line endings so that
// joining the result reproduces s exactly.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
