package source

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `package demo

import "fmt"

// greet says hello.
func greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

type Store struct{}

func (s *Store) Get(key string) (string, error) {
	return "", fmt.Errorf("missing %s", key)
}

func (Store) Len() int { return 0 }

func tail() int {
	return 1
}`

func TestLocate_Function(t *testing.T) {
	span, err := Locate(context.Background(), []byte(sample), "greet")
	require.NoError(t, err)

	assert.Equal(t, "greet", span.Name)
	assert.Equal(t, 5, span.StartLine)
	assert.Equal(t, 8, span.EndLine)
	assert.Equal(t, 4, span.DocStartLine)

	text := SpanText([]byte(sample), span)
	assert.True(t, strings.HasPrefix(text, "func greet(name string) string {"))
	assert.True(t, strings.HasSuffix(text, "}\n"))
}

func TestLocate_Methods(t *testing.T) {
	span, err := Locate(context.Background(), []byte(sample), "Store.Get")
	require.NoError(t, err)
	assert.Equal(t, 11, span.StartLine)
	assert.Equal(t, 14, span.EndLine)
	assert.Equal(t, 11, span.DocStartLine, "no doc comment")

	span, err = Locate(context.Background(), []byte(sample), "Store.Len")
	require.NoError(t, err)
	assert.Equal(t, span.StartLine+1, span.EndLine)
}

func TestLocate_NotFound(t *testing.T) {
	_, err := Locate(context.Background(), []byte(sample), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// A method name alone does not match "Type.Method".
	_, err = Locate(context.Background(), []byte(sample), "Get")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocate_LastLineWithoutNewline(t *testing.T) {
	span, err := Locate(context.Background(), []byte(sample), "tail")
	require.NoError(t, err)
	assert.Equal(t, len(SplitLines(sample)), span.EndLine)

	src, err := Extract(context.Background(), []byte(sample), "tail")
	require.NoError(t, err)
	assert.Equal(t, "func tail() int {\n\treturn 1\n}", src)
}

func TestLocate_DocComment(t *testing.T) {
	const src = `package demo

var x = 1 // trailing

// first line
/* second line */
// third line
func documented() {}

// detached

func spaced() {}
`
	span, err := Locate(context.Background(), []byte(src), "documented")
	require.NoError(t, err)
	assert.Equal(t, 7, span.StartLine)
	assert.Equal(t, 4, span.DocStartLine)

	span, err = Locate(context.Background(), []byte(src), "spaced")
	require.NoError(t, err)
	assert.Equal(t, span.StartLine, span.DocStartLine, "a blank line detaches the comment")
}

func TestDeclarations(t *testing.T) {
	names, err := Declarations(context.Background(), []byte(sample))
	require.NoError(t, err)
	assert.Equal(t, []string{"greet", "Store.Get", "Store.Len", "tail"}, names)
}

func TestSplitLinesRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "a\n", "a\nb", "a\n\nb\n", "\r\nx\r\n"} {
		assert.Equal(t, s, strings.Join(SplitLines(s), ""), "%q", s)
	}
	assert.Len(t, SplitLines("a\nb\n"), 2)
}

func TestReceiverTypeName(t *testing.T) {
	assert.Equal(t, "Server", receiverTypeName("(s *Server)"))
	assert.Equal(t, "Server", receiverTypeName("(Server)"))
	assert.Equal(t, "List", receiverTypeName("(l *List[T])"))
	assert.Equal(t, "", receiverTypeName("()"))
}

func TestShortName(t *testing.T) {
	tests := map[string]string{
		"main.processData":                      "processData",
		"github.com/acme/svc/internal/x.Handle": "Handle",
		"main.(*Store).Get":                     "Store.Get",
		"main.Store.Len":                        "Store.Len",
		"main.main.func1":                       "main",
		"main.run.func2.1":                      "run",
		"pkg.Map[...]":                          "Map",
		"pkg.(*List[...]).Push":                 "List.Push",
		"main.(*Store).Get-fm":                  "Store.Get",
	}
	for in, want := range tests {
		assert.Equal(t, want, ShortName(in), in)
	}
}

func sampleTarget() int { return 7 }

func TestLocationOfAndMapSource(t *testing.T) {
	loc, err := LocationOf(reflect.ValueOf(sampleTarget))
	require.NoError(t, err)
	assert.Equal(t, "source_test.go", filepath.Base(loc.File))
	assert.Equal(t, "sampleTarget", ShortName(loc.QualifiedName))

	m := NewMap()
	m.Register("sampleTarget", loc)
	src, err := m.Source(context.Background(), "sampleTarget")
	require.NoError(t, err)
	assert.Equal(t, "func sampleTarget() int { return 7 }", src)

	_, err = m.Source(context.Background(), "unknown")
	assert.Error(t, err)
	assert.Equal(t, []string{"sampleTarget"}, m.Names())
}

func TestLocationOf_Errors(t *testing.T) {
	_, err := LocationOf(reflect.ValueOf(42))
	assert.Error(t, err)

	var nilFn func()
	_, err = LocationOf(reflect.ValueOf(nilFn))
	assert.Error(t, err)
}

func TestExtractFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.go")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	src, err := ExtractFile(context.Background(), path, "greet")
	require.NoError(t, err)
	assert.Contains(t, src, `fmt.Sprintf("hello %s", name)`)

	_, err = ExtractFile(context.Background(), filepath.Join(t.TempDir(), "nope.go"), "greet")
	assert.Error(t, err)
}
