package tool

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
)

// recorder captures the options of its last call.
type recorder struct {
	name string
	last Options
}

func (r *recorder) Name() string            { return r.name }
func (r *recorder) Description() string     { return "records calls" }
func (r *recorder) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (r *recorder) Execute(_ context.Context, _ json.RawMessage, opts Options) (*Result, error) {
	r.last = opts
	return &Result{Content: "ok"}, nil
}

type vaultContext struct {
	Root string `json:"root"`
}

func (v vaultContext) VaultRoot() string { return v.Root }

func TestRegistry_RegisterReplaces(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Register(&recorder{name: "a"}))
	assert.True(t, reg.Register(&recorder{name: "a"}))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_CloneIsIndependent(t *testing.T) {
	reg := NewRegistry(&recorder{name: "a"})
	clone := reg.Clone()
	clone.Register(&recorder{name: "b"})

	assert.Equal(t, []string{"a"}, reg.Names())
	assert.Equal(t, []string{"a", "b"}, clone.Names())
}

func TestRegistry_Select(t *testing.T) {
	reg := VaultRegistry(afero.NewMemMapFs(), "/vault")
	selected, missing := reg.Select([]string{"read_note", "search_notes", "shell"})
	assert.Equal(t, []string{"read_note", "search_notes"}, selected.Names())
	assert.Equal(t, []string{"shell"}, missing)
}

func TestWithContext_NilIsIdentity(t *testing.T) {
	reg := NewRegistry(&recorder{name: "a"})
	assert.Same(t, reg, WithContext(reg, nil))
}

func TestWithContext_InjectsValue(t *testing.T) {
	inner := &recorder{name: "a"}
	reg := NewRegistry(inner)
	ctxValue := vaultContext{Root: "/vault"}

	wrapped := WithContext(reg, ctxValue)
	require.NotSame(t, reg, wrapped)

	tl, ok := wrapped.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", tl.Name())
	assert.Equal(t, inner.Description(), tl.Description())
	assert.Equal(t, inner.Schema(), tl.Schema())

	_, err := tl.Execute(context.Background(), json.RawMessage(`{}`), Options{ToolCallID: "t1", Context: "overridden"})
	require.NoError(t, err)
	assert.Equal(t, "t1", inner.last.ToolCallID)
	assert.Equal(t, ctxValue, inner.last.Context)

	// The original registry is not wrapped.
	orig, _ := reg.Get("a")
	assert.Same(t, inner, orig)
}

func TestVaultTools_SchemasAreValid(t *testing.T) {
	for _, tl := range VaultRegistry(afero.NewMemMapFs(), "/vault").All() {
		t.Run(tl.Name(), func(t *testing.T) {
			_, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tl.Schema()))
			require.NoError(t, err)
		})
	}
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
}

func run(t *testing.T, tl Tool, args string, opts Options) *Result {
	t.Helper()
	res, err := tl.Execute(context.Background(), json.RawMessage(args), opts)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestReadNote(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/vault/Projects/Roadmap.md", "# Roadmap\n- ship\n")

	tests := []struct {
		name    string
		args    string
		want    string
		isError bool
	}{
		{name: "reads with line numbers", args: `{"path":"Projects/Roadmap.md"}`, want: "     1\t# Roadmap\n     2\t- ship\n     3\t\n"},
		{name: "offset", args: `{"path":"Projects/Roadmap.md","offset":2,"limit":1}`, want: "     2\t- ship\n"},
		{name: "missing path", args: `{}`, want: "path is required", isError: true},
		{name: "not found", args: `{"path":"nope.md"}`, want: "note not found: nope.md", isError: true},
		{name: "folder", args: `{"path":"Projects"}`, want: "Projects is a folder, not a note", isError: true},
		{name: "escape", args: `{"path":"../secret.md"}`, want: `path "../secret.md" is outside the vault`, isError: true},
	}

	tl := NewReadNote(fs, "/vault")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, tl, tt.args, Options{})
			assert.Equal(t, tt.isError, res.IsError)
			assert.Equal(t, tt.want, res.Content)
		})
	}
}

func TestReadNote_VaultFromContext(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/other/a.md", "from context")

	res := run(t, NewReadNote(fs, "/vault"), `{"path":"a.md"}`, Options{Context: vaultContext{Root: "/other"}})
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "from context")
}

func TestWriteAndEditNote(t *testing.T) {
	fs := afero.NewMemMapFs()

	res := run(t, NewWriteNote(fs, "/vault"), `{"path":"Daily/2026-10-18.md","content":"todo: a\ntodo: b\n"}`, Options{})
	require.False(t, res.IsError, res.Content)

	edit := NewEditNote(fs, "/vault")
	res = run(t, edit, `{"path":"Daily/2026-10-18.md","old_string":"todo","new_string":"done"}`, Options{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "found 2 times")

	res = run(t, edit, `{"path":"Daily/2026-10-18.md","old_string":"todo","new_string":"done","replace_all":true}`, Options{})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "replaced 2 occurrences in Daily/2026-10-18.md", res.Content)

	data, err := afero.ReadFile(fs, "/vault/Daily/2026-10-18.md")
	require.NoError(t, err)
	assert.Equal(t, "done: a\ndone: b\n", string(data))

	res = run(t, NewWriteNote(fs, "/vault"), `{"path":"/etc/passwd","content":"x"}`, Options{})
	assert.True(t, res.IsError)
	exists, _ := afero.Exists(fs, "/etc/passwd")
	assert.False(t, exists)
}

func TestListNotes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/vault/Inbox.md", "")
	writeFile(t, fs, "/vault/Projects/Roadmap.md", "")
	writeFile(t, fs, "/vault/Projects/diagram.png", "")
	writeFile(t, fs, "/vault/.obsidian/workspace.md", "")

	tl := NewListNotes(fs, "/vault")

	tests := []struct {
		name string
		args string
		want string
	}{
		{name: "default", args: `{}`, want: "Inbox.md\nProjects/Roadmap.md"},
		{name: "folder", args: `{"pattern":"*.md","folder":"Projects"}`, want: "Projects/Roadmap.md"},
		{name: "alternatives", args: `{"pattern":"{Inbox,Archive}.md"}`, want: "Inbox.md"},
		{name: "everything under", args: `{"pattern":"Projects/**"}`, want: "Projects/Roadmap.md\nProjects/diagram.png"},
		{name: "none", args: `{"pattern":"*.txt"}`, want: "no notes matched"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, tl, tt.args, Options{})
			assert.False(t, res.IsError, res.Content)
			assert.Equal(t, tt.want, res.Content)
		})
	}
}

func TestSearchNotes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/vault/a.md", "intro\n#todo write tests\n")
	writeFile(t, fs, "/vault/Projects/b.md", "#TODO ship\n")
	writeFile(t, fs, "/vault/notes.txt", "#todo ignored\n")

	tl := NewSearchNotes(fs, "/vault")

	res := run(t, tl, `{"pattern":"#todo"}`, Options{})
	assert.Equal(t, "a.md:2: #todo write tests\n", res.Content)

	res = run(t, tl, `{"pattern":"#todo","case_insensitive":true}`, Options{})
	lines := strings.Split(strings.TrimSpace(res.Content), "\n")
	assert.Equal(t, []string{"Projects/b.md:1: #TODO ship", "a.md:2: #todo write tests"}, lines)

	res = run(t, tl, `{"pattern":"("}`, Options{})
	assert.True(t, res.IsError)
}
