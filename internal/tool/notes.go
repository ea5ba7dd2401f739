package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ReadNote reads a note from the vault.
type ReadNote struct {
	vault
}

// NewReadNote creates a read_note tool over the vault at root.
func NewReadNote(fs afero.Fs, root string) *ReadNote {
	return &ReadNote{vault: newVault(fs, root)}
}

func (r *ReadNote) Name() string {
	return "read_note"
}

func (r *ReadNote) Description() string {
	return `Read a note from the vault. Returns the content with line numbers.
Paths are relative to the vault root, e.g. "Projects/Roadmap.md".`
}

func (r *ReadNote) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "Vault-relative path of the note"
			},
			"offset": {
				"type": "integer",
				"description": "Line number to start from (1-indexed)"
			},
			"limit": {
				"type": "integer",
				"description": "Maximum number of lines to read"
			}
		},
		"required": ["path"]
	}`)
}

type readNoteArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

func (r *ReadNote) Execute(ctx context.Context, args json.RawMessage, opts Options) (*Result, error) {
	var p readNoteArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return Errorf("invalid arguments: %v", err), nil
	}
	if p.Path == "" {
		return Errorf("path is required"), nil
	}

	path, err := resolve(r.rootFor(opts), p.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}

	info, err := r.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf("note not found: %s", p.Path), nil
		}
		return Errorf("cannot access note: %v", err), nil
	}
	if info.IsDir() {
		return Errorf("%s is a folder, not a note", p.Path), nil
	}

	content, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return Errorf("failed to read note: %v", err), nil
	}

	lines := strings.Split(string(content), "\n")

	offset := p.Offset
	if offset < 1 {
		offset = 1
	}
	if offset > len(lines) {
		return Errorf("offset %d exceeds note length %d", offset, len(lines)), nil
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 2000
	}

	start := offset - 1
	end := start + limit
	if end > len(lines) {
		end = len(lines)
	}

	var result strings.Builder
	for i := start; i < end; i++ {
		line := lines[i]
		if len(line) > 2000 {
			line = line[:2000] + "..."
		}
		fmt.Fprintf(&result, "%6d\t%s\n", i+1, line)
	}

	return &Result{Content: result.String()}, nil
}

// WriteNote creates or replaces a note.
type WriteNote struct {
	vault
}

// NewWriteNote creates a write_note tool over the vault at root.
func NewWriteNote(fs afero.Fs, root string) *WriteNote {
	return &WriteNote{vault: newVault(fs, root)}
}

func (w *WriteNote) Name() string {
	return "write_note"
}

func (w *WriteNote) Description() string {
	return `Write a note to the vault. Creates the note if it doesn't exist, overwrites it if it does.
Creates parent folders as needed.`
}

func (w *WriteNote) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "Vault-relative path of the note"
			},
			"content": {
				"type": "string",
				"description": "Markdown content of the note"
			}
		},
		"required": ["path", "content"]
	}`)
}

type writeNoteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (w *WriteNote) Execute(ctx context.Context, args json.RawMessage, opts Options) (*Result, error) {
	var p writeNoteArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return Errorf("invalid arguments: %v", err), nil
	}
	if p.Path == "" {
		return Errorf("path is required"), nil
	}

	path, err := resolve(w.rootFor(opts), p.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}

	if err := w.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Errorf("failed to create folder: %v", err), nil
	}
	if err := afero.WriteFile(w.fs, path, []byte(p.Content), 0644); err != nil {
		return Errorf("failed to write note: %v", err), nil
	}

	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path)}, nil
}

// EditNote performs string replacement inside a note.
type EditNote struct {
	vault
}

// NewEditNote creates an edit_note tool over the vault at root.
func NewEditNote(fs afero.Fs, root string) *EditNote {
	return &EditNote{vault: newVault(fs, root)}
}

func (e *EditNote) Name() string {
	return "edit_note"
}

func (e *EditNote) Description() string {
	return `Edit a note by replacing a specific string with new content.
The old_string must match exactly (including whitespace).
The old_string must be unique in the note unless replace_all is true.`
}

func (e *EditNote) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "Vault-relative path of the note"
			},
			"old_string": {
				"type": "string",
				"description": "The exact string to find and replace"
			},
			"new_string": {
				"type": "string",
				"description": "The string to replace it with"
			},
			"replace_all": {
				"type": "boolean",
				"description": "Replace all occurrences (default: false, fails if not unique)"
			}
		},
		"required": ["path", "old_string", "new_string"]
	}`)
}

type editNoteArgs struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all"`
}

func (e *EditNote) Execute(ctx context.Context, args json.RawMessage, opts Options) (*Result, error) {
	var p editNoteArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return Errorf("invalid arguments: %v", err), nil
	}

	switch {
	case p.Path == "":
		return Errorf("path is required"), nil
	case p.OldString == "":
		return Errorf("old_string is required"), nil
	case p.OldString == p.NewString:
		return Errorf("old_string and new_string must be different"), nil
	}

	path, err := resolve(e.rootFor(opts), p.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}

	content, err := afero.ReadFile(e.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf("note not found: %s", p.Path), nil
		}
		return Errorf("failed to read note: %v", err), nil
	}

	text := string(content)
	count := strings.Count(text, p.OldString)
	if count == 0 {
		return Errorf("old_string not found in %s", p.Path), nil
	}
	if count > 1 && !p.ReplaceAll {
		return Errorf("old_string found %d times in %s. Use replace_all=true to replace all, or make old_string more specific.", count, p.Path), nil
	}

	var updated string
	if p.ReplaceAll {
		updated = strings.ReplaceAll(text, p.OldString, p.NewString)
	} else {
		updated = strings.Replace(text, p.OldString, p.NewString, 1)
	}

	if err := afero.WriteFile(e.fs, path, []byte(updated), 0644); err != nil {
		return Errorf("failed to write note: %v", err), nil
	}

	if p.ReplaceAll && count > 1 {
		return &Result{Content: fmt.Sprintf("replaced %d occurrences in %s", count, p.Path)}, nil
	}
	return &Result{Content: fmt.Sprintf("edited %s", p.Path)}, nil
}
