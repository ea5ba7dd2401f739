package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

const (
	maxListed  = 500
	maxMatches = 100
)

// ListNotes finds notes matching a glob pattern.
type ListNotes struct {
	vault
}

// NewListNotes creates a list_notes tool over the vault at root.
func NewListNotes(fs afero.Fs, root string) *ListNotes {
	return &ListNotes{vault: newVault(fs, root)}
}

func (l *ListNotes) Name() string {
	return "list_notes"
}

func (l *ListNotes) Description() string {
	return `List notes matching a glob pattern.
Supports patterns like "**/*.md", "Daily/*.md", "Projects/**", "{Inbox,Daily}/*.md".
Returns vault-relative paths.`
}

func (l *ListNotes) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "Glob pattern (default: **/*.md)"
			},
			"folder": {
				"type": "string",
				"description": "Folder to search in (default: vault root)"
			}
		}
	}`)
}

type listNotesArgs struct {
	Pattern string `json:"pattern"`
	Folder  string `json:"folder"`
}

func (l *ListNotes) Execute(ctx context.Context, args json.RawMessage, opts Options) (*Result, error) {
	var p listNotesArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &p); err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
	}
	if p.Pattern == "" {
		p.Pattern = "**/*.md"
	}

	if !doublestar.ValidatePattern(p.Pattern) {
		return Errorf("invalid pattern: %s", p.Pattern), nil
	}

	base := l.rootFor(opts)
	dir, err := resolve(base, p.Folder)
	if err != nil {
		return Errorf("%v", err), nil
	}

	var matches []string
	err = afero.Walk(l.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			if path != dir && hidden(info) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if ok, _ := doublestar.Match(p.Pattern, filepath.ToSlash(rel)); ok {
			matches = append(matches, relative(base, path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}

	sort.Strings(matches)
	if len(matches) > maxListed {
		matches = matches[:maxListed]
	}
	if len(matches) == 0 {
		return &Result{Content: "no notes matched"}, nil
	}
	return &Result{Content: strings.Join(matches, "\n")}, nil
}

// SearchNotes greps notes for a regular expression.
type SearchNotes struct {
	vault
}

// NewSearchNotes creates a search_notes tool over the vault at root.
func NewSearchNotes(fs afero.Fs, root string) *SearchNotes {
	return &SearchNotes{vault: newVault(fs, root)}
}

func (s *SearchNotes) Name() string {
	return "search_notes"
}

func (s *SearchNotes) Description() string {
	return `Search note contents for a regular expression.
Returns matching lines with note paths and line numbers.
Use for finding tags, links, headings or any text in the vault.`
}

func (s *SearchNotes) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "Regular expression to search for"
			},
			"folder": {
				"type": "string",
				"description": "Folder to search in (default: vault root)"
			},
			"glob": {
				"type": "string",
				"description": "Filter notes by file name (default: *.md)"
			},
			"case_insensitive": {
				"type": "boolean",
				"description": "Case-insensitive search (default: false)"
			}
		},
		"required": ["pattern"]
	}`)
}

type searchNotesArgs struct {
	Pattern         string `json:"pattern"`
	Folder          string `json:"folder"`
	Glob            string `json:"glob"`
	CaseInsensitive bool   `json:"case_insensitive"`
}

type searchMatch struct {
	Note    string
	Line    int
	Content string
}

var errEnoughMatches = errors.New("enough matches")

func (s *SearchNotes) Execute(ctx context.Context, args json.RawMessage, opts Options) (*Result, error) {
	var p searchNotesArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return Errorf("invalid arguments: %v", err), nil
	}
	if p.Pattern == "" {
		return Errorf("pattern is required"), nil
	}
	if p.Glob == "" {
		p.Glob = "*.md"
	}

	expr := p.Pattern
	if p.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Errorf("invalid regex: %v", err), nil
	}

	base := s.rootFor(opts)
	dir, err := resolve(base, p.Folder)
	if err != nil {
		return Errorf("%v", err), nil
	}

	var matches []searchMatch
	err = afero.Walk(s.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			if path != dir && hidden(info) {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(p.Glob, info.Name()); !ok {
			return nil
		}

		found, _ := searchFile(s.fs, path, re)
		for _, m := range found {
			m.Note = relative(base, path)
			matches = append(matches, m)
			if len(matches) >= maxMatches {
				return errEnoughMatches
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnoughMatches) {
		return nil, fmt.Errorf("search notes: %w", err)
	}

	if len(matches) == 0 {
		return &Result{Content: "no matches found"}, nil
	}

	var result strings.Builder
	for _, m := range matches {
		content := m.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		fmt.Fprintf(&result, "%s:%d: %s\n", m.Note, m.Line, content)
	}
	if len(matches) >= maxMatches {
		fmt.Fprintf(&result, "\n... (limited to %d matches)", maxMatches)
	}

	return &Result{Content: result.String()}, nil
}

func searchFile(fs afero.Fs, path string, re *regexp.Regexp) ([]searchMatch, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var matches []searchMatch
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if re.MatchString(text) {
			matches = append(matches, searchMatch{
				Line:    line,
				Content: strings.TrimSpace(text),
			})
		}
	}
	return matches, scanner.Err()
}
