// Package allowlist loads the set of repositories eligible for pull request ingestion.
package allowlist

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Repo is one "owner/repo" allow-list entry.
type Repo struct {
	Owner string
	Name  string
}

// FullName returns the "owner/repo" form.
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// List is the result of one allow-list load.
type List struct {
	Repos   []Repo
	Invalid []string
}

// Loader reads the allow-list. The file is read on every Load call so edits take effect
// on the next ingestion cycle without a restart.
type Loader struct {
	path   string
	inline []string
	// ReadFile is injected for testability.
	ReadFile func(name string) ([]byte, error)
}

// NewLoader creates a loader for a file path with inline entries used when path is empty.
func NewLoader(path string, inline []string) *Loader {
	return &Loader{
		path:     strings.TrimSpace(path),
		inline:   append([]string(nil), inline...),
		ReadFile: os.ReadFile,
	}
}

// Load reads and parses the allow-list.
func (l *Loader) Load() (List, error) {
	if l == nil {
		return List{}, fmt.Errorf("allowlist loader is nil")
	}
	if l.path == "" {
		return Parse(l.inline), nil
	}

	content, err := l.ReadFile(l.path)
	if err != nil {
		return List{}, fmt.Errorf("read allowlist %s: %w", l.path, err)
	}

	entries, err := decode(l.path, content)
	if err != nil {
		return List{}, fmt.Errorf("decode allowlist %s: %w", l.path, err)
	}
	return Parse(entries), nil
}

// Parse validates raw entries, dropping duplicates and collecting malformed ones.
func Parse(entries []string) List {
	list := List{}
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		repo, ok := parseEntry(trimmed)
		if !ok {
			list.Invalid = append(list.Invalid, trimmed)
			continue
		}
		key := strings.ToLower(repo.FullName())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		list.Repos = append(list.Repos, repo)
	}
	return list
}

func parseEntry(entry string) (Repo, bool) {
	entry = strings.TrimPrefix(entry, "https://github.com/")
	entry = strings.TrimSuffix(entry, ".git")
	entry = strings.TrimSuffix(entry, "/")

	owner, name, found := strings.Cut(entry, "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, false
	}
	if strings.ContainsAny(entry, " \t") {
		return Repo{}, false
	}
	return Repo{Owner: owner, Name: name}, true
}

// decode accepts a YAML document (a sequence, or a mapping with a repos key) or
// a plain text file with one entry per line and # comments.
func decode(path string, content []byte) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return decodeYAML(content)
	}

	var entries []string
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func decodeYAML(content []byte) ([]string, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(content, &node); err != nil {
		return nil, err
	}
	if node.Kind == 0 || len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var entries []string
		if err := root.Decode(&entries); err != nil {
			return nil, err
		}
		return entries, nil
	case yaml.MappingNode:
		var doc struct {
			Repos []string `yaml:"repos"`
		}
		if err := root.Decode(&doc); err != nil {
			return nil, err
		}
		return doc.Repos, nil
	default:
		return nil, fmt.Errorf("expected a list of owner/repo entries")
	}
}
