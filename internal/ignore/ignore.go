// Package ignore decides which source files are indexed for a project,
// using gitignore-style files found at the project root.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultIgnoreFiles are read from the project root in order.
var DefaultIgnoreFiles = []string{".gitignore", ".gardenerignore"}

// AlwaysExcluded patterns apply regardless of project ignore files.
var AlwaysExcluded = []string{".git/", "node_modules/", "vendor/", "__pycache__/", ".venv/"}

// Parser reads gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// FallbackPatterns are used when no ignore files are found.
	FallbackPatterns []string
}

// NewParser creates a new ignore file parser with the given configuration.
func NewParser(ignoreFiles, fallbackPatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:      ignoreFiles,
		FallbackPatterns: fallbackPatterns,
	}
}

// Matcher reports whether a project-relative path is excluded.
type Matcher struct {
	patterns []string
	m        gitignore.Matcher
}

// Excluded reports whether relPath (slash or OS separated) is ignored.
func (m *Matcher) Excluded(relPath string, isDir bool) bool {
	rel := filepath.ToSlash(relPath)
	if rel == "." || rel == "" {
		return false
	}
	return m.m.Match(strings.Split(rel, "/"), isDir)
}

// Patterns returns the raw patterns the matcher was built from.
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.patterns))
	copy(out, m.patterns)
	return out
}

// ParseProject reads all ignore files from projectRoot and builds a matcher.
// If no ignore files are found, fallback patterns are used. AlwaysExcluded
// patterns are prepended so later negations in project files can re-include.
func (p *Parser) ParseProject(projectRoot string) (*Matcher, error) {
	var patterns []string
	foundAny := false

	for _, ignoreFile := range p.IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(projectRoot, ignoreFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, filePatterns...)
		foundAny = true
	}
	if !foundAny {
		patterns = p.FallbackPatterns
	}

	all := deduplicate(append(append([]string{}, AlwaysExcluded...), patterns...))
	compiled := make([]gitignore.Pattern, 0, len(all))
	for _, line := range all {
		compiled = append(compiled, gitignore.ParsePattern(line, nil))
	}
	return &Matcher{patterns: all, m: gitignore.NewMatcher(compiled)}, nil
}

// parseFile reads a single gitignore-style file and returns its patterns.
func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine returns "" for comments and blank lines.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

// deduplicate removes duplicate patterns while preserving order.
func deduplicate(patterns []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}
	return result
}
