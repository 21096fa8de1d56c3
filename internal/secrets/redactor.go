package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Scrubber removes secrets from text.
type Scrubber interface {
	Scrub(text string) string
}

// Finding is a detected secret.
type Finding struct {
	RuleID string
	Secret string
}

// Redactor wraps a Gitleaks detector built once from the default rule set.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor builds a detector with the default Gitleaks config (800+
// patterns) plus the given allowlist (nil to skip).
func NewRedactor(allowlist *Allowlist) (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create gitleaks detector: %w", err)
	}
	if allowlist != nil {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &Redactor{detector: detector}, nil
}

// Detect returns the secrets found in content.
func (r *Redactor) Detect(content string) []Finding {
	r.mu.Lock()
	found := r.detector.DetectString(content)
	r.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Secret: f.Secret})
	}
	return out
}

// Redact replaces every detected secret with a [REDACTED:rule-id] marker and
// returns the rewritten content with the number of secrets replaced.
func (r *Redactor) Redact(content string) (string, int) {
	findings := r.Detect(content)
	if len(findings) == 0 {
		return content, 0
	}
	// Longest first so a secret that contains another is replaced whole.
	sort.Slice(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})
	for _, f := range findings {
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return content, len(findings)
}

// Scrub implements Scrubber.
func (r *Redactor) Scrub(text string) string {
	out, _ := r.Redact(text)
	return out
}

// Noop is a Scrubber that returns text unchanged.
type Noop struct{}

// Scrub returns text unchanged.
func (Noop) Scrub(text string) string { return text }

// applyAllowlist merges allowlist patterns into the Gitleaks config.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{
		Description: "gardener user/project allowlist",
	}
	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRegex, pattern, err)
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
