// Package validator implements the deposit-acceptance gate. It scans claimed
// artifacts line-by-line against two ordered pattern classes: critical
// findings reject the deposit, warnings are recorded only. The rule set is
// heuristic and extensible via config; the observable contract is fixed:
// passed == (critical_count == 0).
package validator

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/internal/domain"
)

type rule struct {
	re      *regexp.Regexp
	message string
}

type Gate struct {
	critical []rule
	warning  []rule
	Now      func() time.Time
}

// builtinCritical are the structural markers of non-functional code, in
// evaluation order. First match on a line wins.
var builtinCritical = []rule{
	{regexp.MustCompile(`(?i)raise\s+NotImplementedError`), "raises NotImplementedError"},
	{regexp.MustCompile(`panic\(["'](?i:not implemented|unimplemented|todo)`), "panics with not-implemented marker"},
	{regexp.MustCompile(`(?i)\bnot\s+implemented\b`), "explicit not-implemented marker"},
	{regexp.MustCompile(`(?i)\bunimplemented\b`), "explicit unimplemented marker"},
	{regexp.MustCompile(`(?i)\btodo\b[:\s]*implement`), "TODO: implement marker"},
	{regexp.MustCompile(`(?i)\bcritical\s+fixme\b|\bfixme\s*!`), "critical FIXME marker"},
	{regexp.MustCompile(`(?i)(//|#)\s*stub\b|\bstub\s+implementation\b|\bstubbed\s+out\b`), "stub marker"},
	{regexp.MustCompile(`^\s*def\s+\w+\s*\(.*\)\s*(->\s*[\w.\[\], ]+)?:\s*(pass|\.\.\.)\s*(#.*)?$`), "empty function body (no-op)"},
	{regexp.MustCompile(`\bfunc\s+(\(\w+ [*\w\[\]]+\)\s*)?\w+\s*\([^)]*\)[^{]*\{\s*\}\s*$`), "empty function body (no-op)"},
}

var builtinWarning = []rule{
	{regexp.MustCompile(`(?i)\b(todo|fixme|hack|xxx)\b`), "generic work marker"},
	{regexp.MustCompile(`(?i)\bplaceholder\b`), "placeholder comment"},
}

// New builds a gate from the built-in rules plus config extensions.
func New(extraCritical, extraWarning []string) (*Gate, error) {
	g := &Gate{
		critical: append([]rule{}, builtinCritical...),
		warning:  append([]rule{}, builtinWarning...),
	}
	for _, p := range extraCritical {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("validator.critical_patterns %q: %w", p, err)
		}
		g.critical = append(g.critical, rule{re, "configured critical pattern"})
	}
	for _, p := range extraWarning {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("validator.warning_patterns %q: %w", p, err)
		}
		g.warning = append(g.warning, rule{re, "configured warning pattern"})
	}
	return g, nil
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// FileStats are the structural heuristics for languages with recognizable
// function syntax. They inform the report, never the reject decision.
type FileStats struct {
	Lines         int
	Functions     int
	NoopFunctions int
}

// CheckContent scans one artifact's content. Deterministic: identical
// content always yields identical findings.
func (g *Gate) CheckContent(path string, content []byte) (domain.FileIssues, FileStats) {
	var issues domain.FileIssues
	var stats FileStats
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	var lines []string
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		lines = append(lines, line)
		matched := false
		for _, r := range g.critical {
			if r.re.MatchString(line) {
				issues.Critical = append(issues.Critical, domain.Issue{
					Message: r.message,
					Line:    lineNo,
					Excerpt: excerpt(line),
				})
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		for _, r := range g.warning {
			if r.re.MatchString(line) {
				issues.Warnings = append(issues.Warnings, domain.Issue{
					Message: r.message,
					Line:    lineNo,
					Excerpt: excerpt(line),
				})
				break
			}
		}
	}
	stats = functionStats(path, lines)
	stats.Lines = lineNo
	return issues, stats
}

// Validate runs the gate against every artifact the deposit claims. Paths
// are resolved relative to root. A missing or unreadable artifact is itself
// a critical finding, and so is a deposit that names no artifacts at all: a
// claim with nothing behind it cannot pass.
func (g *Gate) Validate(dep domain.Deposit, root string) domain.ValidationReport {
	report := domain.ValidationReport{
		ID:        uuid.New().String(),
		DepositID: dep.ID,
		BuildSlug: dep.BuildSlug,
		DropID:    dep.DropID,
		Timestamp: g.now().UTC().Format(time.RFC3339),
		Issues:    map[string]domain.FileIssues{},
	}
	if len(dep.Artifacts) == 0 {
		report.Issues["(deposit)"] = domain.FileIssues{Critical: []domain.Issue{{
			Message: "deposit claims completion with no artifacts",
			Line:    0,
		}}}
		report.CriticalCount++
		report.Passed = false
		return report
	}
	for _, artifact := range dep.Artifacts {
		path := artifact
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, artifact)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			report.Issues[artifact] = domain.FileIssues{Critical: []domain.Issue{{
				Message: fmt.Sprintf("artifact unreadable: %v", err),
				Line:    0,
			}}}
			report.CriticalCount++
			continue
		}
		report.FilesChecked++
		issues, _ := g.CheckContent(artifact, content)
		if len(issues.Critical) == 0 && len(issues.Warnings) == 0 {
			continue
		}
		report.Issues[artifact] = issues
		report.CriticalCount += len(issues.Critical)
		report.WarningCount += len(issues.Warnings)
	}
	report.Passed = report.CriticalCount == 0
	return report
}

// ScanDir is the standalone diagnostic: the same two pattern classes applied
// to every file under path, with no deposit context. Used for whole-build
// audits.
func (g *Gate) ScanDir(path string) (domain.ValidationReport, error) {
	report := domain.ValidationReport{
		ID:        uuid.New().String(),
		Timestamp: g.now().UTC().Format(time.RFC3339),
		Issues:    map[string]domain.FileIssues{},
	}
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		if isBinary(content) {
			return nil
		}
		rel, relErr := filepath.Rel(path, p)
		if relErr != nil {
			rel = p
		}
		report.FilesChecked++
		issues, _ := g.CheckContent(rel, content)
		if len(issues.Critical) == 0 && len(issues.Warnings) == 0 {
			return nil
		}
		report.Issues[rel] = issues
		report.CriticalCount += len(issues.Critical)
		report.WarningCount += len(issues.Warnings)
		return nil
	})
	if err != nil {
		return domain.ValidationReport{}, err
	}
	report.Passed = report.CriticalCount == 0
	return report, nil
}

func skipDir(name string) bool {
	switch name {
	case ".git", ".foreman", "node_modules", "vendor", "__pycache__":
		return true
	}
	return false
}

func isBinary(content []byte) bool {
	probe := content
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

func excerpt(line string) string {
	s := strings.TrimSpace(line)
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}

var (
	pythonDefRe = regexp.MustCompile(`^(\s*)def\s+\w+\s*\(`)
	goFuncRe    = regexp.MustCompile(`^\s*func\s+(\(\w+ [*\w\[\]]+\)\s*)?\w+\s*\(`)
	jsFuncRe    = regexp.MustCompile(`^\s*(export\s+)?(async\s+)?function\s+\w+\s*\(`)
)

// functionStats counts functions and no-op bodies for files whose language
// has a recognizable function syntax. Best-effort by design.
func functionStats(path string, lines []string) FileStats {
	var stats FileStats
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		for i, line := range lines {
			m := pythonDefRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			stats.Functions++
			if pythonBodyIsNoop(lines, i, len(m[1])) {
				stats.NoopFunctions++
			}
		}
	case ".go":
		for i, line := range lines {
			if !goFuncRe.MatchString(line) {
				continue
			}
			stats.Functions++
			if braceBodyIsEmpty(lines, i) {
				stats.NoopFunctions++
			}
		}
	case ".js", ".ts", ".jsx", ".tsx":
		for i, line := range lines {
			if !jsFuncRe.MatchString(line) {
				continue
			}
			stats.Functions++
			if braceBodyIsEmpty(lines, i) {
				stats.NoopFunctions++
			}
		}
	}
	return stats
}

func pythonBodyIsNoop(lines []string, defLine, defIndent int) bool {
	// Single-line def.
	if idx := strings.Index(lines[defLine], ":"); idx >= 0 {
		body := strings.TrimSpace(stripComment(lines[defLine][idx+1:], "#"))
		if body == "pass" || body == "..." {
			return true
		}
		if body != "" {
			return false
		}
	}
	sawBody := false
	for i := defLine + 1; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(stripComment(line, "#"))
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if indent <= defIndent {
			break
		}
		sawBody = true
		switch {
		case trimmed == "pass", trimmed == "...":
			continue
		case strings.HasPrefix(trimmed, `"""`), strings.HasPrefix(trimmed, "'''"):
			continue
		case strings.HasPrefix(trimmed, "raise NotImplementedError"):
			continue
		default:
			return false
		}
	}
	return sawBody
}

func braceBodyIsEmpty(lines []string, funcLine int) bool {
	line := lines[funcLine]
	if strings.Contains(line, "{") {
		after := line[strings.Index(line, "{")+1:]
		if strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(after), "}")) == "" && strings.Contains(after, "}") {
			return true
		}
		if strings.TrimSpace(after) == "" && funcLine+1 < len(lines) && strings.TrimSpace(lines[funcLine+1]) == "}" {
			return true
		}
	}
	return false
}

func stripComment(line, marker string) string {
	if idx := strings.Index(line, marker); idx >= 0 {
		return line[:idx]
	}
	return line
}
