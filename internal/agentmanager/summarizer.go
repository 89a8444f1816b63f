package agentmanager

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/haivemind/core/internal/domain"
)

// Files-changed extraction patterns, literal per spec.md §4.2.
var (
	reCreatingFile = regexp.MustCompile(`Creating file: (\S+)`)
	reModifiedFile = regexp.MustCompile(`Modified file: (\S+)`)
	reDiffGit      = regexp.MustCompile(`diff --git a/(\S+) b/(\S+)`)

	reErrorLine   = regexp.MustCompile(`(?i)\berror\b`)
	reWarningLine = regexp.MustCompile(`(?i)\bwarn(ing)?\b`)
	reCommandLine = regexp.MustCompile(`^[$>]\s+\S`)

	reTestsPassed = regexp.MustCompile(`(?i)(\d+)\s+passed`)
	reTestsFailed = regexp.MustCompile(`(?i)(\d+)\s+failed`)
)

// Summarize reduces a raw agent output buffer to the structured
// characterization spec.md §4.2 names: files touched, error/warning
// line counts, a test tally, and a one-line digest. It is a pure
// function of the output bytes so it can run both at agent termination
// and, speculatively, against a still-running agent's buffer for a
// live snapshot.
func Summarize(output []byte) domain.AgentSummary {
	text := string(output)
	lines := strings.Split(text, "\n")

	files := map[string]bool{}
	summary := domain.AgentSummary{}

	for _, line := range lines {
		if m := reCreatingFile.FindStringSubmatch(line); m != nil {
			files[m[1]] = true
		}
		if m := reModifiedFile.FindStringSubmatch(line); m != nil {
			files[m[1]] = true
		}
		if m := reDiffGit.FindStringSubmatch(line); m != nil {
			files[m[1]] = true
		}
		if reErrorLine.MatchString(line) {
			summary.Errors++
		}
		if reWarningLine.MatchString(line) {
			summary.Warnings++
		}
		if n, ok := firstMatchInt(reTestsPassed, line); ok {
			summary.TestsPassed += n
		}
		if n, ok := firstMatchInt(reTestsFailed, line); ok {
			summary.TestsFailed += n
		}
	}

	summary.FilesChanged = len(files)
	summary.Digest = digest(lines)
	return summary
}

func firstMatchInt(re *regexp.Regexp, line string) (int, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// digest picks the last non-blank line as a short human-readable
// one-liner, trimmed to a reasonable length for display.
func digest(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200] + "…"
		}
		return line
	}
	return ""
}

// EscalationPrompt prepends a "Previous Attempt Summary" block to
// prompt when prev is non-nil, feeding the prior attempt's
// characterization forward as context for a retry, per spec.md §4.2.
func EscalationPrompt(prompt string, prev *domain.AgentSummary) string {
	if prev == nil {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Previous Attempt Summary\n")
	b.WriteString("Files changed: " + strconv.Itoa(prev.FilesChanged) + "\n")
	b.WriteString("Errors: " + strconv.Itoa(prev.Errors) + "\n")
	b.WriteString("Warnings: " + strconv.Itoa(prev.Warnings) + "\n")
	if prev.Digest != "" {
		b.WriteString("Summary: " + prev.Digest + "\n")
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}
