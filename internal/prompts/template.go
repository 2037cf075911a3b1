package prompts

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// variablePattern matches placeholders like {input} or {format_instructions}.
var variablePattern = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

// ExtractVariables extracts placeholder names from a template string.
// For example, "Task: {task}\n{input}" returns ["input", "task"].
func ExtractVariables(text string) []string {
	matches := variablePattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var vars []string

	for _, match := range matches {
		if len(match) > 1 {
			varName := match[1]
			if !seen[varName] {
				seen[varName] = true
				vars = append(vars, varName)
			}
		}
	}

	// Sort for consistent ordering
	sort.Strings(vars)
	return vars
}

// Render substitutes {name} placeholders with vars in a single pass.
// Placeholders without a value are left untouched, and substituted text is
// never scanned again.
func Render(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// HashText returns a SHA256 hash of the text for change detection.
func HashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
