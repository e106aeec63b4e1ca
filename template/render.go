// Package template manages workflow collateral templates: fillable
// documents with `{{ variable }}` placeholders discovered from a
// directory and rendered into markdown asset content.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Variables lists the distinct placeholder names in template content,
// sorted.
func Variables(content string) []string {
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(content, -1) {
		seen[m[1]] = true
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// Render substitutes placeholders with the given values. Placeholders
// without a value are left in place so the gap is visible in the
// rendered document.
func Render(content string, vars map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := vars[name]
		if !ok || v == nil {
			return match
		}
		return fmt.Sprint(v)
	})
}

// ToMarkdown converts rendered HTML into markdown. Non-HTML content
// passes through unchanged.
func ToMarkdown(content string) (string, error) {
	if !looksLikeHTML(content) {
		return content, nil
	}
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(content)
	if err != nil {
		return "", fmt.Errorf("convert HTML to markdown: %w", err)
	}
	return markdown, nil
}

func looksLikeHTML(content string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(content))
	return strings.HasPrefix(trimmed, "<!doctype html") ||
		strings.HasPrefix(trimmed, "<html") ||
		strings.Contains(trimmed, "<body") ||
		strings.Contains(trimmed, "<div") ||
		strings.Contains(trimmed, "<p>")
}
