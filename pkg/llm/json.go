package llm

import "strings"

// ExtractJSONObject pulls the first JSON object out of a model reply. Models
// like to wrap JSON in markdown fences or lead with a sentence of prose; this
// strips the fences and returns everything from the first '{' to the last '}'.
// When no braces are present the trimmed text is returned unchanged so the
// caller's decoder reports a meaningful error.
func ExtractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
