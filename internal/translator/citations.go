package translator

import "regexp"

var citationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[\d+:\d+\|source\]`),
	regexp.MustCompile(`(?i)\[\s*source\s*\]`),
	regexp.MustCompile(`\[\d+\]`),
	regexp.MustCompile(`【[^】]*】`),
	regexp.MustCompile(`(?i)\(source:[^)]*\)`),
	regexp.MustCompile(`(?i)\[source:[^\]]*\]`),
}

// CleanCitations strips retrieval citation markers such as "[3]", "[4:2|source]"
// and "【12†doc】" from text, leaving the rest untouched.
func CleanCitations(text string) string {
	if text == "" {
		return text
	}
	for _, re := range citationPatterns {
		text = re.ReplaceAllString(text, "")
	}
	return text
}
