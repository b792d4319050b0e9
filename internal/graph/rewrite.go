package graph

import (
	"regexp"
)

// RewriteHashSuffix replaces the truncated hash suffix of import specifiers
// embedded in compiled text. Compiled local imports reference artifacts named
// <name>.<hash8>.js; when a dependency's output hash changes, the importing
// module's text is patched so it keeps pointing at the live artifact.
//
// The function is pure: it returns the rewritten text and touches nothing
// else.
func RewriteHashSuffix(compiledText, oldSuffix, newSuffix string) string {
	if oldSuffix == "" || oldSuffix == newSuffix {
		return compiledText
	}
	re := regexp.MustCompile(`\.` + regexp.QuoteMeta(oldSuffix) + `\.js\b`)
	return re.ReplaceAllString(compiledText, "."+newSuffix+".js")
}
