package pad

import "strings"

var textCleaner = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"\t", "        ",
	" ", " ",
)

// CleanText normalizes line endings, expands tabs and turns non-breaking
// spaces into plain ones. All text entering a pad goes through this.
func CleanText(text string) string {
	return textCleaner.Replace(text)
}
