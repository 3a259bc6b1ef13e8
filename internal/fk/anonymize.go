package fk

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf16"
)

var (
	formNameStrip = regexp.MustCompile(`[^a-zA-Z0-9\s]`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// AnonymousPath is the storage layout that hides the respondent's address:
// <form name>/user_<hash>/<submission id>/<file name>.
// The same e-mail always maps to the same user folder.
func AnonymousPath(email, formName, submissionID, fileName string) string {
	cleanForm := strings.ToLower(whitespaceRun.ReplaceAllString(formNameStrip.ReplaceAllString(formName, ""), "_"))
	return fmt.Sprintf("%s/%s/%s/%s", cleanForm, AnonymousUserID(email), submissionID, cleanFileName(fileName))
}

// AnonymousUserID derives a stable folder name from an e-mail address using
// a 31-multiplier string hash over UTF-16 code units.
func AnonymousUserID(email string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(email)) {
		h = (h << 5) - h + int32(c)
	}
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return fmt.Sprintf("user_%08x", abs)
}
