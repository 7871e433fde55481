package pipeline

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// emojiCodePattern matches YouTube's textual emoji shortcodes (":smile:").
var emojiCodePattern = regexp.MustCompile(`:[^:\s]{1,50}:`)

// skipPatterns catch chatter that can never be a problem report: bare
// emoji, greetings, goal celebrations and laughter. Checked after the
// length floor, against the cleaned lowercased text.
var skipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{FE0F}\x{200D}\x{1F1E6}-\x{1F1FF}\s❤🔥👏😂🤣💀😍🥰😭😎👍]+$`),
	regexp.MustCompile(`^(boa (noite|tarde)|bom dia|oi+|ola|olá|hello|hi)[\s!.]*$`),
	regexp.MustCompile(`^(goo*l+|golaço|golaco|gol)[\s!.]*$`),
	regexp.MustCompile(`^(vai \S+|vamo+s?|bora)[\s!.]*$`),
	regexp.MustCompile(`^(k+|haha(ha)*|rs(rs)+|lo+l+)[\s!.]*$`),
}

// CleanEmojiCodes strips shortcode emoji and collapses leftover whitespace.
func CleanEmojiCodes(text string) string {
	cleaned := emojiCodePattern.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

// ShouldSkip reports whether a message is obvious noise that never reaches
// the classifier. Skipped messages still count toward per-minute totals.
func ShouldSkip(text string) bool {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	if utf8.RuneCountInString(cleaned) < 3 {
		return true
	}
	for _, p := range skipPatterns {
		if p.MatchString(cleaned) {
			return true
		}
	}
	return false
}
