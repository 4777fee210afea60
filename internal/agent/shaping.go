package agent

import (
	"regexp"
	"strings"
)

// Short confirmations the model tends to emit after the message tool has
// already delivered the real output. Treated as a stable set; widening it
// risks suppressing legitimate replies.
var duplicateConfirmationRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^messages? (sent|delivered)[.!]?$`),
	regexp.MustCompile(`(?i)^(done|completed|finished|all set)[.!]?$`),
	regexp.MustCompile(`(?i)^i('ve| have)? ?(just )?(sent|delivered) (the |your |that )?messages?[.!]?$`),
	regexp.MustCompile(`(?i)^(ok(ay)?|sure)[,.!]? ?(message )?(sent|done)[.!]?$`),
	regexp.MustCompile(`(?i)^the message (has been|was) (sent|delivered)[.!]?$`),
}

// ShapeReply applies the outbound reply policy. The second return is true
// when the reply must be suppressed entirely (no outbound at all), distinct
// from an empty reply which triggers the loop's nudge.
func ShapeReply(text, noReplyToken string, messageToolSent bool) (string, bool) {
	hadToken := false
	if noReplyToken != "" && strings.Contains(text, noReplyToken) {
		hadToken = true
		text = strings.ReplaceAll(text, noReplyToken, "")
	}
	text = strings.TrimSpace(text)

	if hadToken && text == "" {
		return "", true
	}
	if messageToolSent && isDuplicateConfirmation(text) {
		return "", true
	}
	return text, false
}

func isDuplicateConfirmation(text string) bool {
	if text == "" || len(text) > 120 {
		return false
	}
	for _, re := range duplicateConfirmationRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
