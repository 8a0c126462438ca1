package event

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)

// mentionText concatenates the textual fields of an event that can carry
// @-mentions: the subject's title and text.
func mentionText(e *Event) string {
	if e.Subject == nil {
		return ""
	}
	return e.Subject.Title() + "\n" + e.Subject.Text()
}

// MentionsHandle reports whether the event's subject text @-mentions the
// given handle. Matching is case-insensitive and token-exact: "@ada" does
// not match "@ada-prime".
func MentionsHandle(e *Event, handle string) bool {
	if handle == "" {
		return false
	}
	for _, m := range mentionPattern.FindAllStringSubmatch(mentionText(e), -1) {
		if strings.EqualFold(m[1], handle) {
			return true
		}
	}
	return false
}

// MentionsAny reports whether the event's subject text @-mentions any of
// the given handles.
func MentionsAny(e *Event, handles []string) bool {
	for _, m := range mentionPattern.FindAllStringSubmatch(mentionText(e), -1) {
		for _, h := range handles {
			if h != "" && strings.EqualFold(m[1], h) {
				return true
			}
		}
	}
	return false
}
