// Package validate implements the pure field validators and content
// sanitizer shared by registration, authentication, channel management, and
// chat message handling.
package validate

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	UsernameMinLen = 3
	UsernameMaxLen = 20
	PasswordMinLen = 6
	MessageMaxLen  = 2000
	ChannelNameMinLen = 2
	ChannelNameMaxLen = 30
)

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	channelRe  = regexp.MustCompile(`^[a-z0-9\-]+$`)
)

// Username validates a candidate username against the trimmed length and
// character-class rules. Returns ok and, on failure, a human-readable
// message.
func Username(username string) (bool, string) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return false, "Username cannot be empty."
	}
	if len(trimmed) < UsernameMinLen {
		return false, "Username must be at least 3 characters."
	}
	if len(trimmed) > UsernameMaxLen {
		return false, "Username must be at most 20 characters."
	}
	if !usernameRe.MatchString(trimmed) {
		return false, "Username can only contain letters, numbers, and underscores."
	}
	return true, ""
}

// Password validates a candidate password's length only; no complexity
// rules are imposed.
func Password(password string) (bool, string) {
	if password == "" {
		return false, "Password cannot be empty."
	}
	if len(password) < PasswordMinLen {
		return false, "Password must be at least 6 characters."
	}
	return true, ""
}

// MessageContent validates a chat message or action body prior to
// sanitization and persistence.
func MessageContent(content string) (bool, string) {
	if strings.TrimSpace(content) == "" {
		return false, "Message cannot be empty."
	}
	if utf8.RuneCountInString(content) > MessageMaxLen {
		return false, "Message must be at most 2000 characters."
	}
	return true, ""
}

// ChannelName validates a candidate channel name. The caller should use the
// normalized (trimmed, lowercased) form returned alongside ok for storage
// and lookup.
func ChannelName(name string) (ok bool, normalized string, message string) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return false, "", "Channel name cannot be empty."
	}
	if len(trimmed) < ChannelNameMinLen {
		return false, "", "Channel name must be at least 2 characters."
	}
	if len(trimmed) > ChannelNameMaxLen {
		return false, "", "Channel name must be at most 30 characters."
	}
	if !channelRe.MatchString(trimmed) {
		return false, "", "Channel name can only contain lowercase letters, numbers, and hyphens."
	}
	return true, trimmed, ""
}

// SanitizeContent strips every character below U+0020 except newline and
// tab, applied after validation and before persistence or broadcast. DEL
// and other control characters at or above U+0020 are kept.
func SanitizeContent(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
