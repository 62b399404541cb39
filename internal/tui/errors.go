package tui

import (
	"strings"

	"github.com/basket/taskclaw/internal/apperr"
)

// humanError renders err with its public message, capitalized.
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := apperr.From(err).Message
	if msg == "" {
		return "Something went wrong"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
