package intercept

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultChatPattern matches vanilla and Paper server chat lines such as
// "[12:00:01] [Server thread/INFO]: <Steve> hello".
const DefaultChatPattern = `\[(?:Server thread|Async Chat Thread - #\d+)/INFO\](?: \[[^\]]*\])?: <(?P<player>[A-Za-z0-9_]{1,16})> (?P<message>.+)`

// ChatEvent is a chat line extracted from a backend's console stream.
type ChatEvent struct {
	Service   string
	Player    string
	Message   string
	Timestamp time.Time
}

// Matcher extracts chat events from console text.
type Matcher interface {
	Match(service, text string) []ChatEvent
}

// RegexMatcher matches line by line with named groups "player" and "message".
type RegexMatcher struct {
	re      *regexp.Regexp
	player  int
	message int
	now     func() time.Time
}

// NewRegexMatcher compiles pattern, or DefaultChatPattern when empty.
func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	if pattern == "" {
		pattern = DefaultChatPattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile chat pattern: %w", err)
	}

	player, message := re.SubexpIndex("player"), re.SubexpIndex("message")
	if player < 0 || message < 0 {
		return nil, fmt.Errorf("chat pattern needs named groups player and message")
	}

	return &RegexMatcher{re: re, player: player, message: message, now: time.Now}, nil
}

// Match returns one event per matching line of text.
func (m *RegexMatcher) Match(service, text string) []ChatEvent {
	var events []ChatEvent

	for _, line := range strings.Split(text, "\n") {
		groups := m.re.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if groups == nil {
			continue
		}

		msg := strings.TrimSpace(groups[m.message])
		if msg == "" {
			continue
		}

		events = append(events, ChatEvent{
			Service:   service,
			Player:    groups[m.player],
			Message:   msg,
			Timestamp: m.now(),
		})
	}

	return events
}
