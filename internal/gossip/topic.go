package gossip

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

const MaxTopicLen = 256

// ValidateTopic rejects empty, oversized, non UTF-8 topics and topics
// containing whitespace or control characters.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(topic) > MaxTopicLen {
		return fmt.Errorf("%w: %d bytes", ErrInvalidTopic, len(topic))
	}
	if !utf8.ValidString(topic) {
		return fmt.Errorf("%w: not utf-8", ErrInvalidTopic)
	}
	for _, r := range topic {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
	}
	return nil
}
