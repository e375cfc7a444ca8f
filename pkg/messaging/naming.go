package messaging

import (
	"fmt"
	"strings"
)

// Topic and subscription names are derived deterministically from
// configuration so a restarted adapter reconnects to the same backlog instead
// of orphaning it. The sanitizer keeps the derived names inside the common
// broker naming rules (lowercase letters, digits, hyphens).

// TopicName returns the channel name for an interface. One topic exists per
// interface; it is provisioned lazily on first send.
func TopicName(interfaceName string) string {
	return fmt.Sprintf("interface-%s", sanitize(interfaceName))
}

// DeadLetterTopicName returns the terminal sink for messages that fail
// non-retryably on an interface.
func DeadLetterTopicName(interfaceName string) string {
	return TopicName(interfaceName) + "-deadletter"
}

// SubscriptionName returns the name of one destination's independent view over
// an interface topic.
func SubscriptionName(interfaceName, destinationID string) string {
	return fmt.Sprintf("interface-%s-dest-%s", sanitize(interfaceName), sanitize(destinationID))
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
