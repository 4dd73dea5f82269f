package contracts

import "strings"

const (
	delayedPrefix    = "delayed:"
	deadLetterPrefix = "dlq:"
)

// TopicKeys names the three containers of a topic in the backing store
type TopicKeys struct {
	Topic      string
	Ready      string
	Delayed    string
	DeadLetter string
}

// KeysFor returns the container names for a topic
func KeysFor(topic string) (TopicKeys, error) {
	if strings.TrimSpace(topic) == "" {
		return TopicKeys{}, ErrInvalidTopic
	}
	return TopicKeys{
		Topic:      topic,
		Ready:      topic,
		Delayed:    delayedPrefix + topic,
		DeadLetter: deadLetterPrefix + topic,
	}, nil
}
