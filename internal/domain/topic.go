package domain

import (
	"fmt"
	"strings"
)

const (
	TopicSeparator      = "/"
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
)

// ValidateFilter checks an MQTT-style topic filter.
// "+" must occupy a whole level; "#" must occupy the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilter)
	}
	levels := strings.Split(filter, TopicSeparator)
	for i, level := range levels {
		if strings.Contains(level, MultiLevelWildcard) {
			if level != MultiLevelWildcard || i != len(levels)-1 {
				return fmt.Errorf("%w: %q: '#' must be the entire last level", ErrInvalidFilter, filter)
			}
		}
		if strings.Contains(level, SingleLevelWildcard) && level != SingleLevelWildcard {
			return fmt.Errorf("%w: %q: '+' must occupy an entire level", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// MatchTopic reports whether topic matches filter.
// Topics starting with '$' are not matched by a leading wildcard.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, SingleLevelWildcard) || strings.HasPrefix(filter, MultiLevelWildcard)) {
		return false
	}

	fl := strings.Split(filter, TopicSeparator)
	tl := strings.Split(topic, TopicSeparator)

	for i, f := range fl {
		if f == MultiLevelWildcard {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != SingleLevelWildcard && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
