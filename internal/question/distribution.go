package question

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidDistribution = errors.New("invalid distribution")

// Draw requests Count items of one topic and difficulty.
type Draw struct {
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
	Count      int    `json:"count"`
}

// ParseDistribution reads "topic:difficulty:count" tuples separated by commas,
// e.g. "math:easy:4,math:hard:2,english:medium:4".
func ParseDistribution(raw string) ([]Draw, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDistribution)
	}

	seen := make(map[string]struct{})
	out := make([]Draw, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: %q is not topic:difficulty:count", ErrInvalidDistribution, part)
		}
		topic := strings.TrimSpace(fields[0])
		difficulty := strings.TrimSpace(fields[1])
		count, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if topic == "" || difficulty == "" || err != nil || count <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDistribution, part)
		}
		key := topic + ":" + difficulty
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidDistribution, key)
		}
		seen[key] = struct{}{}
		out = append(out, Draw{Topic: topic, Difficulty: difficulty, Count: count})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDistribution)
	}
	return out, nil
}
