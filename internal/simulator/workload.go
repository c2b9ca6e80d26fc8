package simulator

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/convoload/convoload/pkg/types"
)

// Class names a workload preset.
type Class string

const (
	ClassChatter Class = "chatter"
	ClassThinker Class = "thinker"
	ClassIdler   Class = "idler"
)

// Workload shapes a virtual user's behavior: what it says, how long it
// pauses between turns, and whether it goes idle after the first exchange.
type Workload struct {
	Class    Class
	Messages []string
	ThinkMin time.Duration
	ThinkMax time.Duration
	// IdleMin/IdleMax, when set, replace think time after the first turn:
	// the user sits on its open session, keeping it warm without traffic.
	IdleMin time.Duration
	IdleMax time.Duration
}

// Preset returns the built-in workload for a class.
func Preset(class Class) (Workload, error) {
	switch class {
	case ClassChatter:
		return Workload{
			Class: ClassChatter,
			Messages: []string{
				"Hi, I need help with my order",
				"Can you tell me the delivery status?",
				"Thanks, one more question",
				"What are your opening hours?",
				"That answers it, thank you",
			},
			ThinkMin: 1 * time.Second,
			ThinkMax: 5 * time.Second,
		}, nil
	case ClassThinker:
		return Workload{
			Class: ClassThinker,
			Messages: []string{
				"Something is off with my account, " + types.ToolTriggerPhrase,
				"My last payment looks wrong, " + types.ToolTriggerPhrase,
				"The dashboard shows stale data, " + types.ToolTriggerPhrase,
			},
			ThinkMin: 3 * time.Second,
			ThinkMax: 10 * time.Second,
		}, nil
	case ClassIdler:
		return Workload{
			Class: ClassIdler,
			Messages: []string{
				"Hello, just checking in",
			},
			ThinkMin: 1 * time.Second,
			ThinkMax: 2 * time.Second,
			IdleMin:  30 * time.Second,
			IdleMax:  60 * time.Second,
		}, nil
	default:
		return Workload{}, fmt.Errorf("unknown workload class %q", class)
	}
}

// PickMessage draws one of the workload's messages.
func (w Workload) PickMessage(rng *rand.Rand) string {
	return w.Messages[rng.Intn(len(w.Messages))]
}

// ThinkTime draws the pause before the next turn. After the first turn an
// idler holds its long idle interval instead.
func (w Workload) ThinkTime(rng *rand.Rand, turnsDone int) time.Duration {
	min, max := w.ThinkMin, w.ThinkMax
	if turnsDone > 0 && w.IdleMax > 0 {
		min, max = w.IdleMin, w.IdleMax
	}
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

// Mix is a weighted set of workload classes.
type Mix struct {
	classes []Class
	weights []int
	total   int
}

// ParseMix parses a "chatter:3,thinker:1,idler:1" specification.
func ParseMix(spec string) (*Mix, error) {
	mix := &Mix{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, weightStr, found := strings.Cut(part, ":")
		weight := 1
		if found {
			w, err := strconv.Atoi(strings.TrimSpace(weightStr))
			if err != nil || w < 0 {
				return nil, fmt.Errorf("invalid weight in workload mix entry %q", part)
			}
			weight = w
		}

		class := Class(strings.TrimSpace(name))
		if _, err := Preset(class); err != nil {
			return nil, err
		}

		mix.classes = append(mix.classes, class)
		mix.weights = append(mix.weights, weight)
		mix.total += weight
	}

	if mix.total == 0 {
		return nil, fmt.Errorf("workload mix %q has no positive weights", spec)
	}
	return mix, nil
}

// Pick draws a class according to the mix weights.
func (m *Mix) Pick(rng *rand.Rand) Class {
	n := rng.Intn(m.total)
	for i, w := range m.weights {
		if n < w {
			return m.classes[i]
		}
		n -= w
	}
	return m.classes[len(m.classes)-1]
}
