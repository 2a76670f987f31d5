package llm

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

var nameAdjectives = []string{
	"amber", "brisk", "calm", "clever", "copper", "crisp", "dusty", "eager",
	"fleet", "gentle", "keen", "lively", "lunar", "mellow", "nimble", "polar",
	"quiet", "rapid", "rustic", "silver", "solar", "steady", "swift", "vivid",
}

var nameNouns = []string{
	"badger", "beacon", "canyon", "comet", "falcon", "fjord", "glacier",
	"harbor", "heron", "lagoon", "lantern", "marmot", "meadow", "orbit",
	"osprey", "otter", "prairie", "quarry", "raven", "reef", "ridge",
	"sparrow", "summit", "tundra",
}

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,38}[a-z0-9]$`)

const namePrompt = `Suggest a short, friendly, memorable two-word name for a development workspace.
Lowercase words joined by a hyphen, letters only, no explanations. Reply with the name alone.`

// SuggestDroneName asks the provider for a name, falling back to a random
// word pair when no provider is configured, the call fails, or the reply is
// unusable. taken filters out names already in use.
func SuggestDroneName(ctx context.Context, p Provider, model string, taken func(string) bool) string {
	if p != nil {
		if name, err := p.GenerateText(ctx, model, "", namePrompt); err == nil {
			name = normalizeName(name)
			if name != "" && (taken == nil || !taken(name)) {
				return name
			}
		}
	}
	return fallbackName(taken)
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, "\"'`.")
	s = strings.ReplaceAll(s, " ", "-")
	if !validName.MatchString(s) {
		return ""
	}
	return s
}

func fallbackName(taken func(string) bool) string {
	for attempt := 0; attempt < 32; attempt++ {
		name := nameAdjectives[rand.Intn(len(nameAdjectives))] + "-" + nameNouns[rand.Intn(len(nameNouns))]
		if taken == nil || !taken(name) {
			return name
		}
	}
	// Every pair collided; disambiguate numerically.
	return fmt.Sprintf("%s-%s-%d",
		nameAdjectives[rand.Intn(len(nameAdjectives))],
		nameNouns[rand.Intn(len(nameNouns))],
		rand.Intn(1000))
}
