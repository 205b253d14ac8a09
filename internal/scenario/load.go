// Package scenario loads and validates simulation scripts.
package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a raw scenario document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// completionID is reserved for the channel completion banner.
const completionID = "completion"

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n\\s*```")

// FormatFromPath picks a format from a file extension. Unknown extensions
// are treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// ExtractJSON returns the body of the first fenced code block in text, or
// text itself when no fence is present. Generated scenarios usually arrive
// wrapped in markdown.
func ExtractJSON(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return strings.TrimSpace(text)
}

// Load parses a JSON scenario and validates it.
func Load(raw []byte) (*domain.Scenario, error) {
	return Decode(raw, FormatJSON)
}

// Decode parses a scenario in the given format and validates it. Nothing
// is returned unless every invariant holds.
func Decode(raw []byte, format Format) (*domain.Scenario, error) {
	var sc domain.Scenario
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(raw, &sc)
	case FormatTOML:
		err = toml.Unmarshal(raw, &sc)
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		err = dec.Decode(&sc)
	}
	if err != nil {
		return nil, &domain.SchemaError{Problems: []string{fmt.Sprintf("decode %s: %v", format, err)}}
	}
	if err := Validate(&sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadFile reads and decodes a scenario file.
func LoadFile(path string) (*domain.Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	sc, err := Decode(raw, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", path, err)
	}
	return sc, nil
}

// Validate checks the structural invariants the engine relies on and
// returns a *domain.SchemaError listing all of the violations.
func Validate(sc *domain.Scenario) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(sc.Channels) == 0 {
		addf("scenario declares no channels")
	}

	channels := make(map[string]bool, len(sc.Channels))
	for i, ch := range sc.Channels {
		if strings.TrimSpace(ch.ID) == "" {
			addf("channel %d has an empty id", i)
			continue
		}
		if strings.TrimSpace(ch.Name) == "" {
			addf("channel %q has an empty name", ch.ID)
		}
		if channels[ch.ID] {
			addf("channel %q is declared twice", ch.ID)
		}
		channels[ch.ID] = true
	}

	// Message ids are derived from (channel, question|follow-up id), so
	// every scripted id in a channel must be distinct.
	scripted := make(map[string]map[string]bool)
	claim := func(channelID, id, what string) {
		ids := scripted[channelID]
		if ids == nil {
			ids = make(map[string]bool)
			scripted[channelID] = ids
		}
		if id == completionID {
			addf("%s id %q in channel %q is reserved", what, id, channelID)
			return
		}
		if ids[id] {
			addf("%s id %q is used more than once in channel %q", what, id, channelID)
			return
		}
		ids[id] = true
	}

	for i, q := range sc.Questions {
		if strings.TrimSpace(q.ID) == "" {
			addf("question %d has an empty id", i)
			continue
		}
		if !channels[q.ChannelID] {
			addf("question %q references undeclared channel %q", q.ID, q.ChannelID)
			continue
		}
		if strings.TrimSpace(q.MainQuestion) == "" {
			addf("question %q has an empty main question", q.ID)
		}
		if q.Stimulus != nil && !q.Stimulus.Kind.Valid() {
			addf("question %q has stimulus of unknown type %q", q.ID, q.Stimulus.Kind)
		}
		claim(q.ChannelID, q.ID, "question")

		followUps := make(map[string]bool, len(q.FollowUps))
		for j, f := range q.FollowUps {
			if strings.TrimSpace(f.ID) == "" {
				addf("follow-up %d of question %q has an empty id", j, q.ID)
				continue
			}
			if followUps[f.ID] {
				addf("follow-up id %q is duplicated in question %q", f.ID, q.ID)
				continue
			}
			followUps[f.ID] = true
			claim(q.ChannelID, f.ID, "follow-up")
		}
	}

	if len(problems) > 0 {
		return &domain.SchemaError{Problems: problems}
	}
	return nil
}
