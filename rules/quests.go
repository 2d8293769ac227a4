package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"rewardkit/core"
)

// Progress metrics are filled from the quest's own counters rather than by the
// aggregator.
const (
	MetricProgressCount = "progress_count"
	MetricProgressRatio = "progress_ratio"
)

// IsProgressMetric reports whether metric is read from quest state.
func IsProgressMetric(metric string) bool {
	return metric == MetricProgressCount || metric == MetricProgressRatio
}

// Trigger is a discovery condition plus the hint shown once revealed.
type Trigger struct {
	Conditions ConditionSet `json:"conditions"`
	Hint       string       `json:"hint_text"`
}

// QuestDefinition describes a quest every user starts with hidden.
type QuestDefinition struct {
	ID          core.QuestID `json:"quest_id"`
	Title       string       `json:"title"`
	TargetCount int64        `json:"target_count"`
	Trigger     Trigger      `json:"discovery_trigger"`
}

// QuestCatalog indexes quest definitions.
type QuestCatalog struct {
	byID  map[core.QuestID]QuestDefinition
	order []core.QuestID
}

func NewQuestCatalog(defs ...QuestDefinition) (*QuestCatalog, error) {
	c := &QuestCatalog{byID: make(map[core.QuestID]QuestDefinition, len(defs))}
	for _, d := range defs {
		if err := core.ValidateQuestID(d.ID); err != nil {
			return nil, err
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate quest id %q", d.ID)
		}
		if d.TargetCount <= 0 {
			return nil, fmt.Errorf("quest %q: target_count must be positive", d.ID)
		}
		c.byID[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	return c, nil
}

func (c *QuestCatalog) Get(id core.QuestID) (QuestDefinition, bool) {
	if c == nil {
		return QuestDefinition{}, false
	}
	d, ok := c.byID[id]
	return d, ok
}

func (c *QuestCatalog) All() []QuestDefinition {
	if c == nil {
		return nil
	}
	out := make([]QuestDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

type rawQuest struct {
	QuestID     string `json:"quest_id" yaml:"quest_id"`
	Title       string `json:"title" yaml:"title"`
	TargetCount int64  `json:"target_count" yaml:"target_count"`
	Trigger     struct {
		Conditions map[string]any `json:"conditions" yaml:"conditions"`
		Hint       string         `json:"hint_text" yaml:"hint_text"`
	} `json:"discovery_trigger" yaml:"discovery_trigger"`
}

// LoadQuests reads {"quests": [...]} in "json" or "yaml".
func LoadQuests(r io.Reader, format string) (*QuestCatalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read quests: %w", err)
	}
	var doc struct {
		Quests []rawQuest `json:"quests" yaml:"quests"`
	}
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse quests: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse quests: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported quests format %q", format)
	}
	defs := make([]QuestDefinition, 0, len(doc.Quests))
	for _, rq := range doc.Quests {
		defs = append(defs, QuestDefinition{
			ID:          core.QuestID(rq.QuestID),
			Title:       rq.Title,
			TargetCount: rq.TargetCount,
			Trigger: Trigger{
				Conditions: ParseConditions(rq.Trigger.Conditions),
				Hint:       rq.Trigger.Hint,
			},
		})
	}
	return NewQuestCatalog(defs...)
}

// LoadQuestsFile picks the format from the file extension.
func LoadQuestsFile(path string) (*QuestCatalog, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open quests %s: %w", path, err)
	}
	defer f.Close()
	return LoadQuests(f, strings.TrimPrefix(filepath.Ext(path), "."))
}
