package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"rewardkit/core"
)

// Category groups badge definitions.
type Category string

const (
	CategoryReputation  Category = "reputation"
	CategoryCommerce    Category = "commerce"
	CategoryLearning    Category = "learning"
	CategoryCommunity   Category = "community"
	CategoryStewardship Category = "stewardship"
	CategoryInitiation  Category = "initiation"
)

var categories = map[Category]struct{}{
	CategoryReputation:  {},
	CategoryCommerce:    {},
	CategoryLearning:    {},
	CategoryCommunity:   {},
	CategoryStewardship: {},
	CategoryInitiation:  {},
}

// ValidCategory reports whether c is in the fixed category enumeration.
func ValidCategory(c Category) bool {
	_, ok := categories[c]
	return ok
}

// BadgeDefinition is a published badge. It is immutable once loaded.
type BadgeDefinition struct {
	ID                     core.BadgeID    `json:"badge_id"`
	Name                   string          `json:"name"`
	Category               Category        `json:"category"`
	Conditions             ConditionSet    `json:"conditions"`
	NonTransferable        bool            `json:"non_transferable"`
	RequiresManualApproval bool            `json:"requires_manual_approval"`
	Reward                 decimal.Decimal `json:"reward,omitzero"`
}

// HasReward reports whether activating a grant credits currency.
func (d BadgeDefinition) HasReward() bool { return d.Reward.IsPositive() }

// ReasonCode is the ledger reason code used for the badge's reward.
func (d BadgeDefinition) ReasonCode() string { return "badge:" + string(d.ID) }

// Catalog is a read-only set of badge definitions.
type Catalog struct {
	byID  map[core.BadgeID]BadgeDefinition
	order []core.BadgeID
}

// NewCatalog validates and indexes definitions.
func NewCatalog(defs ...BadgeDefinition) (*Catalog, error) {
	c := &Catalog{byID: make(map[core.BadgeID]BadgeDefinition, len(defs))}
	for _, d := range defs {
		if err := core.ValidateBadgeID(d.ID); err != nil {
			return nil, err
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate badge id %q", d.ID)
		}
		if !ValidCategory(d.Category) {
			return nil, fmt.Errorf("badge %q: unknown category %q", d.ID, d.Category)
		}
		if !d.NonTransferable {
			return nil, fmt.Errorf("badge %q: badges must be non_transferable", d.ID)
		}
		if d.Reward.IsNegative() {
			return nil, fmt.Errorf("badge %q: reward cannot be negative", d.ID)
		}
		if d.HasReward() {
			if err := core.ValidateDelta(d.Reward); err != nil {
				return nil, fmt.Errorf("badge %q: reward: %w", d.ID, err)
			}
		}
		c.byID[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	return c, nil
}

// Get returns the definition for id.
func (c *Catalog) Get(id core.BadgeID) (BadgeDefinition, bool) {
	if c == nil {
		return BadgeDefinition{}, false
	}
	d, ok := c.byID[id]
	return d, ok
}

// All returns definitions in load order.
func (c *Catalog) All() []BadgeDefinition {
	if c == nil {
		return nil
	}
	out := make([]BadgeDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

type rawBadge struct {
	BadgeID                string         `json:"badge_id" yaml:"badge_id"`
	Name                   string         `json:"name" yaml:"name"`
	Conditions             map[string]any `json:"conditions" yaml:"conditions"`
	NonTransferable        bool           `json:"non_transferable" yaml:"non_transferable"`
	RequiresManualApproval bool           `json:"requires_manual_approval" yaml:"requires_manual_approval"`
	Reward                 any            `json:"reward_ggg,omitempty" yaml:"reward_ggg,omitempty"`
}

// LoadDefinitions reads a category-keyed definition document in "json" or "yaml".
//
//	{"reputation": [{"badge_id": "...", "name": "...", "conditions": {...},
//	                 "non_transferable": true, "requires_manual_approval": false}]}
func LoadDefinitions(r io.Reader, format string) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	var doc map[string][]rawBadge
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse definitions: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse definitions: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported definitions format %q", format)
	}

	cats := make([]string, 0, len(doc))
	for cat := range doc {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	var defs []BadgeDefinition
	for _, cat := range cats {
		for _, rb := range doc[cat] {
			reward, err := parseAmount(rb.Reward)
			if err != nil {
				return nil, fmt.Errorf("badge %q: reward_ggg: %w", rb.BadgeID, err)
			}
			defs = append(defs, BadgeDefinition{
				ID:                     core.BadgeID(rb.BadgeID),
				Name:                   rb.Name,
				Category:               Category(cat),
				Conditions:             ParseConditions(rb.Conditions),
				NonTransferable:        rb.NonTransferable,
				RequiresManualApproval: rb.RequiresManualApproval,
				Reward:                 reward,
			})
		}
	}
	return NewCatalog(defs...)
}

// LoadDefinitionsFile picks the format from the file extension.
func LoadDefinitionsFile(path string) (*Catalog, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open definitions %s: %w", path, err)
	}
	defer f.Close()
	return LoadDefinitions(f, strings.TrimPrefix(filepath.Ext(path), "."))
}

func parseAmount(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		return decimal.NewFromString(v)
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Zero, errors.New("unsupported amount type")
	}
}
