// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rules selects the active launch monitor from player metadata.
//
// The simulator announces the current player; an ordered rule list maps
// player attributes (handedness, usually) to the monitor that should hit the
// next shot. Selection is pure and deterministic so the router can re-run it
// on every player change and on monitor churn.
package rules

import (
	"strings"
)

// Rule maps one player attribute value to the launch monitor that should be
// active while it holds. Rules are evaluated in file order; the first match
// wins.
type Rule struct {
	PlayerAttribute string `json:"player_attribute" jsonschema:"title=Player attribute,description=Player attribute to inspect (for example Handed)"`
	AttributeValue  string `json:"attribute_value" jsonschema:"title=Attribute value,description=Exact value the attribute must equal for this rule to match"`
	MonitorPattern  string `json:"monitor_pattern" jsonschema:"title=Monitor pattern,description=Substring of the launch monitor name that should become active"`
}

// Valid reports whether every field is populated. Incomplete rules never
// match; they are skipped during selection.
func (r Rule) Valid() bool {
	return r.PlayerAttribute != "" && r.AttributeValue != "" && r.MonitorPattern != ""
}

// Monitor is the slice of connection state selection needs. Callers pass
// monitors in registration order; the fallback depends on it.
type Monitor struct {
	ID   string
	Name string
}

// Engine evaluates an ordered rule list.
type Engine struct {
	rules []Rule
}

// NewEngine copies rules into a new engine. The engine never mutates or
// reorders them.
func NewEngine(rules []Rule) *Engine {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Engine{rules: cp}
}

// Rules returns a copy of the configured rules.
func (e *Engine) Rules() []Rule {
	cp := make([]Rule, len(e.rules))
	copy(cp, e.rules)
	return cp
}

// Select returns the monitor that should be active for the given player
// attributes.
//
// Rules are tried in order. A rule matches when the player attribute equals
// its value (case-sensitive) and some connected monitor's name contains its
// pattern as a substring; the first such monitor in registration order is
// returned. A rule whose attribute matches but whose pattern fits no monitor
// is passed over. When no rule applies, the earliest-registered monitor is
// the fallback. ok is false only when monitors is empty.
func (e *Engine) Select(attrs map[string]string, monitors []Monitor) (Monitor, bool) {
	if len(monitors) == 0 {
		return Monitor{}, false
	}

	for _, r := range e.rules {
		if !r.Valid() {
			continue
		}
		if attrs[r.PlayerAttribute] != r.AttributeValue {
			continue
		}
		for _, m := range monitors {
			if strings.Contains(m.Name, r.MonitorPattern) {
				return m, true
			}
		}
	}

	return monitors[0], true
}
