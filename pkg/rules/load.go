// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"encoding/json"
	"fmt"
	"os"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
)

// DefaultFileName is where the proxy looks for rules when no path is
// configured.
const DefaultFileName = "player_monitor_config.json"

// File is the on-disk shape of the rules configuration.
type File struct {
	PlayerMonitorRules []Rule `json:"player_monitor_rules" jsonschema:"title=Player monitor rules,description=Ordered rules mapping player attributes to launch monitors"`
}

// Defaults returns the built-in rule set: right-handed players play on the
// first monitor, left-handed players on the second.
func Defaults() []Rule {
	return []Rule{
		{PlayerAttribute: "Handed", AttributeValue: "RH", MonitorPattern: "1"},
		{PlayerAttribute: "Handed", AttributeValue: "LH", MonitorPattern: "2"},
	}
}

// Load reads the rule file at path. A missing file is not an error; the
// built-in defaults apply. An unreadable or unparseable file is a
// configuration error and refuses to start the proxy.
func Load(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return nil, perrors.Wrap(err, "read rules file")
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", perrors.ErrInvalidConfig, path, err)
	}
	return f.PlayerMonitorRules, nil
}

// Validate reports the first incomplete rule, if any. Incomplete rules never
// match (Select skips them), so one in a file usually means a typo rather
// than intent; the proxy refuses to start on them.
func Validate(rules []Rule) error {
	for i, r := range rules {
		if !r.Valid() {
			return fmt.Errorf("%w: rule %d is missing a field", perrors.ErrInvalidRule, i)
		}
	}
	return nil
}
