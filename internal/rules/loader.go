package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []Definition `yaml:"rules"`
}

// LoadFile reads rule definitions from a YAML file with a top-level "rules"
// list.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]Definition, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return f.Rules, nil
}

// DefaultDefinitions is the built-in detection rule set.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			ID:            "brute-force-login",
			Name:          "Brute force login",
			Description:   "Repeated failed logins from one source",
			Field:         FieldEventType,
			Pattern:       "login_failed",
			Threshold:     5,
			WindowSeconds: 300,
			Action:        "block",
			Severity:      "high",
			ThreatType:    "brute_force",
			Tags:          []string{"authentication", "brute-force"},
		},
		{
			ID:            "mfa-fatigue",
			Name:          "MFA fatigue",
			Description:   "Many rejected second-factor prompts for one source",
			Field:         FieldEventType,
			Pattern:       "mfa_failed",
			Threshold:     10,
			WindowSeconds: 600,
			Action:        "alert",
			Severity:      "medium",
			ThreatType:    "brute_force",
			Tags:          []string{"authentication"},
		},
		{
			ID:          "privilege-change",
			Name:        "Privilege escalation",
			Description: "Role or permission grant outside the admin workflow",
			Field:       FieldEventType,
			PatternType: "regex",
			Pattern:     `^(role_granted|permission_granted|privilege_change)$`,
			Action:      "alert",
			Severity:    "high",
			ThreatType:  "privilege_escalation",
			Tags:        []string{"authorization"},
		},
		{
			ID:            "bulk-export",
			Name:          "Bulk data export",
			Description:   "Unusually many export or download actions from one source",
			Field:         FieldAction,
			PatternType:   "regex",
			Pattern:       `^(export|download|bulk_read)$`,
			Threshold:     50,
			WindowSeconds: 600,
			Action:        "quarantine",
			Severity:      "high",
			ThreatType:    "data_exfiltration",
			Tags:          []string{"exfiltration"},
		},
		{
			ID:            "blocked-burst",
			Name:          "Repeated blocked requests",
			Description:   "A source keeps sending requests that get blocked",
			Field:         FieldOutcome,
			Pattern:       "blocked",
			Threshold:     20,
			WindowSeconds: 60,
			Action:        "alert",
			Severity:      "medium",
			ThreatType:    "rate_abuse",
			Tags:          []string{"rate-limit"},
		},
	}
}
