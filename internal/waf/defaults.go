package waf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []Definition `yaml:"rules"`
}

// LoadFile reads WAF rule definitions from a YAML file with a top-level
// "rules" list.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read waf rules file %s: %w", path, err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse waf rules %s: %w", path, err)
	}
	return f.Rules, nil
}

var payloadTargets = []string{"uri", "args", "body", "cookies"}

// DefaultDefinitions is the built-in WAF rule set.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			ID:       "protocol-method",
			Name:     "Disallowed HTTP method",
			Phase:    PhaseProtocol,
			Targets:  []string{"method"},
			Pattern:  `^(?i:TRACE|TRACK|CONNECT|DEBUG)$`,
			Action:   "block",
			Severity: "medium",
			Tags:     []string{"protocol"},
		},
		{
			ID:       "protocol-null-byte",
			Name:     "NUL byte in request",
			Phase:    PhaseProtocol,
			Targets:  []string{"uri", "args", "headers"},
			Pattern:  `%00`,
			Action:   "block",
			Severity: "medium",
			Tags:     []string{"protocol"},
		},
		{
			ID:       "scanner-user-agent",
			Name:     "Known scanner user agent",
			Phase:    PhaseProtocol,
			Targets:  []string{"headers"},
			Pattern:  `(?i)^user-agent:.*\b(sqlmap|nikto|nmap|masscan|acunetix|nessus|dirbuster|gobuster|wpscan|zgrab)\b`,
			Action:   "block",
			Severity: "medium",
			Tags:     []string{"scanner"},
		},
		{
			ID:       "sqli-tautology",
			Name:     "SQL injection tautology",
			Phase:    PhasePayload,
			Targets:  payloadTargets,
			Pattern:  `(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*(=|<>|!=|like)\s*['"]?\w+`,
			Action:   "block",
			Severity: "critical",
			Tags:     []string{"sqli"},
		},
		{
			ID:       "sqli-union",
			Name:     "SQL injection UNION SELECT",
			Phase:    PhasePayload,
			Targets:  payloadTargets,
			Pattern:  `(?i)\bunion\b(\s+all)?\s+select\b`,
			Action:   "block",
			Severity: "critical",
			Tags:     []string{"sqli"},
		},
		{
			ID:       "sqli-stacked",
			Name:     "SQL injection stacked query or comment",
			Phase:    PhasePayload,
			Targets:  payloadTargets,
			Pattern:  `(?i)(;\s*(drop|delete|truncate|alter|insert|update|exec)\s)|('\s*(--|#|/\*))|\b(sleep|benchmark|pg_sleep)\s*\(`,
			Action:   "block",
			Severity: "high",
			Tags:     []string{"sqli"},
		},
		{
			ID:       "xss-script",
			Name:     "Cross-site scripting",
			Phase:    PhasePayload,
			Targets:  payloadTargets,
			Pattern:  `(?i)(<\s*script\b|javascript\s*:|\bon(error|load|click|mouseover|focus)\s*=|<\s*(iframe|svg|object|embed)\b)`,
			Action:   "block",
			Severity: "high",
			Tags:     []string{"xss"},
		},
		{
			ID:       "command-injection",
			Name:     "OS command injection",
			Phase:    PhasePayload,
			Targets:  payloadTargets,
			Pattern:  "(?i)((;|\\|\\|?|&&)\\s*(cat|ls|id|whoami|uname|wget|curl|nc|bash|sh|powershell|cmd)\\b|\\$\\([^)]*\\)|`[^`]*`)",
			Action:   "block",
			Severity: "critical",
			Tags:     []string{"command-injection"},
		},
		{
			ID:       "path-traversal",
			Name:     "Path traversal",
			Phase:    PhasePayload,
			Targets:  payloadTargets,
			Pattern:  `\.\.[/\\]`,
			Action:   "block",
			Severity: "high",
			Tags:     []string{"path-traversal"},
		},
		{
			ID:       "lfi-sensitive-file",
			Name:     "Sensitive file access",
			Phase:    PhasePayload,
			Targets:  payloadTargets,
			Pattern:  `(?i)(/etc/(passwd|shadow|hosts)|/proc/self/|\bboot\.ini\b|\bwin\.ini\b|\.htpasswd)`,
			Action:   "block",
			Severity: "high",
			Tags:     []string{"lfi"},
		},
		{
			ID:       "sql-keyword",
			Name:     "SQL keyword in input",
			Phase:    PhasePayload,
			Targets:  []string{"args", "body"},
			Pattern:  `(?i)\b(select|insert|update|delete|drop)\b\s+\S`,
			Action:   "log",
			Severity: "low",
			Tags:     []string{"anomaly"},
		},
	}
}
