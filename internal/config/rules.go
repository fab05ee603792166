package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RulesConfig is the declarative pattern rule table
type RulesConfig struct {
	Categories []CategoryConfig `mapstructure:"categories" validate:"dive"`
}

// CategoryConfig is a named list of rules evaluated together
type CategoryConfig struct {
	Name        string       `mapstructure:"name" validate:"required"`
	Enabled     bool         `mapstructure:"enabled"`
	ExemptPaths []string     `mapstructure:"exempt_paths"`
	Rules       []RuleConfig `mapstructure:"rules" validate:"dive"`
}

// RuleConfig is a single expression with the consequence of a match
type RuleConfig struct {
	ID       string `mapstructure:"id" validate:"required"`
	Pattern  string `mapstructure:"pattern" validate:"required"`
	Flags    string `mapstructure:"flags" validate:"omitempty,containsany=ims"`
	Label    string `mapstructure:"label"`
	Severity string `mapstructure:"severity" validate:"omitempty,oneof=low medium high critical"`
	Block    bool   `mapstructure:"block"`
}

// DefaultRules returns the built-in rule table
func DefaultRules() RulesConfig {
	return RulesConfig{
		Categories: []CategoryConfig{
			{
				Name:    "PORTAL_SPECIFIC",
				Enabled: true,
				Rules: []RuleConfig{
					{ID: "portal-internal-dirs", Pattern: `/(config|admin|backup|test|staging)/`, Flags: "i", Label: "CUSTOM_RULE_VIOLATION", Severity: "high", Block: true},
					{ID: "portal-sensitive-ext", Pattern: `\.(env|config|bak|old|tmp)(\?|$|\s)`, Flags: "i", Label: "CUSTOM_RULE_VIOLATION", Severity: "high", Block: true},
					{ID: "portal-auth-injection", Pattern: `/api/(login|auth)\S*['";<>]`, Flags: "i", Label: "CUSTOM_RULE_VIOLATION", Severity: "high", Block: true},
					{ID: "portal-session-tamper", Pattern: `session[_-]?(id|token|key)`, Flags: "i", Label: "CUSTOM_RULE_VIOLATION", Severity: "medium", Block: true},
					{ID: "portal-cms-probe", Pattern: `wp-admin|wordpress|joomla|drupal`, Flags: "i", Label: "CUSTOM_RULE_VIOLATION", Severity: "medium", Block: true},
					{ID: "portal-db-tools", Pattern: `phpmyadmin|adminer|phpinfo`, Flags: "i", Label: "CUSTOM_RULE_VIOLATION", Severity: "high", Block: true},
					{ID: "portal-static-traversal", Pattern: `/(assets|static|public)\S*\.\.`, Flags: "i", Label: "PATH_TRAVERSAL", Severity: "high", Block: true},
					{ID: "portal-vcs-files", Pattern: `/\.(git|svn|env|htaccess)`, Flags: "i", Label: "CUSTOM_RULE_VIOLATION", Severity: "high", Block: true},
					{ID: "portal-path-traversal", Pattern: `\.\./|\.\.\\|%2e%2e%2f|/etc/passwd|/windows/system32`, Flags: "i", Label: "PATH_TRAVERSAL", Severity: "high", Block: false},
				},
			},
			{
				Name:        "BRAZIL_SPECIFIC",
				Enabled:     true,
				ExemptPaths: []string{"/api/pedidos", "/api/notas-fiscais", "/api/financeiro", "/api/sac"},
				Rules: []RuleConfig{
					{ID: "br-document-sqli", Pattern: `cnpj.*union|cpf.*select`, Flags: "i", Label: "SQL_INJECTION", Severity: "critical", Block: true},
					{ID: "br-cnpj-injection", Pattern: `\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2}\S*['";<>]`, Label: "CUSTOM_RULE_VIOLATION", Severity: "high", Block: true},
					{ID: "br-cpf-injection", Pattern: `\d{3}\.?\d{3}\.?\d{3}-?\d{2}\S*['";<>]`, Label: "CUSTOM_RULE_VIOLATION", Severity: "high", Block: true},
				},
			},
			{
				Name:    "SUSPICIOUS_USER_AGENTS",
				Enabled: true,
				Rules: []RuleConfig{
					{ID: "ua-scanner-tools", Pattern: `\b(nmap|sqlmap|nikto|dirb|gobuster|masscan|acunetix)\b`, Flags: "i", Label: "SCANNER_DETECTED", Severity: "high", Block: true},
					{ID: "ua-scripted-clients", Pattern: `\b(python-requests|python-urllib|curl|wget|postman|insomnia)/`, Flags: "i", Label: "SCRIPTED_CLIENT", Severity: "low", Block: false},
				},
			},
		},
	}
}

// LoadRules loads the rule table from a YAML file. An empty path yields
// the built-in table.
func LoadRules(path string) (*RulesConfig, error) {
	if path == "" {
		rules := DefaultRules()
		return &rules, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules RulesConfig
	if err := v.Unmarshal(&rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules file: %w", err)
	}

	if err := validator.New().Struct(&rules); err != nil {
		return nil, fmt.Errorf("invalid rules file: %w", err)
	}

	return &rules, nil
}

// EnabledCategories returns only enabled categories
func (rc *RulesConfig) EnabledCategories() []CategoryConfig {
	enabled := make([]CategoryConfig, 0, len(rc.Categories))
	for _, c := range rc.Categories {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	return enabled
}
