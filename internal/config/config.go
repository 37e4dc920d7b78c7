package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Portal    PortalConfig
	Tracker   TrackerConfig
	Bugs      BugConfig
	Notify    NotifyConfig
	Reconcile ReconcileConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

// PortalConfig describes the customer-support case portal.
type PortalConfig struct {
	BaseURL      string
	SSOURL       string
	OfflineToken string
	Query        string
	Fields       []string
	MaxResults   int
}

// TrackerConfig describes the issue tracker cards are created in.
type TrackerConfig struct {
	BaseURL            string
	Token              string
	Project            string
	Board              string
	SprintName         string
	Component          string
	IssueType          string
	Labels             []string
	QueryLabel         string
	MaxResults         int
	EscalationsProject string
	EscalationsLabel   string
}

type BugConfig struct {
	BaseURL string
	APIKey  string
}

type NotifyConfig struct {
	SMTPHost            string
	From                string
	To                  string
	AlertTo             string
	Subject             string
	ChatBaseURL         string
	ChatToken           string
	HighSeverityChannel string
	LowSeverityChannel  string
}

// TeamMember is one engineer cards can be assigned to. Accounts lists
// account-name substrings the member owns; Notify controls whether the
// member is added as a case watcher on assignment.
type TeamMember struct {
	Name        string   `json:"name"`
	TrackerUser string   `json:"tracker_user"`
	ChatUser    string   `json:"chat_user,omitempty"`
	Accounts    []string `json:"accounts"`
	Notify      bool     `json:"notify"`
}

type ReconcileConfig struct {
	MaxToCreate int
	Team        []TeamMember
	ReadOnly    bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Portal: PortalConfig{
			BaseURL: "https://support.example.com/api",
			SSOURL:  "https://sso.example.com/token",
			Query:   "case_tags:*edge*",
			Fields: []string{
				"case_account_name", "case_summary", "case_number",
				"case_status", "case_owner", "case_severity",
				"case_createdDate", "case_lastModifiedDate",
				"case_bugzillaNumber", "case_description", "case_tags",
				"case_product", "case_version", "case_closedDate",
			},
			MaxResults: 5000,
		},
		Tracker: TrackerConfig{
			BaseURL:    "https://tracker.example.com",
			Project:    "FIELDENG",
			Board:      "Field Engineering",
			SprintName: "FE",
			Component:  "Labs & Field",
			IssueType:  "Story",
			Labels:     []string{"field", "no-qe", "no-doc"},
			QueryLabel: "field",
			MaxResults: 1000,
		},
		Bugs: BugConfig{
			BaseURL: "https://bugs.example.com",
		},
		Notify: NotifyConfig{
			SMTPHost:    "smtp.example.com:25",
			From:        "casebridge@example.com",
			Subject:     "New Card(s) Have Been Created to Track Support Cases",
			ChatBaseURL: "https://chat.example.com",
		},
		Reconcile: ReconcileConfig{
			MaxToCreate: 10,
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "casebridge-data"
		}
	}
	return filepath.Join(dir, "casebridge")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "casebridge", "config.json")
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/casebridge/config.json, then applies CASEBRIDGE_*
// environment overrides. Secrets (tokens, API keys) come from the
// environment only and are never written to the config file.
func Load() (Config, error) {
	return loadWith(configFilePath(), os.Getenv)
}

func loadWith(path string, getenv func(string) string) (Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile(path); err == nil {
		var file fileConfig
		if err := json.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		file.apply(&cfg)
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg, getenv)

	if cfg.Portal.OfflineToken == "" {
		return Config{}, fmt.Errorf("missing required config: portal offline token (set CASEBRIDGE_OFFLINE_TOKEN)")
	}
	if cfg.Tracker.Token == "" {
		return Config{}, fmt.Errorf("missing required config: tracker token (set CASEBRIDGE_TRACKER_TOKEN)")
	}
	return cfg, nil
}

// fileConfig is the on-disk shape. Only fields that make sense to persist
// are listed; zero values mean "keep the default".
type fileConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	DataDir  string `json:"data_dir"`

	PortalURL        string   `json:"portal_url"`
	SSOURL           string   `json:"sso_url"`
	Query            string   `json:"query"`
	Fields           []string `json:"fields"`
	MaxPortalResults int      `json:"max_portal_results"`

	TrackerURL         string   `json:"tracker_url"`
	Project            string   `json:"project"`
	Board              string   `json:"board"`
	SprintName         string   `json:"sprint_name"`
	Component          string   `json:"component"`
	IssueType          string   `json:"issue_type"`
	Labels             []string `json:"labels"`
	QueryLabel         string   `json:"query_label"`
	MaxTrackerResults  int      `json:"max_tracker_results"`
	EscalationsProject string   `json:"escalations_project"`
	EscalationsLabel   string   `json:"escalations_label"`

	BugURL string `json:"bug_url"`

	SMTPHost            string `json:"smtp_host"`
	ChatURL             string `json:"chat_url"`
	MailFrom            string `json:"mail_from"`
	MailTo              string `json:"mail_to"`
	AlertTo             string `json:"alert_to"`
	Subject             string `json:"subject"`
	HighSeverityChannel string `json:"high_severity_channel"`
	LowSeverityChannel  string `json:"low_severity_channel"`

	MaxToCreate int          `json:"max_to_create"`
	Team        []TeamMember `json:"team"`
}

func (f fileConfig) apply(cfg *Config) {
	setInt(&cfg.Server.Port, f.Port)
	setString(&cfg.Log.Level, f.LogLevel)
	setString(&cfg.Storage.DataDir, f.DataDir)

	setString(&cfg.Portal.BaseURL, f.PortalURL)
	setString(&cfg.Portal.SSOURL, f.SSOURL)
	setString(&cfg.Portal.Query, f.Query)
	if len(f.Fields) > 0 {
		cfg.Portal.Fields = f.Fields
	}
	setInt(&cfg.Portal.MaxResults, f.MaxPortalResults)

	setString(&cfg.Tracker.BaseURL, f.TrackerURL)
	setString(&cfg.Tracker.Project, f.Project)
	setString(&cfg.Tracker.Board, f.Board)
	setString(&cfg.Tracker.SprintName, f.SprintName)
	setString(&cfg.Tracker.Component, f.Component)
	setString(&cfg.Tracker.IssueType, f.IssueType)
	if len(f.Labels) > 0 {
		cfg.Tracker.Labels = f.Labels
	}
	setString(&cfg.Tracker.QueryLabel, f.QueryLabel)
	setInt(&cfg.Tracker.MaxResults, f.MaxTrackerResults)
	setString(&cfg.Tracker.EscalationsProject, f.EscalationsProject)
	setString(&cfg.Tracker.EscalationsLabel, f.EscalationsLabel)

	setString(&cfg.Bugs.BaseURL, f.BugURL)

	setString(&cfg.Notify.SMTPHost, f.SMTPHost)
	setString(&cfg.Notify.ChatBaseURL, f.ChatURL)
	setString(&cfg.Notify.From, f.MailFrom)
	setString(&cfg.Notify.To, f.MailTo)
	setString(&cfg.Notify.AlertTo, f.AlertTo)
	setString(&cfg.Notify.Subject, f.Subject)
	setString(&cfg.Notify.HighSeverityChannel, f.HighSeverityChannel)
	setString(&cfg.Notify.LowSeverityChannel, f.LowSeverityChannel)

	setInt(&cfg.Reconcile.MaxToCreate, f.MaxToCreate)
	if len(f.Team) > 0 {
		cfg.Reconcile.Team = f.Team
	}
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if v := getenv("CASEBRIDGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := getenv("CASEBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("CASEBRIDGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := getenv("CASEBRIDGE_READ_ONLY"); v != "" {
		cfg.Reconcile.ReadOnly = strings.EqualFold(v, "true")
	}

	// Secrets are environment-only.
	cfg.Server.APIToken = getenv("CASEBRIDGE_API_TOKEN")
	cfg.Portal.OfflineToken = getenv("CASEBRIDGE_OFFLINE_TOKEN")
	cfg.Tracker.Token = getenv("CASEBRIDGE_TRACKER_TOKEN")
	cfg.Bugs.APIKey = getenv("CASEBRIDGE_BUG_API_KEY")
	cfg.Notify.ChatToken = getenv("CASEBRIDGE_CHAT_TOKEN")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
