package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models frameline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Upload struct {
		AllowedExtensions []string `yaml:"allowed_extensions"`
		MaxVideoSizeMB    int64    `yaml:"max_video_size_mb"`
	} `yaml:"upload"`
	Polling struct {
		Interval             Duration `yaml:"interval"`
		UploadInitialDelay   Duration `yaml:"upload_initial_delay"`
		StageInitialDelay    Duration `yaml:"stage_initial_delay"`
		MaxTransientFailures int      `yaml:"max_transient_failures"`
		Timeout              Duration `yaml:"timeout"`
	} `yaml:"polling"`
	Timeline struct {
		FallbackTotalFrames int        `yaml:"fallback_total_frames"`
		Tiers               []TierRule `yaml:"tiers"`
	} `yaml:"timeline"`
	Analysis struct {
		Model       string `yaml:"model"`
		DefaultMode string `yaml:"default_mode"`
	} `yaml:"analysis"`
	Upstream struct {
		BaseURL string   `yaml:"base_url"`
		APIKey  string   `yaml:"api_key"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"upstream"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// TierRule assigns activities to a rendering tier by case-sensitive
// substring match on the label. First matching rule wins.
type TierRule struct {
	Keyword string `yaml:"keyword"`
	Tier    string `yaml:"tier"`
}

// Webhook receives pipeline events matching any of Types (all when
// empty).
type Webhook struct {
	URL   string   `yaml:"url"`
	Types []string `yaml:"types"`
}

// Duration wraps time.Duration for YAML strings like "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Upload.MaxVideoSizeMB <= 0 {
		return fmt.Errorf("config.upload.max_video_size_mb must be positive")
	}
	for _, ext := range c.Upload.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("upload extension %q must start with a dot", ext)
		}
	}
	if c.Polling.Interval.Std() < 500*time.Millisecond {
		return fmt.Errorf("config.polling.interval must be at least 500ms")
	}
	if c.Polling.MaxTransientFailures <= 0 {
		return fmt.Errorf("config.polling.max_transient_failures must be positive")
	}
	if c.Polling.Timeout.Std() < 0 {
		return fmt.Errorf("config.polling.timeout must not be negative")
	}
	if c.Timeline.FallbackTotalFrames <= 0 {
		return fmt.Errorf("config.timeline.fallback_total_frames must be positive")
	}
	for i, rule := range c.Timeline.Tiers {
		if rule.Keyword == "" {
			return fmt.Errorf("timeline tier rule %d has empty keyword", i)
		}
		if rule.Tier == "" {
			return fmt.Errorf("timeline tier rule %d has empty tier", i)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// AllowedExtension reports whether filename carries an accepted video
// extension. Comparison is case-insensitive.
func (c *Config) AllowedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range c.Upload.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// MaxVideoBytes returns the upload size limit in bytes.
func (c *Config) MaxVideoBytes() int64 {
	return c.Upload.MaxVideoSizeMB * 1024 * 1024
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "frameline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, projectID)))
	if err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: ""

upload:
  allowed_extensions: [.mp4, .mov, .avi, .mkv]
  max_video_size_mb: 500

polling:
  interval: 2s
  upload_initial_delay: 500ms
  stage_initial_delay: 2s
  max_transient_failures: 5
  timeout: 0s

timeline:
  fallback_total_frames: 1000
  tiers:
    - keyword: High
      tier: high
    - keyword: Congestion
      tier: high
    - keyword: Moderate
      tier: medium
    - keyword: Light
      tier: low

analysis:
  model: anthropic/claude-sonnet-4
  default_mode: generic

upstream:
  base_url: http://127.0.0.1:9700
  api_key: ""
  timeout: 30s

webhooks: []
`
