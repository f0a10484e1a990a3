package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"FeedPoster/internal/domain"
)

const (
	defaultTimezone = "UTC"

	configPathEnv         = "FEEDPOSTER_CONFIG"
	modeEnv               = "FEEDPOSTER_MODE"
	databaseDSNEnv        = "DATABASE_DSN"
	geminiAPIKeyEnv       = "GEMINI_API_KEY"
	openAIAPIKeyEnv       = "OPENAI_API_KEY"
	anthropicAPIKeyEnv    = "ANTHROPIC_API_KEY"
	summarizerAPIKeyEnv   = "SUMMARIZER_API_KEY"
	blueskyIdentifierEnv  = "BLUESKY_IDENTIFIER"
	blueskyPasswordEnv    = "BLUESKY_PASSWORD"
	telegramTokenEnv      = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv     = "TELEGRAM_CHAT_ID"
	nvdAPIKeyEnv          = "NVD_API_KEY"
	defaultConfigFileName = "sites.yaml"
)

// Invocation modes.
const (
	ModeProd = "prod"
	ModeTest = "test"
)

// Config holds high-level settings required across the application.
type Config struct {
	Settings   SettingsConfig   `yaml:"settings"`
	State      StateConfig      `yaml:"state"`
	Providers  ProviderConfig   `yaml:"providers"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Sites      SiteList         `yaml:"sites"`
}

// SettingsConfig drives the watermark and delivery policy.
type SettingsConfig struct {
	Mode            string        `yaml:"mode"`
	DefaultLookback time.Duration `yaml:"default_lookback"`
	Overlap         time.Duration `yaml:"overlap"`
	MaxPostLength   int           `yaml:"max_post_length"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryCooldown   time.Duration `yaml:"retry_cooldown"`
}

// Persisting reports whether the configured mode publishes and writes state.
func (s SettingsConfig) Persisting() bool {
	return s.Mode == ModeProd
}

// StateConfig selects the durable state backend.
type StateConfig struct {
	Backend    string        `yaml:"backend"`
	Path       string        `yaml:"path"`
	DSN        string        `yaml:"dsn"`
	Retention  time.Duration `yaml:"retention"`
	MaxRecords int           `yaml:"max_records"`
}

// ProviderConfig groups settings for source endpoints.
type ProviderConfig struct {
	NVDAPIURL        string        `yaml:"nvd_api_url"`
	NVDAPIKey        string        `yaml:"nvd_api_key"`
	NVDRequestWindow time.Duration `yaml:"nvd_request_window"`
	UserAgent        string        `yaml:"user_agent"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SummarizerConfig defines how to contact the generative text service.
type SummarizerConfig struct {
	Provider      string        `yaml:"provider"`
	Endpoint      string        `yaml:"endpoint"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	SystemPrompt  string        `yaml:"system_prompt"`
	Language      string        `yaml:"language"`
	MaxChars      int           `yaml:"max_chars"`
	MaxInputChars int           `yaml:"max_input_chars"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffMin    time.Duration `yaml:"backoff_min"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	FallbackText  string        `yaml:"fallback_text"`
	Timeout       time.Duration `yaml:"timeout"`
}

// PublisherConfig encapsulates the outbound channel and pacing.
type PublisherConfig struct {
	Provider      string         `yaml:"provider"`
	Bluesky       BlueskyConfig  `yaml:"bluesky"`
	Telegram      TelegramConfig `yaml:"telegram"`
	LinkPreview   bool           `yaml:"link_preview"`
	MaxThumbBytes int            `yaml:"max_thumb_bytes"`
	PacingMin     time.Duration  `yaml:"pacing_min"`
	PacingMax     time.Duration  `yaml:"pacing_max"`
	MaxRetries    int            `yaml:"max_retries"`
	BackoffMin    time.Duration  `yaml:"backoff_min"`
	BackoffMax    time.Duration  `yaml:"backoff_max"`
}

// BlueskyConfig holds the account used for posting.
type BlueskyConfig struct {
	Host       string   `yaml:"host"`
	Identifier string   `yaml:"identifier"`
	Password   string   `yaml:"password"`
	Langs      []string `yaml:"langs"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig points at optional Prometheus sinks for batch runs.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
	Textfile       string `yaml:"textfile"`
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig defines how watch mode repeats runs.
type SchedulerConfig struct {
	Interval time.Duration  `yaml:"interval"`
	Timezone string         `yaml:"timezone"`
	location *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// SiteConfig describes a single source.
type SiteConfig struct {
	ID                     string  `yaml:"id"`
	Type                   string  `yaml:"type"`
	URL                    string  `yaml:"url"`
	Enabled                *bool   `yaml:"enabled"`
	MaxItems               int     `yaml:"max_items"`
	CVSSThreshold          float64 `yaml:"cvss_threshold"`
	SkipExistingOnFirstRun bool    `yaml:"skip_existing_on_first_run"`
	ForceTestMode          bool    `yaml:"force_test_mode"`
}

// SiteList accepts either a sequence of sites or a mapping keyed by site id.
type SiteList []SiteConfig

// UnmarshalYAML decodes both layouts. In the mapping form the key becomes the
// id unless the entry sets one.
func (l *SiteList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var sites []SiteConfig
		if err := node.Decode(&sites); err != nil {
			return err
		}
		*l = sites
	case yaml.MappingNode:
		sites := make(SiteList, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var site SiteConfig
			if err := node.Content[i+1].Decode(&site); err != nil {
				return fmt.Errorf("site %s: %w", node.Content[i].Value, err)
			}
			if site.ID == "" {
				site.ID = node.Content[i].Value
			}
			sites = append(sites, site)
		}
		*l = sites
	default:
		return fmt.Errorf("line %d: sites must be a list or a mapping", node.Line)
	}
	return nil
}

// typeAliases maps the short type names of older configuration files.
var typeAliases = map[string]string{
	"nvd": domain.TypeNVDAPI,
	"jvn": domain.TypeJVNRSS,
}

// NormalizedType resolves type aliases.
func (s SiteConfig) NormalizedType() string {
	t := strings.ToLower(strings.TrimSpace(s.Type))
	if alias, ok := typeAliases[t]; ok {
		return alias
	}
	return t
}

// Descriptor converts the site into the read-only descriptor used by the core.
func (s SiteConfig) Descriptor() domain.SourceDescriptor {
	sourceType := s.NormalizedType()
	kind, _ := domain.KindForType(sourceType)
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	maxItems := s.MaxItems
	if maxItems <= 0 {
		maxItems = 50
	}
	return domain.SourceDescriptor{
		ID:                     s.ID,
		Type:                   sourceType,
		Kind:                   kind,
		URL:                    s.URL,
		Enabled:                enabled,
		MaxItems:               maxItems,
		SeverityThreshold:      s.CVSSThreshold,
		SkipExistingOnFirstRun: s.SkipExistingOnFirstRun,
		ForceTestSummary:       s.ForceTestMode,
	}
}

// Descriptors returns every configured source in file order.
func (c Config) Descriptors() []domain.SourceDescriptor {
	out := make([]domain.SourceDescriptor, 0, len(c.Sites))
	for _, site := range c.Sites {
		out = append(out, site.Descriptor())
	}
	return out
}

// Load reads YAML configuration and applies environment overrides. An empty
// path falls back to $FEEDPOSTER_CONFIG and then sites.yaml; a missing default
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv(configPathEnv)
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigFileName
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		log.Printf("config: %s not found, using defaults", path)
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(modeEnv); v != "" {
		c.Settings.Mode = v
	}

	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.State.DSN = v
	}

	switch c.Summarizer.Provider {
	case "gemini":
		if v := os.Getenv(geminiAPIKeyEnv); v != "" {
			c.Summarizer.APIKey = v
		}
	case "openai":
		if v := os.Getenv(openAIAPIKeyEnv); v != "" {
			c.Summarizer.APIKey = v
		}
	case "anthropic":
		if v := os.Getenv(anthropicAPIKeyEnv); v != "" {
			c.Summarizer.APIKey = v
		}
	}
	if v := os.Getenv(summarizerAPIKeyEnv); v != "" {
		c.Summarizer.APIKey = v
	}

	if v := os.Getenv(blueskyIdentifierEnv); v != "" {
		c.Publisher.Bluesky.Identifier = v
	}
	if v := os.Getenv(blueskyPasswordEnv); v != "" {
		c.Publisher.Bluesky.Password = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Publisher.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Publisher.Telegram.ChatID = v
	}

	if v := os.Getenv(nvdAPIKeyEnv); v != "" {
		c.Providers.NVDAPIKey = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Settings.Mode {
	case ModeProd, ModeTest:
	default:
		errs = append(errs, fmt.Errorf("settings.mode must be %q or %q, got %q", ModeProd, ModeTest, c.Settings.Mode))
	}

	if c.Settings.MaxPostLength <= 0 {
		errs = append(errs, errors.New("settings.max_post_length must be positive"))
	}
	if c.Settings.DefaultLookback <= 0 {
		errs = append(errs, errors.New("settings.default_lookback must be positive"))
	}
	if c.Settings.Overlap < 0 {
		errs = append(errs, errors.New("settings.overlap must not be negative"))
	}
	if c.Settings.MaxAttempts < 0 || c.Settings.RetryCooldown < 0 {
		errs = append(errs, errors.New("settings.max_attempts and settings.retry_cooldown must not be negative"))
	}

	switch c.State.Backend {
	case "file", "sqlite":
		if c.State.Path == "" && c.State.DSN == "" {
			errs = append(errs, fmt.Errorf("state.path is required for backend %s", c.State.Backend))
		}
	case "postgres":
		if c.State.DSN == "" {
			errs = append(errs, errors.New("state.dsn is required for backend postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state backend %q", c.State.Backend))
	}
	if c.State.Retention > 0 && c.State.Retention <= c.Settings.Overlap {
		errs = append(errs, errors.New("state.retention must exceed settings.overlap"))
	}

	switch c.Summarizer.Provider {
	case "gemini", "openai", "anthropic", "http":
	default:
		errs = append(errs, fmt.Errorf("unknown summarizer provider %q", c.Summarizer.Provider))
	}

	switch c.Publisher.Provider {
	case "bluesky", "telegram":
	default:
		errs = append(errs, fmt.Errorf("unknown publisher provider %q", c.Publisher.Provider))
	}
	if c.Publisher.PacingMax < c.Publisher.PacingMin {
		errs = append(errs, errors.New("publisher.pacing_max must not be below pacing_min"))
	}

	seen := map[string]struct{}{}
	for i, site := range c.Sites {
		if strings.TrimSpace(site.ID) == "" {
			errs = append(errs, fmt.Errorf("sites[%d]: id is required", i))
			continue
		}
		if _, dup := seen[site.ID]; dup {
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate id %q", i, site.ID))
		}
		seen[site.ID] = struct{}{}
		if _, ok := domain.KindForType(site.NormalizedType()); !ok {
			errs = append(errs, fmt.Errorf("site %s: unknown type %q", site.ID, site.Type))
		}
		if site.NormalizedType() != domain.TypeNVDAPI && site.URL == "" {
			errs = append(errs, fmt.Errorf("site %s: url is required", site.ID))
		}
	}

	return errors.Join(errs...)
}

// Default returns the configuration used when no file overrides a field.
func Default() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Settings: SettingsConfig{
			Mode:            ModeTest,
			DefaultLookback: 24 * time.Hour,
			Overlap:         10 * time.Minute,
			MaxPostLength:   300,
			MaxAttempts:     5,
			RetryCooldown:   24 * time.Hour,
		},
		State: StateConfig{
			Backend:    "file",
			Path:       "processed_urls.json",
			Retention:  30 * 24 * time.Hour,
			MaxRecords: 2000,
		},
		Providers: ProviderConfig{
			NVDAPIURL:        "https://services.nvd.nist.gov/rest/json/cves/2.0",
			NVDRequestWindow: 30 * time.Second,
			UserAgent:        "FeedPoster/1.0",
			Timeout:          20 * time.Second,
		},
		Summarizer: SummarizerConfig{
			Provider:      "gemini",
			Model:         "gemini-2.5-flash-lite",
			Language:      "Japanese",
			MaxChars:      100,
			MaxInputChars: 1200,
			MaxRetries:    3,
			BackoffMin:    30 * time.Second,
			BackoffMax:    90 * time.Second,
			FallbackText:  "New issue detected; summary unavailable. See the link for details.",
			Timeout:       60 * time.Second,
		},
		Publisher: PublisherConfig{
			Provider: "bluesky",
			Bluesky: BlueskyConfig{
				Host:  "https://bsky.social",
				Langs: []string{"ja"},
			},
			LinkPreview:   true,
			MaxThumbBytes: 1_000_000,
			PacingMin:     30 * time.Second,
			PacingMax:     90 * time.Second,
			MaxRetries:    2,
			BackoffMin:    5 * time.Second,
			BackoffMax:    20 * time.Second,
		},
		Metrics: MetricsConfig{Job: "feedposter"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{
			Interval: 30 * time.Minute,
			Timezone: defaultTimezone,
			location: tz,
		},
	}
}
