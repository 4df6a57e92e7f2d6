package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "INTELPIPE"

type Config struct {
	Server   ServerConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
	Neo4j    Neo4jConfig
	Zilliz   ZillizConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Sources  map[string]SourceConfig
	Keywords KeywordsConfig
	Report   ReportConfig
	Notify   NotifyConfig
	Tracing  TracingConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        int
	WriteTimeout       int
	BodyLimit          int
	AllowedOrigins     []string
	RateLimitPerMinute int
	Development        bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type ZillizConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type LLMConfig struct {
	Enabled        bool
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	EmbeddingModel string
	EmbeddingDim   int
}

type PipelineConfig struct {
	Schedule        string
	Concurrency     int
	Classifier      string
	FetchTimeout    time.Duration
	ClassifyTimeout time.Duration
	PersistTimeout  time.Duration
	RunTimeout      time.Duration
	EnrichIOCs      bool
	BloomCapacity   uint
	BloomHashes     uint
}

// SourceConfig is the per-provider entry of the source registry.
type SourceConfig struct {
	Enabled        bool
	BaseURL        string
	APIKey         string
	RequestDelay   time.Duration
	Timeout        time.Duration
	Limit          int
	LookbackDays   int
	Keywords       []string
	Feeds          []string
	MinThreatLevel string
}

type KeywordsConfig struct {
	Path string
}

type ReportConfig struct {
	Dir     string
	Summary bool
}

type NotifyConfig struct {
	Telegram TelegramConfig
}

type TelegramConfig struct {
	Enabled  bool
	Token    string
	ChatID   int64
	MinLevel string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRate  float64
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Loader reads configuration from an optional file, a .env file and the
// INTELPIPE_* environment.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFile    string
}

func NewLoader(configFile, envFile string) *Loader {
	return &Loader{v: viper.New(), configFile: configFile, envFile: envFile}
}

func Load() (*Config, error) {
	return NewLoader("", "").Load()
}

func (l *Loader) Load() (*Config, error) {
	if err := loadDotEnv(l.envFile); err != nil {
		return nil, err
	}

	v := l.v
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/intelpipe")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the config file on change and hands the result to fn.
// Nothing happens when no config file was found.
func (l *Loader) Watch(fn func(*Config, error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.unmarshal())
	})
	l.v.WatchConfig()
}

// ConfigFileUsed returns the path of the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func loadDotEnv(path string) error {
	var err error
	if path == "" {
		err = godotenv.Load()
	} else {
		err = godotenv.Load(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.SQLite.Path == "" {
		problems = append(problems, "sqlite.path is required")
	}
	if c.Pipeline.Concurrency < 1 {
		problems = append(problems, "pipeline.concurrency must be at least 1")
	}
	switch c.Pipeline.Classifier {
	case "llm", "heuristic":
	default:
		problems = append(problems, fmt.Sprintf("pipeline.classifier %q must be llm or heuristic", c.Pipeline.Classifier))
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider %q must be openai or anthropic", c.LLM.Provider))
	}
	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0) {
		problems = append(problems, "notify.telegram requires token and chatID")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// keyedSources refuse to fetch without sources.<name>.apiKey.
var keyedSources = []string{"congress", "misp", "otx"}

// Warnings lists settings that load but leave a feature unable to run. A
// source without its key is skipped on every run rather than failing the
// whole config, so these are logged instead of returned from Validate.
func (c *Config) Warnings() []string {
	var warnings []string
	for _, name := range keyedSources {
		sc, ok := c.Sources[name]
		if ok && sc.Enabled && sc.APIKey == "" {
			warnings = append(warnings, fmt.Sprintf("sources.%s is enabled without apiKey and will be skipped", name))
		}
	}
	if sc := c.Sources["misp"]; sc.Enabled && sc.BaseURL == "" {
		warnings = append(warnings, "sources.misp is enabled without baseURL and will be skipped")
	}
	if c.Pipeline.EnrichIOCs && c.Sources["virustotal"].APIKey == "" {
		warnings = append(warnings, "pipeline.enrichIOCs is set but sources.virustotal.apiKey is empty; indicators will not be enriched")
	}
	if c.Pipeline.Classifier == "llm" {
		switch {
		case !c.LLM.Enabled:
			warnings = append(warnings, "pipeline.classifier is llm but llm.enabled is false; items get heuristic verdicts")
		case c.LLM.APIKey == "":
			warnings = append(warnings, "pipeline.classifier is llm but llm.apiKey is empty; items get heuristic verdicts")
		}
	}
	return warnings
}

// EnabledSources returns the names of enabled sources in a stable order.
func (c *Config) EnabledSources() []string {
	names := make([]string, 0, len(c.Sources))
	for name, sc := range c.Sources {
		if sc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.rateLimitPerMinute", 120)
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/intel.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("zilliz.enabled", false)
	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.apiKey", "")
	v.SetDefault("zilliz.collectionName", "intel_items")
	v.SetDefault("zilliz.vectorDim", 1536)

	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 400)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("pipeline.schedule", "@every 6h")
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.classifier", "llm")
	v.SetDefault("pipeline.fetchTimeout", 2*time.Minute)
	v.SetDefault("pipeline.classifyTimeout", 45*time.Second)
	v.SetDefault("pipeline.persistTimeout", 10*time.Second)
	v.SetDefault("pipeline.runTimeout", 30*time.Minute)
	v.SetDefault("pipeline.enrichIOCs", false)
	v.SetDefault("pipeline.bloomCapacity", 100000)
	v.SetDefault("pipeline.bloomHashes", 5)

	setSourceDefaults(v, "otx", true, "https://otx.alienvault.com/api/v1", time.Second, 50)
	setSourceDefaults(v, "cisa_kev", true, "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json", 0, 200)
	setSourceDefaults(v, "nvd", true, "https://services.nvd.nist.gov/rest/json/cves/2.0", 6*time.Second, 50)
	setSourceDefaults(v, "misp", false, "", time.Second, 100)
	setSourceDefaults(v, "doj", true, "https://www.justice.gov/news/rss", 2*time.Second, 25)
	setSourceDefaults(v, "congress", false, "https://api.congress.gov/v3", time.Second, 20)
	setSourceDefaults(v, "gsa", false, "https://api.gsa.gov/opportunities/v1", 2*time.Second, 25)
	setSourceDefaults(v, "ic3", true, "https://www.ic3.gov/Media/News/newsreleases.aspx", 0, 10)
	setSourceDefaults(v, "virustotal", false, "https://www.virustotal.com/api/v3", 15*time.Second, 4)

	v.SetDefault("sources.nvd.lookbackDays", 7)
	v.SetDefault("sources.misp.lookbackDays", 7)
	v.SetDefault("sources.gsa.lookbackDays", 90)
	v.SetDefault("sources.doj.feeds", []string{"press_release", "speech", "testimony"})
	v.SetDefault("sources.doj.minThreatLevel", "MEDIUM")
	v.SetDefault("sources.congress.keywords", []string{"terrorism", "cybersecurity", "homeland security", "intelligence"})
	v.SetDefault("sources.gsa.keywords", []string{"counterterrorism", "cybersecurity", "threat intelligence", "critical infrastructure"})

	v.SetDefault("keywords.path", "")

	v.SetDefault("report.dir", "./data/reports")
	v.SetDefault("report.summary", true)

	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.token", "")
	v.SetDefault("notify.telegram.chatID", 0)
	v.SetDefault("notify.telegram.minLevel", "HIGH")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.serviceName", "intelpipe")
	v.SetDefault("tracing.sampleRate", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

func setSourceDefaults(v *viper.Viper, name string, enabled bool, baseURL string, delay time.Duration, limit int) {
	prefix := "sources." + name + "."
	v.SetDefault(prefix+"enabled", enabled)
	v.SetDefault(prefix+"baseURL", baseURL)
	v.SetDefault(prefix+"apiKey", "")
	v.SetDefault(prefix+"requestDelay", delay)
	v.SetDefault(prefix+"timeout", 30*time.Second)
	v.SetDefault(prefix+"limit", limit)
	v.SetDefault(prefix+"lookbackDays", 0)
	v.SetDefault(prefix+"minThreatLevel", "")
}
