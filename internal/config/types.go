package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "45s", "10m"). Zero or omitted
// values fall back to the defaults of the component that consumes them.
type Config struct {
	// Identities lists the operator identities whose ledgers and schedules
	// are loaded at startup.
	Identities []string `json:"identities"`

	Logging      LoggingConfig      `json:"logging"`
	Telegram     TelegramConfig     `json:"telegram"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Storage      StorageConfig      `json:"storage"`
	Ledger       LedgerConfig       `json:"ledger"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Matcher      MatcherConfig      `json:"matcher"`
	Risk         RiskConfig         `json:"risk"`
	Captions     CaptionsConfig     `json:"captions"`
	Sessions     SessionsConfig     `json:"sessions"`
	Browser      BrowserConfig      `json:"browser"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Ops          OpsConfig          `json:"ops"`
	Tracing      TracingConfig      `json:"tracing"`
	Events       EventsConfig       `json:"events"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings to a chat. ChatID defaults to
// telegram.chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the bot used for run reports and the log sink.
// An empty token disables both.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// NotifierConfig controls the run report pipeline. Omitting the section keeps
// it enabled with defaults whenever a telegram token is set.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
	// ReportOn filters which run outcomes are reported
	// ("completed", "cancelled", "halted", "failed"); empty reports all.
	ReportOn []string `json:"report_on,omitempty"`
}

// StorageConfig selects the document store backing ledgers and schedules.
type StorageConfig struct {
	Driver      string      `json:"driver"`                 // file|sqlite|redis|postgres|memory
	Path        string      `json:"path,omitempty"`         // file dir or sqlite db path
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	DSN         string      `json:"dsn,omitempty"`          // postgres
	Table       string      `json:"table,omitempty"`        // sqlite/postgres table name
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// LedgerConfig defines the daily quota cycle.
type LedgerConfig struct {
	ResetHour        int            `json:"reset_hour"`
	Timezone         string         `json:"timezone,omitempty"`
	DefaultTier      string         `json:"default_tier,omitempty"`
	Tiers            map[string]int `json:"tiers"`
	HistoryRetention int            `json:"history_retention,omitempty"`
	RecordRetention  string         `json:"record_retention,omitempty"`
	BatchLogMax      int            `json:"batch_log_max,omitempty"`
}

type OrchestratorConfig struct {
	MinLanes         int    `json:"min_lanes"`
	MaxLanes         int    `json:"max_lanes"`
	StaggerMin       string `json:"stagger_min"`
	StaggerMax       string `json:"stagger_max"`
	BatchDelayBase   string `json:"batch_delay_base"`
	BatchDelayJitter string `json:"batch_delay_jitter"`
	SleepIncrement   string `json:"sleep_increment,omitempty"`
	PausePoll        string `json:"pause_poll,omitempty"`
	NavTimeout       string `json:"nav_timeout,omitempty"`
	FillTimeout      string `json:"fill_timeout,omitempty"`
	MatchTimeout     string `json:"match_timeout,omitempty"`
	RiskTimeout      string `json:"risk_timeout,omitempty"`
	// RetryFailedBatches defaults to true.
	RetryFailedBatches *bool              `json:"retry_failed_batches,omitempty"`
	RiskCooldown       RiskCooldownConfig `json:"risk_cooldown"`
	HistorySize        int                `json:"history_size,omitempty"`
}

// RiskCooldownConfig refuses new runs for an identity after consecutive
// risk halts, with an exponentially growing cooldown.
type RiskCooldownConfig struct {
	Threshold int    `json:"threshold"`
	Base      string `json:"base"`
	Max       string `json:"max"`
}

type MatcherConfig struct {
	MaxTicks          int      `json:"max_ticks"`
	MaxScrollAttempts int      `json:"max_scroll_attempts"`
	StaleScrollLimit  int      `json:"stale_scroll_limit"`
	SettleDelay       string   `json:"settle_delay,omitempty"`
	FuzzyThreshold    float64  `json:"fuzzy_threshold,omitempty"`
	Stoplist          []string `json:"stoplist,omitempty"`
}

// RiskConfig adds classification rules on top of the built-in set.
type RiskConfig struct {
	Rules []RiskRuleConfig `json:"rules,omitempty"`
}

type RiskRuleConfig struct {
	Category string `json:"category"`
	URL      string `json:"url,omitempty"`  // regexp matched against the page URL
	Text     string `json:"text,omitempty"` // regexp matched against title + visible text
	Marker   string `json:"marker,omitempty"`
	Status   int    `json:"status,omitempty"`
}

// CaptionsConfig overrides or adds caption styles. Templates use
// text/template with .Title, .Body, .Attributes and .Attrs.
type CaptionsConfig struct {
	Templates map[string]string `json:"templates,omitempty"`
}

type SessionsConfig struct {
	MaxPerIdentity int    `json:"max_per_identity"`
	IdleTimeout    string `json:"idle_timeout"`
	ReapInterval   string `json:"reap_interval,omitempty"`
}

// BrowserConfig drives the go-rod session backend.
type BrowserConfig struct {
	Driver         string         `json:"driver"` // rod|none
	DebuggerURL    string         `json:"debugger_url,omitempty"`
	Bin            string         `json:"bin,omitempty"`
	Headless       bool           `json:"headless"`
	Flags          []string       `json:"flags,omitempty"`
	ProfileDir     string         `json:"profile_dir,omitempty"` // per-identity subdirectories
	ViewportWidth  int            `json:"viewport_width,omitempty"`
	ViewportHeight int            `json:"viewport_height,omitempty"`
	Selectors      SelectorConfig `json:"selectors"`
}

// SelectorConfig maps the generic posting flow onto a site's markup.
type SelectorConfig struct {
	// Fields maps subject field names ("title", "body", "caption", or an
	// attribute key) to input selectors.
	Fields       map[string]string `json:"fields"`
	MediaInput   string            `json:"media_input,omitempty"`
	Submit       string            `json:"submit,omitempty"`
	PickerOpen   string            `json:"picker_open,omitempty"`
	PickerList   string            `json:"picker_list,omitempty"`
	PickerEntry  string            `json:"picker_entry,omitempty"`
	PickerLabel  string            `json:"picker_label,omitempty"`
	PickerSubmit string            `json:"picker_submit,omitempty"`
	Secondary    string            `json:"secondary_open,omitempty"`
	Delivered    string            `json:"delivered,omitempty"`
	// Markers maps a marker name reported to the risk detector to a selector
	// whose presence sets it.
	Markers map[string]string `json:"markers,omitempty"`
}

type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval"`
	Timezone     string `json:"timezone,omitempty"`
	Retention    string `json:"retention,omitempty"`
}

// OpsConfig serves /healthz, /metrics, /status and optionally pprof.
type OpsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`  // default 127.0.0.1:9464
	Token        string `json:"token,omitempty"` // bearer token for /status and pprof (never logged)
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"` // host:port of an OTLP/HTTP collector
	Insecure    bool    `json:"insecure,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

type EventsConfig struct {
	NSQ NSQConfig `json:"nsq"`
}

type NSQConfig struct {
	Enabled bool     `json:"enabled"`
	Addr    string   `json:"addr,omitempty"` // nsqd TCP address
	Topic   string   `json:"topic,omitempty"`
	Only    []string `json:"only,omitempty"` // event type prefixes; empty forwards all
}
