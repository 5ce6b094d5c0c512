package config

// Config is the full on-disk configuration. YAML and JSON are both accepted;
// YAML is coerced to JSON before strict decoding, so these tags are the one
// source of truth for field names.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Telegram Telegram `json:"telegram"`
	Logging  Logging  `json:"logging"`
	Storage  Storage  `json:"storage"`
	Platform Platform `json:"platform"`
	Outreach Outreach `json:"outreach"`
	Monitor  Monitor  `json:"monitor"`
}

// Telegram configures the operator bot (notifications, keyword forwards,
// the "Completed" control). This is the bot side, not the account sessions.
type Telegram struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// NotifyRatePerSec bounds best-effort operator notifications.
	NotifyRatePerSec int `json:"notify_rate_per_sec,omitempty"`
}

type Logging struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type Storage struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Platform selects the platform client driver. "memory" is the built-in
// dry-run driver; real drivers register under their own names.
type Platform struct {
	Driver string `json:"driver,omitempty"`
}

type Outreach struct {
	Enabled   bool     `json:"enabled"`
	Templates []string `json:"templates"`

	// Post-send pacing. Min/MaxDelay bound the normal randomized delay,
	// CatchUp* the shortened-backlog one.
	MinDelay        string `json:"min_delay,omitempty"`
	MaxDelay        string `json:"max_delay,omitempty"`
	CatchUpMinDelay string `json:"catchup_min_delay,omitempty"`
	CatchUpMaxDelay string `json:"catchup_max_delay,omitempty"`

	AccountDelayMin string `json:"account_delay_min,omitempty"`
	AccountDelayMax string `json:"account_delay_max,omitempty"`

	FloodPause string `json:"flood_pause,omitempty"`
	EmptyPoll  string `json:"empty_poll,omitempty"`
	CycleRetry string `json:"cycle_retry,omitempty"`
	SliceMax   string `json:"slice_max,omitempty"`

	// ActivityWindow is how many recent messages the activity check reads.
	ActivityWindow int `json:"activity_window,omitempty"`
	// DialogLimit bounds the bulk dialog listing for the entity cache.
	DialogLimit int `json:"dialog_limit,omitempty"`
}

type Monitor struct {
	Enabled  bool     `json:"enabled"`
	Keywords []string `json:"keywords,omitempty"`

	HealthCheckEvery string `json:"health_check_every,omitempty"`
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"`
	StartStagger     string `json:"start_stagger,omitempty"`
	PreviewLimit     int    `json:"preview_limit,omitempty"`
}
