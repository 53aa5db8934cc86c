package config

// Storage selects the embedded database.
type Storage struct {
	Backend string `toml:"Backend" yaml:"backend"`
	DataDir string `toml:"DataDir" yaml:"dataDir"`
}

// Ledger holds the economic parameters. FeeBps only seeds a fresh database;
// afterwards the persisted value set through the admin API wins.
type Ledger struct {
	Currency                 string `toml:"Currency" yaml:"currency"`
	FeeBps                   uint64 `toml:"FeeBps" yaml:"feeBps"`
	MinAmount                uint64 `toml:"MinAmount" yaml:"minAmount"`
	MaxAmount                uint64 `toml:"MaxAmount" yaml:"maxAmount"`
	Treasury                 string `toml:"Treasury" yaml:"treasury"`
	HistoryRetentionDays     uint64 `toml:"HistoryRetentionDays" yaml:"historyRetentionDays"`
	AuditRetentionDays       uint64 `toml:"AuditRetentionDays" yaml:"auditRetentionDays"`
	RequireRecipientApproval bool   `toml:"RequireRecipientApproval" yaml:"requireRecipientApproval"`
}

// API configures the HTTP boundary.
type API struct {
	ListenAddress      string   `toml:"ListenAddress" yaml:"listenAddress"`
	JWTSecret          string   `toml:"JWTSecret" yaml:"jwtSecret"`
	Issuer             string   `toml:"Issuer" yaml:"issuer"`
	Audience           string   `toml:"Audience" yaml:"audience"`
	Admins             []string `toml:"Admins" yaml:"admins"`
	RateLimitPerMinute float64  `toml:"RateLimitPerMinute" yaml:"rateLimitPerMinute"`
	Burst              int      `toml:"Burst" yaml:"burst"`
	ReadTimeoutSecs    int      `toml:"ReadTimeoutSecs" yaml:"readTimeoutSecs"`
	WriteTimeoutSecs   int      `toml:"WriteTimeoutSecs" yaml:"writeTimeoutSecs"`
	LogRequests        bool     `toml:"LogRequests" yaml:"logRequests"`
}

// Quota limits how fast a single account may open transactions. Zero values
// disable a limit.
type Quota struct {
	MaxCreatesPerMinute uint32 `toml:"MaxCreatesPerMinute" yaml:"maxCreatesPerMinute"`
	MaxVolumePerEpoch   uint64 `toml:"MaxVolumePerEpoch" yaml:"maxVolumePerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds" yaml:"epochSeconds"`
}

// WebhookEndpoint receives signed notification payloads.
type WebhookEndpoint struct {
	URL           string   `toml:"URL" yaml:"url"`
	Secret        string   `toml:"Secret" yaml:"secret"`
	Events        []string `toml:"Events" yaml:"events"`
	RatePerMinute int      `toml:"RatePerMinute" yaml:"ratePerMinute"`
}

type Webhooks struct {
	Endpoints       []WebhookEndpoint `toml:"Endpoints" yaml:"endpoints"`
	QueueCapacity   int               `toml:"QueueCapacity" yaml:"queueCapacity"`
	QueueTTLSecs    int               `toml:"QueueTTLSecs" yaml:"queueTTLSecs"`
	MaxAttempts     int               `toml:"MaxAttempts" yaml:"maxAttempts"`
	BackoffMillis   int               `toml:"BackoffMillis" yaml:"backoffMillis"`
	AttemptsDB      string            `toml:"AttemptsDB" yaml:"attemptsDB"`
	DeliveryTimeout int               `toml:"DeliveryTimeoutSecs" yaml:"deliveryTimeoutSecs"`
}

type Logging struct {
	Environment string `toml:"Environment" yaml:"environment"`
	Level       string `toml:"Level" yaml:"level"`
	File        string `toml:"File" yaml:"file"`
	MaxSizeMB   int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups  int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays  int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
}

type Telemetry struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
}

// Enabled reports whether any exporter is switched on.
func (t Telemetry) Enabled() bool { return t.Traces || t.Metrics }
