package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Gateway policy.
	OriginRequired  bool
	AllowedOrigins  []string
	DevInsecure     bool
	SendQueueSize   int
	MaxConnsPerUser int

	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateEvents        int
	RateWindow        time.Duration

	// Hub lifecycle tunables.
	ReplayBuffer       int
	LockTTL            time.Duration
	PresenceIdle       time.Duration
	PresenceDisconnect time.Duration
	TopicGrace         time.Duration
	JobLinger          time.Duration
	SweepInterval      time.Duration

	// Shared secret for the producer-facing intake endpoints. Empty
	// disables the check (internal-network deployments).
	IngestToken string

	// Dev fallback when no database is configured: allow every access
	// check instead of denying everything.
	AllowAllAccess bool

	// DevTokens seeds the in-memory verifier when no database is
	// configured. Each entry is "token:user_id". Ignored otherwise.
	DevTokens []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SLIDEHUB_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("SLIDEHUB_LOG_LEVEL", "info"),
		LogFormat: EnvString("SLIDEHUB_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SLIDEHUB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("SLIDEHUB_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("SLIDEHUB_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SLIDEHUB_DATABASE_URL", ""),
		DBSchema:    EnvString("SLIDEHUB_DB_SCHEMA", ""),
		DBMaxConns:  EnvInt32("SLIDEHUB_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SLIDEHUB_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("SLIDEHUB_READINESS_REQUIRE_DB", false),

		OriginRequired:  EnvBool("SLIDEHUB_ORIGIN_REQUIRED", true),
		AllowedOrigins:  EnvCSV("SLIDEHUB_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		DevInsecure:     EnvBool("SLIDEHUB_DEV_INSECURE", false),
		SendQueueSize:   EnvInt("SLIDEHUB_SEND_QUEUE", 256),
		MaxConnsPerUser: EnvInt("SLIDEHUB_MAX_CONNS_PER_USER", 8),

		WriteTimeout:      EnvDuration("SLIDEHUB_WRITE_TIMEOUT", 5*time.Second),
		ReadIdleTimeout:   EnvDuration("SLIDEHUB_READ_IDLE_TIMEOUT", 2*time.Minute),
		HeartbeatInterval: EnvDuration("SLIDEHUB_HEARTBEAT_INTERVAL", 25*time.Second),
		HeartbeatTimeout:  EnvDuration("SLIDEHUB_HEARTBEAT_TIMEOUT", 5*time.Second),
		RateEvents:        EnvInt("SLIDEHUB_RATE_EVENTS", 120),
		RateWindow:        EnvDuration("SLIDEHUB_RATE_WINDOW", 10*time.Second),

		ReplayBuffer:       EnvInt("SLIDEHUB_REPLAY_BUFFER", 50),
		LockTTL:            EnvDuration("SLIDEHUB_LOCK_TTL", 5*time.Minute),
		PresenceIdle:       EnvDuration("SLIDEHUB_PRESENCE_IDLE", time.Minute),
		PresenceDisconnect: EnvDuration("SLIDEHUB_PRESENCE_DISCONNECT", 10*time.Minute),
		TopicGrace:         EnvDuration("SLIDEHUB_TOPIC_GRACE", 30*time.Second),
		JobLinger:          EnvDuration("SLIDEHUB_JOB_LINGER", 5*time.Second),
		SweepInterval:      EnvDuration("SLIDEHUB_SWEEP_INTERVAL", time.Minute),

		IngestToken: EnvString("SLIDEHUB_INGEST_TOKEN", ""),

		AllowAllAccess: EnvBool("SLIDEHUB_ALLOW_ALL_ACCESS", true),
		DevTokens:      EnvCSV("SLIDEHUB_DEV_TOKENS", ""),
	}
}
