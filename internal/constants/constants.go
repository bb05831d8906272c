package constants

import "time"

const ServiceName = "automation-service"

// Kafka
const (
	DefaultInputTopic  = "booking_events"
	DefaultOutputTopic = "automation_decisions"
	KafkaBatchTimeout  = 10 * time.Millisecond
	KafkaWriteTimeout  = 10 * time.Second
)

// Redis keys. Grace periods live under grace:<booking>, indexed by deadline in a sorted set.
const (
	CacheKeyPrefixGrace        = "grace:"
	CacheKeyGraceDeadlines     = "grace:deadlines"
	CacheKeyPrefixActionLedger = "action:"
	ActionLedgerTTL            = 30 * 24 * time.Hour
)

// MongoDB
const (
	DefaultMongoDBName       = "concierge"
	PropertyConfigCollection = "property_configs"
)

// Sweep and follow-up scheduling.
const (
	DefaultSweepInterval    = time.Minute
	DefaultSweepBatchSize   = 100
	DefaultJobMaxAttempts   = 5
	DefaultFollowUpTrigger  = "pre_arrival"
	EscalationReminderDelay = 24 * time.Hour
)

// HTTP
const (
	DefaultHTTPTimeout = 10 * time.Second
	ShutdownTimeout    = 5 * time.Second
	HeaderAPIKey       = "X-API-Key"
	HTTPStatusOKMin    = 200
	HTTPStatusOKMax    = 300
)

const DefaultLanguage = "en"
