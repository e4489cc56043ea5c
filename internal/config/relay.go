package config

// RelayConfig holds the relay's identity and admission policy.
type RelayConfig struct {
	Port        int    `mapstructure:"PORT"         json:"port"         validate:"required,min=1,max=65535"`
	DataDir     string `mapstructure:"DATA_DIR"     json:"data_dir"     validate:"required"`
	Name        string `mapstructure:"NAME"         json:"name"         validate:"required,min=1,max=64"`
	Description string `mapstructure:"DESCRIPTION"  json:"description"  validate:"omitempty,max=500"`
	Contact     string `mapstructure:"CONTACT"      json:"contact"      validate:"omitempty,max=200"`
	PublicKey   string `mapstructure:"PUBLIC_KEY"   json:"public_key"   validate:"omitempty,pubkey"`
	OwnerOnly   bool   `mapstructure:"OWNER_ONLY"   json:"owner_only"`
	OwnerPubKey string `mapstructure:"OWNER_PUBKEY" json:"owner_pubkey" validate:"omitempty,pubkey"`
	MinPow      int    `mapstructure:"MIN_POW"      json:"min_pow"      validate:"min=0,max=64"`

	// Accepted created_at window relative to the relay clock, in seconds.
	CreatedAtFutureLimit int64 `mapstructure:"CREATED_AT_FUTURE_LIMIT_SECONDS" json:"created_at_future_limit_seconds" validate:"min=0"`
	CreatedAtPastLimit   int64 `mapstructure:"CREATED_AT_PAST_LIMIT_SECONDS"   json:"created_at_past_limit_seconds"   validate:"min=0"`
}

// LimitsConfig holds per-connection throttling settings.
type LimitsConfig struct {
	MaxConnections  int `mapstructure:"MAX_CONNECTIONS"   json:"max_connections"   validate:"required,min=1,max=100000"`
	EventsPerSecond int `mapstructure:"EVENTS_PER_SECOND" json:"events_per_second" validate:"required,min=1,max=10000"`
	BurstSize       int `mapstructure:"BURST_SIZE"        json:"burst_size"        validate:"required,min=1,max=1000"`
}
