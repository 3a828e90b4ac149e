package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Identity: IdentityConfig{
			SelfID:      "guest",
			DisplayName: "Guest",
		},
		Relay: RelayConfig{
			URL:                     "ws://127.0.0.1:8090",
			HandshakeTimeoutSeconds: 10,
			PingIntervalSeconds:     30,
			ReadLimitBytes:          1 << 20,
		},
		Reconnect: ReconnectConfig{
			BaseDelayMs: 500,
			MaxDelayMs:  30000,
			MaxAttempts: 10,
		},
		Journal: JournalConfig{
			Enabled: false,
			DBPath:  "~/.feedchat/journal.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8090,
			RateLimitPerSecond: 20,
			RateBurst:          40,
		},
	}
}
