package config

import (
	"os"
	"strconv"
)

// ApplyEnv overlays recognized environment variables on the config.
// KILL_SWITCH_ENABLED is handled by the kill switch itself so an
// operator override works even before config is loaded.
func (c *Config) ApplyEnv() {
	setString(&c.Server.Env, "ENV")
	setString(&c.Server.LogLevel, "LOG_LEVEL")
	setString(&c.Server.LogFile, "LOG_FILE")
	setString(&c.Server.Port, "PORT")

	setString(&c.Broker.Host, "BROKER_HOST")
	setInt(&c.Broker.Port, "BROKER_PORT")
	setInt(&c.Broker.ClientID, "BROKER_CLIENT_ID")
	setString(&c.Broker.AccountID, "BROKER_ACCOUNT_ID")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
