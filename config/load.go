package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads the settings from config.yaml (current directory or
// /etc/orderflow) with ORDERFLOW_* environment overrides. A local .env file
// is honored when present.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/orderflow")
	v.AddConfigPath(".")
	v.SetEnvPrefix("orderflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error while reading config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error while unmarshalling settings: %w", err)
	}
	if err := validateSettings(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
