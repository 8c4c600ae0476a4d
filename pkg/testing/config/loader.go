/*
Copyright 2026 Nscale.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

var errConfigFileNotFound = viper.ConfigFileNotFoundError{}

// GetDurationFromViper safely extracts a duration from viper, handling both
// duration strings and integer seconds.
func GetDurationFromViper(v *viper.Viper, key string, defaultValue time.Duration) time.Duration {
	duration := v.GetDuration(key)
	if duration < time.Millisecond {
		seconds := v.GetInt(key)
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	if duration > 0 {
		return duration
	}

	return defaultValue
}

// LoadSoakConfig reads soak test settings from the environment, or a .env
// file in the working directory if one exists.  Keys are prefixed with
// READTHROUGH_SOAK, e.g. READTHROUGH_SOAK_ENABLED.
func LoadSoakConfig() (*SoakConfig, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")

	v.SetEnvPrefix("READTHROUGH_SOAK")
	v.AutomaticEnv()

	defaults := NewSoakConfig()

	v.SetDefault("readers", defaults.Readers)
	v.SetDefault("invalidators", defaults.Invalidators)
	v.SetDefault("keys", defaults.Keys)
	v.SetDefault("cache_size", defaults.CacheSize)

	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &errConfigFileNotFound) {
			return nil, err
		}
	}

	config := &SoakConfig{
		Enabled:      v.GetBool("enabled"),
		Duration:     GetDurationFromViper(v, "duration", defaults.Duration),
		Readers:      v.GetInt("readers"),
		Invalidators: v.GetInt("invalidators"),
		Keys:         v.GetInt("keys"),
		CacheSize:    v.GetInt("cache_size"),
	}

	return config, nil
}
