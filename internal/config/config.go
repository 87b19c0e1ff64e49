package config

import (
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var DefaultConfigFileName = "offloadge-conf"

// EnvPrefix is prepended to every key looked up in the environment
// (e.g., client.tls -> OFFLOADGE_CLIENT_TLS).
const EnvPrefix = "OFFLOADGE"

// Get returns the configured value for a given key or the specified default.
func Get(key string, defaultValue interface{}) interface{} {
	if viper.IsSet(key) {
		return viper.Get(key)
	} else {
		return defaultValue
	}
}

func GetInt(key string, defaultValue int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	} else {
		return defaultValue
	}
}

func GetFloat(key string, defaultValue float64) float64 {
	if viper.IsSet(key) {
		return viper.GetFloat64(key)
	} else {
		return defaultValue
	}
}

func GetString(key string, defaultValue string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	} else {
		return defaultValue
	}
}

func GetBool(key string, defaultValue bool) bool {
	if viper.IsSet(key) {
		return viper.GetBool(key)
	} else {
		return defaultValue
	}
}

// GetDuration accepts both Go duration strings ("90s", "2m") and plain numbers,
// the latter being interpreted as seconds.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	if !viper.IsSet(key) {
		return defaultValue
	}
	raw := viper.Get(key)
	if secs, err := cast.ToFloat64E(raw); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		log.Printf("Invalid duration for %s (%v); using %v\n", key, raw, defaultValue)
		return defaultValue
	}
	return d
}

// GetStringSlice reads either a list or a comma separated string.
func GetStringSlice(key string, defaultValue []string) []string {
	if !viper.IsSet(key) {
		return defaultValue
	}
	raw := viper.Get(key)
	if s, ok := raw.(string); ok {
		var values []string
		for _, v := range strings.Split(s, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		return values
	}
	values, err := cast.ToStringSliceE(raw)
	if err != nil {
		return defaultValue
	}
	return values
}

// Set overrides a configuration value at runtime (used by CLI flags and tests).
func Set(key string, value interface{}) {
	viper.Set(key, value)
}

// ReadConfiguration reads a configuration file stored in one of the predefined paths.
func ReadConfiguration(fileName string) {
	// paths where the config file can be placed
	viper.AddConfigPath("/etc/offloadge/")
	viper.AddConfigPath("$HOME/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if fileName != "" {
		parentDir := filepath.Dir(fileName)
		baseName := filepath.Base(fileName)
		extension := filepath.Ext(baseName)
		baseNameNoExt := baseName[0 : len(baseName)-len(extension)]

		viper.SetConfigName(baseNameNoExt) //custom name of config file (without extension)
		viper.AddConfigPath(parentDir)
	} else {
		viper.SetConfigName(DefaultConfigFileName) // default name of config file (without extension)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No configuration file parsed
		} else {
			log.Printf("Config file parsing failed!\n")
		}
	}
}
