// config_loader.go: Multi-format configuration loading with environment overrides
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/argus"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SERVICEBIND_"

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// LoadClientConfig reads a client configuration file on top of
// DefaultClientConfig, applies SERVICEBIND_* overrides and validates the
// result. An empty path yields defaults plus overrides.
func LoadClientConfig(path string) (ClientConfig, error) {
	config := DefaultClientConfig()
	if path != "" {
		if err := loadConfigFile(path, &config); err != nil {
			return config, err
		}
	}
	if err := applyClientEnvOverrides(&config); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// LoadServiceConfig is LoadClientConfig for service hosts.
func LoadServiceConfig(path string) (ServiceConfig, error) {
	config := DefaultServiceConfig()
	if path != "" {
		if err := loadConfigFile(path, &config); err != nil {
			return config, err
		}
	}
	if err := applyServiceEnvOverrides(&config); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// loadConfigFile decodes path into out, leaving fields the file omits untouched.
func loadConfigFile(path string, out interface{}) error {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - configuration path is operator supplied
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfigNotFoundError(cleanPath, err)
		}
		return NewConfigParseError(cleanPath, err)
	}

	expanded := expandEnvPlaceholders(string(data))
	if err := decodeDocument([]byte(expanded), argus.DetectFormat(cleanPath), out); err != nil {
		return NewConfigParseError(cleanPath, err)
	}
	return nil
}

// decodeDocument parses data in the given format into out.
//
// YAML goes through yaml.v3 directly. Every other format is
// parsed by argus into a map and bound with mapstructure, which also turns
// duration strings such as "5s" into time.Duration.
func decodeDocument(data []byte, format argus.ConfigFormat, out interface{}) error {
	switch format {
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
		return nil
	default:
		values, err := argus.ParseConfig(data, format)
		if err != nil {
			return err
		}
		return bindMap(values, out)
	}
}

func bindMap(values map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(values)
}

// expandEnvPlaceholders replaces ${VAR} and ${VAR:-default}. The prefixed
// variable wins over the bare one.
func expandEnvPlaceholders(input string) string {
	return envPlaceholder.ReplaceAllStringFunc(input, func(match string) string {
		sub := envPlaceholder.FindStringSubmatch(match)
		name := sub[1]
		if value, ok := os.LookupEnv(EnvPrefix + name); ok && value != "" {
			return value
		}
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		return sub[3]
	})
}

func applyClientEnvOverrides(config *ClientConfig) error {
	if v := lookupEnv("SERVICE_ID"); v != "" {
		config.ServiceID = v
	}
	if err := envDuration("CALL_TIMEOUT", &config.CallTimeout); err != nil {
		return err
	}
	if err := envDuration("CONNECT_TIMEOUT", &config.ConnectTimeout); err != nil {
		return err
	}
	if v := lookupEnv("MANIFEST_PATHS"); v != "" {
		config.Registry.Scanner.SearchPaths = splitList(v)
	}
	if err := envBool("AUTO_CREATE", &config.Registry.AutoCreate); err != nil {
		return err
	}
	if v := lookupEnv("LOG_LEVEL"); v != "" {
		config.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func applyServiceEnvOverrides(config *ServiceConfig) error {
	if v := lookupEnv("TRANSPORT"); v != "" {
		config.Transport = TransportType(strings.ToLower(v))
	}
	if v := lookupEnv("ENDPOINT"); v != "" {
		config.Endpoint = v
	}
	if v := lookupEnv("MANIFEST_DIR"); v != "" {
		config.ManifestDir = v
	}
	if v := lookupEnv("RATE_LIMIT"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return NewConfigValidationError(fmt.Sprintf("%sRATE_LIMIT is not a number: %q", EnvPrefix, v), err)
		}
		config.RateLimit.RequestsPerSecond = rps
	}
	if v := lookupEnv("LOG_LEVEL"); v != "" {
		config.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func lookupEnv(name string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + name))
}

func envDuration(name string, target *time.Duration) error {
	v := lookupEnv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return NewConfigValidationError(fmt.Sprintf("%s%s is not a duration: %q", EnvPrefix, name, v), err)
	}
	*target = d
	return nil
}

func envBool(name string, target *bool) error {
	v := lookupEnv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return NewConfigValidationError(fmt.Sprintf("%s%s is not a boolean: %q", EnvPrefix, name, v), err)
	}
	*target = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, string(os.PathListSeparator)) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
