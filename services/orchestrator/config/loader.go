// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up in the working directory
// when no explicit path is given.
const DefaultFileName = "ragserve"

// envAliases maps config keys to legacy environment variable names that
// are honored in addition to the upper-cased key.
var envAliases = map[string][]string{
	"llm_base_url":   {"SGLANG_LLM_BASE_URL"},
	"llm_api_key":    {"SGLANG_LLM_API_KEY"},
	"embed_base_url": {"SGLANG_EMBED_BASE_URL"},
	"embed_api_key":  {"SGLANG_EMBED_API_KEY"},
	"index_load_dir": {"FAISS_LOAD_DIR"},
	"index_save_dir": {"FAISS_SAVE_DIR"},
}

// Load builds the configuration.
//
// # Description
//
// Precedence, lowest to highest: built-in defaults, the YAML file,
// environment variables. With an empty path, ./ragserve.yaml is read if
// it exists. With an explicit path, the file must exist.
//
// # Inputs
//
//   - path: Optional config file path.
//
// # Outputs
//
//   - Config: Validated configuration.
//   - error: File read, decode, or validation failure.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		args := append([]string{key, strings.ToUpper(key)}, names...)
		if err := v.BindEnv(args...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and parses derived values. Load
// calls it; callers that build a Config by hand should too.
func (c *Config) Validate() error {
	return c.finalize()
}

func (c *Config) finalize() error {
	c.similarityCutoff = nil
	if s := strings.TrimSpace(c.SimilarityCutoff); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid similarity_cutoff %q: %w", s, err)
		}
		c.similarityCutoff = &f
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteDefault writes the default configuration as YAML to path,
// creating parent directories. An existing file is left untouched unless
// overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// setDefaults registers every field of defaults under its mapstructure
// key so that AutomaticEnv can resolve each key and Unmarshal sees it.
func setDefaults(v *viper.Viper, defaults Config) {
	rv := reflect.ValueOf(defaults)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" || !field.IsExported() {
			continue
		}
		v.SetDefault(key, rv.Field(i).Interface())
	}
}
