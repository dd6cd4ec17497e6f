/*
 * Copyright 2024 The Rublo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rublo

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the YAML server configuration. Read once at startup, never
// hot-reloaded.
type Config struct {
	// ListenOn is the TCP address to bind.
	ListenOn string `yaml:"listen_on"`
	// ScaleFactor for newly created filters: "small" or "large".
	ScaleFactor string `yaml:"scale_factor"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		ListenOn:    DefaultListenAddr,
		ScaleFactor: SmallScaleFactor.String(),
	}
}

// LoadConfig reads and validates a YAML config file. Missing fields fall
// back to the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if cfg.ListenOn == "" {
		cfg.ListenOn = DefaultListenAddr
	}
	if cfg.ScaleFactor == "" {
		cfg.ScaleFactor = SmallScaleFactor.String()
	}
	if _, err := ParseScaleFactor(cfg.ScaleFactor); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}
