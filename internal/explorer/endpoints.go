/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package explorer

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Endpoints holds the primary and fallback explorer base URLs. The two hosts
// expose differently shaped response schemas; the service normalizes both.
type Endpoints struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

type endpointsFile struct {
	Explorer Endpoints `yaml:"explorer"`
}

func (e Endpoints) Validate() error {
	if e.Primary == "" {
		return fmt.Errorf("primary explorer endpoint missing")
	}
	if e.Fallback == "" {
		return fmt.Errorf("fallback explorer endpoint missing")
	}
	return nil
}

// LoadEndpoints reads the endpoint pair from a YAML file.
func LoadEndpoints(file string) (Endpoints, error) {
	var path string
	if filepath.IsAbs(file) {
		path = file
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return Endpoints{}, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, file)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Endpoints{}, fmt.Errorf("unable to read %s: %w", file, err)
	}

	var cfg endpointsFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Endpoints{}, fmt.Errorf("unable to parse %s: %w", file, err)
	}

	if err := cfg.Explorer.Validate(); err != nil {
		return Endpoints{}, fmt.Errorf("invalid endpoints in %s: %w", file, err)
	}

	return cfg.Explorer, nil
}
