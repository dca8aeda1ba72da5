// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/accel-devmem/pkg/apis/config/v1alpha1"
	"github.com/containers/accel-devmem/pkg/devmem"
	logger "github.com/containers/accel-devmem/pkg/log"
)

const (
	// ConsistencyCheckEnvVar overrides the consistencyCheck setting.
	ConsistencyCheckEnvVar = "DEVMEM_CONSISTENCY_CHECK"
	// PageSizeEnvVar overrides the pageSize setting.
	PageSizeEnvVar = "DEVMEM_PAGE_SIZE"
)

var (
	log = logger.Get("config")
)

// Default returns the default configuration.
func Default() *cfgapi.DevmemConfig {
	return &cfgapi.DevmemConfig{
		TypeMeta: metav1.TypeMeta{
			Kind:       cfgapi.Kind,
			APIVersion: cfgapi.APIVersion,
		},
	}
}

// Load reads the configuration from a YAML file and applies any
// environment overrides. An empty path gives the default configuration.
func Load(path string) (*cfgapi.DevmemConfig, error) {
	if path == "" {
		cfg := Default()
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load configuration %q", path)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	log.Info("loaded configuration from %q", path)

	return cfg, nil
}

// Parse parses YAML configuration data.
func Parse(data []byte) (*cfgapi.DevmemConfig, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}

	if cfg.Kind != cfgapi.Kind {
		return nil, errors.Errorf("unexpected configuration kind %q, expected %q",
			cfg.Kind, cfgapi.Kind)
	}
	if cfg.APIVersion != cfgapi.APIVersion {
		return nil, errors.Errorf("unsupported configuration version %q, expected %q",
			cfg.APIVersion, cfgapi.APIVersion)
	}

	return cfg, nil
}

// ApplyEnv applies configuration overrides from the environment.
func ApplyEnv(cfg *cfgapi.DevmemConfig) error {
	if value, ok := os.LookupEnv(ConsistencyCheckEnvVar); ok && value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "invalid environment %s=%q", ConsistencyCheckEnvVar, value)
		}
		log.Info("%s=%v overrides configuration", ConsistencyCheckEnvVar, enabled)
		cfg.Spec.ConsistencyCheck = enabled
	}

	if value, ok := os.LookupEnv(PageSizeEnvVar); ok && value != "" {
		size, err := resource.ParseQuantity(value)
		if err != nil {
			return errors.Wrapf(err, "invalid environment %s=%q", PageSizeEnvVar, value)
		}
		log.Info("%s=%s overrides configuration", PageSizeEnvVar, size.String())
		cfg.Spec.PageSize = &size
	}

	return nil
}

// Options converts allocator configuration to validated allocator options.
func Options(cfg *cfgapi.AllocatorConfig) (devmem.Options, error) {
	var err error

	opts := devmem.DefaultOptions()

	if opts.PageSize, err = quantity("pageSize", cfg.PageSize, opts.PageSize); err != nil {
		return devmem.Options{}, err
	}
	if opts.FallbackPageSize, err = quantity("fallbackPageSize", cfg.FallbackPageSize, opts.FallbackPageSize); err != nil {
		return devmem.Options{}, err
	}
	if opts.RegionSize, err = quantity("regionSize", cfg.RegionSize, opts.RegionSize); err != nil {
		return devmem.Options{}, err
	}
	if opts.MaxPhysical, err = quantity("maxPhysical", cfg.MaxPhysical, opts.MaxPhysical); err != nil {
		return devmem.Options{}, err
	}

	if cfg.Alignment != 0 {
		opts.Alignment = cfg.Alignment
	}
	if cfg.ReleasePhysical != nil {
		opts.ReleasePhysical = *cfg.ReleasePhysical
	}
	if cfg.RecyclePages != nil {
		opts.RecyclePages = *cfg.RecyclePages
	}
	opts.SharePool = cfg.SharePool
	opts.ConsistencyCheck = cfg.ConsistencyCheck

	if opts.FallbackPageSize == opts.PageSize {
		opts.FallbackPageSize = 0
	}

	if err := opts.Validate(); err != nil {
		return devmem.Options{}, errors.Wrap(err, "invalid allocator configuration")
	}

	return opts, nil
}

func quantity(name string, q *resource.Quantity, defval uint64) (uint64, error) {
	if q == nil {
		return defval, nil
	}
	value, ok := q.AsInt64()
	if !ok || value < 0 {
		return 0, errors.Errorf("invalid %s %s", name, q.String())
	}
	return uint64(value), nil
}
