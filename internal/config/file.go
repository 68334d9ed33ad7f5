package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// File is the optional TOML configuration file:
//
//	[scheduler]
//	warmup_years = [2023, 2024]
//
//	[ncei.last_resort]
//	2023 = "StormEvents_details-ftp_v1.0_d2023_c20250731.csv.gz"
type File struct {
	Scheduler struct {
		WarmupYears []int `toml:"warmup_years"`
	} `toml:"scheduler"`
	NCEI struct {
		LastResort map[string]string `toml:"last_resort"`
	} `toml:"ncei"`
}

// LoadFile parses a TOML configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &f, nil
}

// apply copies file settings into cfg. Warmup years from the environment win
// when envYears is set.
func (f *File) apply(cfg *Config, envYears bool) error {
	if len(f.Scheduler.WarmupYears) > 0 && !envYears {
		cfg.WarmupYears = f.Scheduler.WarmupYears
	}
	if len(f.NCEI.LastResort) == 0 {
		return nil
	}
	cfg.NCEILastResort = make(map[int]string, len(f.NCEI.LastResort))
	for k, v := range f.NCEI.LastResort {
		year, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("config file: ncei.last_resort key %q is not a year", k)
		}
		cfg.NCEILastResort[year] = v
	}
	return nil
}
