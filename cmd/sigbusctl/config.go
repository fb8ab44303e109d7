package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/sigbus/internal/bridge"
	"github.com/danmuck/sigbus/internal/config"
	"github.com/danmuck/sigbus/internal/logging"
)

// loadServiceConfig decodes path over config.Default, so keys left out keep
// their defaults and uid = 0 or obey = false are honored. Conversion and
// validation are the ones `config check` runs.
func loadServiceConfig(path string) (bridge.Config, logging.Config, error) {
	settings := config.Default()
	meta, err := toml.DecodeFile(path, &settings)
	if err != nil {
		return bridge.Config{}, logging.Config{}, fmt.Errorf("load sigbus config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return bridge.Config{}, logging.Config{}, fmt.Errorf("load sigbus config: unknown key %q", undecoded[0].String())
	}
	if err := settings.Validate(); err != nil {
		return bridge.Config{}, logging.Config{}, fmt.Errorf("load sigbus config: %w", err)
	}
	cfg, err := settings.Bridge()
	if err != nil {
		return bridge.Config{}, logging.Config{}, fmt.Errorf("load sigbus config: %w", err)
	}
	return cfg, settings.Logging(), nil
}
