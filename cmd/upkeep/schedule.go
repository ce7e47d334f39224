package main

import (
	"fmt"

	"upkeep/internal/builtin"
	"upkeep/internal/config"
	"upkeep/internal/job"
	"upkeep/internal/persist"
	logx "upkeep/pkg/logx"
)

// loadSchedule reads the config and the schedule file it points to, resolving
// handlers against the built-in registry.
func loadSchedule(log logx.Logger) (*config.Config, *persist.Manager, []persist.Loaded, error) {
	cfgm := config.NewConfigManager(persist.ExpandHome(configPath), log)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	reg := job.NewRegistry()
	if err := builtin.Register(reg, builtin.Deps{Log: log, Config: cfgm.Get}); err != nil {
		return nil, nil, nil, err
	}
	pm := persist.NewManager(cfg.Scheduler.ScheduleFileOrDefault(), reg, log)
	loaded, err := pm.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("schedule: %w", err)
	}
	return cfg, pm, loaded, nil
}
