package app

import (
	"context"
	"strings"
	"time"

	"upkeep/internal/builtin"
	"upkeep/internal/config"
	"upkeep/internal/notifier"
	logx "upkeep/pkg/logx"
)

// reloadLoop applies committed configs until ctx ends. Bursts coalesce to the latest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// apply pushes cfg into every live component. Storage and scheduler.workers need a restart.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(cfg))
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["scheduler"] {
		if sc, err := mapSchedulerConfig(cfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}
	if changed["notify"] {
		a.applyNotifier(ctx, cfg)
	}
	if changed["metrics"] {
		if hc, err := mapHTTPConfig(cfg); err != nil {
			a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
		} else {
			a.httpd.Reconfigure(ctx, hc)
		}
	}
	if changed["systemd"] {
		a.units.SetUnits(cfg.Systemd.Units)
	}
	if changed["backup"] || changed["speedtest"] {
		a.syncBuiltins(cfg)
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	ncfg, tcfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	var sender notifier.Sender
	if ncfg.Enabled && a.fixedSender == nil {
		tg, err := notifier.NewTelegram(tcfg)
		if err != nil {
			a.log.Warn("telegram sender rejected; keeping previous", logx.Err(err))
		} else {
			sender = tg
		}
	}

	// Restart so worker count, queue size and the sender all take effect.
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.notif.Stop(stopCtx)
	cancel()
	a.notif.Apply(ncfg, sender)
	a.notif.Start(a.sup.Context())
	a.log.Info("notifier reconfigured", logx.Bool("enabled", a.notif.Enabled()))
}

// syncBuiltins adds or removes optional system jobs. A changed schedule on an
// existing built-in keeps the running definition until restart.
func (a *App) syncBuiltins(cfg *config.Config) {
	want := map[string]bool{}
	for _, d := range builtin.Definitions(cfg, time.Now()) {
		want[d.ID] = true
		cur, ok := a.sched.Definition(d.ID)
		if !ok {
			if err := a.sched.AddJob(d); err != nil {
				a.log.Warn("built-in job not added", logx.String("job", d.ID), logx.Err(err))
			}
			continue
		}
		if cur.Trigger.String() != d.Trigger.String() {
			a.log.Warn("built-in schedule changed; restart required",
				logx.String("job", d.ID), logx.String("current", cur.Trigger.String()), logx.String("configured", d.Trigger.String()))
		}
	}
	for _, d := range a.sched.Definitions() {
		if d.BuiltIn && !want[d.ID] {
			a.sched.RemoveJob(d.ID)
			a.log.Info("built-in job removed", logx.String("job", d.ID))
		}
	}
}
