package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "upkeep/pkg/logx"
)

// sdNotify reports state to systemd when running as a Type=notify unit.
// Outside systemd ($NOTIFY_SOCKET unset) every call is a no-op.
type sdNotify struct {
	enabled bool
	log     logx.Logger
}

func (n sdNotify) send(state string) {
	if !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n sdNotify) ready()    { n.send(daemon.SdNotifyReady) }
func (n sdNotify) stopping() { n.send(daemon.SdNotifyStopping) }

// watchdog pings at half the WATCHDOG_USEC interval while healthy reports true.
// It returns nil immediately when no watchdog is configured.
func (n sdNotify) watchdog(ctx context.Context, healthy func() bool) error {
	if !n.enabled {
		return nil
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy() {
				n.send(daemon.SdNotifyWatchdog)
			} else {
				n.log.Warn("skipping watchdog ping; scheduler not running")
			}
		}
	}
}
