//go:build linux

package systemd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

type dbusLister struct {
	conn *dbus.Conn
}

func dialSystem(ctx context.Context) (lister, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &dbusLister{conn: conn}, nil
}

func (d *dbusLister) ListUnits(ctx context.Context, names []string) ([]UnitStatus, error) {
	units, err := d.conn.ListUnitsByNamesContext(ctx, names)
	if err != nil {
		return nil, err
	}
	out := make([]UnitStatus, 0, len(units))
	for _, u := range units {
		out = append(out, UnitStatus{Name: u.Name, ActiveState: u.ActiveState, SubState: u.SubState, LoadState: u.LoadState})
	}
	return out, nil
}

func (d *dbusLister) Close() { d.conn.Close() }
