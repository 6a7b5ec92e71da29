//go:build linux

package units

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

type dbusBackend struct {
	conn *dbus.Conn
}

func dialSystem(ctx context.Context) (Backend, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return &dbusBackend{conn: conn}, nil
}

func (b *dbusBackend) State(ctx context.Context, name string) (State, error) {
	unit := name + ".service"
	notFound := State{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}

	units, err := b.conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil {
		for _, u := range units {
			if u.Name != unit {
				continue
			}
			if u.LoadState == "not-found" {
				return notFound, nil
			}
			st := State{Name: name, Active: u.ActiveState, SubState: u.SubState, LoadState: u.LoadState}
			if !st.Up() {
				if props, perr := b.conn.GetUnitPropertiesContext(ctx, unit); perr == nil {
					st.Since = timestamp(props, "InactiveEnterTimestamp")
				}
			}
			return st, nil
		}
	}

	// ListUnitsByPatterns skips units that are not loaded.
	props, err := b.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return notFound, nil
		}
		return State{}, fmt.Errorf("get properties: %w", err)
	}
	st := State{
		Name:      name,
		Active:    str(props, "ActiveState"),
		SubState:  str(props, "SubState"),
		LoadState: str(props, "LoadState"),
		Since:     timestamp(props, "StateChangeTimestamp"),
	}
	if st.LoadState == "not-found" {
		return notFound, nil
	}
	return st, nil
}

func (b *dbusBackend) Restart(ctx context.Context, name string) error {
	_, err := b.conn.RestartUnitContext(ctx, name+".service", "replace", nil)
	return err
}

func (b *dbusBackend) Close() error {
	b.conn.Close()
	return nil
}

// timestamp reads a systemd microsecond timestamp property.
func timestamp(props map[string]any, key string) time.Time {
	if us, ok := props[key].(uint64); ok && us > 0 {
		return time.UnixMicro(int64(us))
	}
	return time.Time{}
}

func str(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}
