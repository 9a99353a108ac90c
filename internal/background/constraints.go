package background

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Constraints decides whether deferred work may run now.
type Constraints interface {
	// Allowed reports whether work may start and, if not, why.
	Allowed(ctx context.Context) (bool, string)
}

// ConstraintFunc adapts a function to Constraints.
type ConstraintFunc func(ctx context.Context) (bool, string)

func (f ConstraintFunc) Allowed(ctx context.Context) (bool, string) { return f(ctx) }

// Always never defers work.
var Always = ConstraintFunc(func(context.Context) (bool, string) { return true, "" })

// SystemConstraints requires a usable network interface and a battery that is
// charging or above CriticalPercent.
type SystemConstraints struct {
	// PowerSupplyDir is the sysfs power supply class directory.
	PowerSupplyDir string
	// CriticalPercent is the battery level below which work waits for a charger.
	CriticalPercent int
}

// DefaultSystemConstraints reads /sys/class/power_supply and treats 5% as critical.
func DefaultSystemConstraints() SystemConstraints {
	return SystemConstraints{PowerSupplyDir: "/sys/class/power_supply", CriticalPercent: 5}
}

func (c SystemConstraints) Allowed(ctx context.Context) (bool, string) {
	if !NetworkAvailable(ctx) {
		return false, "network unavailable"
	}
	if c.batteryCritical() {
		return false, "battery critical"
	}
	return true, ""
}

// NetworkAvailable reports whether any non-loopback interface is up with an
// address assigned.
func NetworkAvailable(ctx context.Context) bool {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		// Can't tell; don't hold work back.
		return true
	}
	for _, iface := range ifaces {
		up, loopback := false, false
		for _, flag := range iface.Flags {
			switch flag {
			case "up":
				up = true
			case "loopback":
				loopback = true
			}
		}
		if up && !loopback && len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}

// batteryCritical is false on machines without a battery.
func (c SystemConstraints) batteryCritical() bool {
	if c.PowerSupplyDir == "" {
		return false
	}
	matches, _ := filepath.Glob(filepath.Join(c.PowerSupplyDir, "BAT*"))
	for _, dir := range matches {
		status := readTrimmed(filepath.Join(dir, "status"))
		if status == "Charging" || status == "Full" {
			continue
		}
		capacity, err := strconv.Atoi(readTrimmed(filepath.Join(dir, "capacity")))
		if err != nil {
			continue
		}
		if capacity < c.CriticalPercent {
			return true
		}
	}
	return false
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
