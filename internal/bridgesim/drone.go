package bridgesim

import (
	"strconv"
	"strings"
	"sync"
)

// drone answers SDK commands from in-memory state.
type drone struct {
	mu      sync.Mutex
	mac     string
	battery int
	speed   int
	sdk     bool
	flying  bool
}

func newDrone(c DroneConfig) *drone {
	return &drone{mac: c.MAC, battery: c.Battery, speed: 10}
}

// handle returns the drone's reply to cmd.
func (d *drone) handle(cmd string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "error"
	}

	switch fields[0] {
	case "command":
		d.sdk = true
		return "ok"
	case "battery?":
		return strconv.Itoa(d.battery)
	case "speed?":
		return strconv.Itoa(d.speed)
	case "time?":
		return "0s"
	case "height?":
		if d.flying {
			return "50dm"
		}
		return "0dm"
	}

	if !d.sdk {
		return "error Not in SDK mode"
	}

	switch fields[0] {
	case "takeoff":
		if d.battery < 10 {
			return "error Low battery"
		}
		d.flying = true
		return "ok"
	case "land", "emergency":
		d.flying = false
		return "ok"
	case "up", "down", "left", "right", "forward", "back", "cw", "ccw":
		if !d.flying {
			return "error Motor stop"
		}
		if len(fields) != 2 {
			return "error"
		}
		if _, err := strconv.Atoi(fields[1]); err != nil {
			return "error"
		}
		return "ok"
	case "speed":
		if len(fields) != 2 {
			return "error"
		}
		v, err := strconv.Atoi(fields[1])
		if err != nil || v < 10 || v > 100 {
			return "out of range"
		}
		d.speed = v
		return "ok"
	case "stop", "flip", "go", "curve", "rc", "wifi":
		return "ok"
	}
	return "unknown command: " + fields[0]
}
