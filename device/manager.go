package device

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Manager maintains the device_id -> (control port, audio port) pairing
// table. Refresh rebuilds the whole table and swaps it in atomically, so
// readers never observe a partially updated mapping.
type Manager struct {
	serial SerialSource
	audio  AudioSource
	logger *slog.Logger

	mu    sync.RWMutex
	pairs map[string]Pair
}

func NewManager(serial SerialSource, audio AudioSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		serial: serial,
		audio:  audio,
		logger: logger,
		pairs:  make(map[string]Pair),
	}
}

// Refresh rescans serial and audio devices and replaces the pairing table.
// It reports which pairs appeared and which vanished relative to the
// previous scan. Undersized USB groups and groups without a correlatable
// audio device are logged and excluded, never fatal.
func (m *Manager) Refresh() (added, removed []Pair, err error) {
	ports, err := m.serial.List()
	if err != nil {
		return nil, nil, fmt.Errorf("scan serial ports: %w", err)
	}
	audioDevs, err := m.audio.List()
	if err != nil {
		return nil, nil, fmt.Errorf("scan audio devices: %w", err)
	}

	next := m.buildPairs(ports, audioDevs)

	m.mu.Lock()
	prev := m.pairs
	m.pairs = next
	m.mu.Unlock()

	for id, pair := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, pair)
		}
	}
	for id, pair := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, pair)
		}
	}
	sortPairs(added)
	sortPairs(removed)
	return added, removed, nil
}

// buildPairs groups serial ports by physical modem and correlates one audio
// device to each group. Audio correlation is positional in topology order,
// a documented approximation: USB sound cards enumerate in the same bus
// order as their sibling serial interfaces on the hardware this targets.
func (m *Manager) buildPairs(ports []SerialPort, audioDevs []AudioDevice) map[string]Pair {
	groups := make(map[string][]SerialPort)
	for i, p := range ports {
		key := groupKey(p, portIndex(p.Name, i))
		groups[key] = append(groups[key], p)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	duplex := duplexDevices(audioDevs)

	pairs := make(map[string]Pair)
	nextAudio := 0
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			m.logger.Warn("modem group has a single port, skipping",
				"group", key, "port", group[0].Name)
			continue
		}
		if nextAudio >= len(duplex) {
			m.logger.Warn("no audio device left for modem group, skipping",
				"group", key)
			continue
		}

		names := make([]string, len(group))
		for i, p := range group {
			names[i] = p.Name
		}
		sort.Strings(names)

		audio := duplex[nextAudio]
		nextAudio++

		id := deviceID(key)
		pairs[id] = Pair{
			DeviceID:    id,
			ControlPort: names[0],
			AudioPort:   audio.HWName(),
			Ports:       names,
		}
	}
	return pairs
}

// Pairs returns a sorted snapshot of the current pairing table.
func (m *Manager) Pairs() []Pair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Pair, 0, len(m.pairs))
	for _, p := range m.pairs {
		out = append(out, p)
	}
	sortPairs(out)
	return out
}

// Lookup returns the pair for one device id.
func (m *Manager) Lookup(deviceID string) (Pair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pairs[deviceID]
	return p, ok
}

// groupKey yields the location key that collects the ports of one physical
// modem. Topology location is authoritative; serial number and VID:PID are
// fallbacks, and as a last resort adjacent device indices are paired up.
func groupKey(p SerialPort, index int) string {
	switch {
	case p.Location != "":
		return "usb:" + p.Location
	case p.SerialNumber != "":
		return "sn:" + p.SerialNumber
	case p.VID != "" || p.PID != "":
		return fmt.Sprintf("id:%s:%s#%d", p.VID, p.PID, index/2)
	default:
		return fmt.Sprintf("idx:%d", index/2)
	}
}

// portIndex extracts the numeric suffix of a device name (ttyUSB3 -> 3),
// falling back to the enumeration position.
func portIndex(name string, fallback int) int {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return fallback
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return fallback
	}
	return n
}

// deviceID derives a stable identifier from a group key.
func deviceID(key string) string {
	id := strings.NewReplacer(":", "-", "/", "-", " ", "-", "#", "-").Replace(key)
	return "modem-" + id
}

// duplexDevices filters to devices usable for both capture and playback,
// ordered by card and device index.
func duplexDevices(devs []AudioDevice) []AudioDevice {
	var out []AudioDevice
	for _, d := range devs {
		if d.InputChannels > 0 && d.OutputChannels > 0 {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Card != out[j].Card {
			return out[i].Card < out[j].Card
		}
		return out[i].Device < out[j].Device
	})
	return out
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].DeviceID < pairs[j].DeviceID
	})
}
