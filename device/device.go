// Package device discovers the serial and audio interfaces exposed by USB
// GSM modems and pairs them into per-modem device records. A dual-interface
// modem shows up as two serial ports (AT control plus diagnostics) and one
// ALSA sound card; the pairing groups the ports by USB topology and
// correlates a sound card to each group.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gordonklaus/portaudio"
	"go.bug.st/serial/enumerator"
)

// SerialPort describes one discovered serial device node.
type SerialPort struct {
	Name         string // OS device path, e.g. /dev/ttyUSB0
	SerialNumber string
	VID          string
	PID          string
	// Location is the USB topology path (e.g. "1-1.2") when it could be
	// resolved from sysfs. Two ports of the same physical modem share it.
	Location string
}

// AudioDevice describes one discovered ALSA device usable for call audio.
type AudioDevice struct {
	Name           string
	Card           int
	Device         int
	InputChannels  int
	OutputChannels int
	SampleRate     float64
}

// HWName returns the ALSA device designation, e.g. "hw:1,0".
func (d AudioDevice) HWName() string {
	return fmt.Sprintf("hw:%d,%d", d.Card, d.Device)
}

// Pair binds the control port and audio device of one physical modem.
type Pair struct {
	DeviceID    string
	ControlPort string
	AudioPort   string
	// Ports lists every serial port in the modem's USB group, control
	// port first.
	Ports []string
}

// SerialSource enumerates candidate modem serial ports. It exists as an
// interface so scans can be driven from fixtures in tests.
type SerialSource interface {
	List() ([]SerialPort, error)
}

// AudioSource enumerates candidate call audio devices.
type AudioSource interface {
	List() ([]AudioDevice, error)
}

// EnumeratorSource lists USB serial ports via the OS port enumerator and
// resolves each port's USB topology location from sysfs.
type EnumeratorSource struct {
	// SysfsRoot is the tty class directory, overridable for tests.
	// Empty means /sys/class/tty.
	SysfsRoot string
}

func (s EnumeratorSource) List() ([]SerialPort, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	root := s.SysfsRoot
	if root == "" {
		root = "/sys/class/tty"
	}

	var ports []SerialPort
	for _, d := range details {
		if !d.IsUSB || !likelyModemPort(d.Name) {
			continue
		}
		ports = append(ports, SerialPort{
			Name:         d.Name,
			SerialNumber: d.SerialNumber,
			VID:          d.VID,
			PID:          d.PID,
			Location:     usbLocation(root, filepath.Base(d.Name)),
		})
	}
	return ports, nil
}

// likelyModemPort filters to the device name patterns USB modems appear
// under on Linux.
func likelyModemPort(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "ttyUSB") || strings.HasPrefix(base, "ttyACM")
}

// interfacePattern matches a sysfs USB interface path segment such as
// "1-1.2:1.0". The part before the colon is the physical port path shared
// by every interface of the same device.
var interfacePattern = regexp.MustCompile(`^(\d+-[\d.]+):[\d.]+$`)

// usbLocation resolves the USB topology path of a tty device from its
// sysfs symlink. Returns "" when it cannot be determined.
func usbLocation(root, tty string) string {
	target, err := os.Readlink(filepath.Join(root, tty))
	if err != nil {
		return ""
	}
	for _, seg := range strings.Split(target, "/") {
		if m := interfacePattern.FindStringSubmatch(seg); m != nil {
			return m[1]
		}
	}
	return ""
}

// PortAudioSource lists ALSA hardware devices through portaudio. The host
// must have called portaudio.Initialize first.
type PortAudioSource struct{}

func (PortAudioSource) List() ([]AudioDevice, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate audio devices: %w", err)
	}

	var devices []AudioDevice
	for _, info := range infos {
		card, dev, ok := parseHWName(info.Name)
		if !ok {
			continue
		}
		devices = append(devices, AudioDevice{
			Name:           info.Name,
			Card:           card,
			Device:         dev,
			InputChannels:  info.MaxInputChannels,
			OutputChannels: info.MaxOutputChannels,
			SampleRate:     info.DefaultSampleRate,
		})
	}
	return devices, nil
}

// parseHWName extracts the ALSA card and device indices from a portaudio
// device name such as "EC25: USB Audio (hw:1,0)".
func parseHWName(name string) (card, device int, ok bool) {
	i := strings.LastIndex(name, "(hw:")
	if i < 0 {
		return 0, 0, false
	}
	rest := name[i+len("(hw:"):]
	j := strings.IndexByte(rest, ')')
	if j < 0 {
		return 0, 0, false
	}
	parts := strings.Split(rest[:j], ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	card, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	device, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return card, device, true
}
