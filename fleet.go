package main

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crosline/fleetd/audio"
	"github.com/crosline/fleetd/call"
	"github.com/crosline/fleetd/device"
	"github.com/crosline/fleetd/modem"
	"github.com/crosline/fleetd/sms"
)

const maxMonitorBackoff = time.Minute

// fleetEvent is the shape broadcast to websocket subscribers.
type fleetEvent struct {
	Kind     string    `json:"kind"`
	DeviceID string    `json:"device_id"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

type fleetMetrics struct {
	ModemsOnline    prometheus.Gauge
	RefreshFailures prometheus.Counter
	InitFailures    prometheus.Counter
}

func newFleetMetrics(reg prometheus.Registerer) *fleetMetrics {
	m := &fleetMetrics{
		ModemsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_modems",
			Help: "Modems currently attached.",
		}),
		RefreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_status_refresh_failures_total",
			Help: "Failed status refresh attempts.",
		}),
		InitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_init_failures_total",
			Help: "Failed modem initialization attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ModemsOnline, m.RefreshFailures, m.InitFailures)
	}
	return m
}

// fleetModem is one attached modem with its goroutine lifetime.
type fleetModem struct {
	m      *modem.Modem
	cancel context.CancelFunc
	done   chan struct{}
}

// Fleet discovers modems, runs their event loops and monitors, and
// routes their events to the call and SMS handlers.
type Fleet struct {
	devices         *device.Manager
	logger          *slog.Logger
	metrics         *fleetMetrics
	hub             *Hub
	baudRate        int
	atTimeout       time.Duration
	dialTimeout     time.Duration
	scanInterval    time.Duration
	monitorInterval time.Duration
	audioCfg        audio.Config

	calls *call.Handler
	sms   *sms.Handler

	mu     sync.Mutex
	modems map[string]*fleetModem
}

// NewFleet builds the fleet orchestrator. Attach the call and SMS
// handlers before Run.
func NewFleet(devices *device.Manager, hub *Hub, logger *slog.Logger, cfg *Config, metrics *fleetMetrics) *Fleet {
	audioCfg := audio.DefaultConfig()
	audioCfg.SampleRate = cfg.AudioSampleRate
	audioCfg.ChunkSize = cfg.AudioChunkSize
	audioCfg.NoiseReduction = cfg.NoiseReduction
	audioCfg.VADAggressiveness = cfg.VADAggressiveness

	return &Fleet{
		devices:         devices,
		logger:          logger,
		metrics:         metrics,
		hub:             hub,
		baudRate:        cfg.BaudRate,
		atTimeout:       cfg.ATTimeout,
		dialTimeout:     cfg.DialTimeout,
		scanInterval:    cfg.ScanInterval,
		monitorInterval: time.Second,
		audioCfg:        audioCfg,
		modems:          make(map[string]*fleetModem),
	}
}

// Attach wires the event consumers. Must happen before Run.
func (f *Fleet) Attach(calls *call.Handler, smsHandler *sms.Handler) {
	f.calls = calls
	f.sms = smsHandler
}

// Run scans for devices until the context is canceled, then closes
// every modem.
func (f *Fleet) Run(ctx context.Context) {
	f.scan(ctx)

	ticker := time.NewTicker(f.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return
		case <-ticker.C:
			f.scan(ctx)
		}
	}
}

// scan refreshes the device table and reconciles the modem set.
func (f *Fleet) scan(ctx context.Context) {
	added, removed, err := f.devices.Refresh()
	if err != nil {
		f.logger.Error("device scan failed", "error", err)
		return
	}

	for _, pair := range removed {
		f.stop(pair.DeviceID)
	}
	for _, pair := range added {
		f.start(ctx, pair)
	}
}

// start attaches one discovered modem: event loop, initialization and
// the status monitor.
func (f *Fleet) start(ctx context.Context, pair device.Pair) {
	config, err := modem.NewConfigBuilder().
		WithDeviceID(pair.DeviceID).
		WithAudioPort(pair.AudioPort).
		WithDialer(modem.SerialDialer{
			PortName: pair.ControlPort,
			BaudRate: f.baudRate,
		}).
		WithATTimeout(f.atTimeout).
		WithDialTimeout(f.dialTimeout).
		Build()
	if err != nil {
		f.logger.Error("modem configuration rejected", "device", pair.DeviceID, "error", err)
		return
	}

	m, err := modem.New(ctx, config)
	if err != nil {
		f.logger.Error("modem attach failed",
			"device", pair.DeviceID, "port", pair.ControlPort, "error", err)
		return
	}

	mctx, cancel := context.WithCancel(ctx)
	fm := &fleetModem{m: m, cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	f.modems[pair.DeviceID] = fm
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.ModemsOnline.Inc()
	}

	f.logger.Info("modem attached",
		"device", pair.DeviceID, "control", pair.ControlPort, "audio", pair.AudioPort)
	f.hub.Broadcast(fleetEvent{Kind: "modem_added", DeviceID: pair.DeviceID, Time: time.Now()})

	go func() {
		if err := m.Loop(mctx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Warn("modem loop ended", "device", pair.DeviceID, "error", err)
		}
	}()
	go f.pumpEvents(mctx, m)
	go f.monitor(mctx, fm)
}

// stop detaches a vanished modem.
func (f *Fleet) stop(deviceID string) {
	f.mu.Lock()
	fm, ok := f.modems[deviceID]
	if ok {
		delete(f.modems, deviceID)
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	fm.cancel()
	if err := fm.m.Close(); err != nil && !errors.Is(err, modem.ErrAlreadyClosed) {
		f.logger.Warn("modem close failed", "device", deviceID, "error", err)
	}
	if f.metrics != nil {
		f.metrics.ModemsOnline.Dec()
	}
	f.logger.Info("modem detached", "device", deviceID)
	f.hub.Broadcast(fleetEvent{Kind: "modem_removed", DeviceID: deviceID, Time: time.Now()})
}

func (f *Fleet) closeAll() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.modems))
	for id := range f.modems {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.stop(id)
	}
}

// pumpEvents forwards one modem's event stream to the handlers and the
// websocket hub.
func (f *Fleet) pumpEvents(ctx context.Context, m *modem.Modem) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.Events():
			if !ok {
				return
			}

			switch ev.Type {
			case modem.EventRing, modem.EventCallerID, modem.EventCallEnded:
				f.calls.HandleEvent(ctx, m, ev)
			case modem.EventNewSMS:
				f.sms.Notify(ev.DeviceID)
			}

			f.hub.Broadcast(fleetEvent{
				Kind:     eventKind(ev.Type),
				DeviceID: ev.DeviceID,
				Detail:   ev.Raw,
				Time:     ev.Time,
			})
		}
	}
}

func eventKind(t modem.EventType) string {
	switch t {
	case modem.EventRing:
		return "ring"
	case modem.EventCallerID:
		return "caller_id"
	case modem.EventNewSMS:
		return "new_sms"
	case modem.EventRegistration:
		return "registration"
	case modem.EventCallEnded:
		return "call_ended"
	default:
		return "unknown"
	}
}

// monitor initializes the modem and keeps its status fresh. Repeated
// failures back off exponentially up to a minute instead of hammering a
// sick device at a fixed cadence.
func (f *Fleet) monitor(ctx context.Context, fm *fleetModem) {
	defer close(fm.done)

	m := fm.m
	initialized := false
	failures := 0
	delay := f.monitorInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		info := m.Info()
		var err error
		switch {
		case !initialized:
			if err = m.Initialize(ctx); err == nil {
				initialized = true
				f.logger.Info("modem ready",
					"device", info.DeviceID, "number", m.Info().PhoneNumber)
			} else if f.metrics != nil {
				f.metrics.InitFailures.Inc()
			}

		case info.Status == modem.StatusError || m.StatusAge() > m.StatusMaxAge():
			if err = m.RefreshStatus(ctx); err != nil && f.metrics != nil {
				f.metrics.RefreshFailures.Inc()
			}
		}

		if err != nil {
			failures++
			delay = f.monitorInterval << min(failures, 6)
			if delay > maxMonitorBackoff {
				delay = maxMonitorBackoff
			}
			f.logger.Warn("modem monitor attempt failed",
				"device", info.DeviceID, "failures", failures, "retry_in", delay, "error", err)
			continue
		}
		failures = 0
		delay = f.monitorInterval
	}
}

// Modems returns status snapshots sorted by device ID.
func (f *Fleet) Modems() []modem.Info {
	f.mu.Lock()
	live := make([]*fleetModem, 0, len(f.modems))
	for _, fm := range f.modems {
		live = append(live, fm)
	}
	f.mu.Unlock()

	out := make([]modem.Info, 0, len(live))
	for _, fm := range live {
		out = append(out, fm.m.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// callModems adapts the fleet for the call handler.
func (f *Fleet) callModems() []call.Modem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call.Modem, 0, len(f.modems))
	for _, fm := range f.modems {
		out = append(out, fm.m)
	}
	return out
}

// smsModems adapts the fleet for the SMS handler.
func (f *Fleet) smsModems() []sms.Modem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sms.Modem, 0, len(f.modems))
	for _, fm := range f.modems {
		out = append(out, fm.m)
	}
	return out
}

// openAudioLink opens the full-duplex voice path paired with a modem.
func (f *Fleet) openAudioLink(info modem.Info) (call.AudioLink, error) {
	// The card index can move when USB hardware re-enumerates, so the
	// pairing table's current view wins over the attach-time snapshot.
	port := info.AudioPort
	if pair, ok := f.devices.Lookup(info.DeviceID); ok && pair.AudioPort != "" {
		port = pair.AudioPort
	}
	if port == "" {
		return nil, errors.New("fleetd: modem has no paired audio device")
	}
	capture, err := audio.OpenCapture(port, f.audioCfg)
	if err != nil {
		return nil, err
	}
	playback, err := audio.OpenPlayback(port, f.audioCfg)
	if err != nil {
		capture.Close()
		return nil, err
	}
	return &duplexLink{capture: capture, playback: playback}, nil
}

type duplexLink struct {
	capture  *audio.CaptureStream
	playback *audio.PlaybackStream
}

func (l *duplexLink) Read(samples []int16) error {
	chunk, err := l.capture.Read()
	if err != nil {
		return err
	}
	copy(samples, chunk)
	return nil
}

func (l *duplexLink) Write(samples []int16) error {
	return l.playback.Write(samples)
}

func (l *duplexLink) Close() error {
	cerr := l.capture.Close()
	perr := l.playback.Close()
	if cerr != nil {
		return cerr
	}
	return perr
}
