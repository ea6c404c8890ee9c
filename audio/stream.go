package audio

import (
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// FindDevice locates the portaudio device whose name carries the given
// ALSA designation, e.g. "hw:1,0". portaudio.Initialize must have been
// called.
func FindDevice(hwName string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate audio devices: %w", err)
	}
	needle := "(" + hwName + ")"
	for _, d := range devices {
		if strings.Contains(d.Name, needle) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("audio device %s not found", hwName)
}

// CaptureStream reads call audio from a modem's voice interface.
type CaptureStream struct {
	stream *portaudio.Stream
	buf    []int16
}

// OpenCapture opens and starts a capture stream on the given ALSA device.
func OpenCapture(hwName string, config Config) (*CaptureStream, error) {
	dev, err := FindDevice(hwName)
	if err != nil {
		return nil, err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = config.Channels
	params.SampleRate = float64(config.SampleRate)
	params.FramesPerBuffer = config.ChunkSize

	buf := make([]int16, config.ChunkSize*config.Channels)
	stream, err := portaudio.OpenStream(params, &buf)
	if err != nil {
		return nil, fmt.Errorf("open capture stream %s: %w", hwName, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start capture stream %s: %w", hwName, err)
	}
	return &CaptureStream{stream: stream, buf: buf}, nil
}

// Read blocks until one chunk of audio has been captured and returns a
// copy of it.
func (s *CaptureStream) Read() ([]int16, error) {
	if err := s.stream.Read(); err != nil {
		return nil, err
	}
	out := make([]int16, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

func (s *CaptureStream) Close() error {
	s.stream.Stop()
	return s.stream.Close()
}

// PlaybackStream writes synthesized speech to a modem's voice interface.
type PlaybackStream struct {
	stream *portaudio.Stream
	buf    []int16
}

// OpenPlayback opens and starts a playback stream on the given ALSA device.
func OpenPlayback(hwName string, config Config) (*PlaybackStream, error) {
	dev, err := FindDevice(hwName)
	if err != nil {
		return nil, err
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = config.Channels
	params.SampleRate = float64(config.SampleRate)
	params.FramesPerBuffer = config.ChunkSize

	buf := make([]int16, config.ChunkSize*config.Channels)
	stream, err := portaudio.OpenStream(params, &buf)
	if err != nil {
		return nil, fmt.Errorf("open playback stream %s: %w", hwName, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start playback stream %s: %w", hwName, err)
	}
	return &PlaybackStream{stream: stream, buf: buf}, nil
}

// Write plays the samples, padding the final chunk with silence.
func (s *PlaybackStream) Write(samples []int16) error {
	for off := 0; off < len(samples); off += len(s.buf) {
		n := copy(s.buf, samples[off:])
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PlaybackStream) Close() error {
	s.stream.Stop()
	return s.stream.Close()
}
