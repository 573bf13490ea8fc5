// Package routing implements the device-side audio routing state machine.
//
// A Session owns the choice of physical audio device for the voice
// session (Bluetooth hands-free link, built-in speaker, or the platform
// default) and holds exclusive communication-mode focus while running.
// Platform device enumeration and focus APIs sit behind the AudioPort
// capability interface, so the state machine runs against fakes in tests
// and against real hardware glue in the application.
//
// Every individual platform call may fail independently; failures are
// logged and swallowed. A partially configured session still has an
// audio path, which beats aborting the call.
package routing

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DeviceClass tags a candidate output device.
type DeviceClass uint8

const (
	// DeviceDefault leaves routing to the platform.
	DeviceDefault DeviceClass = iota
	// DeviceBuiltinSpeaker is the built-in loudspeaker.
	DeviceBuiltinSpeaker
	// DeviceBluetoothSCO is a Bluetooth hands-free voice link.
	DeviceBluetoothSCO
)

// String returns the device class name for logging.
func (c DeviceClass) String() string {
	switch c {
	case DeviceBluetoothSCO:
		return "bluetooth-sco"
	case DeviceBuiltinSpeaker:
		return "builtin-speaker"
	default:
		return "default"
	}
}

// Device is one selectable audio output.
type Device struct {
	Class DeviceClass
	Name  string
}

// AudioPort abstracts the platform audio service.
type AudioPort interface {
	// ListCandidateDevices enumerates currently available outputs.
	ListCandidateDevices() []Device
	// SelectDevice routes session audio to d.
	SelectDevice(d Device) error
	// ClearDeviceSelection restores platform-default routing.
	ClearDeviceSelection() error
	// AcquireFocus requests transient exclusive focus for voice use.
	AcquireFocus() error
	// ReleaseFocus gives exclusive focus back.
	ReleaseFocus() error
	// SetCommunicationMode toggles the platform voice-call audio mode,
	// which also controls volume-key routing.
	SetCommunicationMode(enabled bool) error
	// Subscribe registers a device-availability-change callback and
	// returns the matching unsubscribe. The callback may run on any
	// goroutine; it must not be invoked synchronously from Subscribe.
	Subscribe(onChange func()) (unsubscribe func())
}

// DefaultPreference is the stock device policy: a Bluetooth hands-free
// link wins over the built-in speaker, which wins over leaving the
// platform default alone. Expressed as an ordered list so new device
// classes slot in without branching logic.
var DefaultPreference = []DeviceClass{DeviceBluetoothSCO, DeviceBuiltinSpeaker, DeviceDefault}

// State is a snapshot of the session.
type State struct {
	Running         bool
	PreferredDevice DeviceClass
	FocusHeld       bool
}

// Session drives one voice session's routing. All methods are safe to
// call from any goroutine, including the platform's notification thread.
type Session struct {
	port       AudioPort
	preference []DeviceClass

	mu          sync.Mutex
	running     bool
	focusHeld   bool
	active      *Device
	unsubscribe func()
}

// NewSession creates a session over the given platform port. A nil
// preference selects DefaultPreference.
func NewSession(port AudioPort, preference []DeviceClass) *Session {
	if preference == nil {
		preference = DefaultPreference
	}
	return &Session{port: port, preference: preference}
}

// Start acquires focus, switches to communication mode, picks the
// preferred device and subscribes to availability changes. Already
// running is a no-op. Individual platform failures do not abort the
// remaining steps.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	if err := s.port.AcquireFocus(); err != nil {
		logrus.WithError(err).Warn("Audio focus request failed")
	} else {
		s.focusHeld = true
	}
	if err := s.port.SetCommunicationMode(true); err != nil {
		logrus.WithError(err).Warn("Communication mode switch failed")
	}

	s.applyPreferredLocked()
	s.unsubscribe = s.port.Subscribe(s.onDevicesChanged)

	logrus.WithFields(logrus.Fields{
		"device": s.activeClassLocked().String(),
		"focus":  s.focusHeld,
	}).Info("Audio routing session started")
}

// Stop tears the session down: unsubscribes, restores normal mode,
// releases focus and clears the device selection. Safe to call multiple
// times and after a partially failed Start.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.active != nil {
		if err := s.port.ClearDeviceSelection(); err != nil {
			logrus.WithError(err).Warn("Device selection clear failed")
		}
		s.active = nil
	}
	if err := s.port.SetCommunicationMode(false); err != nil {
		logrus.WithError(err).Warn("Communication mode restore failed")
	}
	if s.focusHeld {
		if err := s.port.ReleaseFocus(); err != nil {
			logrus.WithError(err).Warn("Audio focus release failed")
		}
		s.focusHeld = false
	}

	logrus.Info("Audio routing session stopped")
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Running:         s.running,
		PreferredDevice: s.activeClassLocked(),
		FocusHeld:       s.focusHeld,
	}
}

// onDevicesChanged re-evaluates the device policy. It runs on whatever
// goroutine the platform notification uses.
func (s *Session) onDevicesChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.applyPreferredLocked()
}

// applyPreferredLocked picks the best available device by preference
// order and switches only when the choice actually changed.
func (s *Session) applyPreferredLocked() {
	available := s.port.ListCandidateDevices()
	choice, ok := s.pickDevice(available)

	if !ok || choice.Class == DeviceDefault {
		// Nothing to route explicitly: fall back to the platform
		// default, clearing a previous explicit selection if one exists.
		if s.active != nil {
			if err := s.port.ClearDeviceSelection(); err != nil {
				logrus.WithError(err).Warn("Device selection clear failed")
			}
			s.active = nil
		}
		return
	}

	if s.active != nil && *s.active == choice {
		return
	}
	if err := s.port.SelectDevice(choice); err != nil {
		logrus.WithError(err).WithField("device", choice.Class.String()).Warn("Device switch failed")
		return
	}
	s.active = &choice

	logrus.WithFields(logrus.Fields{
		"device": choice.Class.String(),
		"name":   choice.Name,
	}).Info("Audio route switched")
}

// pickDevice returns the first available device matching the preference
// order.
func (s *Session) pickDevice(available []Device) (Device, bool) {
	for _, class := range s.preference {
		if class == DeviceDefault {
			return Device{Class: DeviceDefault}, true
		}
		for _, d := range available {
			if d.Class == class {
				return d, true
			}
		}
	}
	return Device{}, false
}

func (s *Session) activeClassLocked() DeviceClass {
	if s.active == nil {
		return DeviceDefault
	}
	return s.active.Class
}
