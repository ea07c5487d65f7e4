// Package hal drives the two host GPIO lines the agent owns directly —
// distinct from the PLC's own coils, which travel over Modbus through
// internal/modbus instead.
package hal

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

// Status is the host GPIO surface: a heartbeat output and an e-stop
// input. Implementations must be safe for concurrent use.
type Status interface {
	HeartbeatPulse() error
	EStopAsserted() (bool, error)
	Close() error
}

// RaspberryPiStatus drives the heartbeat LED and reads the e-stop line
// on a Raspberry Pi class host via go-rpio.
type RaspberryPiStatus struct {
	mu sync.Mutex

	heartbeatPin rpio.Pin
	estopPin     rpio.Pin

	heartbeatOn bool
}

// NewRaspberryPiStatus opens the GPIO chip and configures the two
// lines: heartbeat as output (starts low), e-stop as input.
func NewRaspberryPiStatus(heartbeatPin, estopPin int) (*RaspberryPiStatus, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("opening gpio: %w", err)
	}

	hb := rpio.Pin(heartbeatPin)
	hb.Output()
	hb.Low()

	es := rpio.Pin(estopPin)
	es.Input()
	es.PullUp()

	return &RaspberryPiStatus{heartbeatPin: hb, estopPin: es}, nil
}

// HeartbeatPulse toggles the heartbeat line. Called once per successful
// sync tick so the line's frequency is a technician's at-a-glance
// liveness signal, not just a steady on/off state.
func (s *RaspberryPiStatus) HeartbeatPulse() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartbeatOn = !s.heartbeatOn
	if s.heartbeatOn {
		s.heartbeatPin.High()
	} else {
		s.heartbeatPin.Low()
	}
	return nil
}

// EStopAsserted reports the e-stop line's current state. The line is
// pulled up and wired normally-closed, so a read of Low means asserted.
func (s *RaspberryPiStatus) EStopAsserted() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estopPin.Read() == rpio.Low, nil
}

// Close releases the GPIO chip.
func (s *RaspberryPiStatus) Close() error {
	return rpio.Close()
}
