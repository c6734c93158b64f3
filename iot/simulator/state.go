// Package simulator is a software rendition of a grow-controller
// device. It holds timers, regulators, irrigators and a set of
// sensors, answers commands over MQTT and drifts its sensor values
// over time.
package simulator

import (
	"math"
	"math/rand"
	"time"
)

// DiscreteTimer switches a channel on a schedule.
type DiscreteTimer struct {
	ID       int        `json:"id"`
	Enabled  bool       `json:"enabled"`
	Schedule string     `json:"schedule"`
	Duration float64    `json:"duration"`
	Channel  int        `json:"channel"`
	LastRun  *time.Time `json:"lastRun"`
}

// AnalogTimer drives a channel to a value on a schedule.
type AnalogTimer struct {
	ID       int        `json:"id"`
	Enabled  bool       `json:"enabled"`
	Schedule string     `json:"schedule"`
	Value    float64    `json:"value"`
	Channel  int        `json:"channel"`
	LastRun  *time.Time `json:"lastRun"`
}

// DiscreteRegulator keeps a sensor near a target with hysteresis.
type DiscreteRegulator struct {
	ID         int     `json:"id"`
	Enabled    bool    `json:"enabled"`
	Sensor     string  `json:"sensor"`
	Target     float64 `json:"target"`
	Hysteresis float64 `json:"hysteresis"`
	Channel    int     `json:"channel"`
	State      bool    `json:"state"`
}

// PID are the controller gains of an analog regulator.
type PID struct {
	P float64 `json:"p"`
	I float64 `json:"i"`
	D float64 `json:"d"`
}

// AnalogRegulator keeps a sensor near a target with a PID controller.
type AnalogRegulator struct {
	ID      int     `json:"id"`
	Enabled bool    `json:"enabled"`
	Sensor  string  `json:"sensor"`
	Target  float64 `json:"target"`
	PID     PID     `json:"pid"`
	Channel int     `json:"channel"`
	Value   float64 `json:"value"`
}

// Irrigator runs a pump on a schedule.
type Irrigator struct {
	ID       int     `json:"id"`
	Enabled  bool    `json:"enabled"`
	Schedule string  `json:"schedule"`
	Duration float64 `json:"duration"`
	Pump     int     `json:"pump"`
	Moisture float64 `json:"moisture"`
}

// State is the full device state as reported to the backend.
type State struct {
	Status             string              `json:"status"`
	Uptime             int64               `json:"uptime"`
	Temperature        float64             `json:"temperature"`
	Humidity           float64             `json:"humidity"`
	Pressure           float64             `json:"pressure"`
	DiscreteTimers     []DiscreteTimer     `json:"discreteTimers"`
	AnalogTimers       []AnalogTimer       `json:"analogTimers"`
	DiscreteRegulators []DiscreteRegulator `json:"discreteRegulators"`
	AnalogRegulators   []AnalogRegulator   `json:"analogRegulators"`
	Irrigators         []Irrigator         `json:"irrigators"`
	LastUpdate         time.Time           `json:"lastUpdate"`
}

// Sensors is the answer to a sensor read.
type Sensors struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
	Timestamp   time.Time `json:"timestamp"`
}

// Device status values.
const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusRebooting = "rebooting"
)

func initialState() State {
	return State{
		Status:      StatusOnline,
		Temperature: 23.5,
		Humidity:    45.2,
		Pressure:    1013.25,
		DiscreteTimers: []DiscreteTimer{
			{ID: 1, Channel: 1},
			{ID: 2, Channel: 2},
		},
		AnalogTimers: []AnalogTimer{
			{ID: 1, Channel: 1},
		},
		DiscreteRegulators: []DiscreteRegulator{
			{ID: 1, Sensor: "temperature", Target: 25, Hysteresis: 2, Channel: 1},
		},
		AnalogRegulators: []AnalogRegulator{
			{ID: 1, Sensor: "humidity", Target: 50, PID: PID{P: 1, I: 0.1, D: 0.05}, Channel: 1},
		},
		Irrigators: []Irrigator{
			{ID: 1, Duration: 300, Pump: 1, Moisture: 45},
		},
		LastUpdate: time.Now(),
	}
}

// drift moves the sensor values a little. Humidity stays within
// 0..100 percent.
func (s *State) drift(random *rand.Rand) {
	s.Temperature = round1(s.Temperature + (random.Float64()-0.5)*1.0)
	s.Humidity = round1(math.Max(0, math.Min(100, s.Humidity+(random.Float64()-0.5)*4.0)))
	s.Pressure = round2(s.Pressure + (random.Float64()-0.5)*2.0)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
