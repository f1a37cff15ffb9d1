package samplestore

import "github.com/ecowatt/agent/internal/modbus"

// Sample is one poll's worth of register readings, keyed by symbolic id in
// the fixed register order.
type Sample struct {
	Timestamp int64
	Values    map[modbus.RegisterID]uint16
}
