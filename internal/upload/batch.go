package upload

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ecowatt/agent/internal/modbus"
	"github.com/ecowatt/agent/internal/samplestore"
	"github.com/ecowatt/agent/internal/telemetry"
)

// wireBatch is the uncompressed-JSON-per-register shape compressed into the
// envelope payload: each register's value series is delta+RLE-compressed
// independently, since the telemetry codec operates on one 2-byte series at
// a time. BatchID is a fresh UUID minted by every encodeBatch call, so a
// retried upload is sent under a new id; it does not link a retry to its
// first attempt.
type wireBatch struct {
	BatchID    string           `json:"batch_id"`
	Timestamps []int64          `json:"timestamps"`
	Registers  map[string][]int `json:"registers"`
}

// encodeBatch compresses each register present in batch into its own
// delta+RLE byte stream (encoded as a JSON array of ints, since telemetry
// output is itself a compact byte sequence) and returns the JSON payload
// ready for sealing.
func encodeBatch(batch []samplestore.Sample) ([]byte, error) {
	wb := wireBatch{
		BatchID:    uuid.New().String(),
		Timestamps: make([]int64, len(batch)),
		Registers:  make(map[string][]int),
	}
	for i, s := range batch {
		wb.Timestamps[i] = s.Timestamp
	}

	for _, id := range modbus.AllRegisters() {
		pairs := make([]telemetry.Pair, 0, len(batch))
		present := false
		for _, s := range batch {
			v, ok := s.Values[id]
			if ok {
				present = true
			}
			pairs = append(pairs, telemetry.Pair{byte(v >> 8), byte(v)})
		}
		if !present {
			continue
		}
		encoded := telemetry.Encode(pairs)
		ints := make([]int, len(encoded))
		for i, b := range encoded {
			ints[i] = int(b)
		}
		wb.Registers[string(id)] = ints
	}

	return json.Marshal(wb)
}

// decodeBatch reverses encodeBatch; the round-trip tests use it.
func decodeBatch(data []byte) ([]samplestore.Sample, error) {
	var wb wireBatch
	if err := json.Unmarshal(data, &wb); err != nil {
		return nil, err
	}

	batch := make([]samplestore.Sample, len(wb.Timestamps))
	for i, ts := range wb.Timestamps {
		batch[i] = samplestore.Sample{Timestamp: ts, Values: make(map[modbus.RegisterID]uint16)}
	}

	for name, ints := range wb.Registers {
		raw := make([]byte, len(ints))
		for i, v := range ints {
			raw[i] = byte(v)
		}
		pairs, err := telemetry.Decode(raw)
		if err != nil {
			return nil, err
		}
		for i, p := range pairs {
			if i >= len(batch) {
				break
			}
			batch[i].Values[modbus.RegisterID(name)] = uint16(p[0])<<8 | uint16(p[1])
		}
	}

	return batch, nil
}
