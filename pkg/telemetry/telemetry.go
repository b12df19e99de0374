// Package telemetry exposes the decoded sensor measurements over TCP as
// newline-delimited text and accepts control commands from the connected
// clients.
package telemetry

import (
	"strconv"
	"strings"
)

// Telemetry is one sample of the sensor values.  Negative values mean the
// reading is unavailable and are omitted from the wire format.
type Telemetry struct {
	HeartRate float64 // beats per minute
	Cadence   float64 // rpm
	Power     float64 // watts
	Speed     float64 // m/s
}

// emptyTelemetry has every reading marked unavailable.
func emptyTelemetry() Telemetry {
	return Telemetry{HeartRate: -1, Cadence: -1, Power: -1, Speed: -1}
}

// String renders the sample in the fan-out wire format:
// "HR: 146;CAD: 78;PWR: 214;SPD: 4.2" with unavailable fields left out.
func (t Telemetry) String() string {
	var b strings.Builder
	if t.HeartRate >= 0 {
		b.WriteString("HR: ")
		b.WriteString(formatValue(t.HeartRate))
	}
	if t.Cadence >= 0 {
		b.WriteString(";CAD: ")
		b.WriteString(formatValue(t.Cadence))
	}
	if t.Power >= 0 {
		b.WriteString(";PWR: ")
		b.WriteString(formatValue(t.Power))
	}
	if t.Speed >= 0 {
		b.WriteString(";SPD: ")
		b.WriteString(formatValue(t.Speed))
	}
	return b.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
