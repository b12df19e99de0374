// Package profiles implements ANT+ device profiles on top of the channel
// layer: heart rate monitors and FE-C fitness equipment controllers.
package profiles

import (
	"github.com/alex-hhh/TrainerControl/pkg/ant"
)

// Values from the heart rate ANT+ device profile document.
const (
	hrmDeviceType       = 0x78
	hrmChannelPeriod    = 8070
	hrmChannelFrequency = 57
	hrmSearchTimeout    = 30
)

// staleTimeout is how long, in milliseconds, a measurement stays valid
// without a fresh broadcast.
const staleTimeout = 5000

// HeartRateMonitor receives data from an ANT+ heart rate strap.  Only the
// instantaneous rate, beat count and measurement time are decoded; averaged
// rate recovery across missed broadcasts is not implemented.
type HeartRateMonitor struct {
	ch  *ant.Channel
	now func() uint32

	lastMeasurementTime uint16
	measurementTime     uint16
	heartBeats          byte
	instantHeartRate    float64
	instantTimestamp    uint32

	// Old straps predate data pages and never toggle the page bit; the
	// toggle has to be observed before the page number means anything.
	lastPageBit    byte
	havePageBit    bool
	pageToggleSeen bool
}

// NewHeartRateMonitor opens a heart rate channel on the stick.  A device
// number of zero pairs with the first strap found.
func NewHeartRateMonitor(stick *ant.Stick, deviceNumber uint32) (*HeartRateMonitor, error) {
	m := &HeartRateMonitor{now: ant.CurrentMilliseconds}

	ch, err := ant.NewChannel(stick,
		ant.ChannelID{DeviceType: hrmDeviceType, DeviceNumber: deviceNumber},
		ant.ChannelParams{
			Period:        hrmChannelPeriod,
			SearchTimeout: hrmSearchTimeout,
			RFFrequency:   hrmChannelFrequency,
		},
		m)
	if err != nil {
		return nil, err
	}
	m.ch = ch
	return m, nil
}

// OnBroadcast decodes a heart rate data page.  The last three informational
// bytes are the same on every page, so extraction does not depend on the
// page number.
func (m *HeartRateMonitor) OnBroadcast(page []byte) {
	if len(page) < 8 {
		return
	}

	pageBit := page[0] & 0x80
	if m.havePageBit && pageBit != m.lastPageBit {
		m.pageToggleSeen = true
	}
	m.lastPageBit = pageBit
	m.havePageBit = true

	m.lastMeasurementTime = m.measurementTime
	m.measurementTime = uint16(page[4]) | uint16(page[5])<<8
	m.heartBeats = page[6]
	m.instantHeartRate = float64(page[7])
	m.instantTimestamp = m.now()
}

// OnAckReply is unused; the heart rate profile is read-only.
func (m *HeartRateMonitor) OnAckReply(tag int, event ant.ChannelEvent) {}

// OnStateChanged resets the measurements whenever the channel leaves the
// open state.
func (m *HeartRateMonitor) OnStateChanged(old, new ant.ChannelState) {
	if new != ant.ChannelOpen {
		m.lastMeasurementTime = 0
		m.measurementTime = 0
		m.heartBeats = 0
		m.instantHeartRate = 0
		m.instantTimestamp = 0
		// A later pairing may find a different strap; re-learn its
		// page format.
		m.lastPageBit = 0
		m.havePageBit = false
		m.pageToggleSeen = false
	}
}

// InstantHeartRate returns the last received heart rate in beats per minute,
// or zero when the reading has gone stale.
func (m *HeartRateMonitor) InstantHeartRate() float64 {
	if m.now()-m.instantTimestamp > staleTimeout {
		return 0
	}
	return m.instantHeartRate
}

// HeartBeatCount returns the strap's rolling 8-bit beat counter.
func (m *HeartRateMonitor) HeartBeatCount() byte { return m.heartBeats }

// HasDataPages reports whether the strap transmits data pages.  Old straps
// predate them; the page byte only carries a page number once the toggle bit
// has been seen to flip.
func (m *HeartRateMonitor) HasDataPages() bool { return m.pageToggleSeen }

// MeasurementTime returns the 1/1024 s timestamp of the last beat.
func (m *HeartRateMonitor) MeasurementTime() uint16 { return m.measurementTime }

// State returns the channel's pairing state.
func (m *HeartRateMonitor) State() ant.ChannelState { return m.ch.State() }

// ChannelID returns the channel id; DeviceNumber is the strap's serial once
// paired.
func (m *HeartRateMonitor) ChannelID() ant.ChannelID { return m.ch.ChannelID() }

// MessagesReceived returns the broadcast count.
func (m *HeartRateMonitor) MessagesReceived() uint64 { return m.ch.MessagesReceived() }

// MessagesFailed returns the missed receive window count.
func (m *HeartRateMonitor) MessagesFailed() uint64 { return m.ch.MessagesFailed() }

// Close tears down the channel.
func (m *HeartRateMonitor) Close() { m.ch.Close() }
