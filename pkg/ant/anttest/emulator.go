// Package anttest provides an in-memory ANT stick emulator for package
// tests.  It implements the transport endpoint interfaces and answers the
// synchronous command exchanges the way a real dongle does, so the stick
// controller, channel state machine and device profiles can be exercised
// over real wire bytes without hardware.
package anttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alex-hhh/TrainerControl/pkg/ant"
)

// Emulator is a scriptable ANT stick.  It satisfies both ant.InEndpoint and
// ant.OutEndpoint.  All exported fields must be set before the first
// exchange.
type Emulator struct {
	// Identity reported by the info queries.
	Serial      uint32
	Version     string
	MaxChannels byte
	MaxNetworks byte

	// Master identity returned for channel id requests.
	MasterDeviceNumber     uint32
	MasterDeviceType       byte
	MasterTransmissionType byte

	// AutoRespond makes the emulator acknowledge configuration messages,
	// info requests and acknowledged data transfers on its own.  Turn it
	// off to script every response by hand.
	AutoRespond bool

	// AckEvent is the event reported for acknowledged data transfers.
	AckEvent ant.ChannelEvent

	// AckAutoReply controls whether acknowledged data transfers get a
	// transfer event at all.
	AckAutoReply bool

	mu     sync.Mutex
	rx     []byte // bytes waiting to be read by the host
	writes []ant.Frame
}

// New returns an emulator with a plausible dongle identity and automatic
// responses enabled.
func New() *Emulator {
	return &Emulator{
		Serial:                 1034,
		Version:                "AJK1.05",
		MaxChannels:            8,
		MaxNetworks:            3,
		MasterTransmissionType: 0x01,
		AutoRespond:            true,
		AckEvent:               ant.EventTransferTxCompleted,
		AckAutoReply:           true,
	}
}

// ReadContext blocks until response bytes are available or the context is
// done, mirroring a bulk-IN transfer.
func (e *Emulator) ReadContext(ctx context.Context, buf []byte) (int, error) {
	for {
		e.mu.Lock()
		if len(e.rx) > 0 {
			n := copy(buf, e.rx)
			e.rx = e.rx[n:]
			e.mu.Unlock()
			return n, nil
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// WriteContext records the written frame and, with AutoRespond on, queues
// the dongle's reply.
func (e *Emulator) WriteContext(ctx context.Context, buf []byte) (int, error) {
	rest := buf
	for len(rest) > 0 {
		skip, f, err := ant.ScanFrame(rest)
		if err != nil {
			return 0, fmt.Errorf("host wrote a malformed frame: %w", err)
		}
		if f == nil {
			return 0, fmt.Errorf("host wrote a partial frame")
		}
		rest = rest[skip:]

		e.mu.Lock()
		e.writes = append(e.writes, *f)
		e.mu.Unlock()

		if e.AutoRespond {
			e.respond(f)
		}
	}
	return len(buf), nil
}

func (e *Emulator) respond(f *ant.Frame) {
	switch f.ID {
	case ant.ResetSystem:
		e.InjectFrame(ant.StartupMessage, 0x20)

	case ant.AssignChannel, ant.SetChannelID, ant.SetChannelPeriod,
		ant.SetChannelSearchTimeout, ant.SetChannelRFFreq,
		ant.OpenChannel, ant.UnassignChannel, ant.SetNetworkKey:
		e.InjectFrame(ant.ChannelResponse, f.Data[0], byte(f.ID), 0)

	case ant.CloseChannel:
		e.InjectFrame(ant.ChannelResponse, f.Data[0], byte(f.ID), 0)
		// The real dongle follows up with the closed event once the
		// channel winds down.
		e.InjectChannelEvent(f.Data[0], ant.EventChannelClosed)

	case ant.AcknowledgeData:
		if e.AckAutoReply {
			e.InjectChannelEvent(f.Data[0], e.AckEvent)
		}

	case ant.RequestMessage:
		e.respondToRequest(f.Data[0], ant.MessageID(f.Data[1]))
	}
}

func (e *Emulator) respondToRequest(channel byte, req ant.MessageID) {
	switch req {
	case ant.ResponseSerialNumber:
		e.InjectFrame(ant.ResponseSerialNumber,
			byte(e.Serial), byte(e.Serial>>8), byte(e.Serial>>16), byte(e.Serial>>24))

	case ant.ResponseVersion:
		data := append([]byte(e.Version), 0)
		e.InjectFrame(ant.ResponseVersion, data...)

	case ant.ResponseCapabilities:
		e.InjectFrame(ant.ResponseCapabilities,
			e.MaxChannels, e.MaxNetworks, 0, 0, 0, 0)

	case ant.SetChannelID:
		num := e.MasterDeviceNumber
		e.InjectFrame(ant.ResponseChannelID,
			channel,
			byte(num&0xFF),
			byte((num>>8)&0xFF),
			e.MasterDeviceType,
			byte((num>>12)&0xF0)|e.MasterTransmissionType)
	}
}

// InjectFrame queues a well-formed frame for the host to read.
func (e *Emulator) InjectFrame(id ant.MessageID, data ...byte) {
	raw, err := ant.EncodeMessage(id, data...)
	if err != nil {
		panic(err)
	}
	e.InjectBytes(raw)
}

// InjectBytes queues raw bytes, valid or not, for the host to read.
func (e *Emulator) InjectBytes(raw []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rx = append(e.rx, raw...)
}

// InjectBroadcast queues a broadcast data message carrying the 8 page bytes.
func (e *Emulator) InjectBroadcast(channel byte, page []byte) {
	data := append([]byte{channel}, page...)
	e.InjectFrame(ant.BroadcastData, data...)
}

// InjectChannelEvent queues a general channel event (command byte 1).
func (e *Emulator) InjectChannelEvent(channel byte, event ant.ChannelEvent) {
	e.InjectFrame(ant.ChannelResponse, channel, 0x01, byte(event))
}

// Writes returns a copy of every frame the host has written so far.
func (e *Emulator) Writes() []ant.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ant.Frame, len(e.writes))
	copy(out, e.writes)
	return out
}

// TakeWrites returns the recorded frames and clears the log.
func (e *Emulator) TakeWrites() []ant.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.writes
	e.writes = nil
	return out
}

// WritesByID filters the recorded frames by message id.
func (e *Emulator) WritesByID(id ant.MessageID) []ant.Frame {
	var out []ant.Frame
	for _, f := range e.Writes() {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}
