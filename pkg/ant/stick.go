package ant

import (
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// USB standard request constants for clearing an endpoint halt.  gousb does
// not expose clear-halt on endpoints, so it is issued as a control request.
const (
	reqTypeEndpointOut  = 0x02 // host-to-device, standard, endpoint recipient
	reqClearFeature     = 0x01
	featureEndpointHalt = 0x00
)

// Stick represents the physical USB ANT stick.  It owns the transport pair,
// performs the synchronous command/response exchanges for stick and channel
// setup, and routes asynchronous frames to the registered channels.
//
// The Tick method must be called periodically, several times per channel
// period, so broadcasts are handled promptly and acknowledged writes are
// dispatched inside the master's listen window.  All methods must be called
// from a single goroutine.
type Stick struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	reader *Reader
	writer *Writer

	serialNumber uint32
	version      string
	maxChannels  int
	maxNetworks  int
	network      int // active network id, -1 until a key is installed

	channels []*Channel

	// Data-bearing frames observed while waiting for a control reply are
	// set aside here and drained by Tick.
	delayed []Frame
}

// OpenStick finds the first ANT USB stick on the bus, claims it, resets it
// and queries its capabilities.  ErrStickNotFound is returned when no
// recognized device is present.
func OpenStick(ctx *gousb.Context) (*Stick, error) {
	dev, err := findStickDevice(ctx)
	if err != nil {
		return nil, err
	}

	s, err := setupStick(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return s, nil
}

func findStickDevice(ctx *gousb.Context) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, id := range stickDeviceIDs {
			if desc.Vendor == gousb.ID(id.Vendor) && desc.Product == gousb.ID(id.Product) {
				return true
			}
		}
		return false
	})
	// OpenDevices can return both devices and an error; keep the first
	// device and close the rest before looking at the error.
	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil {
			dev = d
		} else {
			d.Close()
		}
	}
	if dev == nil {
		if err != nil {
			return nil, fmt.Errorf("enumerate devices: %w", err)
		}
		return nil, ErrStickNotFound
	}
	return dev, nil
}

func setupStick(dev *gousb.Device) (*Stick, error) {
	// Harmless on Windows/macOS, required on Linux.
	dev.SetAutoDetach(true)

	// Put the device in a known state before claiming it.
	if err := dev.Reset(); err != nil {
		return nil, fmt.Errorf("reset device: %w", err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("set configuration: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("claim interface: %w", err)
	}

	// The stick exposes a single bulk IN and a single bulk OUT endpoint;
	// discover them rather than hard-coding numbers.
	inNum, outNum := -1, -1
	var inAddr, outAddr byte
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum, inAddr = ep.Number, byte(ep.Address)
		} else {
			outNum, outAddr = ep.Number, byte(ep.Address)
		}
	}
	if inNum < 0 || outNum < 0 {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("device has no bulk IN/OUT endpoint pair")
	}

	s := &Stick{dev: dev, cfg: cfg, intf: intf, network: -1}

	if err := s.clearHalt(inAddr); err != nil {
		s.releaseUSB()
		return nil, fmt.Errorf("clear halt on IN endpoint: %w", err)
	}
	if err := s.clearHalt(outAddr); err != nil {
		s.releaseUSB()
		return nil, fmt.Errorf("clear halt on OUT endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(inNum)
	if err != nil {
		s.releaseUSB()
		return nil, fmt.Errorf("open IN endpoint: %w", err)
	}
	epOut, err := intf.OutEndpoint(outNum)
	if err != nil {
		s.releaseUSB()
		return nil, fmt.Errorf("open OUT endpoint: %w", err)
	}

	s.reader = NewReader(epIn)
	s.writer = NewWriter(epOut)
	s.writer.clearHalt = func() error { return s.clearHalt(outAddr) }

	if err := s.init(); err != nil {
		s.reader.Close()
		s.releaseUSB()
		return nil, err
	}
	return s, nil
}

// NewStick builds a Stick over an already constructed transport pair, resets
// it and queries its capabilities.  Tests use it to substitute an in-memory
// transport; OpenStick builds its Stick directly and runs the same reset and
// query sequence.
func NewStick(r *Reader, w *Writer) (*Stick, error) {
	s := &Stick{reader: r, writer: w, network: -1}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stick) init() error {
	if err := s.Reset(); err != nil {
		return err
	}
	return s.queryInfo()
}

func (s *Stick) clearHalt(addr byte) error {
	if s.dev == nil {
		return nil
	}
	_, err := s.dev.Control(reqTypeEndpointOut, reqClearFeature, featureEndpointHalt, uint16(addr), nil)
	return err
}

func (s *Stick) releaseUSB() {
	if s.intf != nil {
		s.intf.Close()
		s.intf = nil
	}
	if s.cfg != nil {
		s.cfg.Close()
		s.cfg = nil
	}
}

// SerialNumber returns the stick's serial number.
func (s *Stick) SerialNumber() uint32 { return s.serialNumber }

// Version returns the stick's firmware version string.
func (s *Stick) Version() string { return s.version }

// MaxChannels returns the number of channels the stick supports.
func (s *Stick) MaxChannels() int { return s.maxChannels }

// MaxNetworks returns the number of networks the stick supports.
func (s *Stick) MaxNetworks() int { return s.maxNetworks }

// Network returns the active network id, or -1 when no key is installed.
func (s *Stick) Network() int { return s.network }

// writeMessage encodes and transmits a single message.
func (s *Stick) writeMessage(id MessageID, data ...byte) error {
	raw, err := EncodeMessage(id, data...)
	if err != nil {
		return err
	}
	return s.writer.WriteFrame(raw)
}

// isDataBearing reports whether a frame belongs to the asynchronous data
// path rather than to a synchronous command exchange.
func isDataBearing(f *Frame) bool {
	switch f.ID {
	case BroadcastData, BurstTransferData:
		return true
	case ChannelResponse:
		if len(f.Data) >= 2 {
			cmd := f.Data[1]
			return cmd == 0x01 ||
				cmd == byte(AcknowledgeData) ||
				cmd == byte(BurstTransferData)
		}
	}
	return false
}

// readInternal reads frames until one is not data-bearing, setting aside
// broadcasts and transfer events for the Tick loop.  The attempt count is
// bounded so a chatty device cannot livelock a command exchange.
func (s *Stick) readInternal() (*Frame, error) {
	for i := 0; i < maxInternalReads; i++ {
		f, err := s.reader.NextFrame(frameTimeout)
		if err != nil {
			return nil, err
		}
		if isDataBearing(f) {
			s.pushDelayed(*f)
			continue
		}
		return f, nil
	}
	return nil, fmt.Errorf("no control reply in %d frames: %w", maxInternalReads, ErrUnexpectedResponse)
}

func (s *Stick) pushDelayed(f Frame) {
	if len(s.delayed) < maxDelayedFrames {
		s.delayed = append(s.delayed, f)
	}
}

// checkChannelResponse validates the CHANNEL_RESPONSE acknowledging a
// configuration command: matching channel, matching command, zero status.
func checkChannelResponse(f *Frame, channel byte, cmd MessageID) error {
	if f == nil || f.ID != ChannelResponse || len(f.Data) < 3 {
		return fmt.Errorf("short channel response: %w", ErrUnexpectedResponse)
	}
	if f.Data[0] != channel || f.Data[1] != byte(cmd) || f.Data[2] != 0 {
		return fmt.Errorf(
			"channel response for channel %d cmd 0x%02X status %d (want channel %d cmd 0x%02X): %w",
			f.Data[0], f.Data[1], f.Data[2], channel, byte(cmd), ErrUnexpectedResponse)
	}
	return nil
}

// Reset sends RESET_SYSTEM and waits for the startup notification.  Some
// sticks skip the notification after a reset yet work fine, so a read
// timeout, a bad checksum or a missing control reply is tolerated; transport
// faults are still returned.
func (s *Stick) Reset() error {
	if err := s.writeMessage(ResetSystem, 0); err != nil {
		return err
	}
	for i := 0; i < maxInternalReads; i++ {
		f, err := s.readInternal()
		if err != nil {
			if errors.Is(err, ErrTimeout) || errors.Is(err, ErrBadChecksum) ||
				errors.Is(err, ErrUnexpectedResponse) {
				return nil
			}
			return err
		}
		if f.ID == StartupMessage {
			// Anything queued before the reset belongs to the
			// previous user of the stick.
			s.delayed = s.delayed[:0]
			return nil
		}
	}
	return nil
}

// queryInfo retrieves the serial number, version string and capabilities.
func (s *Stick) queryInfo() error {
	if err := s.writeMessage(RequestMessage, 0, byte(ResponseSerialNumber)); err != nil {
		return err
	}
	f, err := s.readInternal()
	if err != nil {
		return err
	}
	if f.ID != ResponseSerialNumber || len(f.Data) < 4 {
		return fmt.Errorf("serial number query: %w", ErrUnexpectedResponse)
	}
	s.serialNumber = uint32(f.Data[0]) | uint32(f.Data[1])<<8 |
		uint32(f.Data[2])<<16 | uint32(f.Data[3])<<24

	if err := s.writeMessage(RequestMessage, 0, byte(ResponseVersion)); err != nil {
		return err
	}
	f, err = s.readInternal()
	if err != nil {
		return err
	}
	if f.ID != ResponseVersion {
		return fmt.Errorf("version query: %w", ErrUnexpectedResponse)
	}
	s.version = cString(f.Data)

	if err := s.writeMessage(RequestMessage, 0, byte(ResponseCapabilities)); err != nil {
		return err
	}
	f, err = s.readInternal()
	if err != nil {
		return err
	}
	if f.ID != ResponseCapabilities || len(f.Data) < 2 {
		return fmt.Errorf("capabilities query: %w", ErrUnexpectedResponse)
	}
	s.maxChannels = int(f.Data[0])
	s.maxNetworks = int(f.Data[1])
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// SetNetworkKey installs the 8-byte network key on network 0.  Only a
// single network is supported.
func (s *Stick) SetNetworkKey(key [8]byte) error {
	const network byte = 0

	s.network = -1
	data := append([]byte{network}, key[:]...)
	if err := s.writeMessage(SetNetworkKey, data...); err != nil {
		return err
	}
	f, err := s.readInternal()
	if err != nil {
		return err
	}
	// The response carries the network id in the channel byte.
	if err := checkChannelResponse(f, network, SetNetworkKey); err != nil {
		return err
	}
	s.network = int(network)
	return nil
}

// nextChannelNumber returns the lowest channel number not held by a
// registered channel.
func (s *Stick) nextChannelNumber() (byte, error) {
	for i := 0; i < s.maxChannels; i++ {
		taken := false
		for _, c := range s.channels {
			if int(c.number) == i {
				taken = true
				break
			}
		}
		if !taken {
			return byte(i), nil
		}
	}
	return 0, ErrNoFreeChannel
}

func (s *Stick) registerChannel(c *Channel) {
	s.channels = append(s.channels, c)
}

func (s *Stick) unregisterChannel(c *Channel) {
	for i, ch := range s.channels {
		if ch == c {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			return
		}
	}
}

func (s *Stick) channelByNumber(n byte) *Channel {
	for _, c := range s.channels {
		if c.number == n {
			return c
		}
	}
	return nil
}

// Tick runs one step of the asynchronous loop: drain one set-aside frame if
// any, otherwise attempt one read, and route the frame to its channel.
// Frames for unknown channels and frames that fail checksum are dropped;
// transport faults and channel-fatal conditions are returned.
func (s *Stick) Tick() error {
	var f *Frame
	if len(s.delayed) > 0 {
		fr := s.delayed[0]
		s.delayed = s.delayed[1:]
		f = &fr
	} else {
		var err error
		f, err = s.reader.TryNextFrame(readPumpSlice)
		if err != nil {
			if errors.Is(err, ErrBadChecksum) {
				return nil
			}
			return err
		}
	}
	if f == nil {
		return nil
	}

	ch := s.channelByNumber(f.Channel())
	if ch == nil {
		return nil
	}
	return ch.handleMessage(f)
}

// Close releases the transport and the USB device.  It is safe to call from
// an error path; channels still registered keep their numbers until the
// process drops the whole stick.
func (s *Stick) Close() {
	if s.reader != nil {
		s.reader.Close()
	}
	s.releaseUSB()
	if s.dev != nil {
		s.dev.Close()
		s.dev = nil
	}
}
