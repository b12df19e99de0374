package ant

import (
	"fmt"
)

// ChannelID identifies the master device a channel pairs with.  A
// DeviceNumber of zero means "search for any device of the given type"; once
// paired the observed number takes its place.  The number is 20 bits wide:
// two bytes plus the high nibble of the transmission type byte.
type ChannelID struct {
	TransmissionType byte
	DeviceType       byte
	DeviceNumber     uint32
}

// ChannelState tracks the pairing lifecycle of a channel.
type ChannelState int

const (
	// ChannelSearching means the channel is looking for a master.
	ChannelSearching ChannelState = iota
	// ChannelOpen means the channel is paired and receiving broadcasts.
	ChannelOpen
	// ChannelClosed is terminal; the channel must be rebuilt.
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelSearching:
		return "searching"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// ChannelParams are the RF parameters of a channel, taken from the device
// profile documents.
type ChannelParams struct {
	Period        uint16
	SearchTimeout byte
	RFFrequency   byte
}

// Profile receives the per-device callbacks of a channel.  Device profile
// implementations decode broadcasts into typed measurements and react to the
// outcome of their acknowledged writes.
type Profile interface {
	// OnBroadcast is called with the 8 data page bytes of every
	// broadcast received on the channel.
	OnBroadcast(page []byte)

	// OnAckReply is called with the outcome of an acknowledged write
	// previously queued with SendAcknowledgedData.  Failed writes are not
	// retried; the profile decides whether to queue the data again.
	OnAckReply(tag int, event ChannelEvent)

	// OnStateChanged is called when the channel changes state.
	OnStateChanged(old, new ChannelState)
}

// ackItem is a queued ACKNOWLEDGE_DATA message.  These can only go out
// one-by-one, shortly after a broadcast is received.
type ackItem struct {
	tag  int
	data []byte
}

// Channel is a logical session with one remote sensor, the slave side of an
// ANT channel.  It is created searching and moves to open once the master's
// device number is learned; a closed channel is dead and must be rebuilt.
type Channel struct {
	stick  *Stick
	number byte
	id     ChannelID
	state  ChannelState

	ackQueue       []ackItem
	ackOutstanding bool

	idRequestOutstanding bool

	messagesReceived uint64
	messagesFailed   uint64

	profile Profile
}

// NewChannel assigns, configures and opens a channel on the stick.  Each
// configuration step awaits its channel response; any failure aborts the
// construction.  A network key must be installed first.
func NewChannel(stick *Stick, id ChannelID, params ChannelParams, profile Profile) (*Channel, error) {
	if stick.network < 0 {
		return nil, fmt.Errorf("no network key installed")
	}

	number, err := stick.nextChannelNumber()
	if err != nil {
		return nil, err
	}

	c := &Channel{
		stick:   stick,
		number:  number,
		id:      id,
		state:   ChannelSearching,
		profile: profile,
	}

	// Only bidirectional receive channels are used; this host is always
	// the slave.
	if err := c.configStep(AssignChannel,
		number, channelTypeBidirectionalReceive, byte(stick.network)); err != nil {
		return nil, err
	}

	// The high nibble of the transmission type byte carries the top 4
	// bits of the 20-bit device number.
	if err := c.configStep(SetChannelID,
		number,
		byte(id.DeviceNumber&0xFF),
		byte((id.DeviceNumber>>8)&0xFF),
		id.DeviceType,
		byte((id.DeviceNumber>>12)&0xF0)); err != nil {
		return nil, err
	}

	if err := c.configStep(SetChannelPeriod,
		number, byte(params.Period&0xFF), byte((params.Period>>8)&0xFF)); err != nil {
		return nil, err
	}
	if err := c.configStep(SetChannelSearchTimeout, number, params.SearchTimeout); err != nil {
		return nil, err
	}
	if err := c.configStep(SetChannelRFFreq, number, params.RFFrequency); err != nil {
		return nil, err
	}
	if err := c.configStep(OpenChannel, number); err != nil {
		return nil, err
	}

	stick.registerChannel(c)
	return c, nil
}

// configStep sends one configuration message and validates its channel
// response.
func (c *Channel) configStep(id MessageID, data ...byte) error {
	if err := c.stick.writeMessage(id, data...); err != nil {
		return err
	}
	f, err := c.stick.readInternal()
	if err != nil {
		return fmt.Errorf("configure channel %d: %w", c.number, err)
	}
	if err := checkChannelResponse(f, c.number, id); err != nil {
		return fmt.Errorf("configure channel %d: %w", c.number, err)
	}
	return nil
}

// State returns the channel's pairing state.
func (c *Channel) State() ChannelState { return c.state }

// ChannelID returns the channel's id; once paired, DeviceNumber holds the
// master's number.
func (c *Channel) ChannelID() ChannelID { return c.id }

// MessagesReceived returns the number of broadcasts received.
func (c *Channel) MessagesReceived() uint64 { return c.messagesReceived }

// MessagesFailed returns the number of missed receive windows.
func (c *Channel) MessagesFailed() uint64 { return c.messagesFailed }

// SendAcknowledgedData queues message for transmission as acknowledged data.
// Messages go out one at a time, each at the first broadcast after the
// previous one resolved; the outcome is reported to the profile's OnAckReply
// with the same tag.  Failed transfers are not retried.
func (c *Channel) SendAcknowledgedData(tag int, message []byte) {
	data := make([]byte, len(message))
	copy(data, message)
	c.ackQueue = append(c.ackQueue, ackItem{tag: tag, data: data})
}

// RequestDataPage asks the master to transmit the given data page.  The
// request goes out as acknowledged data; the page itself arrives later as a
// normal broadcast.  transmitCount is how many times the master should
// repeat the page in case of collisions.
func (c *Channel) RequestDataPage(pageID byte, transmitCount byte) {
	const dpRequest = 0x46

	msg := []byte{
		dpRequest,
		0xFF, 0xFF, // slave serial number, not used
		0xFF, 0xFF, // descriptor bytes
		transmitCount,
		pageID,
		0x01, // command type: request data page
	}
	c.SendAcknowledgedData(int(pageID), msg)
}

// RequestClose asks the stick to close the channel.  The channel stays
// registered until the EVENT_CHANNEL_CLOSED arrives through Tick, at which
// point it is unassigned and becomes ChannelClosed.
func (c *Channel) RequestClose() error {
	if err := c.stick.writeMessage(CloseChannel, c.number); err != nil {
		return err
	}
	f, err := c.stick.readInternal()
	if err != nil {
		return err
	}
	return checkChannelResponse(f, c.number, CloseChannel)
}

// Close tears the channel down and removes it from the stick.  It runs on
// error paths too, so wire failures are swallowed: the device forgets the
// channel on the next stick reset anyway.
func (c *Channel) Close() {
	if c.state != ChannelClosed {
		if err := c.RequestClose(); err == nil {
			if err := c.stick.writeMessage(UnassignChannel, c.number); err == nil {
				if f, err := c.stick.readInternal(); err == nil {
					_ = checkChannelResponse(f, c.number, UnassignChannel)
				}
			}
		}
		c.state = ChannelClosed
	}
	c.stick.unregisterChannel(c)
}

// handleMessage processes one frame routed to this channel by the stick.
func (c *Channel) handleMessage(f *Frame) error {
	if c.state == ChannelClosed {
		return nil
	}

	switch f.ID {
	case ChannelResponse:
		return c.onChannelResponse(f)
	case BroadcastData:
		return c.onBroadcast(f)
	case ResponseChannelID:
		return c.onChannelID(f)
	default:
		// Burst data and anything else the profiles don't consume.
		return nil
	}
}

func (c *Channel) onBroadcast(f *Frame) error {
	if len(f.Data) < 9 {
		return nil
	}

	if c.id.DeviceNumber == 0 && !c.idRequestOutstanding {
		// First broadcast from an unknown master: ask the stick who
		// is sending to us.
		if err := c.stick.writeMessage(RequestMessage, c.number, byte(SetChannelID)); err != nil {
			return err
		}
		c.idRequestOutstanding = true
	}

	if err := c.maybeSendAckData(); err != nil {
		return err
	}

	c.profile.OnBroadcast(f.Data[1:9])
	c.messagesReceived++
	return nil
}

// maybeSendAckData transmits the front of the ack queue if nothing is
// outstanding.  The item stays queued until its channel response pops it.
func (c *Channel) maybeSendAckData() error {
	if c.ackOutstanding || len(c.ackQueue) == 0 {
		return nil
	}
	item := c.ackQueue[0]
	data := append([]byte{c.number}, item.data...)
	if err := c.stick.writeMessage(AcknowledgeData, data...); err != nil {
		return err
	}
	c.ackOutstanding = true
	return nil
}

func (c *Channel) onChannelResponse(f *Frame) error {
	if len(f.Data) < 3 {
		return nil
	}
	cmd := f.Data[1]
	event := ChannelEvent(f.Data[2])

	// cmd is 1 for general events; anything else is a late reply to a
	// configuration message and has already been dealt with.
	if cmd != 0x01 {
		return nil
	}

	if event == EventRxFail {
		c.messagesFailed++
	}

	switch event {
	case ResponseNoError:
		// Arrives from time to time; nothing to do.

	case EventRxSearchTimeout:
		// The search gave up; the stick follows up with a channel
		// closed event which does the real work.

	case EventChannelClosed:
		c.changeState(ChannelClosed)
		if err := c.stick.writeMessage(UnassignChannel, c.number); err != nil {
			return err
		}
		resp, err := c.stick.readInternal()
		if err != nil {
			return err
		}
		return checkChannelResponse(resp, c.number, UnassignChannel)

	case EventRxFailGoToSearch:
		// Lost the master; device number must be learned again.
		c.id.DeviceNumber = 0
		c.changeState(ChannelSearching)

	default:
		// Any other event reports the outcome of the acknowledged
		// transfer at the queue front.  A missed receive window is one
		// of those outcomes: the master never heard the message.
		if c.ackOutstanding {
			item := c.ackQueue[0]
			c.ackQueue = c.ackQueue[1:]
			c.ackOutstanding = false
			c.profile.OnAckReply(item.tag, event)
		}
	}
	return nil
}

// onChannelID processes the reply to the channel id request sent on the
// first broadcast.  The master either matches what construction asked for,
// or fills in the unknowns; any disagreement is fatal for the channel.
func (c *Channel) onChannelID(f *Frame) error {
	if len(f.Data) < 5 {
		return nil
	}
	if f.Data[0] != c.number {
		return fmt.Errorf("channel id reply for channel %d on channel %d: %w",
			f.Data[0], c.number, ErrUnexpectedResponse)
	}

	deviceNumber := uint32(f.Data[1]) | uint32(f.Data[2])<<8 |
		uint32((f.Data[4]>>4)&0x0F)<<16
	deviceType := f.Data[3]
	transmissionType := f.Data[4] & 0x03

	if c.id.DeviceType == 0 {
		c.id.DeviceType = deviceType
	} else if c.id.DeviceType != deviceType {
		c.fail()
		return fmt.Errorf("wanted device type 0x%02X, paired with 0x%02X: %w",
			c.id.DeviceType, deviceType, ErrPairingMismatch)
	}

	if c.id.DeviceNumber == 0 {
		c.id.DeviceNumber = deviceNumber
	} else if c.id.DeviceNumber != deviceNumber {
		c.fail()
		return fmt.Errorf("wanted device %d, paired with %d: %w",
			c.id.DeviceNumber, deviceNumber, ErrPairingMismatch)
	}

	c.id.TransmissionType = transmissionType

	// Early replies can arrive before the stick knows the master; only a
	// real number completes the pairing.
	if c.id.DeviceNumber != 0 {
		c.changeState(ChannelOpen)
	}
	c.idRequestOutstanding = false
	return nil
}

// fail closes the channel locally after an unrecoverable condition.  The
// caller surfaces the error; the fan-out layer rebuilds the channel.
func (c *Channel) fail() {
	c.changeState(ChannelClosed)
}

func (c *Channel) changeState(newState ChannelState) {
	if c.state == newState {
		return
	}
	old := c.state
	c.state = newState
	c.profile.OnStateChanged(old, newState)
}
