package ant

import "time"

// USB Device Identifiers
//
// ANT+ USB sticks come in two hardware revisions with different product ids.
// The first device found is used.
var stickDeviceIDs = []struct {
	Vendor  uint16
	Product uint16
}{
	{0x0FCF, 0x1008}, // ANTUSB2
	{0x0FCF, 0x1009}, // ANTUSB-m
}

// AntPlusNetworkKey is the shared 8-byte key for the public ANT+ sensor
// network.  Install it on network 0 with Stick.SetNetworkKey before opening
// any channels.
var AntPlusNetworkKey = [8]byte{0xB9, 0xA5, 0x21, 0xFB, 0xBD, 0x72, 0xC3, 0x45}

// MessageID identifies an ANT message, the byte following the length byte in
// a serial frame.  Values are from the "ANT Message Protocol and Usage"
// document, Rev 5.1.
type MessageID byte

const (
	syncByte byte = 0xA4

	// Configuration messages
	UnassignChannel         MessageID = 0x41
	AssignChannel           MessageID = 0x42
	SetChannelID            MessageID = 0x51
	SetChannelPeriod        MessageID = 0x43
	SetChannelSearchTimeout MessageID = 0x44
	SetChannelRFFreq        MessageID = 0x45
	SetNetworkKey           MessageID = 0x46
	SetTransmitPower        MessageID = 0x47

	// Notifications
	StartupMessage     MessageID = 0x6F
	SerialErrorMessage MessageID = 0xAE

	// Control messages
	ResetSystem    MessageID = 0x4A
	OpenChannel    MessageID = 0x4B
	CloseChannel   MessageID = 0x4C
	OpenRxScanMode MessageID = 0x5B
	RequestMessage MessageID = 0x4D

	// Data messages
	BroadcastData     MessageID = 0x4E
	AcknowledgeData   MessageID = 0x4F
	BurstTransferData MessageID = 0x50

	// Responses (from a channel)
	ChannelResponse MessageID = 0x40

	// Responses (to RequestMessage)
	ResponseChannelStatus MessageID = 0x52
	ResponseChannelID     MessageID = 0x51
	ResponseVersion       MessageID = 0x3E
	ResponseCapabilities  MessageID = 0x54
	ResponseSerialNumber  MessageID = 0x61
)

// ChannelEvent is the event code carried in a CHANNEL_RESPONSE message,
// section 9.5.6 of the message protocol document.
type ChannelEvent byte

const (
	ResponseNoError           ChannelEvent = 0
	EventRxSearchTimeout      ChannelEvent = 1
	EventRxFail               ChannelEvent = 2
	EventTx                   ChannelEvent = 3
	EventTransferRxFailed     ChannelEvent = 4
	EventTransferTxCompleted  ChannelEvent = 5
	EventTransferTxFailed     ChannelEvent = 6
	EventChannelClosed        ChannelEvent = 7
	EventRxFailGoToSearch     ChannelEvent = 8
	EventChannelCollision     ChannelEvent = 9
	EventTransferTxStart      ChannelEvent = 10
	ChannelInWrongState       ChannelEvent = 21
	ChannelNotOpened          ChannelEvent = 22
	ChannelIDNotSet           ChannelEvent = 24
	CloseAllChannels          ChannelEvent = 25
	TransferInProgress        ChannelEvent = 31
	TransferSequenceNumberErr ChannelEvent = 32
	TransferInError           ChannelEvent = 33
	MessageSizeExceedsLimit   ChannelEvent = 39
	InvalidMessage            ChannelEvent = 40
	InvalidNetworkNumber      ChannelEvent = 41
	EventSerialQueOverflow    ChannelEvent = 52
	EventQueOverflow          ChannelEvent = 53
)

var channelEventNames = map[ChannelEvent]string{
	ResponseNoError:           "no error",
	EventRxSearchTimeout:      "channel search timeout",
	EventRxFail:               "rx fail",
	EventTx:                   "broadcast tx complete",
	EventTransferRxFailed:     "rx transfer fail",
	EventTransferTxCompleted:  "tx complete",
	EventTransferTxFailed:     "tx fail",
	EventChannelClosed:        "channel closed",
	EventRxFailGoToSearch:     "dropped to search mode",
	EventChannelCollision:     "channel collision",
	EventTransferTxStart:      "burst transfer start",
	ChannelInWrongState:       "channel in wrong state",
	ChannelNotOpened:          "channel not opened",
	ChannelIDNotSet:           "channel id not set",
	CloseAllChannels:          "all channels closed",
	TransferInProgress:        "transfer in progress",
	TransferSequenceNumberErr: "transfer sequence error",
	TransferInError:           "burst transfer error",
	MessageSizeExceedsLimit:   "message too big",
	InvalidMessage:            "invalid message",
	InvalidNetworkNumber:      "invalid network number",
	EventSerialQueOverflow:    "output serial overflow",
	EventQueOverflow:          "input serial overflow",
}

// String returns a human-readable name for the event.
func (e ChannelEvent) String() string {
	if s, ok := channelEventNames[e]; ok {
		return s
	}
	return "unknown channel event"
}

// Channel assignment types.  Only bidirectional receive is used: this host is
// always the slave and the sensors are the masters.
const (
	channelTypeBidirectionalReceive byte = 0x00
)

// Transport tuning
const (
	// readChunkSize is the size of a single bulk-IN transfer.
	readChunkSize = 128

	// readPumpSlice is how long a single TryNextFrame waits on an
	// in-flight transfer before giving up for this round.
	readPumpSlice = 10 * time.Millisecond

	// frameTimeout bounds a blocking NextFrame call during synchronous
	// command exchanges.
	frameTimeout = 1 * time.Second

	// writeTimeout bounds a single bulk-OUT transfer.
	writeTimeout = 2 * time.Second

	// maxInternalReads bounds the number of data-bearing frames set aside
	// while waiting for a control reply, preventing livelock against a
	// device that only sends broadcasts.
	maxInternalReads = 50

	// maxDelayedFrames bounds the set-aside FIFO; frames beyond this are
	// dropped rather than growing without bound.
	maxDelayedFrames = 64
)
