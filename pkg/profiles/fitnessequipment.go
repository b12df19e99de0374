package profiles

import (
	"github.com/alex-hhh/TrainerControl/pkg/ant"
)

// Values from the FE-C ANT+ device profile document.
const (
	fecDeviceType       = 0x11
	fecChannelPeriod    = 8192
	fecChannelFrequency = 57
	fecSearchTimeout    = 30
)

// Data pages of the fitness equipment profile.
const (
	dpGeneral         = 0x10
	dpTrainerSpecific = 0x19
	dpBasicResistance = 0x30
	dpTargetPower     = 0x31
	dpWindResistance  = 0x32
	dpTrackResistance = 0x33
	dpCapabilities    = 0x36
	dpUserConfig      = 0x37
)

// EquipmentType is the kind of fitness equipment reported on the general
// data page.
type EquipmentType byte

const (
	EquipmentUnknown        EquipmentType = 0
	EquipmentGeneral        EquipmentType = 16
	EquipmentTreadmill      EquipmentType = 19
	EquipmentElliptical     EquipmentType = 20
	EquipmentStationaryBike EquipmentType = 21
	EquipmentRower          EquipmentType = 22
	EquipmentClimber        EquipmentType = 23
	EquipmentNordicSkier    EquipmentType = 24
	EquipmentTrainer        EquipmentType = 25
)

func (t EquipmentType) String() string {
	switch t {
	case EquipmentGeneral:
		return "general"
	case EquipmentTreadmill:
		return "treadmill"
	case EquipmentElliptical:
		return "elliptical"
	case EquipmentStationaryBike:
		return "stationary bike"
	case EquipmentRower:
		return "rower"
	case EquipmentClimber:
		return "climber"
	case EquipmentNordicSkier:
		return "nordic skier"
	case EquipmentTrainer:
		return "trainer"
	}
	return "unknown"
}

// TrainerState is the equipment state reported in the high nibble of the
// last page byte.
type TrainerState byte

const (
	TrainerReserved TrainerState = 0
	TrainerAsleep   TrainerState = 1
	TrainerReady    TrainerState = 2
	TrainerInUse    TrainerState = 3
	TrainerFinished TrainerState = 4 // paused
)

// SimulationState reports how the trainer is tracking its power target.
type SimulationState byte

const (
	SimAtTargetPower     SimulationState = 0 // at target, or no target set
	SimSpeedTooLow       SimulationState = 1
	SimSpeedTooHigh      SimulationState = 2
	SimPowerLimitReached SimulationState = 3
)

type capabilitiesStatus int

const (
	capabilitiesUnknown capabilitiesStatus = iota
	capabilitiesRequested
	capabilitiesReceived
)

// FitnessEquipmentControl reads data from and controls an ANT+ FE-C capable
// trainer.  Instantaneous power, speed and cadence are decoded; the track
// slope and the rider's configuration can be written back.
type FitnessEquipmentControl struct {
	ch  *ant.Channel
	now func() uint32

	// User configuration, written to the trainer as page 0x37.
	updateUserConfig bool
	userWeightKg     float64
	bikeWeightKg     float64
	wheelDiameterM   float64

	// Simulation mode parameters.  Wind parameters keep the profile
	// document defaults; only the slope and rolling resistance are sent.
	windResistanceCoeff float64
	windSpeed           float64
	draftingFactor      float64
	slope               float64
	rollingResistance   float64

	// Trainer capabilities, from page 0x36.
	capabilitiesStatus     capabilitiesStatus
	maxResistance          float64
	basicResistanceControl bool
	targetPowerControl     bool
	simulationControl      bool
	equipmentType          EquipmentType

	// Calibration/configuration demands from the trainer.
	zeroOffsetCalibrationRequired bool
	spinDownCalibrationRequired   bool
	userConfigurationRequired     bool

	// Measurements.
	instantPower          float64
	instantPowerTimestamp uint32
	instantSpeed          float64
	instantSpeedTimestamp uint32
	instantSpeedIsVirtual bool
	instantCadence        float64
	instantCadenceStamp   uint32
	trainerState          TrainerState
	simulationState       SimulationState
}

// NewFitnessEquipmentControl opens an FE-C channel on the stick.  A device
// number of zero pairs with the first trainer found.
func NewFitnessEquipmentControl(stick *ant.Stick, deviceNumber uint32) (*FitnessEquipmentControl, error) {
	f := newFitnessEquipmentState()

	ch, err := ant.NewChannel(stick,
		ant.ChannelID{DeviceType: fecDeviceType, DeviceNumber: deviceNumber},
		ant.ChannelParams{
			Period:        fecChannelPeriod,
			SearchTimeout: fecSearchTimeout,
			RFFrequency:   fecChannelFrequency,
		},
		f)
	if err != nil {
		return nil, err
	}
	f.ch = ch
	return f, nil
}

func newFitnessEquipmentState() *FitnessEquipmentControl {
	return &FitnessEquipmentControl{
		now: ant.CurrentMilliseconds,

		updateUserConfig: true,
		userWeightKg:     75.0,
		bikeWeightKg:     10.0,
		wheelDiameterM:   0.668,

		windResistanceCoeff: 0.51, // profile document default
		windSpeed:           0,
		draftingFactor:      1.0, // riding alone
		slope:               0,
		rollingResistance:   0.004, // asphalt road
	}
}

// OnBroadcast decodes an FE-C data page and drives the control protocol:
// request capabilities when unknown and, once they have arrived, push the
// user configuration when it is pending or the trainer wants it.
func (f *FitnessEquipmentControl) OnBroadcast(page []byte) {
	if len(page) < 8 {
		return
	}

	switch page[0] {
	case dpGeneral:
		f.processGeneralPage(page)
	case dpTrainerSpecific:
		f.processTrainerSpecificPage(page)
	case dpCapabilities:
		f.processCapabilitiesPage(page)
	}

	if f.ch.ChannelID().DeviceNumber == 0 {
		// Nothing is requested until the master is identified.
	} else if f.capabilitiesStatus == capabilitiesUnknown {
		f.ch.RequestDataPage(dpCapabilities, 4)
		f.capabilitiesStatus = capabilitiesRequested
	} else if f.capabilitiesStatus == capabilitiesReceived && f.updateUserConfig {
		f.sendUserConfigPage()
	}
}

func (f *FitnessEquipmentControl) processGeneralPage(page []byte) {
	capabilities := page[7] & 0x0F
	// Bit 3 of the state nibble is the lap toggle, which is not used.
	f.trainerState = TrainerState((page[7] >> 4) & 0x07)
	f.instantSpeed = float64(uint16(page[5])<<8|uint16(page[4])) * 0.001
	f.instantSpeedTimestamp = f.now()
	f.instantSpeedIsVirtual = capabilities&0x08 != 0
	f.equipmentType = EquipmentType(page[1] & 0x1F)
}

func (f *FitnessEquipmentControl) processTrainerSpecificPage(page []byte) {
	trainerStatus := (page[6] >> 4) & 0x0F
	flags := page[7] & 0x0F
	f.trainerState = TrainerState((page[7] >> 4) & 0x07)

	ts := f.now()
	f.instantPower = float64(uint16(page[6]&0x0F)<<8 | uint16(page[5]))
	f.instantPowerTimestamp = ts
	f.instantCadence = float64(page[2])
	f.instantCadenceStamp = ts
	f.simulationState = SimulationState(flags & 0x03)

	f.zeroOffsetCalibrationRequired = trainerStatus&0x01 != 0
	f.spinDownCalibrationRequired = trainerStatus&0x02 != 0
	f.userConfigurationRequired = trainerStatus&0x04 != 0
	f.updateUserConfig = f.updateUserConfig || f.userConfigurationRequired
}

func (f *FitnessEquipmentControl) processCapabilitiesPage(page []byte) {
	f.maxResistance = float64(uint16(page[6])<<8 | uint16(page[5]))
	capabilities := page[7]
	f.basicResistanceControl = capabilities&0x01 != 0
	f.targetPowerControl = capabilities&0x02 != 0
	f.simulationControl = capabilities&0x04 != 0
	f.capabilitiesStatus = capabilitiesReceived
}

// sendUserConfigPage packs the rider and bike parameters into page 0x37:
// rider weight in 0.01 kg, bike weight in 0.05 kg across a 12-bit field,
// wheel diameter as whole centimeters plus a 1 mm fraction nibble.
func (f *FitnessEquipmentControl) sendUserConfigPage() {
	uw := uint16(f.userWeightKg / 0.01)
	bw := uint16(f.bikeWeightKg / 0.05)
	ws := uint16(f.wheelDiameterM / 0.01)
	ws1 := uint16(f.wheelDiameterM/0.001) - ws*10

	msg := []byte{
		dpUserConfig,
		byte(uw), byte(uw >> 8),
		0xFF, // reserved
		byte(ws1&0x0F) | byte(bw&0x0F)<<4,
		byte(bw >> 4),
		byte(ws),
		0x00, // gear ratio: invalid on purpose
	}
	f.ch.SendAcknowledgedData(dpUserConfig, msg)
	f.updateUserConfig = false
}

// sendTrackResistancePage packs the simulated grade and rolling resistance
// into page 0x33.
func (f *FitnessEquipmentControl) sendTrackResistancePage() {
	rawSlope := uint16((f.slope + 200.0) / 0.01)
	rawRR := byte(uint16(f.rollingResistance * 5e5))

	msg := []byte{
		dpTrackResistance,
		0xFF, 0xFF, 0xFF, 0xFF,
		byte(rawSlope), byte(rawSlope >> 8),
		rawRR,
	}
	f.ch.SendAcknowledgedData(dpTrackResistance, msg)
}

// OnAckReply re-arms the control protocol when an acknowledged write fails:
// the capabilities request and user config are flagged for another round,
// the track resistance page is queued again right away.
func (f *FitnessEquipmentControl) OnAckReply(tag int, event ant.ChannelEvent) {
	if event == ant.EventTransferTxCompleted {
		return
	}
	switch tag {
	case dpCapabilities:
		f.capabilitiesStatus = capabilitiesUnknown
	case dpUserConfig:
		f.updateUserConfig = true
	case dpTrackResistance:
		f.sendTrackResistancePage()
	}
}

// OnStateChanged drops everything learned from the trainer whenever the
// channel leaves the open state.
func (f *FitnessEquipmentControl) OnStateChanged(old, new ant.ChannelState) {
	if new == ant.ChannelOpen {
		return
	}

	f.capabilitiesStatus = capabilitiesUnknown
	f.maxResistance = 0
	f.basicResistanceControl = false
	f.targetPowerControl = false
	f.simulationControl = false

	f.zeroOffsetCalibrationRequired = false
	f.spinDownCalibrationRequired = false
	f.userConfigurationRequired = false

	f.instantPower = 0
	f.instantSpeed = 0
	f.instantSpeedIsVirtual = false
	f.instantCadence = 0
	f.trainerState = TrainerReserved
	f.simulationState = SimAtTargetPower
}

// SetUserParams updates the rider weight (kg), bike weight (kg) and wheel
// diameter (m) and schedules a user configuration write.
func (f *FitnessEquipmentControl) SetUserParams(userWeightKg, bikeWeightKg, wheelDiameterM float64) {
	f.userWeightKg = userWeightKg
	f.bikeWeightKg = bikeWeightKg
	f.wheelDiameterM = wheelDiameterM
	f.updateUserConfig = true
}

// SetSlope updates the simulated grade (percent) and sends it to the
// trainer immediately.
func (f *FitnessEquipmentControl) SetSlope(slope float64) {
	f.slope = slope
	f.sendTrackResistancePage()
}

// InstantPower returns the last power reading in watts, or zero when stale.
func (f *FitnessEquipmentControl) InstantPower() float64 {
	if f.now()-f.instantPowerTimestamp > staleTimeout {
		return 0
	}
	return f.instantPower
}

// InstantSpeed returns the last speed reading in m/s, or zero when stale.
func (f *FitnessEquipmentControl) InstantSpeed() float64 {
	if f.now()-f.instantSpeedTimestamp > staleTimeout {
		return 0
	}
	return f.instantSpeed
}

// InstantSpeedIsVirtual reports whether the speed is simulated rather than
// measured at the wheel.
func (f *FitnessEquipmentControl) InstantSpeedIsVirtual() bool {
	return f.instantSpeedIsVirtual
}

// InstantCadence returns the last cadence reading in rpm, or zero when
// stale.
func (f *FitnessEquipmentControl) InstantCadence() float64 {
	if f.now()-f.instantCadenceStamp > staleTimeout {
		return 0
	}
	return f.instantCadence
}

// EquipmentType returns the equipment kind from the general page.
func (f *FitnessEquipmentControl) EquipmentType() EquipmentType { return f.equipmentType }

// TrainerState returns the trainer's reported state.
func (f *FitnessEquipmentControl) TrainerState() TrainerState { return f.trainerState }

// SimulationState returns how the trainer tracks its power target.
func (f *FitnessEquipmentControl) SimulationState() SimulationState { return f.simulationState }

// MaxResistance returns the trainer's maximum resistance in newtons, from
// the capabilities page.
func (f *FitnessEquipmentControl) MaxResistance() float64 { return f.maxResistance }

// BasicResistanceControl reports page 0x30 support.
func (f *FitnessEquipmentControl) BasicResistanceControl() bool { return f.basicResistanceControl }

// TargetPowerControl reports page 0x31 support.
func (f *FitnessEquipmentControl) TargetPowerControl() bool { return f.targetPowerControl }

// SimulationControl reports page 0x32/0x33 support.
func (f *FitnessEquipmentControl) SimulationControl() bool { return f.simulationControl }

// UserConfigurationRequired reports whether the trainer is waiting for a
// user configuration page.
func (f *FitnessEquipmentControl) UserConfigurationRequired() bool {
	return f.userConfigurationRequired
}

// State returns the channel's pairing state.
func (f *FitnessEquipmentControl) State() ant.ChannelState { return f.ch.State() }

// ChannelID returns the channel id; DeviceNumber is the trainer's serial
// once paired.
func (f *FitnessEquipmentControl) ChannelID() ant.ChannelID { return f.ch.ChannelID() }

// MessagesReceived returns the broadcast count.
func (f *FitnessEquipmentControl) MessagesReceived() uint64 { return f.ch.MessagesReceived() }

// MessagesFailed returns the missed receive window count.
func (f *FitnessEquipmentControl) MessagesFailed() uint64 { return f.ch.MessagesFailed() }

// Close tears down the channel.
func (f *FitnessEquipmentControl) Close() { f.ch.Close() }
