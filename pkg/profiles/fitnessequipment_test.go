package profiles

import (
	"bytes"
	"testing"

	"github.com/alex-hhh/TrainerControl/pkg/ant"
	"github.com/alex-hhh/TrainerControl/pkg/ant/anttest"
)

func newDecodeOnlyFEC(clock *fakeClock) *FitnessEquipmentControl {
	f := newFitnessEquipmentState()
	f.now = clock.now
	return f
}

func TestGeneralPageDecode(t *testing.T) {
	clock := &fakeClock{ms: 10000}
	f := newDecodeOnlyFEC(clock)

	// Trainer, speed 1.000 m/s, virtual speed flag, state "in use".
	f.processGeneralPage([]byte{0x10, 25, 0, 0, 0xE8, 0x03, 0, 0x38})

	if got := f.InstantSpeed(); got != 1.0 {
		t.Errorf("InstantSpeed() = %g, want 1.0", got)
	}
	if !f.InstantSpeedIsVirtual() {
		t.Error("InstantSpeedIsVirtual() = false, want true")
	}
	if got := f.EquipmentType(); got != EquipmentTrainer {
		t.Errorf("EquipmentType() = %v, want trainer", got)
	}
	if got := f.TrainerState(); got != TrainerInUse {
		t.Errorf("TrainerState() = %v, want in use", got)
	}
}

func TestTrainerSpecificPageDecode(t *testing.T) {
	clock := &fakeClock{ms: 10000}
	f := newDecodeOnlyFEC(clock)

	// Cadence 90 rpm, power 200 W (lsb 0xC8, msb nibble 0), trainer
	// status demanding user configuration, state "in use".
	f.processTrainerSpecificPage([]byte{0x19, 0, 90, 0, 0, 0xC8, 0x40, 0x30})

	if got := f.InstantPower(); got != 200 {
		t.Errorf("InstantPower() = %g, want 200", got)
	}
	if got := f.InstantCadence(); got != 90 {
		t.Errorf("InstantCadence() = %g, want 90", got)
	}
	if !f.UserConfigurationRequired() {
		t.Error("UserConfigurationRequired() = false, want true")
	}
	if !f.updateUserConfig {
		t.Error("user config not re-armed by the trainer's demand")
	}
	if got := f.SimulationState(); got != SimAtTargetPower {
		t.Errorf("SimulationState() = %v, want at target power", got)
	}
}

func TestTrainerSpecificPageTwelveBitPower(t *testing.T) {
	clock := &fakeClock{ms: 10000}
	f := newDecodeOnlyFEC(clock)

	// Power 0xBCD = 3021 W: lsb 0xCD, msb nibble 0xB; the high nibble of
	// byte 6 is status, not power.
	f.processTrainerSpecificPage([]byte{0x19, 0, 0, 0, 0, 0xCD, 0x0B, 0x00})

	if got := f.InstantPower(); got != 3021 {
		t.Errorf("InstantPower() = %g, want 3021", got)
	}
}

func TestCapabilitiesPageDecode(t *testing.T) {
	clock := &fakeClock{ms: 10000}
	f := newDecodeOnlyFEC(clock)

	// Max resistance 1000 N, all three control modes supported.
	f.processCapabilitiesPage([]byte{0x36, 0xFF, 0xFF, 0xFF, 0xFF, 0xE8, 0x03, 0x07})

	if got := f.MaxResistance(); got != 1000 {
		t.Errorf("MaxResistance() = %g, want 1000", got)
	}
	if !f.BasicResistanceControl() || !f.TargetPowerControl() || !f.SimulationControl() {
		t.Errorf("control modes = %v %v %v, want all true",
			f.BasicResistanceControl(), f.TargetPowerControl(), f.SimulationControl())
	}
	if f.capabilitiesStatus != capabilitiesReceived {
		t.Errorf("capabilities status = %v, want received", f.capabilitiesStatus)
	}
}

func TestMeasurementStaleness(t *testing.T) {
	clock := &fakeClock{ms: 10000}
	f := newDecodeOnlyFEC(clock)

	f.processGeneralPage([]byte{0x10, 25, 0, 0, 0xE8, 0x03, 0, 0x30})
	f.processTrainerSpecificPage([]byte{0x19, 0, 90, 0, 0, 0xC8, 0x00, 0x30})

	clock.advance(5000)
	if f.InstantPower() != 200 || f.InstantSpeed() != 1.0 || f.InstantCadence() != 90 {
		t.Errorf("values inside the staleness window = %g/%g/%g, want 200/1/90",
			f.InstantPower(), f.InstantSpeed(), f.InstantCadence())
	}

	clock.advance(1)
	if f.InstantPower() != 0 || f.InstantSpeed() != 0 || f.InstantCadence() != 0 {
		t.Errorf("stale values = %g/%g/%g, want zeros",
			f.InstantPower(), f.InstantSpeed(), f.InstantCadence())
	}
}

func TestAckReplyRearmsControlState(t *testing.T) {
	clock := &fakeClock{ms: 10000}
	f := newDecodeOnlyFEC(clock)

	f.capabilitiesStatus = capabilitiesRequested
	f.OnAckReply(dpCapabilities, ant.EventTransferTxFailed)
	if f.capabilitiesStatus != capabilitiesUnknown {
		t.Error("failed capabilities request did not reset the status")
	}

	f.updateUserConfig = false
	f.OnAckReply(dpUserConfig, ant.EventTransferRxFailed)
	if !f.updateUserConfig {
		t.Error("failed user config write did not re-arm the update")
	}

	// A successful transfer leaves everything alone.
	f.capabilitiesStatus = capabilitiesReceived
	f.updateUserConfig = false
	f.OnAckReply(dpCapabilities, ant.EventTransferTxCompleted)
	f.OnAckReply(dpUserConfig, ant.EventTransferTxCompleted)
	if f.capabilitiesStatus != capabilitiesReceived || f.updateUserConfig {
		t.Error("successful transfers must not re-arm anything")
	}
}

func TestStateChangeResetsTrainerState(t *testing.T) {
	clock := &fakeClock{ms: 10000}
	f := newDecodeOnlyFEC(clock)
	f.processCapabilitiesPage([]byte{0x36, 0xFF, 0xFF, 0xFF, 0xFF, 0xE8, 0x03, 0x07})
	f.processTrainerSpecificPage([]byte{0x19, 0, 90, 0, 0, 0xC8, 0x00, 0x30})

	f.OnStateChanged(ant.ChannelOpen, ant.ChannelSearching)

	if f.capabilitiesStatus != capabilitiesUnknown {
		t.Error("capabilities survived the connection loss")
	}
	if f.InstantPower() != 0 || f.InstantCadence() != 0 {
		t.Error("measurements survived the connection loss")
	}
	if f.MaxResistance() != 0 {
		t.Error("max resistance survived the connection loss")
	}
}

// pairTrainer builds a paired FE-C channel over the emulator.
func pairTrainer(t *testing.T, em *anttest.Emulator) (*ant.Stick, *FitnessEquipmentControl) {
	t.Helper()
	em.MasterDeviceNumber = 0x0102
	em.MasterDeviceType = 0x11

	s := newTestStick(t, em)
	f, err := NewFitnessEquipmentControl(s, 0)
	if err != nil {
		t.Fatalf("NewFitnessEquipmentControl() error = %v", err)
	}
	t.Cleanup(f.Close)

	em.InjectBroadcast(0, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})
	tickUntil(t, s, "trainer channel open", func() bool {
		return f.State() == ant.ChannelOpen
	})
	em.TakeWrites()
	return s, f
}

func trainerBroadcast(t *testing.T, em *anttest.Emulator, s *ant.Stick, f *FitnessEquipmentControl, page []byte) {
	t.Helper()
	before := f.MessagesReceived()
	em.InjectBroadcast(0, page)
	tickUntil(t, s, "broadcast processed", func() bool {
		return f.MessagesReceived() > before
	})
}

func TestTrainerControlFlow(t *testing.T) {
	em := anttest.New()
	s, f := pairTrainer(t, em)

	// The first broadcast after pairing queues a capabilities page
	// request; it goes out in the listen window of the next broadcast.
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})
	acks := em.WritesByID(ant.AcknowledgeData)
	if len(acks) != 1 || acks[0].Data[1] != 0x46 || acks[0].Data[7] != dpCapabilities {
		t.Fatalf("expected a capabilities page request, got % X", acks)
	}

	// Capabilities arrive; the pending user configuration goes out on the
	// following broadcast.
	trainerBroadcast(t, em, s, f, []byte{0x36, 0xFF, 0xFF, 0xFF, 0xFF, 0xE8, 0x03, 0x07})
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})

	var userConfig *ant.Frame
	for _, fr := range em.WritesByID(ant.AcknowledgeData) {
		if fr.Data[1] == dpUserConfig {
			fr := fr
			userConfig = &fr
		}
	}
	if userConfig == nil {
		t.Fatal("user configuration page never sent")
	}

	// Rider 75 kg (0x1D4C), bike 10 kg in 0.05 kg units (0xC8) split
	// across the nibble fields, wheel 66 cm + 8 mm.
	want := []byte{0, dpUserConfig, 0x4C, 0x1D, 0xFF, 0x88, 0x0C, 0x42, 0x00}
	if !bytes.Equal(userConfig.Data, want) {
		t.Errorf("user config frame = % X, want % X", userConfig.Data, want)
	}
}

func TestSetSlopeSendsTrackResistancePage(t *testing.T) {
	em := anttest.New()
	s, f := pairTrainer(t, em)

	// Get the capabilities/user-config handshake out of the way first.
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})
	trainerBroadcast(t, em, s, f, []byte{0x36, 0xFF, 0xFF, 0xFF, 0xFF, 0xE8, 0x03, 0x07})
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})
	em.TakeWrites()

	f.SetSlope(3.5)
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})

	acks := em.WritesByID(ant.AcknowledgeData)
	if len(acks) != 1 {
		t.Fatalf("ack writes = %d, want 1", len(acks))
	}
	// (3.5 + 200) / 0.01 = 20350 = 0x4F7E little-endian; rolling
	// resistance 0.004 * 5e5 = 2000 truncated to a byte.
	want := []byte{0, dpTrackResistance, 0xFF, 0xFF, 0xFF, 0xFF, 0x7E, 0x4F, 0xD0}
	if !bytes.Equal(acks[0].Data, want) {
		t.Errorf("track resistance frame = % X, want % X", acks[0].Data, want)
	}
}

func TestFailedTrackResistanceIsResent(t *testing.T) {
	em := anttest.New()
	s, f := pairTrainer(t, em)

	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})
	trainerBroadcast(t, em, s, f, []byte{0x36, 0xFF, 0xFF, 0xFF, 0xFF, 0xE8, 0x03, 0x07})
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})
	em.TakeWrites()

	em.AckEvent = ant.EventTransferTxFailed
	f.SetSlope(-1.5)
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})

	// The failed transfer re-queues the page; a later broadcast carries
	// the retry.
	em.AckEvent = ant.EventTransferTxCompleted
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})
	trainerBroadcast(t, em, s, f, []byte{0x10, 25, 0, 0, 0, 0, 0, 0x20})

	var resistancePages int
	for _, fr := range em.WritesByID(ant.AcknowledgeData) {
		if fr.Data[1] == dpTrackResistance {
			resistancePages++
		}
	}
	if resistancePages < 2 {
		t.Errorf("track resistance pages sent = %d, want at least 2", resistancePages)
	}
}

func TestEquipmentTypeString(t *testing.T) {
	tests := []struct {
		et   EquipmentType
		want string
	}{
		{EquipmentTrainer, "trainer"},
		{EquipmentTreadmill, "treadmill"},
		{EquipmentType(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.et.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.et, got, tt.want)
		}
	}
}
