package ant

import (
	"bytes"
	"testing"
)

func TestEncodeMessage(t *testing.T) {
	tests := []struct {
		name string
		id   MessageID
		data []byte
		want []byte
	}{
		{
			name: "reset system",
			id:   ResetSystem,
			data: []byte{0},
			want: []byte{0xA4, 0x01, 0x4A, 0x00, 0xEF},
		},
		{
			name: "startup",
			id:   StartupMessage,
			data: []byte{0x20},
			want: []byte{0xA4, 0x01, 0x6F, 0x20, 0xEA},
		},
		{
			name: "empty payload",
			id:   ResetSystem,
			data: nil,
			want: []byte{0xA4, 0x00, 0x4A, 0xEE},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeMessage(tt.id, tt.data...)
			if err != nil {
				t.Fatalf("EncodeMessage() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeMessage() = % X, want % X", got, tt.want)
			}
			if !ValidChecksum(got) {
				t.Errorf("ValidChecksum(% X) = false, want true", got)
			}
		})
	}
}

func TestEncodeMessageTooLong(t *testing.T) {
	_, err := EncodeMessage(BroadcastData, make([]byte, 256)...)
	if err == nil {
		t.Fatal("EncodeMessage() with 256 byte payload: no error")
	}
}

func TestScanFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		id      MessageID
		data    []byte
		garbage []byte // appended after the frame
	}{
		{name: "no trailing bytes", id: BroadcastData, data: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8}},
		{name: "trailing garbage", id: ChannelResponse, data: []byte{1, 0x42, 0}, garbage: []byte{0x13, 0x37, 0xA4}},
		{name: "empty payload", id: ResetSystem, data: nil, garbage: []byte{0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeMessage(tt.id, tt.data...)
			if err != nil {
				t.Fatal(err)
			}
			buf := append(append([]byte{}, raw...), tt.garbage...)

			skip, f, err := ScanFrame(buf)
			if err != nil {
				t.Fatalf("ScanFrame() error = %v", err)
			}
			if f == nil {
				t.Fatal("ScanFrame() returned no frame")
			}
			if skip != len(raw) {
				t.Errorf("ScanFrame() skip = %d, want %d", skip, len(raw))
			}
			if f.ID != tt.id {
				t.Errorf("ID = 0x%02X, want 0x%02X", byte(f.ID), byte(tt.id))
			}
			if !bytes.Equal(f.Data, tt.data) && len(tt.data) > 0 {
				t.Errorf("Data = % X, want % X", f.Data, tt.data)
			}
		})
	}
}

func TestScanFrameDiscardsPrefix(t *testing.T) {
	raw, err := EncodeMessage(BroadcastData, 0, 1, 2, 3, 4, 5, 6, 7, 8)
	if err != nil {
		t.Fatal(err)
	}
	// No sync byte anywhere in the prefix.
	prefix := []byte{0x00, 0x13, 0x37, 0xFF, 0x42}
	buf := append(append([]byte{}, prefix...), raw...)

	skip, f, err := ScanFrame(buf)
	if err != nil {
		t.Fatalf("ScanFrame() error = %v", err)
	}
	if f == nil {
		t.Fatal("ScanFrame() returned no frame")
	}
	if skip != len(prefix)+len(raw) {
		t.Errorf("skip = %d, want %d", skip, len(prefix)+len(raw))
	}
	if f.ID != BroadcastData {
		t.Errorf("ID = 0x%02X, want 0x%02X", byte(f.ID), byte(BroadcastData))
	}
}

func TestScanFrameNeedsMore(t *testing.T) {
	raw, err := EncodeMessage(BroadcastData, 0, 1, 2, 3, 4, 5, 6, 7, 8)
	if err != nil {
		t.Fatal(err)
	}

	for cut := 0; cut < len(raw); cut++ {
		skip, f, err := ScanFrame(raw[:cut])
		if err != nil {
			t.Fatalf("ScanFrame(%d bytes) error = %v", cut, err)
		}
		if f != nil {
			t.Fatalf("ScanFrame(%d bytes) produced a frame from a partial buffer", cut)
		}
		if skip != 0 {
			t.Errorf("ScanFrame(%d bytes) skip = %d, want 0", cut, skip)
		}
	}
}

func TestChecksumCatchesSingleByteFlips(t *testing.T) {
	raw, err := EncodeMessage(BroadcastData, 0, 0x10, 0x19, 0, 0, 0xC8, 0, 0x30, 0x20)
	if err != nil {
		t.Fatal(err)
	}

	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte{}, raw...)
			mutated[i] ^= 1 << bit
			if ValidChecksum(mutated) {
				t.Errorf("flip of byte %d bit %d not caught by checksum", i, bit)
			}
		}
	}
}

func TestScanFrameBadChecksum(t *testing.T) {
	raw, err := EncodeMessage(BroadcastData, 0, 1, 2, 3, 4, 5, 6, 7, 8)
	if err != nil {
		t.Fatal(err)
	}
	raw[5] ^= 0xFF

	skip, f, err := ScanFrame(raw)
	if err == nil {
		t.Fatal("ScanFrame() of corrupted frame: no error")
	}
	if f != nil {
		t.Error("ScanFrame() returned a corrupted frame")
	}
	// The bad region must be consumed so the caller can resynchronize.
	if skip != len(raw) {
		t.Errorf("skip = %d, want %d", skip, len(raw))
	}
}

func TestFrameChannel(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
		want byte
	}{
		{"broadcast", Frame{ID: BroadcastData, Data: []byte{3, 0, 0, 0, 0, 0, 0, 0, 0}}, 3},
		{"burst masks sequence bits", Frame{ID: BurstTransferData, Data: []byte{0xE2, 0, 0}}, 2},
		{"empty", Frame{ID: BroadcastData}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Channel(); got != tt.want {
				t.Errorf("Channel() = %d, want %d", got, tt.want)
			}
		})
	}
}
