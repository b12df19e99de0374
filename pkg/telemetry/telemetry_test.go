package telemetry

import "testing"

func TestTelemetryString(t *testing.T) {
	tests := []struct {
		name string
		t    Telemetry
		want string
	}{
		{
			name: "all fields",
			t:    Telemetry{HeartRate: 146, Cadence: 78, Power: 214, Speed: 4.2},
			want: "HR: 146;CAD: 78;PWR: 214;SPD: 4.2",
		},
		{
			name: "heart rate only",
			t:    Telemetry{HeartRate: 72, Cadence: -1, Power: -1, Speed: -1},
			want: "HR: 72",
		},
		{
			name: "trainer only",
			t:    Telemetry{HeartRate: -1, Cadence: 90, Power: 200, Speed: 8.5},
			want: ";CAD: 90;PWR: 200;SPD: 8.5",
		},
		{
			name: "nothing available",
			t:    emptyTelemetry(),
			want: "",
		},
		{
			name: "zero values are valid readings",
			t:    Telemetry{HeartRate: 0, Cadence: 0, Power: 0, Speed: 0},
			want: "HR: 0;CAD: 0;PWR: 0;SPD: 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.t.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
