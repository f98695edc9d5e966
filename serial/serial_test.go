package serial

import (
	"context"
	"io"
	"testing"
	"time"

	"seedhammer.com/ctlerr"
)

func withSimulator(t *testing.T, version string) (*Driver, *Simulator) {
	t.Helper()
	sim := NewSimulator(version)
	prev := openPort
	openPort = func(device string, baud int) (io.ReadWriteCloser, error) {
		return sim, nil
	}
	t.Cleanup(func() { openPort = prev })
	d := New(Config{Device: "/dev/fake0"})
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { d.Disconnect() })
	return d, sim
}

func TestConnectParsesVersion(t *testing.T) {
	d, _ := withSimulator(t, "3.0.1")
	if got := d.Version().String(); got != "3.0.1" {
		t.Fatalf("version = %q, want 3.0.1", got)
	}
	if !d.Version().MinVersion("2.6.0") {
		t.Error("expected MinVersion(2.6.0) true")
	}
	if d.Version().MinVersion("3.1.0") {
		t.Error("expected MinVersion(3.1.0) false")
	}
}

func TestCommandRoundtrip(t *testing.T) {
	d, _ := withSimulator(t, "3.0.1")
	if err := d.Command(context.Background(), "EM,1,1", DefaultTimeout); err != nil {
		t.Fatalf("Command: %v", err)
	}
}

func TestNicknameRoundtrip(t *testing.T) {
	d, _ := withSimulator(t, "3.0.1")
	if err := d.SetNickname(context.Background(), "bench-1"); err != nil {
		t.Fatalf("SetNickname: %v", err)
	}
	got, err := d.Nickname(context.Background())
	if err != nil {
		t.Fatalf("Nickname: %v", err)
	}
	if got != "bench-1" {
		t.Fatalf("nickname = %q, want bench-1", got)
	}
}

func TestGeneralStatusAndStepPositions(t *testing.T) {
	d, _ := withSimulator(t, "3.0.1")
	st, err := d.GeneralStatus(context.Background())
	if err != nil {
		t.Fatalf("GeneralStatus: %v", err)
	}
	if !st.Idle() {
		t.Error("expected idle status from a fresh simulator")
	}
	x, y, err := d.StepPositions(context.Background())
	if err != nil {
		t.Fatalf("StepPositions: %v", err)
	}
	if x != 0 || y != 0 {
		t.Fatalf("steps = (%d,%d), want (0,0)", x, y)
	}
}

func TestUnknownCommandProducesDeviceError(t *testing.T) {
	d, _ := withSimulator(t, "3.0.1")
	err := d.Command(context.Background(), "ZZ", DefaultTimeout)
	if err == nil {
		t.Fatal("expected an error")
	}
	e, ok := ctlerr.As(err)
	if !ok || e.Kind != ctlerr.DeviceError {
		t.Fatalf("expected a DeviceError, got %v", err)
	}
	if e.Payload == "" {
		t.Error("expected a non-empty payload")
	}
}

func TestOnCommandErrorHookInvoked(t *testing.T) {
	sim := NewSimulator("3.0.1")
	prev := openPort
	openPort = func(device string, baud int) (io.ReadWriteCloser, error) { return sim, nil }
	t.Cleanup(func() { openPort = prev })
	var invoked int
	d := New(Config{Device: "/dev/fake0", OnCommandError: func(error) { invoked++ }})
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect()
	_ = d.Command(context.Background(), "ZZ", DefaultTimeout)
	if invoked != 1 {
		t.Fatalf("hook invoked %d times, want 1", invoked)
	}
}

func TestCommandTimesOutWhenDeviceIsSilent(t *testing.T) {
	prev := openPort
	openPort = func(device string, baud int) (io.ReadWriteCloser, error) { return &silentPort{}, nil }
	t.Cleanup(func() { openPort = prev })
	d := New(Config{Device: "/dev/fake0"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := d.Connect(ctx)
	if err == nil {
		t.Fatal("expected connect to fail against a silent port")
	}
}

// silentPort never responds, to exercise the timeout path.
type silentPort struct{}

func (silentPort) Write(p []byte) (int, error) { return len(p), nil }
func (silentPort) Read(p []byte) (int, error)  { return 0, nil }
func (silentPort) Close() error                { return nil }
