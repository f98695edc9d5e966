// Package serial implements the EiBotBoard (EBB) wire protocol driver: ASCII
// command framing, response parsing, per-command timeouts, firmware-version
// capability gating, and FIFO serialization of the single in-flight
// command/response exchange a connection permits.
//
// Commands are enqueued by any number of callers and processed strictly in
// arrival order by one worker goroutine that owns the underlying port, so
// the "at most one envelope in flight" invariant holds regardless of how
// many goroutines call Command/Query concurrently.
package serial

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	goserial "github.com/tarm/serial"
	"seedhammer.com/ctlerr"
)

// Classification selects how a response is parsed, per §4.A.
type Classification int

const (
	// ClassCommand expects a trailing acknowledgement line ("OK").
	ClassCommand Classification = iota
	// ClassQueryWithTerminator expects a data line followed by an
	// acknowledgement line.
	ClassQueryWithTerminator
	// ClassQueryWithoutTerminator expects a data line only.
	ClassQueryWithoutTerminator
)

const (
	// DefaultTimeout is the per-envelope deadline used when a caller
	// doesn't override it (§3 "Command envelope").
	DefaultTimeout = 5 * time.Second
	// MaxCommandLength is the wire limit including the CR terminator.
	MaxCommandLength = 256
	// ackToken is the legacy-framing acknowledgement line.
	ackToken = "OK"

	minBackoff = time.Second
	maxBackoff = 10 * time.Second
)

// ProductBanner is the expected prefix of the version banner (§4.A "Connect
// sequence").
const ProductBanner = "EBBv13_and_above"

// USB vendor/product ID the device enumerates under (§4.A "Device
// discovery").
const (
	USBVendorID  = "04D8"
	USBProductID = "FD92"
)

// envelope is a single queued command/response exchange (§3 "Command
// envelope").
type envelope struct {
	text    string
	class   Classification
	timeout time.Duration
	result  chan envelopeResult
}

type envelopeResult struct {
	data string // the data line, if any
	err  error
}

// Status is the decoded general-status (QG) bit map, per §6.
type Status struct {
	FIFONonEmpty     bool
	Motor2Moving     bool
	Motor1Moving     bool
	CommandExecuting bool
	PenUp            bool
	ButtonPressed    bool
	PowerLostLatch   bool
	LimitTriggered   bool
}

// Idle reports whether the device is idle per §4.C: no command executing,
// neither motor moving, and the FIFO is empty.
func (s Status) Idle() bool {
	return !s.CommandExecuting && !s.Motor1Moving && !s.Motor2Moving && !s.FIFONonEmpty
}

// ParseStatus decodes a QG hex status byte response.
func ParseStatus(hex string) (Status, error) {
	hex = strings.TrimSpace(hex)
	var b int
	if _, err := fmt.Sscanf(hex, "%x", &b); err != nil {
		return Status{}, ctlerr.Wrap(ctlerr.DeviceError, "malformed QG response", err)
	}
	return Status{
		FIFONonEmpty:     b&(1<<0) != 0,
		Motor2Moving:     b&(1<<1) != 0,
		Motor1Moving:     b&(1<<2) != 0,
		CommandExecuting: b&(1<<3) != 0,
		PenUp:            b&(1<<4) != 0,
		ButtonPressed:    b&(1<<5) != 0,
		PowerLostLatch:   b&(1<<6) != 0,
		LimitTriggered:   b&(1<<7) != 0,
	}, nil
}

// ConnectionState is the driver's own open/closed state (§3 "Device
// connection").
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateOpen
)

// Config configures a Driver.
type Config struct {
	// Device is the OS device path, e.g. "/dev/ttyACM0". If empty,
	// Connect uses DiscoverPorts to find a candidate.
	Device string
	Baud   int
	Logger *log.Logger
	// OnCommandError is invoked when an envelope fails on the wire (write
	// error, read timeout, or error response), before the failing call
	// returns, so dependent caches (e.g. servo pen state) can be
	// invalidated (§4.A).
	OnCommandError func(error)
}

// Driver is an exclusive, single-connection EBB driver. The zero value is
// not usable; construct with New.
type Driver struct {
	cfg Config
	log *log.Logger

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	state   ConnectionState
	version Version
	queue   chan *envelope
	done    chan struct{}
	wg      sync.WaitGroup

	backoff     time.Duration
	lastErrAt   time.Time
	nickname    string
}

// New constructs a Driver. It does not open the port; call Connect.
func New(cfg Config) *Driver {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	l := cfg.Logger
	if l == nil {
		l = log.Default()
	}
	return &Driver{
		cfg:     cfg,
		log:     l,
		state:   StateClosed,
		backoff: minBackoff,
	}
}

// SetDevice overrides the OS device path Connect will use, for callers
// (e.g. the REST surface's POST /connect) that let a caller pick a port
// discovered via DiscoverPorts. Only effective before Connect succeeds.
func (d *Driver) SetDevice(device string) {
	d.mu.Lock()
	d.cfg.Device = device
	d.mu.Unlock()
}

// Baud returns the configured baud rate.
func (d *Driver) Baud() int { return d.cfg.Baud }

// State reports whether the port is open.
func (d *Driver) State() ConnectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Version returns the last-negotiated firmware version.
func (d *Driver) Version() Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Backoff returns the current reconnect backoff delay.
func (d *Driver) Backoff() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backoff
}

// openPort opens the OS serial device via github.com/tarm/serial; it is a
// variable so tests can substitute a fake transport.
var openPort = func(device string, baud int) (io.ReadWriteCloser, error) {
	c := &goserial.Config{Name: device, Baud: baud, ReadTimeout: 50 * time.Millisecond}
	p, err := goserial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Connect opens the device, flushes it, and negotiates the firmware
// version (§4.A "Connect sequence"). On failure it lengthens the reconnect
// backoff; on success it resets the backoff to its minimum.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.state == StateOpen {
		d.mu.Unlock()
		return ctlerr.New(ctlerr.StateConflict, "already connected")
	}
	device := d.cfg.Device
	d.mu.Unlock()

	if device == "" {
		ports, err := DiscoverPorts()
		if err != nil || len(ports) == 0 {
			d.recordFailure()
			return ctlerr.Wrap(ctlerr.Transport, "no EBB device found", err)
		}
		device = ports[0].Path
	}

	conn, err := openPort(device, d.cfg.Baud)
	if err != nil {
		d.recordFailure()
		return ctlerr.Wrap(ctlerr.Transport, "open port", err)
	}
	return d.connectOver(ctx, device, conn)
}

// NewWithPort constructs a Driver already attached to conn, skipping device
// discovery and port opening. It exists for components and tests that
// supply their own transport, e.g. a serial.Simulator or a fake used by
// other packages' tests.
func NewWithPort(ctx context.Context, cfg Config, conn io.ReadWriteCloser) (*Driver, error) {
	d := New(cfg)
	if err := d.connectOver(ctx, "(provided)", conn); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) connectOver(ctx context.Context, device string, conn io.ReadWriteCloser) error {
	d.mu.Lock()
	d.conn = conn
	d.state = StateOpen
	d.queue = make(chan *envelope, 32)
	d.done = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()

	ver, err := d.queryLocked(ctx, "V", ClassQueryWithoutTerminator, DefaultTimeout)
	if err != nil || !strings.HasPrefix(ver, ProductBanner) {
		// Retry once, per §4.A.
		ver, err = d.queryLocked(ctx, "V", ClassQueryWithoutTerminator, DefaultTimeout)
	}
	if err != nil || !strings.HasPrefix(ver, ProductBanner) {
		d.Disconnect()
		d.recordFailure()
		if err == nil {
			err = ctlerr.New(ctlerr.IdentityMismatch, "unexpected version banner: "+ver)
		}
		return ctlerr.Wrap(ctlerr.Transport, "connect handshake failed", err)
	}
	v, err := ParseVersion(ver)
	if err != nil {
		d.Disconnect()
		d.recordFailure()
		return ctlerr.Wrap(ctlerr.Transport, "parse version banner", err)
	}
	d.mu.Lock()
	d.version = v
	d.backoff = minBackoff
	d.lastErrAt = time.Time{}
	d.mu.Unlock()
	d.log.Printf("serial: connected to %s, firmware %s", device, v)
	return nil
}

func (d *Driver) recordFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErrAt = time.Now()
	d.backoff *= 2
	if d.backoff > maxBackoff {
		d.backoff = maxBackoff
	}
}

// Disconnect rejects any in-flight envelope, then closes the port with a
// 1s grace window before forcing destruction (§4.A "Disconnect sequence").
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return nil
	}
	conn := d.conn
	done := d.done
	d.state = StateClosed
	d.conn = nil
	d.mu.Unlock()

	if done != nil {
		close(done)
	}
	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()
	select {
	case <-closed:
	case <-time.After(time.Second):
		// Force-destroy: nothing more we can do but drop the reference;
		// the close call above will complete asynchronously.
	}
	d.wg.Wait()
	return nil
}

func (d *Driver) run() {
	defer d.wg.Done()
	for {
		select {
		case env := <-d.queue:
			d.process(env)
		case <-d.done:
			d.drain()
			return
		}
	}
}

// drain rejects any envelopes left in the queue after disconnect.
func (d *Driver) drain() {
	for {
		select {
		case env := <-d.queue:
			env.result <- envelopeResult{err: ctlerr.New(ctlerr.Transport, "disconnected")}
		default:
			return
		}
	}
}

func (d *Driver) process(env *envelope) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		env.result <- envelopeResult{err: ctlerr.New(ctlerr.Transport, "not connected")}
		return
	}
	wire := env.text + "\r"
	if len(wire) > MaxCommandLength {
		env.result <- envelopeResult{err: ctlerr.New(ctlerr.Validation, "command exceeds 256 bytes")}
		return
	}
	if _, err := conn.Write([]byte(wire)); err != nil {
		res := envelopeResult{err: ctlerr.Wrap(ctlerr.Transport, "write failed", err)}
		d.fail(res.err)
		env.result <- res
		return
	}
	deadline := time.Now().Add(env.timeout)
	r := &lineReader{conn: conn}

	var data string
	switch env.class {
	case ClassQueryWithoutTerminator:
		line, err := r.readLine(deadline)
		if err != nil {
			d.failEnvelope(env, err)
			return
		}
		data = line
	case ClassQueryWithTerminator:
		line, err := r.readLine(deadline)
		if err != nil {
			d.failEnvelope(env, err)
			return
		}
		data = line
		if ack, err := r.readLine(deadline); err != nil {
			d.failEnvelope(env, err)
			return
		} else if !isAck(ack) {
			d.failEnvelope(env, classifyLine(ack))
			return
		}
	case ClassCommand:
		line, err := r.readLine(deadline)
		if err != nil {
			d.failEnvelope(env, err)
			return
		}
		if !isAck(line) {
			d.failEnvelope(env, classifyLine(line))
			return
		}
	}
	env.result <- envelopeResult{data: data}
}

func (d *Driver) failEnvelope(env *envelope, err error) {
	d.fail(err)
	env.result <- envelopeResult{err: err}
}

func (d *Driver) fail(err error) {
	if d.cfg.OnCommandError != nil {
		d.cfg.OnCommandError(err)
	}
}

func isAck(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), ackToken)
}

// classifyLine turns a non-ack response line into a structured error: a
// device error line, or an unexpected-response transport error.
func classifyLine(line string) error {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "!") || strings.Contains(trimmed, "Err:") {
		return ctlerr.NewDeviceError(trimmed)
	}
	return ctlerr.New(ctlerr.Transport, "unexpected response: "+trimmed)
}

// enqueue submits env and blocks for its result, honoring ctx cancellation.
func (d *Driver) enqueue(ctx context.Context, env *envelope) (string, error) {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return "", ctlerr.New(ctlerr.Transport, "not connected")
	}
	q := d.queue
	d.mu.Unlock()

	select {
	case q <- env:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-env.result:
		return res.data, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Command issues text expecting a trailing acknowledgement.
func (d *Driver) Command(ctx context.Context, text string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	_, err := d.enqueue(ctx, &envelope{text: text, class: ClassCommand, timeout: timeout, result: make(chan envelopeResult, 1)})
	return err
}

// Query issues text and returns a single data line, optionally followed by
// an acknowledgement per withTerminator.
func (d *Driver) Query(ctx context.Context, text string, withTerminator bool, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	class := ClassQueryWithoutTerminator
	if withTerminator {
		class = ClassQueryWithTerminator
	}
	return d.enqueue(ctx, &envelope{text: text, class: class, timeout: timeout, result: make(chan envelopeResult, 1)})
}

// queryLocked is used internally during Connect, before the public API's
// connected-state checks would otherwise reject it.
func (d *Driver) queryLocked(ctx context.Context, text string, class Classification, timeout time.Duration) (string, error) {
	env := &envelope{text: text, class: class, timeout: timeout, result: make(chan envelopeResult, 1)}
	d.mu.Lock()
	q := d.queue
	d.mu.Unlock()
	select {
	case q <- env:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-env.result:
		return res.data, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WriteRaw sends text with no response expectation, for commands that sever
// the connection (bootloader entry, reboot). The driver is transitioned to
// closed immediately after the write.
func (d *Driver) WriteRaw(text string) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ctlerr.New(ctlerr.Transport, "not connected")
	}
	_, err := conn.Write([]byte(text + "\r"))
	d.Disconnect()
	if err != nil {
		return ctlerr.Wrap(ctlerr.Transport, "write failed", err)
	}
	return nil
}

// SetNickname stores the device's nickname via ST and updates the local
// cache. The device persists it; see §6.
func (d *Driver) SetNickname(ctx context.Context, name string) error {
	if len(name) > 16 {
		return ctlerr.New(ctlerr.Validation, "nickname exceeds 16 characters")
	}
	if err := d.Command(ctx, "ST,"+name, DefaultTimeout); err != nil {
		return err
	}
	d.mu.Lock()
	d.nickname = name
	d.mu.Unlock()
	return nil
}

// Nickname queries the device's stored nickname (QT).
func (d *Driver) Nickname(ctx context.Context) (string, error) {
	line, err := d.Query(ctx, "QT", false, DefaultTimeout)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(line)
	d.mu.Lock()
	d.nickname = name
	d.mu.Unlock()
	return name, nil
}

// GeneralStatus issues QG and decodes the status byte.
func (d *Driver) GeneralStatus(ctx context.Context) (Status, error) {
	line, err := d.Query(ctx, "QG", false, DefaultTimeout)
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(line)
}

// StepPositions issues QS and parses the two signed 32-bit step counters.
func (d *Driver) StepPositions(ctx context.Context) (x, y int32, err error) {
	line, err := d.Query(ctx, "QS", false, DefaultTimeout)
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 2 {
		return 0, 0, ctlerr.New(ctlerr.DeviceError, "malformed QS response")
	}
	var xi, yi int64
	if _, err := fmt.Sscanf(parts[0], "%d", &xi); err != nil {
		return 0, 0, ctlerr.Wrap(ctlerr.DeviceError, "malformed QS x", err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &yi); err != nil {
		return 0, 0, ctlerr.Wrap(ctlerr.DeviceError, "malformed QS y", err)
	}
	return int32(xi), int32(yi), nil
}

// ClearSteps issues CS, zeroing the device's step counters.
func (d *Driver) ClearSteps(ctx context.Context) error {
	return d.Command(ctx, "CS", DefaultTimeout)
}

// lineReader reads CRLF-terminated lines from conn honoring a deadline,
// without depending on bufio (whose fill loop can misbehave against a
// transport like tarm/serial that legitimately returns (0, nil) while its
// own ReadTimeout elapses with no data ready).
type lineReader struct {
	conn io.Reader
	buf  []byte
}

func (r *lineReader) readLine(deadline time.Time) (string, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := r.buf[:i]
			r.buf = r.buf[i+1:]
			return strings.TrimRight(string(line), "\r"), nil
		}
		if time.Now().After(deadline) {
			return "", ctlerr.New(ctlerr.Timeout, "no response within deadline")
		}
		chunk := make([]byte, 256)
		n, err := r.conn.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			continue
		}
		if err != nil && err != io.EOF {
			return "", ctlerr.Wrap(ctlerr.Transport, "read failed", err)
		}
		if err == io.EOF {
			return "", ctlerr.New(ctlerr.Transport, "connection closed")
		}
		// n == 0, err == nil: the underlying port's ReadTimeout elapsed
		// with nothing buffered; poll again until our own deadline.
		time.Sleep(2 * time.Millisecond)
	}
}
