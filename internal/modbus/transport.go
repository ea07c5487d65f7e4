package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the transport's connection lifecycle, explicit rather than
// smeared across call sites: Disconnected -> Resolving -> Connected ->
// Faulted -> Resolving -> ...
type State int

const (
	StateDisconnected State = iota
	StateResolving
	StateConnected
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Config configures endpoint resolution and retry posture.
type Config struct {
	Hostname         string
	AutoDiscover     bool
	StaticIP         string
	Port             int
	SlaveID          byte
	ByteOrder        ByteOrder
	ConnectTimeout   time.Duration
	Retries          int
	OperationTimeout time.Duration
}

// Transport is a single-producer Modbus-TCP client: all I/O is
// serialized behind mu so concurrent callers queue rather than
// interleave bytes on the wire. Session lifecycle is owned entirely
// here; callers never touch the socket.
type Transport struct {
	cfg    Config
	log    *zap.Logger
	mu     sync.Mutex
	conn   net.Conn
	state  atomic.Value // State
	transactionID uint16
	currentIP     string

	reconnects atomic.Int64
}

// New constructs a Transport in the Disconnected state. Connect must be
// called (directly or implicitly via the first operation) before I/O.
func New(cfg Config, log *zap.Logger) *Transport {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{cfg: cfg, log: log}
	t.state.Store(StateDisconnected)
	return t
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return t.state.Load().(State)
}

// CurrentIP returns the address of the active (or last active) session.
func (t *Transport) CurrentIP() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentIP
}

// Reconnects returns the number of successful reconnects since startup.
func (t *Transport) Reconnects() int64 {
	return t.reconnects.Load()
}

// endpointTarget names one candidate address tried during resolution.
type endpointTarget struct {
	method string
	addr   string
}

// resolutionOrder builds the ordered list of candidates: hostname, then
// auto-discovery scan, then the static IP fallback.
func (t *Transport) resolutionOrder(ctx context.Context) []endpointTarget {
	var targets []endpointTarget

	if t.cfg.Hostname != "" {
		targets = append(targets, endpointTarget{method: "hostname", addr: t.cfg.Hostname})
	}
	if t.cfg.AutoDiscover {
		if ip := t.quickNetworkScan(ctx); ip != "" {
			targets = append(targets, endpointTarget{method: "discovery", addr: ip})
		}
	}
	if t.cfg.StaticIP != "" {
		targets = append(targets, endpointTarget{method: "static", addr: t.cfg.StaticIP})
	}
	return targets
}

// commonPrivateRanges are the /24s scanned during auto-discovery, in
// priority order, first 20 hosts of each.
var commonPrivateRanges = []string{
	"192.168.1.%d",
	"192.168.0.%d",
	"10.0.0.%d",
	"10.5.5.%d",
}

func (t *Transport) quickNetworkScan(ctx context.Context) string {
	t.log.Info("running quick network scan for PLC")
	for _, tmpl := range commonPrivateRanges {
		for i := 1; i <= 20; i++ {
			select {
			case <-ctx.Done():
				return ""
			default:
			}
			ip := fmt.Sprintf(tmpl, i)
			if t.quickTestModbus(ip) {
				t.log.Info("found PLC candidate", zap.String("ip", ip))
				return ip
			}
		}
	}
	return ""
}

func (t *Transport) quickTestModbus(ip string) bool {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", t.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Connect resolves an endpoint and establishes a TCP session, trying
// each candidate in resolutionOrder up to cfg.Retries times with a
// fixed 1-second back-off between attempts.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked(ctx)
}

func (t *Transport) connectLocked(ctx context.Context) error {
	t.state.Store(StateResolving)

	targets := t.resolutionOrder(ctx)
	if len(targets) == 0 {
		t.state.Store(StateFaulted)
		return newError(ClassNotConnected, "connect", 0, fmt.Errorf("no endpoint configured (hostname, auto_discover, or static ip)"))
	}

	var lastErr error
	for _, target := range targets {
		conn, err := t.attemptConnection(ctx, target)
		if err == nil {
			t.conn = conn
			t.currentIP = target.addr
			t.state.Store(StateConnected)
			t.log.Info("connected to PLC",
				zap.String("method", target.method),
				zap.String("target", target.addr),
				zap.Int("port", t.cfg.Port),
				zap.Uint8("slave_id", t.cfg.SlaveID))
			return nil
		}
		lastErr = err
	}

	t.state.Store(StateFaulted)
	t.log.Error("all connection attempts failed", zap.Error(lastErr))
	if lastErr == nil {
		lastErr = fmt.Errorf("no connection targets configured")
	}
	return newError(ClassNotConnected, "connect", 0, lastErr)
}

func (t *Transport) attemptConnection(ctx context.Context, target endpointTarget) (net.Conn, error) {
	addr := net.JoinHostPort(target.addr, fmt.Sprintf("%d", t.cfg.Port))

	var lastErr error
	for attempt := 0; attempt < t.cfg.Retries; attempt++ {
		t.log.Debug("connecting to PLC",
			zap.String("target", target.addr),
			zap.String("method", target.method),
			zap.Int("attempt", attempt+1),
			zap.Int("retries", t.cfg.Retries))

		conn, err := net.DialTimeout("tcp", addr, t.cfg.ConnectTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < t.cfg.Retries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to %s via %s after %d attempts: %w", target.addr, target.method, t.cfg.Retries, lastErr)
}

// Disconnect closes the active session, if any.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnectLocked()
}

func (t *Transport) disconnectLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.state.Store(StateDisconnected)
	return err
}

// reconnect is invoked on transient_io/not_connected faults. It closes
// any stale socket and re-runs the full resolution order, since the
// cause of failure (DHCP lease change, PLC reboot) may have moved the
// endpoint.
func (t *Transport) reconnect(ctx context.Context) error {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	err := t.connectLocked(ctx)
	if err == nil {
		t.reconnects.Add(1)
	}
	return err
}

// withRetry executes op once; on a Retryable classified error it
// reconnects and retries exactly once more, per the fault semantics in
// the transport's error handling design. Once that budget is spent —
// the reconnect itself fails, or the retried op fails again on a fresh
// connection — the error is reclassified as ClassTransportFatal: a
// second consecutive broken pipe is no longer a momentary blip.
func (t *Transport) withRetry(ctx context.Context, op string, addr uint16, fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		if err := t.connectLocked(ctx); err != nil {
			return err
		}
	}

	err := fn()
	if err == nil {
		return nil
	}

	merr, ok := err.(*Error)
	if !ok {
		merr = classify(op, addr, err)
	}
	if !merr.Retryable() {
		return merr
	}

	t.log.Warn("retrying after transient fault", zap.String("op", op), zap.Uint16("addr", addr), zap.Error(merr))
	if rerr := t.reconnect(ctx); rerr != nil {
		t.state.Store(StateFaulted)
		re, ok := rerr.(*Error)
		if !ok {
			re = classify(op, addr, rerr)
		}
		return newError(ClassTransportFatal, op, addr, re)
	}

	if err2 := fn(); err2 != nil {
		m2, ok := err2.(*Error)
		if !ok {
			m2 = classify(op, addr, err2)
		}
		t.state.Store(StateFaulted)
		return newError(ClassTransportFatal, op, addr, m2)
	}
	return nil
}

// --- Typed register/coil operations ---

// ReadHolding reads count consecutive holding registers starting at addr.
func (t *Transport) ReadHolding(ctx context.Context, addr, count uint16) ([]uint16, error) {
	var out []uint16
	err := t.withRetry(ctx, "read_holding", addr, func() error {
		resp, err := t.roundTrip(FuncReadHoldingRegs, addr, count, nil)
		if err != nil {
			return err
		}
		out, err = parseRegisters(resp, count)
		return err
	})
	return out, err
}

// WriteHolding writes values to consecutive holding registers starting
// at addr, using function 16 (write multiple registers) regardless of
// length, matching the wire contract in the external interfaces design.
func (t *Transport) WriteHolding(ctx context.Context, addr uint16, values []uint16) error {
	return t.withRetry(ctx, "write_holding", addr, func() error {
		data := make([]byte, len(values)*2)
		for i, v := range values {
			binary.BigEndian.PutUint16(data[i*2:], v)
		}
		_, err := t.roundTripMulti(FuncWriteMultiRegs, addr, uint16(len(values)), data)
		return err
	})
}

// ReadCoils reads count consecutive coils starting at addr.
func (t *Transport) ReadCoils(ctx context.Context, addr, count uint16) ([]bool, error) {
	var out []bool
	err := t.withRetry(ctx, "read_coils", addr, func() error {
		resp, err := t.roundTrip(FuncReadCoils, addr, count, nil)
		if err != nil {
			return err
		}
		out, err = parseCoils(resp, count)
		return err
	})
	return out, err
}

// WriteCoil writes a single coil.
func (t *Transport) WriteCoil(ctx context.Context, addr uint16, value bool) error {
	return t.withRetry(ctx, "write_coil", addr, func() error {
		var coilValue uint16
		if value {
			coilValue = 0xFF00
		}
		_, err := t.roundTrip(FuncWriteSingleCoil, addr, coilValue, nil)
		return err
	})
}

// ReadFloat32 reads a 32-bit float from two consecutive holding
// registers in the transport's configured byte order.
func (t *Transport) ReadFloat32(ctx context.Context, addr uint16) (float32, error) {
	regs, err := t.ReadHolding(ctx, addr, 2)
	if err != nil {
		return 0, err
	}
	return DecodeFloat32([2]uint16{regs[0], regs[1]}, t.cfg.ByteOrder), nil
}

// WriteFloat32 writes a 32-bit float across two consecutive holding
// registers in the transport's configured byte order.
func (t *Transport) WriteFloat32(ctx context.Context, addr uint16, value float32) error {
	regs := EncodeFloat32(value, t.cfg.ByteOrder)
	return t.WriteHolding(ctx, addr, regs[:])
}

// ReadInt32 reads a 32-bit signed integer from two consecutive holding
// registers in the transport's configured byte order.
func (t *Transport) ReadInt32(ctx context.Context, addr uint16) (int32, error) {
	regs, err := t.ReadHolding(ctx, addr, 2)
	if err != nil {
		return 0, err
	}
	return DecodeInt32([2]uint16{regs[0], regs[1]}, t.cfg.ByteOrder), nil
}

// WriteInt32 writes a 32-bit signed integer across two consecutive
// holding registers in the transport's configured byte order.
func (t *Transport) WriteInt32(ctx context.Context, addr uint16, value int32) error {
	regs := EncodeInt32(value, t.cfg.ByteOrder)
	return t.WriteHolding(ctx, addr, regs[:])
}

// ReadInt16 reads a 16-bit signed integer from a single holding
// register. Distinct from ReadInt32: an int16 parameter occupies one
// register, and reading it as a 2-register value would consume the
// register belonging to whatever is addressed immediately after it.
func (t *Transport) ReadInt16(ctx context.Context, addr uint16) (int16, error) {
	regs, err := t.ReadHolding(ctx, addr, 1)
	if err != nil {
		return 0, err
	}
	return int16(regs[0]), nil
}

// WriteInt16 writes a 16-bit signed integer to a single holding
// register using function 6 (write single register).
func (t *Transport) WriteInt16(ctx context.Context, addr uint16, value int16) error {
	return t.withRetry(ctx, "write_int16", addr, func() error {
		_, err := t.roundTrip(FuncWriteSingleReg, addr, uint16(value), nil)
		return err
	})
}

// --- Wire framing ---

const (
	FuncReadCoils       = 0x01
	FuncReadHoldingRegs = 0x03
	FuncWriteSingleCoil = 0x05
	FuncWriteSingleReg  = 0x06
	FuncWriteMultiRegs  = 0x10
)

// roundTrip builds and sends a 6-byte-PDU request (read, or single
// write) and returns the raw MBAP header + PDU response.
func (t *Transport) roundTrip(funcCode byte, addr, value uint16, _ []byte) ([]byte, error) {
	t.transactionID++
	pduLen := 6
	req := make([]byte, 7+pduLen)
	binary.BigEndian.PutUint16(req[0:], t.transactionID)
	binary.BigEndian.PutUint16(req[2:], 0)
	binary.BigEndian.PutUint16(req[4:], uint16(pduLen))
	req[6] = t.cfg.SlaveID
	req[7] = funcCode
	binary.BigEndian.PutUint16(req[8:], addr)
	binary.BigEndian.PutUint16(req[10:], value)

	return t.send(funcCode, addr, req)
}

// roundTripMulti builds and sends a write-multiple-registers request.
func (t *Transport) roundTripMulti(funcCode byte, addr, quantity uint16, data []byte) ([]byte, error) {
	t.transactionID++
	pduLen := 7 + len(data)
	req := make([]byte, 7+pduLen)
	binary.BigEndian.PutUint16(req[0:], t.transactionID)
	binary.BigEndian.PutUint16(req[2:], 0)
	binary.BigEndian.PutUint16(req[4:], uint16(pduLen))
	req[6] = t.cfg.SlaveID
	req[7] = funcCode
	binary.BigEndian.PutUint16(req[8:], addr)
	binary.BigEndian.PutUint16(req[10:], quantity)
	req[12] = byte(len(data))
	copy(req[13:], data)

	return t.send(funcCode, addr, req)
}

func (t *Transport) send(funcCode byte, addr uint16, req []byte) ([]byte, error) {
	t.conn.SetDeadline(time.Now().Add(t.cfg.OperationTimeout))

	if _, err := t.conn.Write(req); err != nil {
		return nil, classify("send", addr, err)
	}

	header := make([]byte, 7)
	if _, err := readFull(t.conn, header); err != nil {
		return nil, classify("read_header", addr, err)
	}

	pduLen := binary.BigEndian.Uint16(header[4:])
	if pduLen == 0 || pduLen > 256 {
		return nil, newError(ClassProtocol, "read_header", addr, fmt.Errorf("implausible PDU length %d", pduLen))
	}

	pdu := make([]byte, pduLen)
	if _, err := readFull(t.conn, pdu); err != nil {
		return nil, classify("read_pdu", addr, err)
	}

	if len(pdu) >= 2 && pdu[0]&0x80 != 0 {
		return nil, classify("exception", addr, &ExceptionError{FunctionCode: pdu[0] &^ 0x80, ExceptionCode: pdu[1]})
	}

	return append(header, pdu...), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func parseRegisters(response []byte, count uint16) ([]uint16, error) {
	if len(response) < 9 {
		return nil, newError(ClassProtocol, "parse_registers", 0, fmt.Errorf("short response"))
	}
	byteCount := int(response[8])
	if len(response) < 9+byteCount || byteCount < int(count)*2 {
		return nil, newError(ClassProtocol, "parse_registers", 0, fmt.Errorf("incomplete response"))
	}
	regs := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		regs[i] = binary.BigEndian.Uint16(response[9+i*2:])
	}
	return regs, nil
}

func parseCoils(response []byte, count uint16) ([]bool, error) {
	if len(response) < 9 {
		return nil, newError(ClassProtocol, "parse_coils", 0, fmt.Errorf("short response"))
	}
	byteCount := int(response[8])
	if len(response) < 9+byteCount {
		return nil, newError(ClassProtocol, "parse_coils", 0, fmt.Errorf("incomplete response"))
	}
	coils := make([]bool, count)
	for i := uint16(0); i < count; i++ {
		byteIdx := i / 8
		bitIdx := i % 8
		coils[i] = response[9+byteIdx]&(1<<bitIdx) != 0
	}
	return coils, nil
}
