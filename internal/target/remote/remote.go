// Package remote implements target.Target on top of an upstream RSP stub,
// such as a vendor GDB server or an emulator gdbstub. The stub is driven in
// client mode with the same codec the server side uses.
package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/regs"
	"github.com/markus-k/probe-rs/internal/rsp"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

// DefaultTimeout bounds one request/reply exchange with the stub.
const DefaultTimeout = 5 * time.Second

// Options tune the connection to the stub.
type Options struct {
	Timeout time.Duration

	// MaxTransfer bounds the bytes moved by one m, M or vFlashWrite packet.
	// Zero derives it from the stub's PacketSize.
	MaxTransfer int

	// HaltTimeout bounds the wait for the stop reply after an interrupt.
	// Zero uses Timeout.
	HaltTimeout time.Duration
}

type coreState struct {
	thread  string
	rmap    *regs.Map
	running bool
	cause   target.HaltCause

	// regnums maps register ids to the stub's numbering.
	regnums map[target.RegisterID]stubReg

	hwbp   []*uint64
	watch  []*watchUnit
	bpKind int
}

type watchUnit struct {
	addr   uint64
	length int
	kind   target.BreakpointKind
}

// Target is a probe reached through an RSP stub.
type Target struct {
	rw   io.ReadWriteCloser
	conn *rsp.Conn
	chip *targetdesc.Chip
	opts Options

	mu       sync.Mutex
	cores    []*coreState
	selected int

	packetSize int
	features   map[string]string
	useVCont   bool
	gFallback  bool

	// hg is the thread last selected with Hg.
	hg string
	// layout lists the stub's registers in g packet order.
	layout []stubReg
}

// Dial connects to the stub at addr and performs the handshake.
func Dial(ctx context.Context, addr string, chip *targetdesc.Chip, opts Options) (*Target, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.TransportFailed("dial "+addr, err)
	}
	t, err := New(ctx, c, chip, opts)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return t, nil
}

// New runs the handshake over rw. The chip provides the core list and the
// register maps.
func New(ctx context.Context, rw io.ReadWriteCloser, chip *targetdesc.Chip, opts Options) (*Target, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HaltTimeout <= 0 {
		opts.HaltTimeout = opts.Timeout
	}
	t := &Target{
		rw:         rw,
		conn:       rsp.NewConn(rw, rsp.DefaultMaxPacket),
		chip:       chip,
		opts:       opts,
		packetSize: 0x400,
		features:   map[string]string{},
	}
	for _, c := range chip.Cores {
		rmap, err := regs.ForCore(c.Type)
		if err != nil {
			return nil, err
		}
		bp, wp := c.Type.Comparators()
		kind := 4
		if rmap.Thumb() {
			kind = 2
		}
		t.cores = append(t.cores, &coreState{
			rmap:   rmap,
			hwbp:   make([]*uint64, bp),
			watch:  make([]*watchUnit, wp),
			bpKind: kind,
		})
	}
	if err := t.handshake(ctx); err != nil {
		_ = t.conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Target) handshake(ctx context.Context) error {
	reply, err := t.exchange(ctx, "qSupported:multiprocess+;swbreak+;hwbreak+;vContSupported+")
	if err != nil {
		return err
	}
	for _, f := range strings.Split(string(reply), ";") {
		switch {
		case strings.HasSuffix(f, "+"):
			t.features[strings.TrimSuffix(f, "+")] = "+"
		case strings.Contains(f, "="):
			k, v, _ := strings.Cut(f, "=")
			t.features[k] = v
		}
	}
	if v, ok := t.features["PacketSize"]; ok {
		if n, err := rsp.ParseHexUint(v); err == nil && n >= 64 {
			t.packetSize = int(min(n, rsp.DefaultMaxPacket))
		}
	}
	if t.opts.MaxTransfer <= 0 {
		t.opts.MaxTransfer = (t.packetSize - 32) / 2
	}

	if t.features["QStartNoAckMode"] == "+" {
		if reply, err := t.exchange(ctx, "QStartNoAckMode"); err == nil && string(reply) == "OK" {
			t.conn.SetNoAck(true)
		}
	}

	if reply, err := t.exchange(ctx, "vCont?"); err == nil {
		actions := strings.Split(string(reply), ";")
		t.useVCont = len(actions) > 0 && actions[0] == "vCont" && contains(actions, "c") && contains(actions, "s")
	}

	threads, err := t.threads(ctx)
	if err != nil {
		return err
	}
	if len(threads) < len(t.cores) {
		return errors.TargetDescription(t.chip.Name,
			fmt.Sprintf("stub reports %d threads but the chip has %d cores", len(threads), len(t.cores)))
	}
	for i, c := range t.cores {
		c.thread = threads[i]
	}

	if err := t.loadRegisterNumbers(ctx); err != nil {
		log.Warn("using built-in register numbering: %v", err)
	}

	// The stub reports the stop state of the current thread; the others
	// were stopped with it.
	reply, err = t.exchange(ctx, "?")
	if err != nil {
		return err
	}
	stop, ok := parseStop(reply)
	if !ok {
		return errors.Wrap(errors.CodeProtocol, fmt.Sprintf("unexpected halt reason reply %q", reply), "", nil)
	}
	for _, c := range t.cores {
		c.cause = target.HaltCause{Kind: target.HaltRequest}
	}
	t.recordStop(stop, afterInterrupt)
	log.Info("connected to RSP stub: %d cores, packet size %#x", len(t.cores), t.packetSize)
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// threads lists the stub's threads in order.
func (t *Target) threads(ctx context.Context) ([]string, error) {
	var out []string
	reply, err := t.exchange(ctx, "qfThreadInfo")
	if err != nil {
		return nil, err
	}
	for len(reply) > 0 && reply[0] == 'm' {
		out = append(out, strings.Split(string(reply[1:]), ",")...)
		if reply, err = t.exchange(ctx, "qsThreadInfo"); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		// Stubs without thread support have a single implicit thread.
		out = []string{"1"}
	}
	return out, nil
}

// exchange sends payload and returns the reply. "Exx" replies become
// hardware errors and the empty reply becomes an unsupported error.
func (t *Target) exchange(ctx context.Context, payload string) ([]byte, error) {
	return t.exchangeBytes(ctx, []byte(payload))
}

func (t *Target) exchangeBytes(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	reply, err := t.conn.Exchange(ctx, payload)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeout(fmt.Sprintf("stub reply to %q", truncate(string(payload), 24)), t.opts.Timeout.Seconds())
		}
		return nil, errors.TransportFailed("stub exchange", err)
	}
	if code, ok := rsp.ParseErrorReply(reply); ok {
		return nil, errors.Hardware(truncate(string(payload), 24), fmt.Errorf("stub error %#02x", code))
	}
	if len(reply) == 0 {
		return nil, errors.Wrap(errors.CodeUnsupported, fmt.Sprintf("stub does not support %q", truncate(string(payload), 24)), "", nil)
	}
	return reply, nil
}

// expectOK runs a command whose only good reply is OK.
func (t *Target) expectOK(ctx context.Context, payload string) error {
	reply, err := t.exchange(ctx, payload)
	if err != nil {
		return err
	}
	if string(reply) != "OK" {
		return errors.Wrap(errors.CodeProtocol, fmt.Sprintf("unexpected reply %q to %q", reply, truncate(payload, 24)), "", nil)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (t *Target) cur() *coreState {
	return t.cores[t.selected]
}

// Close detaches from the stub and closes the connection.
func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = t.conn.WritePacket([]byte("D"))
	_, _ = t.conn.ReadPacket(ctx)
	return t.conn.Close()
}

// CoreCount implements target.Target.
func (t *Target) CoreCount() int {
	return len(t.cores)
}

// SelectCore implements target.Target. The stub's thread is switched
// lazily by the next operation that needs it.
func (t *Target) SelectCore(ctx context.Context, core int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if core < 0 || core >= len(t.cores) {
		return errors.NoSuchCore(core, len(t.cores))
	}
	t.selected = core
	return nil
}

// prepare readies the stub for a request on the selected core. The stub
// runs in all-stop mode and answers nothing while a core runs.
func (t *Target) prepare(ctx context.Context, op string) error {
	t.drainStops()
	for i, c := range t.cores {
		if c.running {
			return errors.NotHalted(i, op)
		}
	}
	c := t.cur()
	if len(t.cores) == 1 || t.hg == c.thread {
		return nil
	}
	if err := t.expectOK(ctx, "Hg"+c.thread); err != nil {
		return err
	}
	t.hg = c.thread
	return nil
}

// Halt implements target.Target.
func (t *Target) Halt(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.cur()
	if !c.running {
		return nil
	}
	if t.drainStops() && !c.running {
		return nil
	}
	if err := t.conn.WriteRaw([]byte{0x03}); err != nil {
		return errors.TransportFailed("interrupt", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.HaltTimeout)
	defer cancel()
	for c.running {
		ev, err := t.conn.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Timeout("halt", t.opts.HaltTimeout.Seconds())
			}
			return errors.TransportFailed("halt", err)
		}
		if stop, ok := parseStop(ev.Payload); ok {
			t.recordStop(stop, afterInterrupt)
		}
	}
	return nil
}

// Resume implements target.Target. The stop reply arrives later and is
// picked up by Status, PollHaltReason or Halt.
func (t *Target) Resume(ctx context.Context, pc *uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.cur()
	if c.running {
		return nil
	}
	if err := t.prepare(ctx, "resume"); err != nil {
		return err
	}
	if pc != nil {
		if err := t.writeRegister(ctx, c.rmap.PC().ID, *pc); err != nil {
			return err
		}
	}
	cmd := "c"
	if t.useVCont {
		cmd = "vCont;c:" + c.thread
	} else if len(t.cores) > 1 {
		if err := t.expectOK(ctx, "Hc"+c.thread); err != nil {
			return err
		}
	}
	if err := t.conn.WritePacket([]byte(cmd)); err != nil {
		return errors.TransportFailed("resume", err)
	}
	c.running = true
	c.cause = target.HaltCause{}
	return nil
}

// Step implements target.Target.
func (t *Target) Step(ctx context.Context) (target.HaltCause, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.cur()
	if err := t.prepare(ctx, "step"); err != nil {
		return target.HaltCause{}, err
	}
	cmd := "s"
	if t.useVCont {
		cmd = "vCont;s:" + c.thread
	} else if len(t.cores) > 1 {
		if err := t.expectOK(ctx, "Hc"+c.thread); err != nil {
			return target.HaltCause{}, err
		}
	}
	reply, err := t.exchange(ctx, cmd)
	if err != nil {
		return target.HaltCause{}, err
	}
	stop, ok := parseStop(reply)
	if !ok {
		return target.HaltCause{}, errors.Wrap(errors.CodeProtocol, fmt.Sprintf("unexpected step reply %q", reply), "", nil)
	}
	t.recordStop(stop, afterStep)
	return c.cause, nil
}

// Status implements target.Target.
func (t *Target) Status(ctx context.Context) (target.CoreStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.drainStops()
	c := t.cur()
	if c.running {
		return target.CoreStatus{State: target.StateRunning}, nil
	}
	return target.CoreStatus{State: target.StateHalted, Cause: c.cause}, nil
}

// PollHaltReason implements target.Target.
func (t *Target) PollHaltReason(ctx context.Context) (*target.HaltCause, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.Err(); err != nil {
		return nil, errors.TransportFailed("poll", err)
	}
	t.drainStops()
	c := t.cur()
	if c.running {
		return nil, nil
	}
	cause := c.cause
	return &cause, nil
}

// drainStops consumes stop replies that already arrived and reports whether
// there were any.
func (t *Target) drainStops() bool {
	seen := false
	for {
		ev, ok, err := t.conn.TryReadPacket()
		if err != nil || !ok {
			return seen
		}
		if stop, ok := parseStop(ev.Payload); ok {
			t.recordStop(stop, afterContinue)
			seen = true
		} else if len(ev.Payload) > 1 && ev.Payload[0] == 'O' {
			log.Debug("stub output: %s", decodeOutput(ev.Payload[1:]))
		}
	}
}

// recordStop marks the thread of stop halted. In all-stop mode every
// other core stops with it.
func (t *Target) recordStop(stop stopReply, mode stopMode) {
	idx := t.selected
	for i, c := range t.cores {
		if stop.thread != "" && sameThread(c.thread, stop.thread) {
			idx = i
		}
	}
	for i, c := range t.cores {
		if i == idx {
			c.cause = stop.cause(mode)
		} else if c.running {
			c.cause = target.HaltCause{Kind: target.HaltRequest}
		}
		c.running = false
	}
	// The stub switches its current thread to the one that stopped.
	t.hg = ""
}

// sameThread compares thread ids, tolerating a missing process part.
func sameThread(a, b string) bool {
	if a == b {
		return true
	}
	return threadPart(a) == threadPart(b)
}

func threadPart(id string) string {
	if strings.HasPrefix(id, "p") {
		if _, tid, ok := strings.Cut(id, "."); ok {
			id = tid
		}
	}
	return strings.TrimLeft(id, "0")
}

// ReadMemory implements target.Target.
func (t *Target) ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx, "memory read"); err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for length > 0 {
		n := min(t.opts.MaxTransfer, length)
		reply, err := t.exchange(ctx, fmt.Sprintf("m%x,%x", addr, n))
		if err != nil {
			return nil, err
		}
		chunk, err := rsp.HexDecode(string(reply))
		if err != nil {
			return nil, errors.Wrap(errors.CodeProtocol, "bad memory read reply", "", err)
		}
		if len(chunk) == 0 {
			return nil, errors.Hardware("read memory", fmt.Errorf("short read at %#x", addr))
		}
		out = append(out, chunk...)
		addr += uint64(len(chunk))
		length -= len(chunk)
	}
	return out, nil
}

// WriteMemory implements target.Target.
func (t *Target) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx, "memory write"); err != nil {
		return err
	}
	for len(data) > 0 {
		n := min(t.opts.MaxTransfer, len(data))
		if err := t.expectOK(ctx, fmt.Sprintf("M%x,%x:%s", addr, n, rsp.HexEncode(data[:n]))); err != nil {
			return err
		}
		addr += uint64(n)
		data = data[n:]
	}
	return nil
}

// HWBreakpointUnits implements target.Target.
func (t *Target) HWBreakpointUnits(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cur().hwbp), nil
}

// SetHWBreakpoint implements target.Target.
func (t *Target) SetHWBreakpoint(ctx context.Context, unit int, addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx, "set breakpoint"); err != nil {
		return err
	}
	c := t.cur()
	if unit < 0 || unit >= len(c.hwbp) {
		return errors.InvalidParameter("unit", unit, fmt.Sprintf("0..%d", len(c.hwbp)-1))
	}
	if old := c.hwbp[unit]; old != nil {
		if *old == addr {
			return nil
		}
		if err := t.expectOK(ctx, fmt.Sprintf("z1,%x,%x", *old, c.bpKind)); err != nil {
			return err
		}
		c.hwbp[unit] = nil
	}
	if err := t.expectOK(ctx, fmt.Sprintf("Z1,%x,%x", addr, c.bpKind)); err != nil {
		return err
	}
	c.hwbp[unit] = &addr
	return nil
}

// ClearHWBreakpoint implements target.Target.
func (t *Target) ClearHWBreakpoint(ctx context.Context, unit int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx, "clear breakpoint"); err != nil {
		return err
	}
	c := t.cur()
	if unit < 0 || unit >= len(c.hwbp) || c.hwbp[unit] == nil {
		return errors.InvalidParameter("unit", unit, "a programmed breakpoint unit")
	}
	if err := t.expectOK(ctx, fmt.Sprintf("z1,%x,%x", *c.hwbp[unit], c.bpKind)); err != nil {
		return err
	}
	c.hwbp[unit] = nil
	return nil
}

// HWBreakpoints implements target.ComparatorReader with the units set
// through this connection.
func (t *Target) HWBreakpoints(ctx context.Context) ([]*uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*uint64(nil), t.cur().hwbp...), nil
}

// WatchpointUnits implements target.Target.
func (t *Target) WatchpointUnits(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cur().watch), nil
}

// SetWatchpoint implements target.Target.
func (t *Target) SetWatchpoint(ctx context.Context, unit int, addr uint64, length int, kind target.BreakpointKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx, "set watchpoint"); err != nil {
		return err
	}
	c := t.cur()
	if unit < 0 || unit >= len(c.watch) {
		return errors.InvalidParameter("unit", unit, fmt.Sprintf("0..%d", len(c.watch)-1))
	}
	if !kind.IsWatchpoint() {
		return errors.InvalidParameter("kind", kind, "a watchpoint kind")
	}
	if old := c.watch[unit]; old != nil {
		if err := t.expectOK(ctx, fmt.Sprintf("z%d,%x,%x", old.kind, old.addr, old.length)); err != nil {
			return err
		}
		c.watch[unit] = nil
	}
	if err := t.expectOK(ctx, fmt.Sprintf("Z%d,%x,%x", kind, addr, length)); err != nil {
		return err
	}
	c.watch[unit] = &watchUnit{addr: addr, length: length, kind: kind}
	return nil
}

// ClearWatchpoint implements target.Target.
func (t *Target) ClearWatchpoint(ctx context.Context, unit int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx, "clear watchpoint"); err != nil {
		return err
	}
	c := t.cur()
	if unit < 0 || unit >= len(c.watch) || c.watch[unit] == nil {
		return errors.InvalidParameter("unit", unit, "a programmed watchpoint unit")
	}
	w := c.watch[unit]
	if err := t.expectOK(ctx, fmt.Sprintf("z%d,%x,%x", w.kind, w.addr, w.length)); err != nil {
		return err
	}
	c.watch[unit] = nil
	return nil
}

// Monitor implements target.Monitor by forwarding cmd as qRcmd.
func (t *Target) Monitor(ctx context.Context, cmd string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.prepare(ctx, "monitor"); err != nil {
		return "", err
	}
	return t.monitor(ctx, cmd)
}

func (t *Target) monitor(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	if err := t.conn.WritePacket([]byte("qRcmd," + rsp.HexEncode([]byte(cmd)))); err != nil {
		return "", errors.TransportFailed("monitor", err)
	}
	var out strings.Builder
	for {
		ev, err := t.conn.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", errors.Timeout("monitor "+cmd, t.opts.Timeout.Seconds())
			}
			return "", errors.TransportFailed("monitor", err)
		}
		if ev.Kind != rsp.EventPacket {
			continue
		}
		p := ev.Payload
		switch {
		case string(p) == "OK":
			return out.String(), nil
		case len(p) == 0:
			return "", errors.Wrap(errors.CodeUnsupported, fmt.Sprintf("stub does not support monitor command %q", cmd), "", nil)
		case len(p) > 1 && p[0] == 'O':
			out.WriteString(decodeOutput(p[1:]))
		default:
			if code, ok := rsp.ParseErrorReply(p); ok {
				return "", errors.Hardware("monitor "+cmd, fmt.Errorf("stub error %#02x", code))
			}
			out.WriteString(decodeOutput(p))
			return out.String(), nil
		}
	}
}

func decodeOutput(hexText []byte) string {
	raw, err := rsp.HexDecode(string(hexText))
	if err != nil {
		return string(hexText)
	}
	return string(raw)
}

// Reset implements target.Resetter: the core is reset, halted at the reset
// vector and then let run, so its stop reply keeps flowing through Resume.
func (t *Target) Reset(ctx context.Context) error {
	if err := t.ResetAndHalt(ctx); err != nil {
		return err
	}
	return t.Resume(ctx, nil)
}

// ResetAndHalt implements target.Resetter with "monitor reset halt".
func (t *Target) ResetAndHalt(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.prepare(ctx, "reset"); err != nil {
		return err
	}
	if _, err := t.monitor(ctx, "reset halt"); err != nil {
		return err
	}
	for _, c := range t.cores {
		c.running = false
		c.cause = target.HaltCause{Kind: target.HaltRequest}
	}
	return nil
}

var (
	_ target.Target           = (*Target)(nil)
	_ target.Resetter         = (*Target)(nil)
	_ target.Monitor          = (*Target)(nil)
	_ target.ComparatorReader = (*Target)(nil)
)
