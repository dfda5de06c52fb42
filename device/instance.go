package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	errs "usbipd/internal/errs"
	applog "usbipd/internal/log"
	"usbipd/usbip"
)

// fullOpReqDevlist / fullOpReqImport are the management opcodes as they
// appear on the wire: the 2-byte version and 2-byte command packed into one
// 4-byte big-endian word (§4.2).
const (
	fullOpReqDevlist = usbip.Version<<16 | usbip.OpReqDevlist
	fullOpRepDevlist = usbip.Version<<16 | usbip.OpRepDevlist
	fullOpReqImport  = usbip.Version<<16 | usbip.OpReqImport
	fullOpRepImport  = usbip.Version<<16 | usbip.OpRepImport
)

// AttachFunc performs the local-attach handshake for one device's bus-ID
// (§4.7). Instance.Run invokes it for every AutoAttach device. The
// localattach package supplies the platform implementation; it is injected
// here to avoid a dependency from device on localattach.
type AttachFunc func(ctx context.Context, busID string, port uint16) error

// Config configures an Instance (§6.3).
type Config struct {
	// Port to listen on; 0 picks an ephemeral port.
	Port uint16
	// AllowRemote listens on all interfaces instead of loopback only.
	AllowRemote bool
	Logger      *slog.Logger
	RawLogger   applog.RawLogger
	// OnAttach is invoked for each AutoAttach device once Run starts.
	// May be nil if no device sets AutoAttach.
	OnAttach AttachFunc
}

// Instance is the USB/IP server (§3, §4.1).
type Instance struct {
	cfg      Config
	logger   *slog.Logger
	raw      applog.RawLogger
	onAttach AttachFunc

	ln   net.Listener
	port uint16

	stopCh   chan struct{}
	stopOnce sync.Once

	busMu   sync.Mutex
	busses  []*Bus
}

// Create binds the listen socket (loopback unless AllowRemote) and returns
// a ready-to-Run Instance. Returns a non-nil error (never a partially
// usable Instance) if bind/listen fails (§4.1, §7 Fatal).
func Create(cfg Config) (*Instance, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	raw := cfg.RawLogger
	if raw == nil {
		raw = applog.NewRaw(nil)
	}

	host := "127.0.0.1"
	if cfg.AllowRemote {
		host = ""
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, cfg.Port))
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "listen failed", err)
	}

	ins := &Instance{
		cfg:      cfg,
		logger:   logger,
		raw:      raw,
		onAttach: cfg.OnAttach,
		ln:       ln,
		port:     uint16(ln.Addr().(*net.TCPAddr).Port),
		stopCh:   make(chan struct{}),
	}
	return ins, nil
}

// Port returns the actual bound TCP port (resolved after Create).
func (ins *Instance) Port() uint16 { return ins.port }

// NewBus appends a new, empty Bus and returns it. Busses must be populated
// with devices before Run starts; §5 forbids mutating the registry while
// Run is active.
func (ins *Instance) NewBus() *Bus {
	ins.busMu.Lock()
	defer ins.busMu.Unlock()
	b := &Bus{instance: ins, num: uint32(len(ins.busses)) + 1}
	ins.busses = append(ins.busses, b)
	return b
}

// Busses returns the registered buses in address order.
func (ins *Instance) Busses() []*Bus {
	ins.busMu.Lock()
	defer ins.busMu.Unlock()
	return append([]*Bus(nil), ins.busses...)
}

func (ins *Instance) findDevice(devid uint32) *Device {
	ins.busMu.Lock()
	defer ins.busMu.Unlock()
	for _, b := range ins.busses {
		for _, d := range b.Devices() {
			if d.DeviceID() == devid {
				return d
			}
		}
	}
	return nil
}

func (ins *Instance) findDeviceByBusID(busID string) *Device {
	ins.busMu.Lock()
	defer ins.busMu.Unlock()
	for _, b := range ins.busses {
		for _, d := range b.Devices() {
			if d.BusID() == busID {
				return d
			}
		}
	}
	return nil
}

// RequestStop causes a blocking Run to return. Safe to call from any
// goroutine (§4.1).
func (ins *Instance) RequestStop() {
	ins.stopOnce.Do(func() { close(ins.stopCh) })
}

// Close releases the listen socket. Preconditions: Run has returned (§4.1).
func (ins *Instance) Close() error {
	return ins.ln.Close()
}

// Run is the blocking event loop (§4.1): it multiplexes the stop signal,
// new connections, and dispatch on the currently active connection. Only
// one connection is ever dispatched at a time. While it is active, the
// accept goroutine holds at most one further accepted connection and the
// platform's listen backlog holds the rest; a waiting peer that closes is
// not noticed until its turn comes. A stop request closes the active
// connection, so Run returns without waiting for the client to disconnect.
func (ins *Instance) Run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ins.runAutoAttach(runCtx)

	connCh := make(chan net.Conn)
	acceptErrCh := make(chan error, 1)
	go func() {
		for {
			conn, err := ins.ln.Accept()
			if err != nil {
				select {
				case <-ins.stopCh:
					return
				default:
				}
				acceptErrCh <- err
				return
			}
			select {
			case connCh <- conn:
			case <-ins.stopCh:
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ins.stopCh:
			return nil
		case err := <-acceptErrCh:
			return errs.Wrap(errs.KindIO, "accept failed", err)
		case conn := <-connCh:
			ins.logger.Info("client connected", "remote", conn.RemoteAddr())
			done := make(chan struct{})
			go func() {
				select {
				case <-ins.stopCh:
					_ = conn.Close()
				case <-done:
				}
			}()
			ins.handleConn(conn)
			close(done)
			ins.logger.Info("client disconnected", "remote", conn.RemoteAddr())
		}
	}
}

func (ins *Instance) runAutoAttach(ctx context.Context) {
	if ins.onAttach == nil {
		return
	}
	for _, b := range ins.Busses() {
		for _, d := range b.Devices() {
			if !d.AutoAttach() {
				continue
			}
			if err := ins.onAttach(ctx, d.BusID(), ins.port); err != nil {
				ins.logger.Warn("auto-attach failed", "busID", d.BusID(), "error", err)
			}
		}
	}
}

// connWriter serialises every reply written to one client connection,
// whether it comes from the dispatcher (devlist/import/unlink) or from a
// Device's deferred SendReply (§4.4, §5). A connection-level mutex rather
// than a strictly per-device one, since several devices share one socket.
type connWriter struct {
	conn net.Conn
	raw  applog.RawLogger
	mu   sync.Mutex
}

func (c *connWriter) writeReply(ret *usbip.RetSubmit, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf []byte
	pw := &prefixWriter{}
	if err := ret.Write(pw); err != nil {
		return err
	}
	buf = append(pw.buf, payload...)
	c.raw.Log(false, buf)
	_, err := c.conn.Write(buf)
	return err
}

// prefixWriter accumulates bytes for logging before the single real write.
type prefixWriter struct{ buf []byte }

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (ins *Instance) handleConn(conn net.Conn) {
	defer conn.Close()
	cw := &connWriter{conn: conn, raw: ins.raw}

	var cmdBuf [4]byte
	for {
		if err := usbip.ReadExactly(conn, cmdBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || isConnReset(err) {
				ins.logger.Info("connection closed", "error", err)
			} else {
				ins.logger.Warn("read error", "error", err)
			}
			return
		}
		ins.raw.Log(true, cmdBuf[:])
		cmd := be32(cmdBuf)

		var err error
		switch cmd {
		case fullOpReqDevlist:
			err = ins.handleDevList(conn, cw)
		case fullOpReqImport:
			err = ins.handleImport(conn, cw)
		case usbip.CmdSubmitCode:
			err = ins.handleSubmit(conn, cw, cmd)
		case usbip.CmdUnlinkCode:
			err = ins.handleUnlink(conn, cw, cmd)
		case usbip.RetSubmitCode, usbip.RetUnlinkCode:
			// §9 Design Note: terminate the connection rather than try to
			// continue a protocol that the peer has inverted.
			ins.logger.Error("unexpected RET from client; terminating connection", "command", cmd)
			return
		default:
			ins.logger.Error("unknown opcode; terminating connection", "command", cmd)
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) || isConnReset(err) {
				ins.logger.Info("connection closed mid-record", "error", err)
			} else {
				ins.logger.Warn("dispatch error", "error", err)
			}
			return
		}
	}
}

func be32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func isConnReset(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (ins *Instance) handleDevList(conn net.Conn, cw *connWriter) error {
	if err := (&usbip.MgmtHeader{}).ReadStatus(conn); err != nil {
		return err
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	if err := hdr.Write(conn); err != nil {
		return err
	}

	busses := ins.Busses()
	var count uint32
	devs := make([]usbip.Device, 0)
	for _, b := range busses {
		for _, d := range b.Devices() {
			devs = append(devs, d.exportDevice())
			count++
		}
	}
	if err := (&usbip.DevListReplyHeader{NDevices: count}).Write(conn); err != nil {
		return err
	}
	for i := range devs {
		if err := devs[i].WriteDevlist(conn); err != nil {
			return err
		}
	}
	return nil
}

func (ins *Instance) handleImport(conn net.Conn, cw *connWriter) error {
	if err := (&usbip.MgmtHeader{}).ReadStatus(conn); err != nil {
		return err
	}
	var busIDBuf [32]byte
	if err := usbip.ReadExactly(conn, busIDBuf[:]); err != nil {
		return err
	}
	busID := cstring(busIDBuf[:])

	cw.mu.Lock()
	defer cw.mu.Unlock()

	dev := ins.findDeviceByBusID(busID)
	if dev == nil {
		hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 1}
		if err := hdr.Write(conn); err != nil {
			return err
		}
		var zero usbip.Device
		return zero.WriteImport(conn)
	}

	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	if err := hdr.Write(conn); err != nil {
		return err
	}
	rec := dev.exportDevice()
	return rec.WriteImport(conn)
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (ins *Instance) handleSubmit(conn net.Conn, cw *connWriter, cmd uint32) error {
	basic, err := usbip.ReadHeaderBasic(conn, cmd)
	if err != nil {
		return err
	}
	var cs usbip.CmdSubmit
	cs.Basic = basic
	if err := cs.ReadBody(conn); err != nil {
		return err
	}

	var payload []byte
	if basic.Dir == usbip.DirOut && cs.TransferBufferLen > 0 {
		payload = make([]byte, cs.TransferBufferLen)
		if err := usbip.ReadExactly(conn, payload); err != nil {
			return err
		}
	}

	dev := ins.findDevice(basic.Devid)
	if dev == nil {
		ins.logger.Warn("submit for unknown device", "deviceID", basic.Devid)
		return errs.New(errs.KindProtocol, "submit for unknown device")
	}

	req := &Request{
		device:            dev,
		conn:              cw,
		seqnum:            basic.Seqnum,
		devid:             basic.Devid,
		dir:               basic.Dir,
		ep:                basic.Ep,
		transferBufferLen: cs.TransferBufferLen,
	}

	setup := cs.Setup
	var cbErr error
	if basic.Dir == usbip.DirIn {
		cbErr = dev.onInput(req, basic.Ep, setup.RequestType, setup.Request, setup.Value, setup.Index, setup.Length)
	} else {
		cbErr = dev.onOutput(req, basic.Ep, setup.RequestType, setup.Request, setup.Value, setup.Index, setup.Length, payload)
	}
	if cbErr != nil {
		// §4.3: a non-zero callback status is logged; the connection continues.
		ins.logger.Warn("device callback error", "busID", dev.BusID(), "endpoint", basic.Ep, "error", cbErr)
	}
	return nil
}

func (ins *Instance) handleUnlink(conn net.Conn, cw *connWriter, cmd uint32) error {
	basic, err := usbip.ReadHeaderBasic(conn, cmd)
	if err != nil {
		return err
	}
	var cu usbip.CmdUnlink
	cu.Basic = basic
	if err := cu.ReadBody(conn); err != nil {
		return err
	}

	ret := usbip.RetUnlink{
		Basic: usbip.HeaderBasic{
			Command: usbip.RetUnlinkCode,
			Seqnum:  basic.Seqnum,
			Devid:   basic.Devid,
			Dir:     basic.Dir,
			Ep:      basic.Ep,
		},
		Status: 0,
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	var pw prefixWriter
	if err := ret.Write(&pw); err != nil {
		return err
	}
	cw.raw.Log(false, pw.buf)
	_, err = conn.Write(pw.buf)
	return err
}
