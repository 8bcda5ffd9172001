package rsp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Conn wraps a byte stream with RSP acknowledgement handling.
//
// A reader goroutine decodes incoming bytes, acknowledges good packets,
// NAKs corrupt ones and retransmits the last sent packet when the peer NAKs
// it. Packets and interrupts are delivered in arrival order on Events.
type Conn struct {
	rw  io.ReadWriter
	dec *Decoder

	wmu      sync.Mutex
	lastSent []byte
	noAck    atomic.Bool
	rle      atomic.Bool

	events chan Event
	done   chan struct{}
	quit   chan struct{}
	err    error
	once   sync.Once
	qonce  sync.Once
}

// NewConn starts reading from rw. maxPacket bounds incoming payloads.
func NewConn(rw io.ReadWriter, maxPacket int) *Conn {
	c := &Conn{
		rw:     rw,
		dec:    NewDecoder(maxPacket),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events returns the channel of decoded packets and interrupts. It is closed
// when the underlying stream fails; Err then reports why.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed when the reader stops.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the reader, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// SetNoAck switches acknowledgements off (QStartNoAckMode) or back on.
func (c *Conn) SetNoAck(on bool) {
	c.noAck.Store(on)
}

// NoAck reports whether acknowledgements are disabled.
func (c *Conn) NoAck() bool {
	return c.noAck.Load()
}

// SetCompression enables run-length compression of outgoing packets.
func (c *Conn) SetCompression(on bool) {
	c.rle.Store(on)
}

// WritePacket frames and sends payload.
func (c *Conn) WritePacket(payload []byte) error {
	var pkt []byte
	if c.rle.Load() {
		pkt = FrameRLE(payload)
	} else {
		pkt = Frame(payload)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.lastSent = pkt
	if _, err := c.rw.Write(pkt); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// WriteRaw sends bytes outside of packet framing (used for the interrupt byte).
func (c *Conn) WriteRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rw.Write(b); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// ReadPacket waits for the next packet, skipping acks. Interrupts are
// returned as events so callers acting as a server can see them.
func (c *Conn) ReadPacket(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				return Event{}, c.closedErr()
			}
			if ev.Kind == EventPacket || ev.Kind == EventInterrupt {
				return ev, nil
			}
		}
	}
}

// TryReadPacket returns a queued packet without waiting. ok is false when
// nothing is pending.
func (c *Conn) TryReadPacket() (ev Event, ok bool, err error) {
	for {
		select {
		case ev, open := <-c.events:
			if !open {
				return Event{}, false, c.closedErr()
			}
			if ev.Kind == EventPacket {
				return ev, true, nil
			}
		default:
			return Event{}, false, nil
		}
	}
}

// Exchange sends a request and waits for the reply packet. It is the client
// side of the protocol and must not be mixed with a server loop on the same Conn.
func (c *Conn) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.WritePacket(payload); err != nil {
		return nil, err
	}
	for {
		ev, err := c.ReadPacket(ctx)
		if err != nil {
			return nil, err
		}
		if ev.Kind == EventPacket {
			return ev.Payload, nil
		}
	}
}

func (c *Conn) closedErr() error {
	<-c.done
	if c.err != nil {
		return c.err
	}
	return io.EOF
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	buf := make([]byte, 4096)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			for _, ev := range c.dec.Feed(buf[:n]) {
				if !c.handle(ev) {
					return
				}
			}
		}
		if err != nil {
			c.once.Do(func() { c.err = err })
			return
		}
	}
}

// handle performs link-level work for ev and forwards what the session needs.
func (c *Conn) handle(ev Event) bool {
	switch ev.Kind {
	case EventPacket:
		if !c.noAck.Load() {
			if err := c.WriteRaw([]byte{'+'}); err != nil {
				c.once.Do(func() { c.err = err })
				return false
			}
		}
	case EventBadChecksum, EventMalformed:
		if !c.noAck.Load() {
			if err := c.WriteRaw([]byte{'-'}); err != nil {
				c.once.Do(func() { c.err = err })
				return false
			}
		}
		return true
	case EventNak:
		if !c.noAck.Load() {
			c.wmu.Lock()
			last := c.lastSent
			var err error
			if last != nil {
				_, err = c.rw.Write(last)
			}
			c.wmu.Unlock()
			if err != nil {
				c.once.Do(func() { c.err = err })
				return false
			}
		}
		return true
	case EventAck:
		return true
	}

	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

// Close stops delivering events and closes the stream when it is closable.
func (c *Conn) Close() error {
	c.qonce.Do(func() { close(c.quit) })
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
