// Package transport implements the engine's send/receive contract over
// TCP: a net.Listener plus a map of dialed connections, each handled by
// its own goroutine, framing the binary messages produced by package wire
// with a 4-byte length prefix (a message may contain arbitrary binary
// payload bytes, so a text-delimited frame would corrupt them).
//
// Inbound messages are delivered as (sender, wire.Message); the engine
// resolves the owning module from its operation table once the id is
// looked up.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"daoengine/daocfg"
	"daoengine/wire"
)

const (
	maxConnectionHandlers = 16
	maxFrameSize          = 16 << 20
)

// Handler is invoked once per inbound message, with the peer address that
// sent it (as announced by that peer's handshake, see dial/accept below).
type Handler func(sender string, msg wire.Message)

// TCP is a length-prefixed binary transport bound to one listen address.
type TCP struct {
	self     string
	listener net.Listener
	connMap  sync.Map // string -> net.Conn
	sem      chan struct{}
	done     chan struct{}
	handler  Handler
}

// Listen opens address and returns a transport ready to Serve once a
// Handler is attached.
func Listen(address string) (*TCP, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCP{
		self:     address,
		listener: l,
		sem:      make(chan struct{}, maxConnectionHandlers),
		done:     make(chan struct{}),
	}, nil
}

// Serve accepts connections and dispatches decoded frames to handler. It
// blocks until Close is called.
func (t *TCP) Serve(handler Handler) {
	t.handler = handler
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				daocfg.Warn(false, "accept failed: "+err.Error())
				continue
			}
		}
		t.sem <- struct{}{}
		go func() {
			defer func() { <-t.sem }()
			t.handleConn(conn)
		}()
	}
}

func (t *TCP) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	sender, err := readHandshake(r)
	if err != nil {
		daocfg.Warn(false, "handshake failed: "+err.Error())
		return
	}
	t.connMap.Store(sender, conn)
	for {
		frame, err := readFrame(r)
		if err == io.EOF {
			return
		}
		if err != nil {
			daocfg.Warn(false, "frame read failed from "+sender+": "+err.Error())
			return
		}
		msg, err := wire.Decode(frame)
		if err != nil {
			daocfg.Warn(false, "decode failed from "+sender+": "+err.Error())
			continue
		}
		if t.handler != nil {
			t.handler(sender, msg)
		}
	}
}

// Send delivers msg to the peer at `to`, dialing and handshaking lazily.
// Send never waits for the peer to process the message, only for the
// local write to complete.
func (t *TCP) Send(to string, msg wire.Message) error {
	conn, err := t.connFor(to)
	if err != nil {
		return err
	}
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		daocfg.Warn(false, err.Error())
	}
	if err := writeFrame(conn, payload); err != nil {
		t.connMap.Delete(to)
		return err
	}
	return nil
}

func (t *TCP) connFor(to string) (net.Conn, error) {
	if c, ok := t.connMap.Load(to); ok {
		return c.(net.Conn), nil
	}
	conn, err := net.DialTimeout("tcp", to, 2*time.Second)
	if err != nil {
		return nil, err
	}
	if err := writeHandshake(conn, t.self); err != nil {
		conn.Close()
		return nil, err
	}
	actual, loaded := t.connMap.LoadOrStore(to, conn)
	if loaded {
		conn.Close()
		return actual.(net.Conn), nil
	}
	return conn, nil
}

// Close stops accepting connections and closes every dialed connection.
func (t *TCP) Close() error {
	close(t.done)
	t.connMap.Range(func(key, value interface{}) bool {
		value.(net.Conn).Close()
		return true
	})
	return t.listener.Close()
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeHandshake/readHandshake exchange the dialing peer's own listen
// address so the accepting side can label inbound frames with a stable
// sender identity (the accepted socket's ephemeral port is otherwise
// useless for routing replies). This is the minimum needed to make
// (sender, payload) delivery concrete over real TCP sockets.
func writeHandshake(w io.Writer, self string) error {
	return writeFrame(w, []byte(self))
}

func readHandshake(r io.Reader) (string, error) {
	b, err := readFrame(r)
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	return string(b), nil
}
