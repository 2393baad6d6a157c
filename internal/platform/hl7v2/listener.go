package hl7v2

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// readTimeout is the read deadline applied to each connection.
	readTimeout = 30 * time.Second

	// writeTimeout bounds the ACK write.
	writeTimeout = 10 * time.Second
)

// Receiver persists one inbound HL7v2 message. msg is nil when the
// payload could not be parsed; implementations may still record the raw
// bytes. The listener ACKs AA when Receive returns nil and AE otherwise.
type Receiver interface {
	Receive(ctx context.Context, raw []byte, msg *Message) error
}

// Listener accepts MLLP/TCP connections, unframes HL7v2 messages, hands
// them to a Receiver, and writes back a framed ACK per message.
type Listener struct {
	addr     string
	receiver Receiver
	logger   zerolog.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates an MLLP listener bound to addr that delivers
// messages to receiver.
func NewListener(addr string, receiver Receiver, logger zerolog.Logger) *Listener {
	return &Listener{
		addr:     addr,
		receiver: receiver,
		logger:   logger.With().Str("component", "mllp").Logger(),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins listening. It is non-blocking: the accept loop runs in a
// background goroutine.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", l.addr, err)
	}
	l.listener = ln
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp listener started")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every tracked connection, then waits for
// all connection handlers to finish.
func (l *Listener) Stop() error {
	close(l.done)

	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}

	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

// Addr returns the bound address; useful when started with port 0.
func (l *Listener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}

		l.trackConn(conn, true)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.trackConn(conn, false)
			defer conn.Close()
			l.handleConnection(conn)
		}()
	}
}

func (l *Listener) trackConn(conn net.Conn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[conn] = struct{}{}
	} else {
		delete(l.conns, conn)
	}
}

// handleConnection drives one connection: a private Framer accumulates
// stream bytes, and every complete message is persisted and ACKed before
// the next read.
func (l *Listener) handleConnection(conn net.Conn) {
	framer := &Framer{}
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-l.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(readBuf)
		if n > 0 {
			for _, raw := range framer.Push(readBuf[:n]) {
				l.receiveAndAck(conn, raw)
			}
			if framer.Overflow() {
				l.logger.Warn().Msg("frame exceeds max size, closing connection")
				return
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Idle with no partial frame: drop the connection.
				if !framer.Pending() {
					return
				}
				continue
			}
			return
		}
	}
}

// receiveAndAck persists one unframed message and writes the ACK. The
// ACK is framed and sent even when MSH parsing fails; in that case it
// carries synthetic placeholder fields.
func (l *Listener) receiveAndAck(conn net.Conn, raw []byte) {
	msg, parseErr := Parse(raw)

	var fields AckFields
	if parseErr != nil {
		l.logger.Warn().Err(parseErr).Msg("unparseable message")
		fields = SyntheticAckFields()
	} else {
		fields = AckFieldsFrom(msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	code, errText := AckAccept, ""
	if err := l.receiver.Receive(ctx, raw, msg); err != nil {
		l.logger.Error().Err(err).Msg("failed to persist message")
		code, errText = AckError, err.Error()
	}

	ack := Frame(BuildAck(fields, code, errText))
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(ack); err != nil {
		l.logger.Error().Err(err).Msg("failed to write ack")
	}
}
