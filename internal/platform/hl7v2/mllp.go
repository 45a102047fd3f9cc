package hl7v2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MLLP framing bytes.
const (
	mllpStartByte = 0x0B // VT
	mllpEndByte1  = 0x1C // FS
	mllpEndByte2  = 0x0D // CR
)

// MessageHandler processes a received HL7v2 message and returns a response
// message (typically an ACK).
type MessageHandler func(ctx context.Context, msg *Message, raw []byte) []byte

// ConnHook is called when an MLLP connection opens or closes (for gauges).
type ConnHook func()

// MLLPServer listens for HL7v2 messages over MLLP (Minimal Lower Layer
// Protocol) framing.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	listener net.Listener

	OnConnOpen  ConnHook
	OnConnClose ConnHook

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewMLLPServer creates a server listening on addr (e.g. ":2575").
func NewMLLPServer(addr string, handler MessageHandler) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins accepting connections. It blocks until Stop is called or the
// listener fails.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	log.Info().Str("addr", s.addr).Msg("MLLP listener started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("mllp: accept: %w", err)
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		if s.OnConnOpen != nil {
			s.OnConnOpen()
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Stop closes the listener and all open connections, then waits for handler
// goroutines to finish.
func (s *MLLPServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("MLLP listener stopped")
}

func (s *MLLPServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if s.OnConnClose != nil {
			s.OnConnClose()
		}
	}()

	remote := conn.RemoteAddr().String()
	log.Debug().Str("remote", remote).Msg("MLLP connection opened")

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))

		raw, err := readFrame(reader)
		if err != nil {
			if !isClosedErr(err) {
				log.Warn().Err(err).Str("remote", remote).Msg("MLLP read failed")
			}
			return
		}

		msg, parseErr := Parse(raw)
		ctx := context.Background()

		var response []byte
		if parseErr != nil {
			log.Warn().Err(parseErr).Str("remote", remote).Msg("MLLP message parse failed")
			response = GenerateACKFromRaw(raw, "AE", parseErr.Error())
		} else {
			response = s.handler(ctx, msg, raw)
		}

		if len(response) > 0 {
			conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := conn.Write(FrameMessage(response)); err != nil {
				log.Warn().Err(err).Str("remote", remote).Msg("MLLP write failed")
				return
			}
		}
	}
}

// readFrame reads one MLLP-framed message from the reader: bytes between the
// start byte and the FS+CR trailer.
func readFrame(r *bufio.Reader) ([]byte, error) {
	// Skip until start byte.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == mllpStartByte {
			break
		}
	}

	data, err := r.ReadBytes(mllpEndByte1)
	if err != nil {
		return nil, err
	}
	data = data[:len(data)-1] // strip FS

	// Trailing CR after FS.
	if b, err := r.ReadByte(); err != nil {
		return nil, err
	} else if b != mllpEndByte2 {
		return nil, fmt.Errorf("mllp: expected CR after FS, got 0x%02X", b)
	}

	return data, nil
}

// FrameMessage wraps an HL7v2 message in MLLP framing.
func FrameMessage(msg []byte) []byte {
	framed := make([]byte, 0, len(msg)+3)
	framed = append(framed, mllpStartByte)
	framed = append(framed, msg...)
	framed = append(framed, mllpEndByte1, mllpEndByte2)
	return framed
}

// UnframeMessage strips MLLP framing from a message. Returns the message
// unchanged if no framing is present.
func UnframeMessage(data []byte) []byte {
	if len(data) > 0 && data[0] == mllpStartByte {
		data = data[1:]
	}
	if len(data) >= 2 && data[len(data)-2] == mllpEndByte1 && data[len(data)-1] == mllpEndByte2 {
		data = data[:len(data)-2]
	}
	return data
}

// GenerateACK builds an acknowledgment message for a parsed inbound message.
// Sender and receiver are swapped from the original. ackCode is "AA" for
// accept or "AE" for error; errText, when non-empty, is placed in MSA-3.
func GenerateACK(msg *Message, ackCode, errText string) []byte {
	now := time.Now().Format("20060102150405")

	msh := fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||ACK^O01|%s|P|%s",
		msg.ReceivingApp, msg.ReceivingFac,
		msg.SendingApp, msg.SendingFac,
		now, msg.ControlID, ackVersion(msg.Version))

	msa := fmt.Sprintf("MSA|%s|%s", ackCode, msg.ControlID)
	if errText != "" {
		msa += "|" + sanitizeHL7(errText)
	}

	return []byte(msh + "\r" + msa + "\r")
}

// GenerateACKFromRaw builds an ACK for a message that failed to parse, by
// best-effort extraction of MSH fields from the raw first line.
func GenerateACKFromRaw(raw []byte, ackCode, errText string) []byte {
	msg := &Message{}
	line, _, _ := bytes.Cut(normalizeLineEndings(raw), []byte("\r"))
	if seg, err := parseSegment(string(line)); err == nil && seg.Name == "MSH" {
		msg.SendingApp = seg.GetField(3)
		msg.SendingFac = seg.GetField(4)
		msg.ReceivingApp = seg.GetField(5)
		msg.ReceivingFac = seg.GetField(6)
		msg.ControlID = seg.GetField(10)
		msg.Version = seg.GetField(12)
	}
	return GenerateACK(msg, ackCode, errText)
}

func normalizeLineEndings(raw []byte) []byte {
	out := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\r"))
	return bytes.ReplaceAll(out, []byte("\n"), []byte("\r"))
}

func ackVersion(v string) string {
	if v == "" {
		return "2.5.1"
	}
	return v
}

// sanitizeHL7 strips delimiter characters from free text destined for a
// field value.
func sanitizeHL7(s string) string {
	replacer := strings.NewReplacer("|", " ", "^", " ", "~", " ", "\r", " ", "\n", " ")
	return strings.TrimSpace(replacer.Replace(s))
}

// SerializeMessage renders a Message back to its wire form with CR segment
// separators.
func SerializeMessage(msg *Message) []byte {
	var sb strings.Builder
	for _, seg := range msg.Segments {
		sb.WriteString(serializeSegment(&seg))
		sb.WriteByte('\r')
	}
	return []byte(sb.String())
}

func serializeSegment(seg *Segment) string {
	var sb strings.Builder
	sb.WriteString(seg.Name)

	fields := seg.Fields
	if seg.Name == "MSH" && len(fields) > 0 {
		// MSH-1 is the separator itself; it is emitted by the joiner below.
		fields = fields[1:]
	}

	for _, f := range fields {
		sb.WriteByte('|')
		sb.WriteString(f.Value)
	}
	return sb.String()
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
