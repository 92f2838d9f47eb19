// Package peer implements an outbound Bitcoin-family P2P connection to a
// full node: the magic/command/checksum wire framing, the version/verack
// handshake, inv dispatch for block-found notification, and
// resynchronization of the frame parser after corruption.
package peer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stratumforge/corepool/internal/byteutil"
)

var (
	errBadMagic            = errors.New("peer: bad magic number")
	errBadChecksum         = errors.New("peer: bad payload - failed checksum")
	errUnsupportedInvCount = errors.New("peer: unsupported inv vector count encoding")
)

const reconnectDelay = 5 * time.Second

// Config parameterizes a Peer connection.
type Config struct {
	Host                string
	Port                int
	Magic               uint32
	ProtocolVersion      int32
	DisableTransactions bool
	UserAgent           string
}

// EventType enumerates peer-level occurrences.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventConnectionFailed
	EventConnectionRejected
	EventSocketError
	EventPeerMessage
	EventBlockFound
	EventError
	EventSentMessage
)

// Event is one peer-level occurrence.
type Event struct {
	Type      EventType
	Command   string
	BlockHash string
	Err       error
}

// Peer manages one outbound TCP connection to a full node, reconnecting
// on unexpected close.
type Peer struct {
	cfg    Config
	logger *zap.Logger
	events chan Event

	conn     net.Conn
	writeMu  sync.Mutex

	verack                bool
	validConnectionConfig bool
}

// New constructs a Peer. events is drained by the caller to observe
// connection lifecycle and inv dispatch.
func New(cfg Config, logger *zap.Logger, events chan Event) *Peer {
	return &Peer{
		cfg:                   cfg,
		logger:                logger.Named("peer"),
		events:                events,
		validConnectionConfig: true,
	}
}

// Run dials, handshakes, and serves frames until ctx is cancelled or the
// connection configuration is proven invalid (ECONNREFUSED), in which
// case it stops retrying.
func (p *Peer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.connectAndServe(ctx)

		if !p.validConnectionConfig {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (p *Peer) connectAndServe(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			p.validConnectionConfig = false
			p.publish(Event{Type: EventConnectionFailed, Err: err})
			return
		}
		p.publish(Event{Type: EventSocketError, Err: err})
		return
	}

	p.conn = conn
	p.verack = false
	defer conn.Close()

	if err := p.sendVersion(); err != nil {
		p.publish(Event{Type: EventSocketError, Err: err})
		return
	}
	p.publish(Event{Type: EventSentMessage, Command: "version"})

	err = p.serve(ctx, bufio.NewReaderSize(conn, 4096))

	if p.verack {
		p.publish(Event{Type: EventDisconnected, Err: err})
	} else if p.validConnectionConfig {
		p.publish(Event{Type: EventConnectionRejected, Err: err})
	}
}

func (p *Peer) serve(ctx context.Context, r *bufio.Reader) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		command, payload, err := p.readFrame(r)
		if err != nil {
			if errors.Is(err, errBadChecksum) {
				p.publish(Event{Type: EventError, Err: err})
				continue
			}
			return err
		}

		p.publish(Event{Type: EventPeerMessage, Command: command})

		switch command {
		case "verack":
			if !p.verack {
				p.verack = true
				p.publish(Event{Type: EventConnected})
			}
		case "inv":
			p.handleInv(payload)
		}
	}
}

// readFrame reads one framed message: magic(4) ‖ command(12) ‖
// payloadLen(4 LE) ‖ checksum(4) ‖ payload. A misaligned magic triggers a
// byte-at-a-time resync (emitting exactly one error for the resync); a
// checksum mismatch is reported to the caller as errBadChecksum so the
// next frame read starts completely fresh.
func (p *Peer) readFrame(r *bufio.Reader) (command string, payload []byte, err error) {
	if err := p.syncToMagic(r); err != nil {
		return "", nil, err
	}

	rest := make([]byte, 20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return "", nil, err
	}
	command = strings.TrimRight(string(rest[0:12]), "\x00")
	payloadLen := binary.LittleEndian.Uint32(rest[12:16])
	checksum := rest[16:20]

	payload = make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return "", nil, err
		}
	}

	sum := byteutil.Sha256d(payload)
	if !bytes.Equal(sum[:4], checksum) {
		return "", nil, errBadChecksum
	}
	return command, payload, nil
}

// syncToMagic slides a 4-byte window across the stream one byte at a
// time until it matches the configured magic, emitting a single "bad
// magic number" error the first time the window doesn't align.
func (p *Peer) syncToMagic(r *bufio.Reader) error {
	magicBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(magicBytes, p.cfg.Magic)

	window := make([]byte, 4)
	if _, err := io.ReadFull(r, window); err != nil {
		return err
	}

	emitted := false
	for !bytes.Equal(window, magicBytes) {
		if !emitted {
			p.publish(Event{Type: EventError, Err: errBadMagic})
			emitted = true
		}
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		window[0], window[1], window[2], window[3] = window[1], window[2], window[3], b
	}
	return nil
}

func (p *Peer) handleInv(payload []byte) {
	count, offset, ok := decodeInvCount(payload)
	if !ok {
		p.publish(Event{Type: EventError, Err: errUnsupportedInvCount})
		return
	}

	for i := 0; i < count; i++ {
		start := offset + i*36
		if start+36 > len(payload) {
			break
		}
		vec := payload[start : start+36]
		invType := binary.LittleEndian.Uint32(vec[0:4])
		hash := vec[4:36]
		if invType == 2 {
			p.publish(Event{Type: EventBlockFound, BlockHash: hex.EncodeToString(hash)})
		}
	}
}

// decodeInvCount decodes an inv message's vector count. Only the 1-byte
// and 0xfd+u16 forms are supported, per the resolved Open Question on
// larger counts; anything else is reported as undecodable rather than
// silently misparsed.
func decodeInvCount(payload []byte) (count, offset int, ok bool) {
	if len(payload) < 1 {
		return 0, 0, false
	}
	b0 := payload[0]
	if b0 < 0xfd {
		return int(b0), 1, true
	}
	if b0 == 0xfd {
		if len(payload) < 3 {
			return 0, 0, false
		}
		return int(binary.LittleEndian.Uint16(payload[1:3])), 3, true
	}
	return 0, 0, false
}

func (p *Peer) sendVersion() error {
	payload := p.buildVersionPayload()
	return p.sendMessage("version", payload)
}

func (p *Peer) buildVersionPayload() []byte {
	var buf []byte
	buf = append(buf, byteutil.PackUint32LE(uint32(p.cfg.ProtocolVersion))...)
	buf = append(buf, byteutil.PackUint64LE(0)...) // services: NODE_NONE
	buf = append(buf, byteutil.PackUint64LE(uint64(time.Now().Unix()))...)
	buf = append(buf, emptyNetAddr()...) // addrRecv
	buf = append(buf, emptyNetAddr()...) // addrFrom

	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	buf = append(buf, nonce...)

	userAgent := p.cfg.UserAgent
	if userAgent == "" {
		userAgent = "/corepool:1.0/"
	}
	buf = append(buf, byteutil.VarStringBuffer(userAgent)...)
	buf = append(buf, byteutil.PackUint32LE(0)...) // startHeight

	if p.cfg.DisableTransactions {
		buf = append(buf, 0x00)
	}
	return buf
}

// emptyNetAddr returns a zeroed 26-byte net_addr: services(8) ‖ ip(16) ‖ port(2).
func emptyNetAddr() []byte {
	return make([]byte, 26)
}

func (p *Peer) sendMessage(command string, payload []byte) error {
	header := make([]byte, 24)
	binary.LittleEndian.PutUint32(header[0:4], p.cfg.Magic)
	copy(header[4:16], []byte(command))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	sum := byteutil.Sha256d(payload)
	copy(header[20:24], sum[:4])

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.conn.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := p.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) publish(e Event) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- e:
	default:
	}
}
