// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awinterman/anarchoredis/protocol"
)

// HandshakeState enumerates the replica-side connect sequence (C6, §4.6),
// driven end to end by Link.Connect.
type HandshakeState int32

const (
	StateNone HandshakeState = iota
	StateConnect
	StateConnecting
	StateReceivePong
	StateSendAuth
	StateReceiveAuth
	StateSendUUID
	StateReceiveUUID
	StateSendKey
	StateKeyAck
	StateSendPort
	StateReceivePort
	StateSendIP
	StateReceiveIP
	StateSendCapa
	StateReceiveCapa
	StateSendPsync
	StateReceivePsync
	StateTransfer
	StateConnected
)

func (s HandshakeState) String() string {
	names := [...]string{
		"NONE", "CONNECT", "CONNECTING", "RECEIVE_PONG", "SEND_AUTH", "RECEIVE_AUTH",
		"SEND_UUID", "RECEIVE_UUID", "SEND_KEY", "KEY_ACK",
		"SEND_PORT", "RECEIVE_PORT", "SEND_IP", "RECEIVE_IP",
		"SEND_CAPA", "RECEIVE_CAPA", "SEND_PSYNC", "RECEIVE_PSYNC", "TRANSFER", "CONNECTED",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "UNKNOWN"
	}
	return names[s]
}

// ErrLegacyPrimary signals the upstream doesn't understand PSYNC and the
// caller should fall back to plain SYNC (§4.6, §7).
var ErrLegacyPrimary = errors.New("replication: upstream does not support PSYNC, falling back to SYNC")

// ErrTransient signals -NOMASTERLINK/-LOADING: retry later, no state
// reset beyond CONNECT is warranted.
var ErrTransient = errors.New("replication: transient primary-side condition")

// Link drives the replica side of the connection to one primary through
// the full handshake FSM and, once CONNECTED, the steady-state command
// stream and periodic ACKs (C6).
type Link struct {
	Dialer       net.Dialer
	PrimaryAddr  string
	MyAddr       string // used for REPLCONF listening-port/ip-address
	AnnounceIP   string // slave_announce_ip; empty skips IP advertisement
	AuthUser     string // masteruser
	AuthPassword string // masterauth; empty skips AUTH
	LocalUUID    string
	LicenseKey   string
	Active       bool // advertise activeExpire capa
	Logger       *slog.Logger

	IDs     *IDManager
	Backlog *Backlog
	Cached  *CachedMasterSlot

	state atomic.Int32

	mu   sync.Mutex
	conn *protocol.Conn
	rw   *bufio.ReadWriter

	offset   atomic.Int64
	peerUUID atomic.Pointer[string]

	// stateEnteredAt and lastActivity (unix nanos) let the cron (C9) detect
	// a stalled handshake/transfer or an idle CONNECTED link.
	stateEnteredAt atomic.Int64
	lastActivity   atomic.Int64

	startedOnce sync.Once
	startedCh   chan struct{}
}

func (l *Link) State() HandshakeState { return HandshakeState(l.state.Load()) }
func (l *Link) setState(s HandshakeState) {
	l.state.Store(int32(s))
	now := time.Now().UnixNano()
	l.stateEnteredAt.Store(now)
	l.lastActivity.Store(now)
	l.Logger.Debug("handshake state", "state", s.String())
}

// StateAge reports how long the link has been in its current state.
func (l *Link) StateAge() time.Duration {
	return time.Duration(time.Now().UnixNano() - l.stateEnteredAt.Load())
}

// IdleFor reports how long it has been since the link last made forward
// progress (a state change, or a byte read from a CONNECTED stream).
func (l *Link) IdleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - l.lastActivity.Load())
}

func (l *Link) touch() { l.lastActivity.Store(time.Now().UnixNano()) }

// ReplicationStartedCh closes the first time the handshake reaches
// CONNECTED.
func (l *Link) ReplicationStartedCh() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startedCh == nil {
		l.startedCh = make(chan struct{})
	}
	return l.startedCh
}

func (l *Link) markStarted() {
	l.startedOnce.Do(func() {
		l.mu.Lock()
		if l.startedCh == nil {
			l.startedCh = make(chan struct{})
		}
		ch := l.startedCh
		l.mu.Unlock()
		close(ch)
	})
}

// Offset is the number of stream bytes this link has consumed so far.
func (l *Link) Offset() int64 { return l.offset.Load() }

// CancelHandshake is the sole teardown entry point (§5): idempotent, sets
// state back to CONNECT (or leaves NONE alone), and caches the master if
// the link had reached CONNECTED.
func (l *Link) CancelHandshake() {
	prior := l.State()
	if prior == StateNone {
		return
	}
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.rw = nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.RW.Flush()
	}

	if prior == StateConnected {
		cm := CachedMaster{ReplID: l.IDs.ReplID(), Offset: l.offset.Load(), UUID: l.LocalUUID}
		if u := l.peerUUID.Load(); u != nil {
			cm.UUID = *u
		}
		l.Cached.Cache(cm)
	}
	l.setState(StateConnect)
}

func writeLine(rw *bufio.ReadWriter, msg *protocol.Message) error {
	if _, err := protocol.Write(rw, msg); err != nil {
		return err
	}
	return rw.Writer.Flush()
}

func expectSimple(rw *bufio.ReadWriter) (*protocol.Message, error) {
	m, err := protocol.Read(rw)
	if err != nil {
		return nil, err
	}
	if m.Indicator == protocol.Error {
		return m, m.Error
	}
	return m, nil
}

// Connect drives the handshake state machine to completion (CONNECTED)
// once, blocking the calling goroutine; the caller re-invokes Connect
// after a CancelHandshake to retry (the cron does not dial; the server's
// reconnect loop does).
func (l *Link) Connect(ctx context.Context) error {
	l.setState(StateConnect)
	conn, err := l.Dialer.DialContext(ctx, "tcp", l.PrimaryAddr)
	if err != nil {
		return fmt.Errorf("dialing primary %s: %w", l.PrimaryAddr, err)
	}
	l.setState(StateConnecting)

	pconn := protocol.NewConnection(conn)
	l.mu.Lock()
	l.conn = pconn
	l.rw = pconn.RW
	l.mu.Unlock()
	rw := pconn.RW

	if err := writeLine(rw, protocol.NewOutgoingCommand("PING")); err != nil {
		return err
	}
	l.setState(StateReceivePong)
	if _, err := expectSimple(rw); err != nil {
		return fmt.Errorf("waiting for PONG: %w", err)
	}

	if l.AuthPassword != "" {
		l.setState(StateSendAuth)
		args := []string{"AUTH"}
		if l.AuthUser != "" {
			args = append(args, l.AuthUser)
		}
		args = append(args, l.AuthPassword)
		if err := writeLine(rw, protocol.NewOutgoingCommand(args...)); err != nil {
			return err
		}
		l.setState(StateReceiveAuth)
		if _, err := expectSimple(rw); err != nil {
			return fmt.Errorf("auth rejected: %w", err)
		}
	}

	l.setState(StateSendUUID)
	if err := writeLine(rw, protocol.NewOutgoingCommand("REPLCONF", "uuid", l.LocalUUID)); err != nil {
		return err
	}
	l.setState(StateReceiveUUID)
	uuidReply, err := expectSimple(rw)
	if err != nil {
		return fmt.Errorf("uuid exchange: %w", err)
	}
	if uuidReply.Str != "" {
		u := uuidReply.Str
		l.peerUUID.Store(&u)
	}

	if l.LicenseKey != "" {
		l.setState(StateSendKey)
		if err := writeLine(rw, protocol.NewOutgoingCommand("REPLCONF", "license", l.LicenseKey)); err != nil {
			return err
		}
		l.setState(StateKeyAck)
		if _, err := expectSimple(rw); err != nil {
			return fmt.Errorf("license rejected: %w", err)
		}
	}

	_, myPort, err := net.SplitHostPort(l.MyAddr)
	if err != nil {
		return fmt.Errorf("parsing local address %q: %w", l.MyAddr, err)
	}
	l.setState(StateSendPort)
	if err := writeLine(rw, protocol.NewOutgoingCommand("REPLCONF", "listening-port", myPort)); err != nil {
		return err
	}
	l.setState(StateReceivePort)
	if _, err := expectSimple(rw); err != nil {
		return fmt.Errorf("listening-port rejected: %w", err)
	}

	if l.AnnounceIP != "" {
		l.setState(StateSendIP)
		if err := writeLine(rw, protocol.NewOutgoingCommand("REPLCONF", "ip-address", l.AnnounceIP)); err != nil {
			return err
		}
		l.setState(StateReceiveIP)
		if _, err := expectSimple(rw); err != nil {
			return fmt.Errorf("ip-address rejected: %w", err)
		}
	}

	l.setState(StateSendCapa)
	capaArgs := []string{"REPLCONF", "capa", "eof", "capa", "psync2"}
	if l.Active {
		capaArgs = append(capaArgs, "capa", "activeExpire")
	}
	if err := writeLine(rw, protocol.NewOutgoingCommand(capaArgs...)); err != nil {
		return err
	}
	l.setState(StateReceiveCapa)
	if _, err := expectSimple(rw); err != nil {
		return fmt.Errorf("capa rejected: %w", err)
	}

	l.setState(StateSendPsync)
	psyncID, psyncOffset := "?", "-1"
	if cm, ok := l.Cached.Get(); ok {
		psyncID = cm.ReplID
		psyncOffset = strconv.FormatInt(cm.Offset+1, 10)
	}
	if err := writeLine(rw, protocol.NewOutgoingCommand("PSYNC", psyncID, psyncOffset)); err != nil {
		return err
	}
	l.setState(StateReceivePsync)
	reply, err := protocol.Read(rw)
	if err != nil {
		return fmt.Errorf("psync reply: %w", err)
	}

	switch {
	case reply.Indicator == protocol.Error:
		msg := reply.Error.Error()
		if strings.Contains(msg, "NOMASTERLINK") || strings.Contains(msg, "LOADING") {
			return ErrTransient
		}
		return ErrLegacyPrimary

	case strings.HasPrefix(reply.Str, "CONTINUE"):
		if cm, ok := l.Cached.Get(); ok {
			l.offset.Store(cm.Offset)
		}
		fields := strings.Fields(reply.Str)
		if len(fields) >= 2 && fields[1] != l.IDs.ReplID() {
			l.IDs.ShiftReplicationID(l.offset.Load())
			l.IDs.SetReplicationID(fields[1])
		}
		l.Cached.Discard()
		l.setState(StateConnected)
		l.markStarted()
		return nil

	case strings.HasPrefix(reply.Str, "FULLRESYNC"):
		fields := strings.Fields(reply.Str)
		if len(fields) != 3 {
			return fmt.Errorf("%w: malformed FULLRESYNC line %q", ErrLegacyPrimary, reply.Str)
		}
		newID := fields[1]
		startOffset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing FULLRESYNC offset: %w", err)
		}
		l.Cached.Discard()
		l.setState(StateTransfer)
		if err := l.transferSnapshot(rw); err != nil {
			return err
		}
		l.IDs.SetReplicationID(newID)
		l.IDs.ClearReplicationID2()
		l.offset.Store(startOffset)
		l.setState(StateConnected)
		l.markStarted()
		return nil

	default:
		return fmt.Errorf("%w: unrecognised PSYNC reply %q", ErrLegacyPrimary, reply.Str)
	}
}

// transferSnapshot reads the RDB payload following +FULLRESYNC, in either
// the sized ($<len>\r\n<bytes>) or diskless EOF-marked
// ($EOF:<40-byte-nonce>\r\n<stream><nonce>) framing. The payload is
// consumed and its size logged; it is not loaded into any local store.
func (l *Link) transferSnapshot(rw *bufio.ReadWriter) error {
	header, err := rw.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading bulk transfer header: %w", err)
	}
	header = strings.TrimRight(header, "\r\n")
	if !strings.HasPrefix(header, "$") {
		return fmt.Errorf("unexpected bulk transfer header %q", header)
	}
	header = header[1:]

	if strings.HasPrefix(header, "EOF:") {
		nonce := []byte(header[4:])
		return l.readEOFMarkedTransfer(rw, nonce)
	}

	size, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing bulk transfer length %q: %w", header, err)
	}
	buf := make([]byte, size)
	if _, err := readFull(rw, buf); err != nil {
		return fmt.Errorf("reading bulk transfer body: %w", err)
	}
	l.Logger.Info("received disk-framed snapshot", "bytes", size)
	return nil
}

// readEOFMarkedTransfer implements the diskless framing: bytes are
// streamed until the last len(nonce) bytes read equal nonce, which is
// then truncated. It keeps a window of the last len(nonce) bytes and
// compares it against nonce after every byte, O(n*len(nonce)) in all.
func (l *Link) readEOFMarkedTransfer(rw *bufio.ReadWriter, nonce []byte) error {
	window := make([]byte, 0, len(nonce))
	var total int64
	for {
		b, err := rw.ReadByte()
		if err != nil {
			return fmt.Errorf("reading EOF-marked stream: %w", err)
		}
		total++
		window = append(window, b)
		if len(window) > len(nonce) {
			window = window[1:]
		}
		if len(window) == len(nonce) && bytesEqual(window, nonce) {
			break
		}
	}
	l.Logger.Info("received diskless snapshot", "bytes", total-int64(len(nonce)))
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func readFull(rw *bufio.ReadWriter, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := rw.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// StreamUpdates must be called after Connect returns nil (state
// CONNECTED). It reads the command stream, invokes onCommand for every
// non-PING array, tracks the consumed offset by wire bytes (not payload
// bytes), and answers REPLCONF GETACK on demand. It returns when ctx is
// done or the connection errors, in which case the caller should
// CancelHandshake and retry via Connect (the server's reconnect loop does
// both).
func (l *Link) StreamUpdates(ctx context.Context, onCommand func(*protocol.Message) error) error {
	l.mu.Lock()
	rw := l.rw
	l.mu.Unlock()
	if rw == nil || l.State() != StateConnected {
		return fmt.Errorf("replication: StreamUpdates called outside CONNECTED state")
	}

	ackTicker := time.NewTicker(time.Second)
	defer ackTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ackTicker.C:
				_ = l.sendAck(rw)
			}
		}
	}()

	for ctx.Err() == nil {
		msg, err := protocol.Read(rw)
		if err != nil {
			return fmt.Errorf("reading replication stream: %w", err)
		}
		l.offset.Add(msg.OriginalSize)
		l.touch()

		if msg.Indicator != protocol.Array || len(msg.Array) == 0 {
			continue
		}
		switch strings.ToUpper(msg.Array[0].Str) {
		case "PING":
			continue
		case "REPLCONF":
			if len(msg.Array) >= 2 && strings.EqualFold(msg.Array[1].Str, "GETACK") {
				if err := l.sendAck(rw); err != nil {
					return err
				}
			}
			continue
		}

		if err := onCommand(msg); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (l *Link) sendAck(rw *bufio.ReadWriter) error {
	ack := protocol.NewOutgoingCommand("REPLCONF", "ack", strconv.FormatInt(l.offset.Load(), 10))
	_, err := protocol.Write(rw, ack)
	if err != nil {
		return err
	}
	return rw.Writer.Flush()
}

// SendCommand writes argv upstream out of band from the replicated stream,
// used by the cron's stale-key drain (C8) to push synthesised DEL commands
// onto this instance's upstream primary in active-replica mode.
func (l *Link) SendCommand(argv ...string) error {
	l.mu.Lock()
	rw := l.rw
	l.mu.Unlock()
	if rw == nil {
		return fmt.Errorf("replication: link has no active connection")
	}
	return writeLine(rw, protocol.NewOutgoingCommand(argv...))
}

// PeerUUID returns the upstream primary's UUID, if the handshake has
// exchanged one yet.
func (l *Link) PeerUUID() string {
	if u := l.peerUUID.Load(); u != nil {
		return *u
	}
	return ""
}

// InfoReplication issues INFO replication against conn and parses out the
// candidate replids and the current master offset, used by tests and by
// a promoted primary reconnecting to its own former upstream.
func InfoReplication(conn *protocol.Conn) ([]string, int64, error) {
	resp, err := conn.RoundTrip(protocol.NewOutgoingCommand("INFO", "replication"))
	if err != nil {
		return nil, 0, err
	}
	var replids []string
	var offset int64
	for _, line := range strings.Split(resp.Str, "\r\n") {
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.HasPrefix(kv[0], "master_replid") {
			replids = append(replids, kv[1])
		}
		if kv[0] == "master_repl_offset" {
			offset, err = strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return nil, 0, err
			}
		}
	}
	return replids, offset, nil
}
