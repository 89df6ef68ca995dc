// Package relay implements the server side of the Signalling Relay (A3,
// SPEC_FULL.md §4.14): accepting WebTransport sessions, exchanging the §6
// logical method set over a newline-delimited JSON control stream, and
// fanning out unreliable datagrams (voice and fallback-path video) to
// everyone else in the same voice channel.
//
// Grounded on rustyguts-bken/server/client.go's handleClient/processControl
// (join handshake over the first control stream, per-client circuit breaker
// and NACK ring buffer for datagram fan-out) and server/room.go's Room,
// generalized onto internal/signaling.Message and internal/presence.Roster
// instead of the teacher's ad hoc ControlMsg/Room pair.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quic-go/webtransport-go"
	"golang.org/x/time/rate"

	"duskcall/internal/presence"
	"duskcall/internal/signaling"
)

// Circuit breaker constants for per-connection datagram fan-out (spec
// SPEC_FULL.md §4.14; grounded on the teacher's limits.go).
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

// dgramCacheSize bounds the per-sender NACK retransmission ring buffer
// (~2.5s of voice at 50fps), matching the teacher's dgramCacheSize.
const dgramCacheSize = 128

// maxNACKSeqs bounds how many sequence numbers a single NACK request may
// name, so one malformed client can't force a large retransmission burst.
const maxNACKSeqs = 10

// DatagramSender is the minimal interface a transport session must satisfy
// to receive relayed datagrams. Narrowed so tests can inject a mock.
type DatagramSender interface {
	SendDatagram([]byte) error
}

// sendHealth is a per-connection circuit breaker: after enough consecutive
// SendDatagram failures it stops wasting effort on an unreachable peer,
// probing occasionally for recovery.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() {
	h.failures.Add(1)
}

func (h *sendHealth) recordSuccess() {
	h.failures.Store(0)
	h.skips.Store(0)
}

type cachedDatagram struct {
	seq  uint16
	data []byte
	set  bool
}

// Conn is one connected relay client: control-stream session state plus
// the NACK cache and circuit breaker for its outbound datagram fan-out.
type Conn struct {
	ID       uint32
	Username string

	channelID atomic.Int64

	session DatagramSender
	health  sendHealth

	dgramMu    sync.Mutex
	dgramCache [dgramCacheSize]cachedDatagram

	ctrlMu sync.Mutex
	ctrl   io.Writer

	limiter *rate.Limiter

	cancel context.CancelFunc
	closer io.Closer
}

func (c *Conn) cacheDatagram(seq uint16, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	idx := seq % dgramCacheSize
	c.dgramMu.Lock()
	c.dgramCache[idx] = cachedDatagram{seq: seq, data: cp, set: true}
	c.dgramMu.Unlock()
}

func (c *Conn) getCachedDatagram(seq uint16) []byte {
	idx := seq % dgramCacheSize
	c.dgramMu.Lock()
	defer c.dgramMu.Unlock()
	entry := c.dgramCache[idx]
	if entry.set && entry.seq == seq {
		return entry.data
	}
	return nil
}

func (c *Conn) sendControl(m signaling.Message) error {
	data, err := signaling.Encode(m)
	if err != nil {
		return err
	}
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	if c.ctrl == nil {
		return fmt.Errorf("relay: control stream not ready")
	}
	_, err = c.ctrl.Write(data)
	return err
}

// ErrRateLimited names the condition of a connection's control-message rate
// limiter rejecting a message (spec SPEC_FULL.md §4.17). Handle does not
// return it: a rejected message is logged at debug level and dropped.
var ErrRateLimited = errors.New("relay: control message rate limited")

// Room is the set of connected clients and the voice roster they share.
// Distinct from internal/presence.Roster in that it also owns the
// connection handles needed for datagram fan-out and kick/admin ops.
type Room struct {
	mu      sync.RWMutex
	conns   map[uint32]*Conn
	roster  *presence.Roster
	ownerID uint32
	nextID  atomic.Uint32

	log *slog.Logger

	totalDatagrams   atomic.Uint64
	totalBytes       atomic.Uint64
	skippedDatagrams atomic.Uint64
}

// NewRoom constructs an empty room backed by roster.
func NewRoom(roster *presence.Roster, log *slog.Logger) *Room {
	if log == nil {
		log = slog.Default()
	}
	return &Room{
		conns:  make(map[uint32]*Conn),
		roster: roster,
		log:    log.With("component", "relay"),
	}
}

// Stats returns the running datagram counters (the /metrics source of spec
// SPEC_FULL.md §4.14, exposed by httpapi).
func (r *Room) Stats() (datagrams, bytes, skipped uint64, clients int) {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return r.totalDatagrams.Load(), r.totalBytes.Load(), r.skippedDatagrams.Load(), n
}

// OwnerID returns the current room owner's connection ID, or 0 if none.
func (r *Room) OwnerID() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ownerID
}

// resolveConnID picks the ID a connection is keyed and addressed by. The
// relay trusts the caller-supplied user_id from JoinVoiceChannel (spec §6)
// so that a sender's own outbound datagram header and the UserJoinedVoice
// broadcast others receive agree without a round trip to learn a
// server-assigned ID. UserID 0 (anonymous/test callers) falls back to an
// internally-minted ID.
func (r *Room) resolveConnID(userID uint32) uint32 {
	if userID != 0 {
		return userID
	}
	return r.nextID.Add(1)
}

// addConn registers a new connection, claiming ownership if the room has
// none yet (first-to-join-owns, matching the teacher's ClaimOwnership).
func (r *Room) addConn(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	if r.ownerID == 0 {
		r.ownerID = c.ID
	}
	r.mu.Unlock()
}

// removeConn drops a connection and transfers ownership if it was the
// owner, returning the new owner (0 if the room is now empty).
func (r *Room) removeConn(id uint32) (newOwner uint32, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return 0, false
	}
	delete(r.conns, id)
	if r.ownerID != id {
		return r.ownerID, false
	}
	r.ownerID = 0
	for candidate := range r.conns {
		r.ownerID = candidate
		break
	}
	return r.ownerID, true
}

func (r *Room) getConn(id uint32) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Broadcast sends m to every connection except exclude (0 excludes none).
func (r *Room) Broadcast(m signaling.Message, exclude uint32) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range targets {
		if err := c.sendControl(m); err != nil {
			r.log.Warn("broadcast control failed", "conn", c.ID, "error", err)
		}
	}
}

// RelayDatagram fans a voice/video datagram out to every connection in the
// same voice channel as senderID, skipping connections whose circuit
// breaker is open and NACK-caching a copy for retransmission.
func (r *Room) RelayDatagram(senderID uint32, seq uint16, raw []byte) {
	r.mu.RLock()
	sender := r.conns[senderID]
	r.mu.RUnlock()
	if sender == nil {
		return
	}
	channelID := sender.channelID.Load()
	sender.cacheDatagram(seq, raw)

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id == senderID {
			continue
		}
		if channelID == 0 || c.channelID.Load() != channelID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	r.totalDatagrams.Add(1)
	r.totalBytes.Add(uint64(len(raw)))
	for _, c := range targets {
		if c.health.shouldSkip() {
			r.skippedDatagrams.Add(1)
			continue
		}
		if err := c.session.SendDatagram(raw); err != nil {
			c.health.recordFailure()
			continue
		}
		c.health.recordSuccess()
	}
}

// Retransmit resends cached datagrams from senderID's ring buffer to
// requester, honoring the maxNACKSeqs cap (spec §8 loss-recovery property).
func (r *Room) Retransmit(requester *Conn, senderID uint32, seqs []uint16) {
	sender := r.getConn(senderID)
	if sender == nil || sender.ID == requester.ID {
		return
	}
	if requesterCh, senderCh := requester.channelID.Load(), sender.channelID.Load(); senderCh == 0 || requesterCh != senderCh {
		return
	}
	if len(seqs) > maxNACKSeqs {
		seqs = seqs[:maxNACKSeqs]
	}
	for _, seq := range seqs {
		data := sender.getCachedDatagram(seq)
		if data == nil {
			continue
		}
		if err := requester.session.SendDatagram(data); err != nil {
			r.log.Debug("nack retransmit failed", "to", requester.ID, "seq", seq, "error", err)
		}
	}
}

// Listener upgrades incoming WebTransport requests and drives one Handle
// goroutine per accepted session (spec SPEC_FULL.md §4.14).
//
// webtransport-go sessions aren't accepted from a listener loop the way a
// raw QUIC connection is: a *webtransport.Server embeds an http3.Server,
// and a session is obtained by calling Upgrade from inside the http.Handler
// registered for the CONNECT path. Listener is that handler.
type Listener struct {
	room      *Room
	wt        *webtransport.Server
	rateLimit rate.Limit
	rateBurst int
	log       *slog.Logger
}

// NewListener constructs a Listener bound to room, upgrading sessions
// through wt and rate-limiting each connection's control-message
// throughput to ratePerSecond messages/s (spec §4.17; 0 disables the
// limiter, matching the teacher's "0=unlimited" convention for
// -rate-limit).
func NewListener(room *Room, wt *webtransport.Server, ratePerSecond int, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		room:      room,
		wt:        wt,
		rateLimit: rate.Limit(ratePerSecond),
		rateBurst: maxInt(ratePerSecond, 1),
		log:       log.With("component", "relay-listener"),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ServeHTTP upgrades r to a WebTransport session and hands it off to
// Handle in its own goroutine. Register it on the path the client dials
// (internal/transport.Transport dials the server's root path).
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, err := l.wt.Upgrade(w, r)
	if err != nil {
		l.log.Warn("webtransport upgrade failed", "error", err, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	go l.Handle(r.Context(), sess)
}

// sessionCloser adapts *webtransport.Session to io.Closer.
type sessionCloser struct{ sess *webtransport.Session }

func (s *sessionCloser) Close() error { return s.sess.CloseWithError(0, "") }

// Handle drives one WebTransport session from join handshake to
// disconnect: reads the control stream, dispatches §6 methods, and starts
// the datagram relay goroutine. ServeHTTP calls it for each upgraded
// session.
func (l *Listener) Handle(ctx context.Context, sess *webtransport.Session) {
	ctx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		cancel: cancel,
		closer: &sessionCloser{sess},
	}

	defer func() {
		cancel()
		if conn.ID == 0 {
			sess.CloseWithError(0, "bye")
			return
		}
		if newOwner, changed := l.room.removeConn(conn.ID); changed || newOwner == 0 {
			l.room.roster.Remove(conn.ID)
			l.room.Broadcast(signaling.Message{Type: signaling.MethodUserLeftVoice, UserID: conn.ID}, 0)
		}
		sess.CloseWithError(0, "bye")
	}()

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		l.log.Warn("accept control stream failed", "error", err)
		return
	}
	conn.ctrl = stream

	reader := bufio.NewReader(stream)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		l.log.Warn("join read failed", "error", err)
		return
	}
	join, err := signaling.Decode(line[:len(line)-1])
	if err != nil || join.Type != signaling.MethodJoinVoiceChannel {
		l.log.Warn("invalid join message", "error", err)
		return
	}

	id := l.room.resolveConnID(join.UserID)
	if l.rateLimit > 0 {
		conn.limiter = rate.NewLimiter(l.rateLimit, l.rateBurst)
	}
	conn.ID = id
	conn.Username = join.Username
	conn.channelID.Store(join.ChannelID)
	conn.session = sess

	l.room.addConn(conn)
	l.room.roster.Upsert(presence.VoiceUser{
		ConnID:    conn.ID,
		UserID:    conn.ID,
		Username:  conn.Username,
		Avatar:    join.Avatar,
		ChannelID: join.ChannelID,
	})

	sessionID := uuid.NewString()
	l.log.Info("connection joined", "conn", conn.ID, "username", conn.Username, "channel", join.ChannelID, "session_id", sessionID)

	l.room.Broadcast(signaling.Message{Type: signaling.MethodUserJoinedVoice, UserID: conn.ID, Username: conn.Username, ChannelID: join.ChannelID}, conn.ID)

	go l.readDatagrams(ctx, sess, conn)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.Warn("control read failed", "conn", conn.ID, "error", err)
			}
			return
		}
		if !allowControlMessage(conn) {
			l.log.Debug("control message rate limited", "conn", conn.ID)
			continue
		}
		msg, err := signaling.Decode(line[:len(line)-1])
		if err != nil {
			l.log.Debug("control unmarshal failed", "conn", conn.ID, "error", err)
			continue
		}
		l.dispatch(conn, msg)
	}
}

func (l *Listener) readDatagrams(ctx context.Context, sess *webtransport.Session, conn *Conn) {
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		_, seq, _, err := signaling.DecodeDatagram(data)
		if err != nil {
			continue
		}
		l.room.RelayDatagram(conn.ID, seq, data)
	}
}

// allowControlMessage applies conn's per-connection token bucket (spec
// SPEC_FULL.md §4.17; a nil limiter means -rate-limit=0, unlimited).
func allowControlMessage(conn *Conn) bool {
	return conn.limiter == nil || conn.limiter.Allow()
}

func (l *Listener) dispatch(conn *Conn, msg signaling.Message) {
	switch msg.Type {
	case signaling.MethodLeaveVoiceChannel:
		conn.channelID.Store(0)
		l.room.roster.Remove(conn.ID)
		l.room.Broadcast(signaling.Message{Type: signaling.MethodUserLeftVoice, UserID: conn.ID}, 0)

	case signaling.MethodUpdateSpeakingState:
		l.room.roster.SetSpeaking(conn.ID, msg.Speaking, msg.Level)
		l.room.Broadcast(signaling.Message{Type: signaling.MethodUserSpeaking, UserID: conn.ID, Speaking: msg.Speaking, Level: msg.Level}, conn.ID)

	case signaling.MethodStartScreenShare:
		if u, ok := l.room.roster.Get(conn.ID); ok {
			u.IsSharing = true
			l.room.roster.Upsert(u)
		}
		l.room.Broadcast(signaling.Message{Type: signaling.MethodScreenShareStarted, UserID: conn.ID}, conn.ID)

	case signaling.MethodStopScreenShare:
		if u, ok := l.room.roster.Get(conn.ID); ok {
			u.IsSharing = false
			l.room.roster.Upsert(u)
		}
		l.room.Broadcast(signaling.Message{Type: signaling.MethodScreenShareStopped, UserID: conn.ID}, conn.ID)

	case signaling.MethodKickUser:
		l.handleKick(conn, msg)

	case signaling.MethodRenameChannel:
		l.handleRenameChannel(conn, msg)

	case signaling.MethodMoveUserToChannel:
		l.handleMoveUserToChannel(conn, msg)

	default:
		l.log.Debug("unhandled control message", "type", msg.Type, "conn", conn.ID)
	}
}

// handleKick enforces the owner-gated admin op: only the room owner may
// kick, and never themselves (grounded on the teacher's "kick" case in
// server/client.go's processControl).
func (l *Listener) handleKick(conn *Conn, msg signaling.Message) {
	if l.room.OwnerID() != conn.ID || msg.TargetUser == 0 || msg.TargetUser == conn.ID {
		return
	}
	target := l.room.getConn(msg.TargetUser)
	if target == nil {
		return
	}
	if err := target.sendControl(signaling.Message{Type: signaling.MethodDisconnectedByAdmin, Reason: msg.Reason}); err != nil {
		l.log.Debug("kick notify failed", "target", target.ID, "error", err)
	}
	target.cancel()
	if target.closer != nil {
		target.closer.Close()
	}
}

// handleRenameChannel enforces the same owner gate as handleKick, then
// broadcasts the new name to every connection in the room (spec
// SPEC_FULL.md Design Notes: owner-gated exactly like KickUser).
func (l *Listener) handleRenameChannel(conn *Conn, msg signaling.Message) {
	if l.room.OwnerID() != conn.ID || msg.NewName == "" {
		return
	}
	l.room.Broadcast(signaling.Message{Type: signaling.MethodRenameChannel, ChannelID: msg.ChannelID, NewName: msg.NewName}, 0)
}

// handleMoveUserToChannel enforces the owner gate, then updates the
// target's channel membership and notifies the moved connection directly
// (MethodMovedToChannel, already handled client-side by
// internal/transport.Transport.handleControl).
func (l *Listener) handleMoveUserToChannel(conn *Conn, msg signaling.Message) {
	if l.room.OwnerID() != conn.ID || msg.TargetUser == 0 {
		return
	}
	target := l.room.getConn(msg.TargetUser)
	if target == nil {
		return
	}
	target.channelID.Store(msg.ChannelID)
	if u, ok := l.room.roster.Get(target.ID); ok {
		u.ChannelID = msg.ChannelID
		l.room.roster.Upsert(u)
	}
	if err := target.sendControl(signaling.Message{Type: signaling.MethodMovedToChannel, ChannelID: msg.ChannelID}); err != nil {
		l.log.Debug("move notify failed", "target", target.ID, "error", err)
	}
}
