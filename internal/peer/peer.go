// Package peer manages one WebRTC PeerConnection per remote site, each
// carrying a single ordered, reliable data channel named "ledger" used for
// the catalog sync protocol and the file-transfer protocol.
//
// Offer/answer/ICE negotiation rides over the signaling client; this
// package owns the pion/webrtc session state and exposes a
// broadcast-to-ready-peers primitive the catalog and file-transfer layers
// build on.
package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/kholbekj/scrap-yard/internal/signaling"
	"github.com/kholbekj/scrap-yard/internal/yarderr"
	"github.com/kholbekj/scrap-yard/internal/yardlog"
)

const ledgerChannel = "ledger"

// iceServers mirrors the public STUN configuration every WebRTC client in
// this stack falls back to when no TURN relay is configured.
var iceServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Session is one established (or establishing) connection to a remote peer.
type Session struct {
	PeerID string

	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel

	readyMu sync.Mutex
	ready   bool
}

// MessageHandler receives raw bytes off a peer's ledger channel.
type MessageHandler func(peerID string, data []byte)

// Manager tracks every peer session for this node and wires new ones up to
// the signaling client automatically.
type Manager struct {
	sig        *signaling.Client
	selfID     string
	iceServers []webrtc.ICEServer
	log        zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // peer ids in registration order, for deterministic broadcast

	onPeerReady []func(peerID string)
	onPeerLeave []func(peerID string)
	onMessage   []MessageHandler
}

// Outgoing session-description and candidate envelopes address the remote
// peer with `to`; the server rewrites that into `from` before forwarding.
type sdpOut struct {
	To  string                    `json:"to"`
	SDP webrtc.SessionDescription `json:"sdp"`
}

type sdpIn struct {
	From string                    `json:"from"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

type candidateOut struct {
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type candidateIn struct {
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type rosterEnvelope struct {
	PeerIDs []string `json:"peerIds"`
}

type peerJoinEnvelope struct {
	PeerID string `json:"peerId"`
}

// NewManager wires a peer Manager to a signaling client. It only registers
// envelope handlers on sig, so sig may be connected before or after this
// call (catalog.Engine.Connect dials afterwards). selfID is excluded from any roster the manager is asked to connect out to.
// If servers is empty, the public STUN default is used.
func NewManager(sig *signaling.Client, selfID string, servers []webrtc.ICEServer) *Manager {
	if len(servers) == 0 {
		servers = iceServers
	}
	m := &Manager{
		sig:        sig,
		selfID:     selfID,
		iceServers: servers,
		log:        yardlog.Component("peer"),
		sessions:   make(map[string]*Session),
	}

	sig.On("offer", m.handleOffer)
	sig.On("answer", m.handleAnswer)
	sig.On("ice", m.handleRemoteCandidate)
	sig.On("peer-leave", m.handlePeerLeave)
	sig.On("peers", m.handleRoster)
	sig.On("peer-join", m.handlePeerJoin)

	return m
}

// NewDirect creates a peer Manager with no backing signaling client, for
// sessions established by some other negotiation path (tests, or a future
// transport that does its own offer/answer exchange).
func NewDirect() *Manager {
	return &Manager{
		log:      yardlog.Component("peer"),
		sessions: make(map[string]*Session),
	}
}

// Attach registers an already-open data channel as peerID's session, useful
// together with NewDirect.
func (m *Manager) Attach(peerID string, dc *webrtc.DataChannel) {
	sess := &Session{PeerID: peerID}
	m.register(peerID, sess)
	m.wireChannel(sess, dc)
}

// OnPeerReady registers a callback fired once a peer's ledger channel opens.
func (m *Manager) OnPeerReady(f func(peerID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeerReady = append(m.onPeerReady, f)
}

// OnPeerLeave registers a callback fired when a peer's connection is torn down.
func (m *Manager) OnPeerLeave(f func(peerID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeerLeave = append(m.onPeerLeave, f)
}

// OnMessage registers a callback fired for every message received on any
// peer's ledger channel.
func (m *Manager) OnMessage(f MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = append(m.onMessage, f)
}

// Connect initiates an outbound connection to peerID: it creates a
// PeerConnection, opens the ledger data channel, and sends an offer over
// signaling.
func (m *Manager) Connect(peerID string) error {
	if m.sig == nil {
		return fmt.Errorf("peer: connect to %s: %w", peerID, yarderr.ErrNotInitialized)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return fmt.Errorf("peer: new connection to %s: %w", peerID, err)
	}

	sess := &Session{PeerID: peerID, pc: pc}
	m.register(peerID, sess)

	ordered := true
	dc, err := pc.CreateDataChannel(ledgerChannel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("peer: create data channel to %s: %w", peerID, err)
	}
	m.wireChannel(sess, dc)
	m.wireConnectionEvents(peerID, pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer: create offer for %s: %w", peerID, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local description for %s: %w", peerID, err)
	}

	return m.sig.Send("offer", sdpOut{To: peerID, SDP: offer})
}

func (m *Manager) register(peerID string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.sessions[peerID]; !known {
		m.order = append(m.order, peerID)
	}
	m.sessions[peerID] = sess
}

func (m *Manager) session(peerID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

func (m *Manager) wireChannel(sess *Session, dc *webrtc.DataChannel) {
	sess.channel = dc

	dc.OnOpen(func() {
		sess.readyMu.Lock()
		sess.ready = true
		sess.readyMu.Unlock()

		m.mu.RLock()
		cbs := append([]func(string){}, m.onPeerReady...)
		m.mu.RUnlock()
		for _, cb := range cbs {
			cb(sess.PeerID)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.mu.RLock()
		cbs := append([]MessageHandler{}, m.onMessage...)
		m.mu.RUnlock()
		for _, cb := range cbs {
			cb(sess.PeerID, msg.Data)
		}
	})
}

func (m *Manager) wireConnectionEvents(peerID string, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sig.Send("ice", candidateOut{To: peerID, Candidate: c.ToJSON()})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateDisconnected {
			m.teardown(peerID)
		}
	})
}

func (m *Manager) handleOffer(payload json.RawMessage) {
	var env sdpIn
	if err := json.Unmarshal(payload, &env); err != nil {
		m.log.Error().Err(err).Msg("decode offer envelope")
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		m.log.Error().Err(err).Str("peer_id", env.From).Msg("create answer-side connection")
		return
	}

	sess := &Session{PeerID: env.From, pc: pc}
	m.register(env.From, sess)
	m.wireConnectionEvents(env.From, pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.wireChannel(sess, dc)
	})

	if err := pc.SetRemoteDescription(env.SDP); err != nil {
		m.log.Error().Err(err).Msg("set remote description from offer")
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.log.Error().Err(err).Msg("create answer")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.log.Error().Err(err).Msg("set local description for answer")
		return
	}

	m.sig.Send("answer", sdpOut{To: env.From, SDP: answer})
}

func (m *Manager) handleAnswer(payload json.RawMessage) {
	var env sdpIn
	if err := json.Unmarshal(payload, &env); err != nil {
		m.log.Error().Err(err).Msg("decode answer envelope")
		return
	}
	sess, ok := m.session(env.From)
	if !ok {
		return
	}
	if err := sess.pc.SetRemoteDescription(env.SDP); err != nil {
		m.log.Error().Err(err).Msg("set remote description from answer")
	}
}

func (m *Manager) handleRemoteCandidate(payload json.RawMessage) {
	var env candidateIn
	if err := json.Unmarshal(payload, &env); err != nil {
		m.log.Error().Err(err).Msg("decode ice candidate envelope")
		return
	}
	sess, ok := m.session(env.From)
	if !ok {
		return
	}
	if err := sess.pc.AddICECandidate(env.Candidate); err != nil {
		m.log.Error().Err(err).Msg("add remote ice candidate")
	}
}

// SimulateLeave tears peerID's session down as if the signaling server had
// reported it leaving the room. It exercises the same teardown path a real
// connection-state failure or peer-leave event drives, useful for tests of
// layers built on top of the peer Manager.
func (m *Manager) SimulateLeave(peerID string) {
	m.teardown(peerID)
}

// handleRoster receives the room roster sent once on join and initiates an
// outbound connection (this side is the initiator) to every peer not
// already known.
func (m *Manager) handleRoster(payload json.RawMessage) {
	var env rosterEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.log.Error().Err(err).Msg("decode peers roster envelope")
		return
	}
	for _, peerID := range env.PeerIDs {
		m.connectIfNew(peerID)
	}
}

// handlePeerJoin receives notice of one peer joining after us and initiates
// an outbound connection to it, same as a roster entry.
func (m *Manager) handlePeerJoin(payload json.RawMessage) {
	var env peerJoinEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.log.Error().Err(err).Msg("decode peer-join envelope")
		return
	}
	m.connectIfNew(env.PeerID)
}

func (m *Manager) connectIfNew(peerID string) {
	if peerID == "" || peerID == m.selfID {
		return
	}
	if _, ok := m.session(peerID); ok {
		return
	}
	if err := m.Connect(peerID); err != nil {
		m.log.Error().Err(err).Str("peer_id", peerID).Msg("connect to roster peer")
	}
}

func (m *Manager) handlePeerLeave(payload json.RawMessage) {
	var env peerJoinEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	m.teardown(env.PeerID)
}

func (m *Manager) teardown(peerID string) {
	m.mu.Lock()
	sess, ok := m.sessions[peerID]
	if ok {
		delete(m.sessions, peerID)
		for i, id := range m.order {
			if id == peerID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	cbs := append([]func(string){}, m.onPeerLeave...)
	m.mu.Unlock()

	if !ok {
		return
	}
	if sess.pc != nil {
		sess.pc.Close()
	}
	for _, cb := range cbs {
		cb(peerID)
	}
}

// Send writes data on peerID's ledger channel. It returns an error if the
// peer is unknown or its channel is not yet open.
func (m *Manager) Send(peerID string, data []byte) error {
	sess, ok := m.session(peerID)
	if !ok {
		return fmt.Errorf("peer: unknown peer %s", peerID)
	}
	sess.readyMu.Lock()
	ready := sess.ready
	sess.readyMu.Unlock()
	if !ready {
		return fmt.Errorf("peer: %s channel not open", peerID)
	}
	return sess.channel.Send(data)
}

// BufferedAmount reports the bytes queued but not yet flushed on peerID's
// ledger channel, letting senders of large streams pace themselves against
// the channel's real backlog instead of a blind timer.
func (m *Manager) BufferedAmount(peerID string) (uint64, error) {
	sess, ok := m.session(peerID)
	if !ok || sess.channel == nil {
		return 0, fmt.Errorf("peer: unknown peer %s", peerID)
	}
	return sess.channel.BufferedAmount(), nil
}

// Broadcast writes data to every peer whose ledger channel is currently
// open, in registration order. Per-peer send failures are non-fatal.
func (m *Manager) Broadcast(data []byte) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.readyMu.Lock()
		ready := s.ready
		s.readyMu.Unlock()
		if ready {
			s.channel.Send(data)
		}
	}
}

// ReadyPeers returns the ids of every peer whose ledger channel is open, in
// registration order.
func (m *Manager) ReadyPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, id := range m.order {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		s.readyMu.Lock()
		ready := s.ready
		s.readyMu.Unlock()
		if ready {
			out = append(out, id)
		}
	}
	return out
}
