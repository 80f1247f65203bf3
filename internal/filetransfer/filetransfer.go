// Package filetransfer is the multiplexed file-discovery and chunk-streaming
// sub-protocol carried inside the peer channel's `custom` envelope under
// channel tag "file-transfer". It has two halves: the sender (responder),
// which serves file lists and file bytes out of the local blob store, and
// the receiver (requester), which drives import-site and assembles incoming
// chunks back into whole blobs.
package filetransfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kholbekj/scrap-yard/internal/blobstore"
	"github.com/kholbekj/scrap-yard/internal/peer"
	"github.com/kholbekj/scrap-yard/internal/types"
	"github.com/kholbekj/scrap-yard/internal/yarderr"
	"github.com/kholbekj/scrap-yard/internal/yardlog"
)

const (
	channelTag = "file-transfer"

	// chunkSize stays well under 64 KiB: a chunk travels base64-encoded
	// (4/3 larger) inside a JSON envelope, and the whole message must fit
	// the data channel's 65536-byte maximum message size.
	chunkSize = 32 * 1024

	// Chunk pacing: instead of a fixed inter-chunk delay, the sender checks
	// the channel's buffered amount before each chunk and only sends while
	// there is headroom, polling at pollInterval while the backlog drains. A
	// channel that stays above the high-water mark for congestionTimeout
	// aborts the stream.
	bufferHighWater   = 1 << 20
	pollInterval      = 10 * time.Millisecond
	congestionTimeout = 30 * time.Second

	fileListDeadline = 30 * time.Second
	fileDeadline     = 60 * time.Second
)

const (
	msgFileListRequest = "file-list-request"
	msgFileList        = "file-list"
	msgFileRequest     = "file-request"
	msgFileStart       = "file-start"
	msgFileChunk       = "file-chunk"
	msgFileEnd         = "file-end"
)

type customEnvelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type fileListRequestMsg struct {
	SiteID string `json:"siteId"`
}

type fileListMsg struct {
	SiteID string           `json:"siteId"`
	Files  []types.FileMeta `json:"files"`
}

type fileRequestMsg struct {
	SiteID string `json:"siteId"`
	Path   string `json:"path"`
}

type fileStartMsg struct {
	SiteID      string `json:"siteId"`
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type fileChunkMsg struct {
	SiteID string `json:"siteId"`
	Path   string `json:"path"`
	Data   string `json:"data"` // base64, <=64KiB decoded
}

type fileEndMsg struct {
	SiteID string `json:"siteId"`
	Path   string `json:"path"`
}

// ProgressFunc reports import progress: completed/total files so far, and
// the path that just started or finished.
type ProgressFunc func(completed, total int, path string)

type incomingTransfer struct {
	contentType string
	expected    int64
	chunks      [][]byte
	received    int64
}

type pendingFileList struct {
	resultCh chan fileListMsg
	errCh    chan error
}

type pendingFile struct {
	resultCh chan struct{}
	errCh    chan error
}

// Manager is the file-transfer protocol layered over a peer Manager.
type Manager struct {
	peers *peer.Manager
	blobs *blobstore.Store
	log   zerolog.Logger

	mu           sync.Mutex
	incoming     map[string]*incomingTransfer // key: peerID|siteID|path
	pendingLists map[string]*pendingFileList  // key: peerID|siteID
	pendingFiles map[string]*pendingFile      // key: peerID|siteID|path
}

// New creates a file-transfer manager wired to an already-constructed peer Manager.
func New(peers *peer.Manager, blobs *blobstore.Store) *Manager {
	m := &Manager{
		peers:        peers,
		blobs:        blobs,
		log:          yardlog.Component("filetransfer"),
		incoming:     make(map[string]*incomingTransfer),
		pendingLists: make(map[string]*pendingFileList),
		pendingFiles: make(map[string]*pendingFile),
	}
	peers.OnMessage(m.handlePeerMessage)
	peers.OnPeerLeave(m.handlePeerLeave)
	return m
}

func key(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}

func (m *Manager) send(peerID, msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("filetransfer: marshal %s: %w", msgType, err)
	}
	inner := map[string]any{"type": msgType}
	// merge payload fields into the inner message alongside its type tag
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("filetransfer: re-decode %s payload: %w", msgType, err)
	}
	for k, v := range fields {
		inner[k] = v
	}
	innerRaw, err := json.Marshal(inner)
	if err != nil {
		return fmt.Errorf("filetransfer: marshal inner %s: %w", msgType, err)
	}

	env := customEnvelope{Type: "custom", Channel: channelTag, Data: innerRaw}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("filetransfer: marshal envelope: %w", err)
	}
	return m.peers.Send(peerID, raw)
}

func (m *Manager) handlePeerMessage(peerID string, data []byte) {
	var env customEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Type != "custom" || env.Channel != channelTag {
		return
	}

	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Data, &tagged); err != nil {
		m.log.Warn().Err(err).Msg("malformed file-transfer envelope, dropping")
		return
	}

	switch tagged.Type {
	case msgFileListRequest:
		m.handleFileListRequest(peerID, env.Data)
	case msgFileList:
		m.handleFileList(peerID, env.Data)
	case msgFileRequest:
		m.handleFileRequest(peerID, env.Data)
	case msgFileStart:
		m.handleFileStart(peerID, env.Data)
	case msgFileChunk:
		m.handleFileChunk(peerID, env.Data)
	case msgFileEnd:
		m.handleFileEnd(peerID, env.Data)
	default:
		// unknown message type, ignored
	}
}

// --- Sender (responder) side ------------------------------------------------

func (m *Manager) handleFileListRequest(peerID string, raw json.RawMessage) {
	var req fileListRequestMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		m.log.Warn().Err(err).Msg("malformed file-list-request")
		return
	}

	files := m.blobs.List(req.SiteID)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	if err := m.send(peerID, msgFileList, fileListMsg{SiteID: req.SiteID, Files: files}); err != nil {
		m.log.Warn().Err(err).Str("peer_id", peerID).Msg("send file-list")
	}
}

func (m *Manager) handleFileRequest(peerID string, raw json.RawMessage) {
	var req fileRequestMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		m.log.Warn().Err(err).Msg("malformed file-request")
		return
	}

	blob, ok := m.blobs.Get(req.SiteID, req.Path)
	if !ok {
		m.log.Info().Str("peer_id", peerID).Str("path", req.Path).Msg("file-request for unknown file, dropping")
		return
	}

	if err := m.send(peerID, msgFileStart, fileStartMsg{
		SiteID: req.SiteID, Path: req.Path, ContentType: blob.ContentType, Size: int64(len(blob.Bytes)),
	}); err != nil {
		m.log.Warn().Err(err).Msg("send file-start")
		return
	}

	for offset := 0; offset < len(blob.Bytes); offset += chunkSize {
		end := offset + chunkSize
		if end > len(blob.Bytes) {
			end = len(blob.Bytes)
		}
		if err := m.waitForHeadroom(peerID); err != nil {
			m.log.Warn().Err(err).Str("path", req.Path).Msg("aborting chunk stream")
			return
		}
		chunk := blob.Bytes[offset:end]
		encoded := base64.StdEncoding.EncodeToString(chunk)
		if err := m.send(peerID, msgFileChunk, fileChunkMsg{SiteID: req.SiteID, Path: req.Path, Data: encoded}); err != nil {
			m.log.Warn().Err(err).Msg("send file-chunk")
			return
		}
	}

	if err := m.send(peerID, msgFileEnd, fileEndMsg{SiteID: req.SiteID, Path: req.Path}); err != nil {
		m.log.Warn().Err(err).Msg("send file-end")
	}
}

// waitForHeadroom blocks until peerID's channel has drained below the
// high-water mark, erroring out if it stays congested past congestionTimeout.
func (m *Manager) waitForHeadroom(peerID string) error {
	deadline := time.Now().Add(congestionTimeout)
	for {
		buffered, err := m.peers.BufferedAmount(peerID)
		if err != nil {
			return err
		}
		if buffered < bufferHighWater {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("filetransfer: channel to %s congested for over %s", peerID, congestionTimeout)
		}
		time.Sleep(pollInterval)
	}
}

// --- Receiver (requester) side ----------------------------------------------

func (m *Manager) handleFileList(peerID string, raw json.RawMessage) {
	var msg fileListMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.log.Warn().Err(err).Msg("malformed file-list")
		return
	}

	m.mu.Lock()
	pending, ok := m.pendingLists[key(peerID, msg.SiteID)]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pending.resultCh <- msg:
	default:
	}
}

func (m *Manager) handleFileStart(peerID string, raw json.RawMessage) {
	var msg fileStartMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.log.Warn().Err(err).Msg("malformed file-start")
		return
	}
	m.mu.Lock()
	m.incoming[key(peerID, msg.SiteID, msg.Path)] = &incomingTransfer{contentType: msg.ContentType, expected: msg.Size}
	m.mu.Unlock()
}

func (m *Manager) handleFileChunk(peerID string, raw json.RawMessage) {
	var msg fileChunkMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.log.Warn().Err(err).Msg("malformed file-chunk")
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		m.log.Warn().Err(err).Msg("malformed base64 in file-chunk, dropping")
		return
	}

	m.mu.Lock()
	t, ok := m.incoming[key(peerID, msg.SiteID, msg.Path)]
	if ok {
		t.chunks = append(t.chunks, decoded)
		t.received += int64(len(decoded))
	}
	m.mu.Unlock()
}

func (m *Manager) handleFileEnd(peerID string, raw json.RawMessage) {
	var msg fileEndMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.log.Warn().Err(err).Msg("malformed file-end")
		return
	}

	k := key(peerID, msg.SiteID, msg.Path)
	m.mu.Lock()
	t, ok := m.incoming[k]
	if ok {
		delete(m.incoming, k)
	}
	pf, hasPending := m.pendingFiles[k]
	m.mu.Unlock()

	if !ok {
		return
	}

	if t.expected > 0 && t.received != t.expected {
		m.log.Debug().Str("path", msg.Path).Int64("expected", t.expected).Int64("received", t.received).Msg("transfer size differs from file-start announcement")
	}

	full := make([]byte, 0, t.received)
	for _, c := range t.chunks {
		full = append(full, c...)
	}

	if err := m.blobs.Put(msg.SiteID, msg.Path, t.contentType, full); err != nil {
		m.log.Error().Err(err).Str("path", msg.Path).Msg("store imported blob")
		if hasPending {
			pf.errCh <- fmt.Errorf("%w: %v", yarderr.ErrStoreFailure, err)
		}
		return
	}

	if hasPending {
		close(pf.resultCh)
	}
}

func (m *Manager) handlePeerLeave(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, l := range m.pendingLists {
		if hasPrefix(k, peerID) {
			l.errCh <- yarderr.ErrPeerGone
			delete(m.pendingLists, k)
		}
	}
	for k, p := range m.pendingFiles {
		if hasPrefix(k, peerID) {
			p.errCh <- yarderr.ErrPeerGone
			delete(m.pendingFiles, k)
		}
	}
	for k := range m.incoming {
		if hasPrefix(k, peerID) {
			delete(m.incoming, k)
		}
	}
}

func hasPrefix(k, peerID string) bool {
	return len(k) >= len(peerID) && k[:len(peerID)] == peerID && (len(k) == len(peerID) || k[len(peerID)] == '|')
}

// ImportSite requests the file list for siteID from peerID, then requests
// and awaits every file in turn, invoking progress on each start and
// completion. It returns once every file has been imported into the local
// blob store, or the first error encountered.
func (m *Manager) ImportSite(ctx context.Context, peerID, siteID string, progress ProgressFunc) error {
	listKey := key(peerID, siteID)
	pl := &pendingFileList{resultCh: make(chan fileListMsg, 1), errCh: make(chan error, 1)}

	m.mu.Lock()
	m.pendingLists[listKey] = pl
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingLists, listKey)
		m.mu.Unlock()
	}()

	if err := m.send(peerID, msgFileListRequest, fileListRequestMsg{SiteID: siteID}); err != nil {
		return fmt.Errorf("filetransfer: send file-list-request: %w", err)
	}

	var list fileListMsg
	select {
	case list = <-pl.resultCh:
	case err := <-pl.errCh:
		return err
	case <-time.After(fileListDeadline):
		return fmt.Errorf("%w: file-list for site %s", yarderr.ErrTimeout, siteID)
	case <-ctx.Done():
		return ctx.Err()
	}

	total := len(list.Files)
	for i, f := range list.Files {
		progress(i, total, f.Path)
		if err := m.importFile(ctx, peerID, siteID, f.Path); err != nil {
			return fmt.Errorf("filetransfer: import %s: %w", f.Path, err)
		}
		progress(i+1, total, f.Path)
	}
	return nil
}

func (m *Manager) importFile(ctx context.Context, peerID, siteID, path string) error {
	k := key(peerID, siteID, path)
	pf := &pendingFile{resultCh: make(chan struct{}), errCh: make(chan error, 1)}

	m.mu.Lock()
	m.pendingFiles[k] = pf
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingFiles, k)
		m.mu.Unlock()
	}()

	if err := m.send(peerID, msgFileRequest, fileRequestMsg{SiteID: siteID, Path: path}); err != nil {
		return err
	}

	select {
	case <-pf.resultCh:
		return nil
	case err := <-pf.errCh:
		return err
	case <-time.After(fileDeadline):
		m.releaseIncoming(k)
		return fmt.Errorf("%w: %s", yarderr.ErrTimeout, path)
	case <-ctx.Done():
		m.releaseIncoming(k)
		return ctx.Err()
	}
}

// releaseIncoming drops a partial transfer's buffered chunks once its
// pending request is abandoned.
func (m *Manager) releaseIncoming(k string) {
	m.mu.Lock()
	delete(m.incoming, k)
	m.mu.Unlock()
}
