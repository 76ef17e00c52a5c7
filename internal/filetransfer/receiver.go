package filetransfer

import (
	"bytes"
	"crypto/sha256"
	"os"
	"sync"
	"time"

	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/chaski-confluent/chaski/internal/logging"
)

// recvState tracks one in-progress incoming transfer, keyed by filename.
type recvState struct {
	mu sync.Mutex

	fileID      string
	filename    string
	topic       string
	source      string
	totalChunks uint64
	chunkSize   uint32

	file         *os.File
	nextIndex    uint64
	buffered     map[uint64]envelope.FileChunk
	bufferedSize int
	retries      map[uint64]int

	paused       bool
	lastActivity time.Time
}

func (m *Manager) handleFileChunk(from *edge.Edge, env *envelope.Envelope) {
	var fc envelope.FileChunk
	if err := envelope.DecodePayload(env.Data, &fc); err != nil {
		m.cfg.Logger.Warn("file_chunk decode failed", logging.KeyError, err)
		return
	}
	fc.Filename = NormalizeFilename(fc.Filename)

	m.recvMu.Lock()
	st, exists := m.recv[fc.Filename]
	if !exists {
		if fc.Index != 0 {
			m.recvMu.Unlock()
			return
		}
		if len(m.recv) >= m.cfg.MaxConcurrentFiles {
			m.recvMu.Unlock()
			m.sendFailed(from, fc.FileID, "file_busy")
			return
		}
		if err := m.authenticate(fc.Password); err != nil {
			m.recvMu.Unlock()
			m.cfg.Metrics.RecordTransferFailed("unauthorized")
			m.sendFailed(from, fc.FileID, "unauthorized")
			return
		}
		existingChunks, err := ExistingChunks(m.cfg.Destination, fc.Filename, fc.ChunkSize)
		if err != nil {
			m.recvMu.Unlock()
			m.sendFailed(from, fc.FileID, "resume check failed")
			return
		}
		var f *os.File
		if existingChunks > 0 {
			f, err = OpenPartForResume(m.cfg.Destination, fc.Filename)
		} else {
			f, err = OpenPartForWrite(m.cfg.Destination, fc.Filename)
		}
		if err != nil {
			m.recvMu.Unlock()
			m.sendFailed(from, fc.FileID, "cannot open destination")
			return
		}
		st = &recvState{
			fileID:       fc.FileID,
			filename:     fc.Filename,
			topic:        fc.Topic,
			source:       from.Address.Key(),
			totalChunks:  fc.TotalChunks,
			chunkSize:    fc.ChunkSize,
			file:         f,
			nextIndex:    existingChunks,
			buffered:     make(map[uint64]envelope.FileChunk),
			retries:      make(map[uint64]int),
			lastActivity: time.Now(),
		}
		m.recv[fc.Filename] = st
		m.recvMu.Unlock()

		if existingChunks > 0 {
			m.sendResumeFrom(from, fc.FileID, existingChunks)
			return
		}
	} else {
		m.recvMu.Unlock()
	}

	m.processChunk(from, st, fc)
}

func (m *Manager) processChunk(from *edge.Edge, st *recvState, fc envelope.FileChunk) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastActivity = time.Now()

	if fc.Index < st.nextIndex {
		return // already-written chunk, a retransmit we no longer need
	}

	sum := sha256.Sum256(fc.Data)
	if !bytes.Equal(sum[:], fc.SHA256[:]) {
		st.retries[fc.Index]++
		if st.retries[fc.Index] > MaxCorruptionRetries {
			m.abortTransfer(from, st, "chunk corruption exceeded retry limit")
			return
		}
		m.sendResumeFrom(from, fc.FileID, fc.Index)
		return
	}
	m.cfg.Metrics.RecordChunkReceived(len(fc.Data))

	if fc.Index == st.nextIndex {
		if _, err := st.file.Write(fc.Data); err != nil {
			m.abortTransfer(from, st, "write failed")
			return
		}
		st.nextIndex++
		delete(st.buffered, fc.Index)
		m.flushBuffered(from, st)
	} else {
		if st.bufferedSize+len(fc.Data) > int(st.chunkSize)*OutOfOrderBufferMultiplier {
			if !st.paused {
				st.paused = true
				m.sendFlowPause(from, fc.FileID)
			}
			return
		}
		st.buffered[fc.Index] = fc
		st.bufferedSize += len(fc.Data)
	}

	if fc.EOF && st.nextIndex >= st.totalChunks {
		m.finalizeTransfer(from, st)
	}
}

func (m *Manager) flushBuffered(from *edge.Edge, st *recvState) {
	for {
		next, ok := st.buffered[st.nextIndex]
		if !ok {
			break
		}
		if _, err := st.file.Write(next.Data); err != nil {
			m.abortTransfer(from, st, "write failed")
			return
		}
		st.bufferedSize -= len(next.Data)
		delete(st.buffered, st.nextIndex)
		st.nextIndex++
		if next.EOF {
			m.finalizeTransfer(from, st)
			return
		}
	}
	if st.paused && st.bufferedSize < int(st.chunkSize)*OutOfOrderBufferMultiplier/2 {
		st.paused = false
		m.sendFlowResume(from, st.fileID)
	}
}

func (m *Manager) finalizeTransfer(from *edge.Edge, st *recvState) {
	size := int64(st.nextIndex) * int64(st.chunkSize)
	if err := st.file.Sync(); err != nil {
		m.abortTransfer(from, st, "fsync failed")
		return
	}
	st.file.Close()
	if err := FinalizePart(m.cfg.Destination, st.filename); err != nil {
		m.cfg.Logger.Warn("finalize failed", logging.KeyFileID, st.fileID, logging.KeyError, err)
		m.removeRecv(st.filename)
		return
	}
	m.removeRecv(st.filename)
	if m.onComplete != nil {
		m.onComplete(CompletedFile{Filename: st.filename, Size: size, Source: st.source, Topic: st.topic})
	}
}

func (m *Manager) abortTransfer(from *edge.Edge, st *recvState, reason string) {
	if st.file != nil {
		st.file.Close()
	}
	m.removeRecv(st.filename)
	m.cfg.Metrics.RecordTransferFailed(reason)
	m.sendFailed(from, st.fileID, reason)
}

func (m *Manager) removeRecv(filename string) {
	m.recvMu.Lock()
	delete(m.recv, filename)
	m.recvMu.Unlock()
}

func (m *Manager) sendResumeFrom(e *edge.Edge, fileID string, index uint64) {
	payload, err := envelope.EncodePayload(envelope.FileResumeFrom{FileID: fileID, Index: index})
	if err != nil {
		return
	}
	_ = e.Send(&envelope.Envelope{Command: envelope.CmdFileResumeFrom, Timestamp: time.Now().UnixNano(), Data: payload})
}

func (m *Manager) sendFlowPause(e *edge.Edge, fileID string) {
	payload, err := envelope.EncodePayload(envelope.FlowPause{FileID: fileID})
	if err != nil {
		return
	}
	_ = e.Send(&envelope.Envelope{Command: envelope.CmdFlowPause, Timestamp: time.Now().UnixNano(), Data: payload})
}

func (m *Manager) sendFlowResume(e *edge.Edge, fileID string) {
	payload, err := envelope.EncodePayload(envelope.FlowResume{FileID: fileID})
	if err != nil {
		return
	}
	_ = e.Send(&envelope.Envelope{Command: envelope.CmdFlowResume, Timestamp: time.Now().UnixNano(), Data: payload})
}

func (m *Manager) idleSweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	m.recvMu.Lock()
	var stale []string
	for name, st := range m.recv {
		st.mu.Lock()
		idle := time.Since(st.lastActivity) > m.cfg.IdleTimeout
		st.mu.Unlock()
		if idle {
			stale = append(stale, name)
		}
	}
	for _, name := range stale {
		if st, ok := m.recv[name]; ok {
			if st.file != nil {
				st.file.Close()
			}
			delete(m.recv, name)
		}
	}
	m.recvMu.Unlock()
}
