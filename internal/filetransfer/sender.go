package filetransfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
)

// sendState tracks one outbound transfer's pause/resume/failure signals,
// driven by envelopes the receiver sends back.
type sendState struct {
	mu         sync.Mutex
	paused     bool
	resumeCh   chan struct{}
	resumeFrom chan uint64
	failErr    chan error
}

func newSendState() *sendState {
	return &sendState{
		resumeCh:   make(chan struct{}),
		resumeFrom: make(chan uint64, 1),
		failErr:    make(chan error, 1),
	}
}

func (s *sendState) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.resumeCh = make(chan struct{})
	}
}

func (s *sendState) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		close(s.resumeCh)
	}
}

func (s *sendState) waitIfPaused(ctx context.Context) error {
	s.mu.Lock()
	paused := s.paused
	ch := s.resumeCh
	s.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sendState) fail(reason string) {
	select {
	case s.failErr <- fmt.Errorf("receiver aborted: %s", reason):
	default:
	}
}

func (s *sendState) failed() error {
	select {
	case err := <-s.failErr:
		return err
	default:
		return nil
	}
}

// PushFile streams path to target on topic, chunked per the configured
// chunk size, honoring resume and flow control signals from the receiver
// (spec §4.7). It blocks until the transfer completes, fails, or ctx is
// cancelled.
func (m *Manager) PushFile(ctx context.Context, target *edge.Edge, topic, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	chunkSize := m.cfg.ChunkSize
	totalChunks := uint64(info.Size()) / uint64(chunkSize)
	if uint64(info.Size())%uint64(chunkSize) != 0 || totalChunks == 0 {
		totalChunks++
	}

	fileID := uuid.NewV4().String()
	filename := filepath.Base(path)

	state := newSendState()
	m.sendMu.Lock()
	m.sending[fileID] = state
	m.sendMu.Unlock()
	defer func() {
		m.sendMu.Lock()
		delete(m.sending, fileID)
		m.sendMu.Unlock()
	}()

	var limiter io.Reader = f
	if m.cfg.RateLimitBytesSec > 0 {
		limiter = NewRateLimitedReader(ctx, f, m.cfg.RateLimitBytesSec)
	}

	startIndex, err := m.offerAndAwaitResume(ctx, target, state, fileID, filename, topic, chunkSize, totalChunks, uint32(info.Size()), limiter)
	if err != nil {
		return err
	}

	if _, err := f.Seek(int64(startIndex)*int64(chunkSize), io.SeekStart); err != nil {
		return fmt.Errorf("seek to chunk %d: %w", startIndex, err)
	}

	buf := make([]byte, chunkSize)
	for idx := startIndex; idx < totalChunks; idx++ {
		if err := state.waitIfPaused(ctx); err != nil {
			return err
		}
		if err := state.failed(); err != nil {
			return err
		}
		select {
		case newStart := <-state.resumeFrom:
			idx = newStart
			if _, err := f.Seek(int64(idx)*int64(chunkSize), io.SeekStart); err != nil {
				return fmt.Errorf("seek to resumed chunk %d: %w", idx, err)
			}
		default:
		}

		n, err := io.ReadFull(limiter, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fmt.Errorf("read chunk %d: %w", idx, err)
		}
		data := buf[:n]
		sum := sha256.Sum256(data)

		payload, err := envelope.EncodePayload(envelope.FileChunk{
			FileID:      fileID,
			Filename:    filename,
			Topic:       topic,
			Index:       idx,
			TotalChunks: totalChunks,
			ChunkSize:   chunkSize,
			Size:        uint32(n),
			Data:        data,
			EOF:         idx == totalChunks-1,
			SHA256:      sum,
		})
		if err != nil {
			return err
		}
		if err := target.Send(&envelope.Envelope{
			Command:   envelope.CmdFileChunk,
			Topic:     topic,
			Timestamp: time.Now().UnixNano(),
			Data:      payload,
		}); err != nil {
			return fmt.Errorf("send chunk %d: %w", idx, err)
		}
		m.cfg.Metrics.RecordChunkSent(n)
	}
	return nil
}

// offerAndAwaitResume sends chunk 0 as the transfer offer and gives the
// receiver a short window to answer with file_resume_from before sending
// proceeds sequentially (spec §4.7 resume negotiation).
func (m *Manager) offerAndAwaitResume(ctx context.Context, target *edge.Edge, state *sendState, fileID, filename, topic string, chunkSize uint32, totalChunks uint64, totalSize uint32, r io.Reader) (uint64, error) {
	buf := make([]byte, chunkSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, fmt.Errorf("read offer chunk: %w", err)
	}
	data := buf[:n]
	sum := sha256.Sum256(data)

	payload, err := envelope.EncodePayload(envelope.FileChunk{
		FileID:      fileID,
		Filename:    filename,
		Topic:       topic,
		Index:       0,
		TotalChunks: totalChunks,
		ChunkSize:   chunkSize,
		Size:        uint32(n),
		Data:        data,
		EOF:         totalChunks == 1,
		SHA256:      sum,
		Password:    m.cfg.Password,
	})
	if err != nil {
		return 0, err
	}
	if err := target.Send(&envelope.Envelope{
		Command:   envelope.CmdFileChunk,
		Topic:     topic,
		Timestamp: time.Now().UnixNano(),
		Data:      payload,
	}); err != nil {
		return 0, fmt.Errorf("send offer chunk: %w", err)
	}

	select {
	case resumeIdx := <-state.resumeFrom:
		return resumeIdx, nil
	case <-time.After(200 * time.Millisecond):
		return 1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) handleFileResumeFrom(from *edge.Edge, env *envelope.Envelope) {
	var r envelope.FileResumeFrom
	if err := envelope.DecodePayload(env.Data, &r); err != nil {
		return
	}
	m.sendMu.Lock()
	state, ok := m.sending[r.FileID]
	m.sendMu.Unlock()
	if !ok {
		return
	}
	select {
	case state.resumeFrom <- r.Index:
	default:
		select {
		case <-state.resumeFrom:
		default:
		}
		state.resumeFrom <- r.Index
	}
}

func (m *Manager) handleFlowPause(from *edge.Edge, env *envelope.Envelope) {
	var p envelope.FlowPause
	if err := envelope.DecodePayload(env.Data, &p); err != nil {
		return
	}
	m.sendMu.Lock()
	state, ok := m.sending[p.FileID]
	m.sendMu.Unlock()
	if ok {
		state.pause()
	}
}

func (m *Manager) handleFlowResume(from *edge.Edge, env *envelope.Envelope) {
	var r envelope.FlowResume
	if err := envelope.DecodePayload(env.Data, &r); err != nil {
		return
	}
	m.sendMu.Lock()
	state, ok := m.sending[r.FileID]
	m.sendMu.Unlock()
	if ok {
		state.resume()
	}
}
