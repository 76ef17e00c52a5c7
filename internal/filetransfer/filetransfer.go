// Package filetransfer implements Chaski-Confluent's chunked file transfer
// plane (C7): push_file splitting, ordered reassembly with bounded
// out-of-order buffering, resume from a partial file's on-disk size,
// per-chunk SHA-256 corruption retries, and flow_pause/flow_resume
// backpressure. Grounded on the donor's internal/filetransfer/partial.go
// resume idiom and internal/filetransfer/ratelimit.go token-bucket reader,
// adapted from single-shot RPC upload/download to envelope-streamed chunks.
package filetransfer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/chaski-confluent/chaski/internal/dispatch"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/chaski-confluent/chaski/internal/logging"
	"github.com/chaski-confluent/chaski/internal/metrics"
)

// DefaultChunkSize is used when Config.ChunkSize is unset.
const DefaultChunkSize = 1024

// DefaultMaxConcurrentFiles bounds simultaneous receive records (spec §4.7).
const DefaultMaxConcurrentFiles = 8

// DefaultIdleTimeout is how long a receive record may sit without a new
// chunk before it is dropped (spec §5).
const DefaultIdleTimeout = 30 * time.Second

// MaxCorruptionRetries bounds per-chunk SHA-256 mismatch retries before the
// transfer aborts with file_transfer_failed (spec §4.7).
const MaxCorruptionRetries = 3

// OutOfOrderBufferMultiplier sets the out-of-order receive buffer capacity
// as a multiple of the chunk size (spec §4.7: "buffered up to chunk_size x 32").
const OutOfOrderBufferMultiplier = 32

// Config configures a Manager.
type Config struct {
	Destination        string
	ChunkSize          uint32
	MaxConcurrentFiles int
	IdleTimeout        time.Duration
	RateLimitBytesSec  int64
	Logger             *slog.Logger
	Metrics            *metrics.Metrics

	// Password is presented on the offer chunk (Index 0) of every file this
	// node pushes. PasswordHash, when set, is the bcrypt hash new incoming
	// transfers must authenticate against before this node will accept them.
	Password     string
	PasswordHash string
}

func (c *Config) setDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxConcurrentFiles == 0 {
		c.MaxConcurrentFiles = DefaultMaxConcurrentFiles
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
}

// CompletedFile describes a finished incoming transfer, delivered to the
// file_handling_callback (spec §4.7).
type CompletedFile struct {
	Filename string
	Size     int64
	Source   string
	Topic    string
}

// Manager owns both the sending and receiving sides of chunked transfer.
type Manager struct {
	cfg  Config
	disp *dispatch.Dispatcher

	onComplete func(CompletedFile)

	sendMu  sync.Mutex
	sending map[string]*sendState // keyed by file_id

	recvMu sync.Mutex
	recv   map[string]*recvState // keyed by filename

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Manager and registers its handlers on disp.
func New(cfg Config, disp *dispatch.Dispatcher, onComplete func(CompletedFile)) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:        cfg,
		disp:       disp,
		onComplete: onComplete,
		sending:    make(map[string]*sendState),
		recv:       make(map[string]*recvState),
		stopCh:     make(chan struct{}),
	}
	disp.Handle(envelope.CmdFileChunk, m.handleFileChunk)
	disp.Handle(envelope.CmdFileResumeFrom, m.handleFileResumeFrom)
	disp.Handle(envelope.CmdFlowPause, m.handleFlowPause)
	disp.Handle(envelope.CmdFlowResume, m.handleFlowResume)
	disp.Handle(envelope.CmdFileTransferFailed, m.handleTransferFailed)
	return m
}

// Start launches the idle-sweep loop for stale receive records.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.idleSweepLoop()
}

// Stop releases background goroutines and closes any open partial files.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.recvMu.Lock()
	for _, st := range m.recv {
		if st.file != nil {
			st.file.Close()
		}
	}
	m.recvMu.Unlock()
}

// authenticate checks password against the configured PasswordHash, if any.
// An unset PasswordHash means the node accepts transfers unauthenticated.
func (m *Manager) authenticate(password string) error {
	if m.cfg.PasswordHash == "" {
		return nil
	}
	if password == "" {
		return fmt.Errorf("password required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.cfg.PasswordHash), []byte(password)); err != nil {
		return fmt.Errorf("invalid password")
	}
	return nil
}

func (m *Manager) sendFailed(e *edge.Edge, fileID, reason string) {
	payload, err := envelope.EncodePayload(envelope.FileTransferFailed{FileID: fileID, Reason: reason})
	if err != nil {
		return
	}
	_ = e.Send(&envelope.Envelope{
		Command:   envelope.CmdFileTransferFailed,
		Timestamp: time.Now().UnixNano(),
		Data:      payload,
	})
}

func (m *Manager) handleTransferFailed(from *edge.Edge, env *envelope.Envelope) {
	var f envelope.FileTransferFailed
	if err := envelope.DecodePayload(env.Data, &f); err != nil {
		return
	}
	m.sendMu.Lock()
	st, ok := m.sending[f.FileID]
	m.sendMu.Unlock()
	if ok {
		st.fail(f.Reason)
	}
	m.cfg.Logger.Warn("file transfer failed", logging.KeyFileID, f.FileID, logging.KeyError, f.Reason, logging.KeyEdge, from.Address.String())
}
