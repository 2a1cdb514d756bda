package boards

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultPersisterBuffer = 256

var errMissingSaver = errors.New("snapshot saver is required")

// SnapshotSaver is the storage side of a Persister.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, boardID BoardID, version int64, payload json.RawMessage) error
}

type PersisterConfig struct {
	Saver  SnapshotSaver
	Buffer int
	Logger *zap.Logger
}

type snapshotJob struct {
	boardID string
	version int64
	payload json.RawMessage
}

// Persister writes room snapshots to storage off the realtime path. Enqueue
// never blocks; when the buffer is full the snapshot is dropped and counted.
type Persister struct {
	saver   SnapshotSaver
	queue   chan snapshotJob
	logger  *zap.Logger
	dropped atomic.Int64
	saved   atomic.Int64
}

func NewPersister(cfg PersisterConfig) (*Persister, error) {
	if cfg.Saver == nil {
		return nil, errMissingSaver
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultPersisterBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Persister{
		saver:  cfg.Saver,
		queue:  make(chan snapshotJob, buffer),
		logger: logger,
	}, nil
}

// Enqueue matches rooms.SnapshotListener.
func (p *Persister) Enqueue(boardID string, version int64, snapshot json.RawMessage) {
	job := snapshotJob{boardID: boardID, version: version, payload: snapshot}
	select {
	case p.queue <- job:
	default:
		p.dropped.Add(1)
		p.logger.Warn("snapshot queue full, dropping",
			zap.String("board_id", boardID),
			zap.Int64("version", version),
		)
	}
}

// Run saves queued snapshots until ctx is cancelled, then drains what is left.
// Saves already started are not interrupted by the cancellation.
func (p *Persister) Run(ctx context.Context) {
	saveCtx := context.WithoutCancel(ctx)
	for {
		select {
		case job := <-p.queue:
			p.save(saveCtx, job)
		case <-ctx.Done():
			p.drain(saveCtx)
			return
		}
	}
}

// Dropped reports how many snapshots were discarded because the queue was full.
func (p *Persister) Dropped() int64 {
	return p.dropped.Load()
}

// Saved reports how many snapshots reached storage.
func (p *Persister) Saved() int64 {
	return p.saved.Load()
}

func (p *Persister) drain(ctx context.Context) {
	for {
		select {
		case job := <-p.queue:
			p.save(ctx, job)
		default:
			return
		}
	}
}

func (p *Persister) save(ctx context.Context, job snapshotJob) {
	boardID, err := NewBoardID(job.boardID)
	if err != nil {
		p.logger.Warn("snapshot for invalid board skipped", zap.String("board_id", job.boardID), zap.Error(err))
		return
	}
	if err := p.saver.SaveSnapshot(ctx, boardID, job.version, job.payload); err != nil {
		p.logger.Warn("snapshot not persisted",
			zap.String("board_id", job.boardID),
			zap.Int64("version", job.version),
			zap.Error(err),
		)
		return
	}
	p.saved.Add(1)
}
