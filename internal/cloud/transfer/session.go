// Package transfer drives one resumable multipart upload of a local file.
//
// A Session moves through Initializing, Transferring and Finalizing and ends in
// exactly one of Completed, Aborted or Failed. Parts are read and uploaded by a
// fixed pool of workers; a single coordinator goroutine owns the bookkeeping of
// which parts are pending, in flight and done.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/rescale-upload/internal/cloud/chunk"
	"github.com/rescale/rescale-upload/internal/cloud/retry"
	"github.com/rescale/rescale-upload/internal/cloud/source"
	"github.com/rescale/rescale-upload/internal/cloud/state"
	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/progress"
)

// State is the lifecycle state of a session.
type State = progress.State

const (
	StateInitializing = progress.StateInitializing
	StateTransferring = progress.StateTransferring
	StateFinalizing   = progress.StateFinalizing
	StateCompleted    = progress.StateCompleted
	StateAborted      = progress.StateAborted
	StateFailed       = progress.StateFailed
)

// Options configures a Session.
type Options struct {
	// LocalPath is the file to upload.
	LocalPath string
	// TargetPath is the object path at the remote store.
	TargetPath string
	// ChunkSize is the part size in bytes (default: constants.ChunkSize).
	ChunkSize int64
	// Concurrency is the number of parts in flight (default: constants.DefaultConcurrency).
	Concurrency int
	// Retry is the per-call retry policy. The zero value uses retry.DefaultPolicy.
	Retry retry.Policy
	// Sink observes progress. It is wrapped so that it never stalls the session.
	Sink progress.Sink
	Logger *logging.Logger
	// StorageType is recorded in the ledger for listing (e.g. "s3").
	StorageType string
	// MaxPartSize and MaxParts tighten the limits published by the store.
	MaxPartSize int64
	MaxParts    int
	// Source overrides the chunk reader. Defaults to a FileSource over LocalPath.
	Source source.Source
	// VerifyContent adds a content digest to the fingerprint, so a resume is
	// refused when the file was rewritten with the same size and mtime.
	VerifyContent bool
}

// Result is the outcome of Start.
type Result struct {
	State         State
	Location      string
	Handle        storage.SessionHandle
	BytesUploaded int64
	PartsUploaded int
	PartsSkipped  int
	Duration      time.Duration
}

// Snapshot is a point-in-time view of a session's progress.
type Snapshot struct {
	State      State
	BytesDone  int64
	BytesTotal int64
	PartsDone  int
	PartsTotal int
	// InFlight maps each part being uploaded to the attempts made so far.
	InFlight map[int]int
}

// Fraction returns the completed fraction in [0, 1].
func (s Snapshot) Fraction() float64 {
	if s.BytesTotal <= 0 {
		if s.State == StateCompleted {
			return 1
		}
		return 0
	}
	return float64(s.BytesDone) / float64(s.BytesTotal)
}

// Session uploads one file. A Session is single-use: Start runs at most once.
type Session struct {
	store  storage.RemoteStore
	ledger state.Ledger
	opts   Options
	limits storage.Limits
	policy retry.Policy
	log    *logging.Logger

	userSink progress.Sink
	sink     progress.Sink // async wrapper, set by Start

	state      atomic.Int32
	bytesDone  atomic.Int64
	bytesTotal atomic.Int64
	partsDone  atomic.Int64
	partsTotal atomic.Int64

	started    atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
	abortOnce  sync.Once

	mu        sync.Mutex
	stop      context.CancelFunc // cancels the running Start, nil before it
	delivered <-chan struct{}    // closed once the sink drained, nil before Start
	inFlight  map[int]*atomic.Int32

	reported int64 // bytes passed to the sink, coordinator only

	uploaded atomic.Int64
	parts    atomic.Int64
	skipped  int
}

// New validates opts and creates a session. No I/O happens until Start.
func New(store storage.RemoteStore, ledger state.Ledger, opts Options) (*Session, error) {
	if store == nil {
		return nil, invalidConfig("no remote store")
	}
	if ledger == nil {
		return nil, invalidConfig("no resume ledger")
	}
	if strings.TrimSpace(opts.LocalPath) == "" {
		return nil, invalidConfig("local path is empty")
	}
	if strings.TrimSpace(opts.TargetPath) == "" {
		return nil, invalidConfig("target path is empty")
	}
	abs, err := filepath.Abs(opts.LocalPath)
	if err != nil {
		return nil, invalidConfig("cannot resolve %s: %v", opts.LocalPath, err)
	}
	opts.LocalPath = abs

	switch {
	case opts.ChunkSize < 0:
		return nil, invalidConfig("chunk size must be positive, got %d", opts.ChunkSize)
	case opts.ChunkSize == 0:
		opts.ChunkSize = constants.ChunkSize
	}
	switch {
	case opts.Concurrency < 0 || opts.Concurrency > constants.MaxConcurrency:
		return nil, invalidConfig("concurrency must be between 1 and %d, got %d", constants.MaxConcurrency, opts.Concurrency)
	case opts.Concurrency == 0:
		opts.Concurrency = constants.DefaultConcurrency
	}

	policy := opts.Retry
	if policy == (retry.Policy{}) {
		policy = retry.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, &TransferError{Kind: KindInvalidConfiguration, State: StateInitializing, Err: err}
	}

	limits := storage.StoreLimits(store)
	if opts.MaxPartSize > 0 && (limits.MaxPartSize == 0 || opts.MaxPartSize < limits.MaxPartSize) {
		limits.MaxPartSize = opts.MaxPartSize
	}
	if opts.MaxParts > 0 && (limits.MaxParts == 0 || opts.MaxParts < limits.MaxParts) {
		limits.MaxParts = opts.MaxParts
	}
	if limits.MaxPartSize > 0 && opts.ChunkSize > limits.MaxPartSize {
		return nil, invalidConfig("chunk size %d exceeds the maximum part size %d", opts.ChunkSize, limits.MaxPartSize)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = progress.Nop{}
	}

	s := &Session{
		store:    store,
		ledger:   ledger,
		opts:     opts,
		limits:   limits,
		policy:   policy,
		userSink: sink,
		sink:     progress.Nop{},
		cancelCh: make(chan struct{}),
		log: logger.Child(func(c zerolog.Context) zerolog.Context {
			return c.Str("target", opts.TargetPath)
		}),
	}
	s.state.Store(int32(StateInitializing))
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Progress returns a snapshot of the transfer. Safe to call from any goroutine.
func (s *Session) Progress() Snapshot {
	snap := Snapshot{
		State:      s.State(),
		BytesDone:  s.bytesDone.Load(),
		BytesTotal: s.bytesTotal.Load(),
		PartsDone:  int(s.partsDone.Load()),
		PartsTotal: int(s.partsTotal.Load()),
	}
	s.mu.Lock()
	if len(s.inFlight) > 0 {
		snap.InFlight = make(map[int]int, len(s.inFlight))
		for idx, n := range s.inFlight {
			snap.InFlight[idx] = int(n.Load())
		}
	}
	s.mu.Unlock()
	return snap
}

// Delivered is closed once the sink has received every event of the session,
// the terminal one included. Start does not wait for it. Before Start the
// returned channel is already closed.
func (s *Session) Delivered() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.delivered
}

// Cancel stops dispatching new parts. Parts already in flight finish, then the
// remote upload is aborted and the session ends Aborted. The resume ledger is
// kept. Cancel is idempotent and has no effect once the session is terminal.
func (s *Session) Cancel() {
	if s.State().Terminal() {
		return
	}
	s.cancelOnce.Do(func() {
		s.log.Info().Msg("Upload cancellation requested")
		close(s.cancelCh)
	})
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()
}

// Start runs the session to a terminal state. The returned Result is never nil;
// the error is a *TransferError unless the session completed.
//
// Canceling ctx has the same effect as Cancel.
func (s *Session) Start(ctx context.Context) (*Result, error) {
	if !s.started.CompareAndSwap(false, true) {
		return &Result{State: s.State()}, &TransferError{
			Kind:  KindInvalidConfiguration,
			State: s.State(),
			Err:   fmt.Errorf("%w: session already started", storage.ErrInvalidConfiguration),
		}
	}

	async := progress.Async(s.userSink, constants.ProgressSinkBuffer)
	s.sink = async
	defer async.Close()

	// runCtx governs dispatch and retry waits. Remote calls already started
	// run on a detached context so cancellation never tears them down.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	s.mu.Lock()
	s.stop = stop
	s.delivered = async.Done()
	s.mu.Unlock()
	select {
	case <-s.cancelCh:
		stop()
	default:
	}

	start := time.Now()
	res := &Result{}
	err := s.run(runCtx, context.WithoutCancel(ctx), res)

	res.State = s.State()
	res.Duration = time.Since(start)
	res.BytesUploaded = s.uploaded.Load()
	res.PartsUploaded = int(s.parts.Load())
	res.PartsSkipped = s.skipped
	return res, err
}

func (s *Session) run(ctx, bg context.Context, res *Result) error {
	s.notifyState(StateInitializing)
	if ctx.Err() != nil {
		return s.abort(nil)
	}

	fp, err := s.fingerprint(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.abort(nil)
		}
		return s.fail(KindOf(err), 0, err)
	}
	plan, err := chunk.NewPlan(fp.Size, s.opts.ChunkSize, s.limits)
	if err != nil {
		return s.fail(KindInvalidConfiguration, 0, err)
	}
	s.bytesTotal.Store(plan.FileSize())
	s.partsTotal.Store(int64(plan.TotalChunks()))

	if plan.Empty() {
		return s.uploadEmpty(ctx, bg, res)
	}

	if locker, ok := s.ledger.(state.Locker); ok {
		unlock, err := locker.Lock(s.opts.LocalPath, s.opts.TargetPath)
		if err != nil {
			return s.fail(KindLedgerWriteFailure, 0, fmt.Errorf("%w: %v", storage.ErrLedgerWrite, err))
		}
		defer unlock()
	}

	handle, done, resumed, err := s.open(ctx, bg, fp, plan)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return s.abort(nil)
		}
		return s.fail(KindOf(err), 0, err)
	}
	res.Handle = handle
	progress.NotifySession(s.sink, handle)

	if ctx.Err() != nil {
		return s.abort(&handle)
	}

	src := s.opts.Source
	if src == nil {
		src = source.NewFileSource(s.opts.LocalPath, fp, plan.ChunkSize())
	}
	location, err := s.send(ctx, bg, handle, plan, src, done, resumed)
	if errors.Is(err, errSessionGone) {
		handle, done, err = s.restart(ctx, bg, fp, plan, handle)
		if err != nil {
			return err
		}
		res.Handle = handle
		location, err = s.send(ctx, bg, handle, plan, src, done, false)
	}
	if err != nil {
		return err
	}
	res.Location = location
	return nil
}

// errSessionGone reports that a resumed remote session no longer exists at
// the store. It never leaves the package.
var errSessionGone = errors.New("recorded remote session no longer exists")

func (s *Session) send(ctx, bg context.Context, handle storage.SessionHandle, plan *chunk.Plan, src source.Source, done map[int]string, resumed bool) (string, error) {
	if err := s.transfer(ctx, bg, handle, plan, src, done, resumed); err != nil {
		return "", err
	}
	return s.finalize(ctx, bg, handle, plan, done, resumed)
}

// restart replaces a resumed remote session that the store has forgotten,
// usually because an earlier canceled run aborted it. The parts recorded
// against it are dropped and the file is sent again under a new session.
// restart ends the session itself when it returns an error.
func (s *Session) restart(ctx, bg context.Context, fp source.Fingerprint, plan *chunk.Plan, gone storage.SessionHandle) (storage.SessionHandle, map[int]string, error) {
	s.log.Warn().Str("session_id", gone.RemoteSessionID).Msg("Recorded upload is gone from the remote store, starting over")

	if err := s.ledger.Clear(bg, gone); err != nil {
		return storage.SessionHandle{}, nil, s.fail(KindLedgerWriteFailure, 0, fmt.Errorf("%w: clear: %v", storage.ErrLedgerWrite, err))
	}
	s.bytesDone.Store(0)
	s.partsDone.Store(0)
	s.skipped = 0

	handle, done, _, err := s.open(ctx, bg, fp, plan)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return storage.SessionHandle{}, nil, s.abort(nil)
		}
		return storage.SessionHandle{}, nil, s.fail(KindOf(err), 0, err)
	}
	progress.NotifySession(s.sink, handle)
	if ctx.Err() != nil {
		return storage.SessionHandle{}, nil, s.abort(&handle)
	}
	return handle, done, nil
}

func (s *Session) fingerprint(ctx context.Context) (source.Fingerprint, error) {
	if s.opts.VerifyContent {
		return source.Digest(ctx, s.opts.LocalPath)
	}
	return source.Stat(s.opts.LocalPath)
}

// open reuses the recorded session for this file when it is still valid, or
// initiates a new one. It returns the indices already acknowledged and
// whether the handle came from the ledger.
func (s *Session) open(ctx, bg context.Context, fp source.Fingerprint, plan *chunk.Plan) (storage.SessionHandle, map[int]string, bool, error) {
	done := make(map[int]string)

	rec, err := s.ledger.Lookup(bg, s.opts.LocalPath, s.opts.TargetPath)
	if err != nil {
		return storage.SessionHandle{}, nil, false, fmt.Errorf("%w: lookup: %v", storage.ErrLedgerWrite, err)
	}
	if rec != nil {
		verr := rec.Validate(fp, plan.ChunkSize(), plan.TotalChunks())
		if verr != nil {
			s.discard(bg, rec, verr)
			rec = nil
		}
	}
	if rec != nil {
		parts, err := s.ledger.Load(bg, rec.Handle)
		if err != nil {
			return storage.SessionHandle{}, nil, false, fmt.Errorf("%w: load: %v", storage.ErrLedgerWrite, err)
		}
		for _, p := range parts {
			if p.Index >= 1 && p.Index <= plan.TotalChunks() && p.Token != "" {
				done[p.Index] = p.Token
			}
		}
		s.log.Info().
			Str("session_id", rec.Handle.RemoteSessionID).
			Int("done", len(done)).
			Int("total", plan.TotalChunks()).
			Msg("Resuming upload")
		return rec.Handle, done, true, nil
	}

	var id string
	err = s.controller(0).Attempt(ctx, "InitiateMultipart", func(actx context.Context) error {
		callCtx, cancel := detach(actx)
		defer cancel()
		var err error
		id, err = s.store.InitiateMultipart(callCtx, s.opts.TargetPath)
		return err
	})
	if err != nil {
		return storage.SessionHandle{}, nil, false, err
	}

	handle := storage.SessionHandle{
		RemoteSessionID: id,
		TargetPath:      s.opts.TargetPath,
		ChunkSize:       plan.ChunkSize(),
		TotalChunks:     plan.TotalChunks(),
	}
	now := time.Now().UTC()
	err = s.ledger.Begin(bg, state.SessionRecord{
		Handle:      handle,
		LocalPath:   s.opts.LocalPath,
		StorageType: s.opts.StorageType,
		Fingerprint: fp,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		// Nothing can resume this remote session.
		s.abortRemote(handle)
		if !errors.Is(err, storage.ErrLedgerWrite) {
			err = fmt.Errorf("%w: begin: %v", storage.ErrLedgerWrite, err)
		}
		return storage.SessionHandle{}, nil, false, err
	}
	s.log.Info().
		Str("session_id", id).
		Int("parts", plan.TotalChunks()).
		Int64("chunk_size", plan.ChunkSize()).
		Int("concurrency", s.opts.Concurrency).
		Msg("Started multipart upload")
	return handle, done, false, nil
}

// discard drops a resume record that can no longer be used. The old remote
// session is aborted directly, not through abortRemote, which is reserved for
// the session this run owns.
func (s *Session) discard(bg context.Context, rec *state.SessionRecord, reason error) {
	s.log.Warn().Err(reason).Str("session_id", rec.Handle.RemoteSessionID).Msg("Discarding resume state")

	ctx, cancel := context.WithTimeout(bg, constants.AbortTimeout)
	defer cancel()
	if err := s.store.AbortMultipart(ctx, rec.Handle.RemoteSessionID, rec.Handle.TargetPath); err != nil {
		s.log.Debug().Err(err).Msg("Stale multipart upload not aborted")
	}
	if err := s.ledger.Clear(bg, rec.Handle); err != nil {
		s.log.Warn().Err(err).Msg("Failed to clear stale resume state")
	}
}

type partJob struct {
	index    int
	attempts *atomic.Int32
}

type partResult struct {
	index    int
	token    string
	attempts int
	err      error
}

// transfer uploads every part not in done. It returns nil once done covers the
// whole plan, errSessionGone when a resumed session turns out to be gone, or
// the terminal error.
func (s *Session) transfer(ctx, bg context.Context, handle storage.SessionHandle, plan *chunk.Plan, src source.Source, done map[int]string, resumed bool) error {
	var pending []int
	var doneBytes int64
	for d := range plan.All() {
		if _, ok := done[d.Index]; ok {
			doneBytes += d.Length
			continue
		}
		pending = append(pending, d.Index)
	}
	s.skipped = len(done)
	s.bytesDone.Store(doneBytes)
	s.partsDone.Store(int64(len(done)))
	s.advance(plan.FileSize())
	if s.State() != StateTransferring {
		s.notifyState(StateTransferring)
	}

	workers := s.opts.Concurrency
	if workers > len(pending) {
		workers = len(pending)
	}
	jobs := make(chan partJob)
	results := make(chan partResult)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for job := range jobs {
				results <- s.uploadPart(ctx, bg, handle, plan, src, job)
			}
			return nil
		})
	}

	// inFlight maps a dispatched index to its attempt counter, which the
	// worker bumps. The map itself is only touched here, under s.mu.
	inFlight := make(map[int]*atomic.Int32, workers)
	s.mu.Lock()
	s.inFlight = inFlight
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = nil
		s.mu.Unlock()
	}()

	canceled := ctx.Done()
	stopping := false
	var fatal *partResult

	for (!stopping && len(pending) > 0) || len(inFlight) > 0 {
		var dispatch chan<- partJob
		var next partJob
		if !stopping && len(pending) > 0 && ctx.Err() == nil {
			dispatch = jobs
			next = partJob{index: pending[0], attempts: new(atomic.Int32)}
		}

		select {
		case dispatch <- next:
			pending = pending[1:]
			s.mu.Lock()
			inFlight[next.index] = next.attempts
			s.mu.Unlock()

		case r := <-results:
			s.mu.Lock()
			delete(inFlight, r.index)
			s.mu.Unlock()
			if r.err != nil {
				pending = append(pending, r.index)
				if ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
					continue
				}
				if fatal == nil {
					fatal = &r
					s.log.Error().Err(r.err).Int("index", r.index).Int("attempt", r.attempts).
						Msg("Part failed, stopping dispatch")
				}
				stopping = true
				continue
			}
			done[r.index] = r.token
			d, _ := plan.Descriptor(r.index)
			s.bytesDone.Add(d.Length)
			s.partsDone.Add(1)
			s.uploaded.Add(d.Length)
			s.parts.Add(1)
			s.advance(plan.FileSize())
			s.log.Debug().Int("index", r.index).Int("attempt", r.attempts).Msg("Part uploaded")

		case <-canceled:
			canceled = nil
			stopping = true
			s.log.Info().Int("in_flight", len(inFlight)).Int("pending", len(pending)).
				Msg("Stopping dispatch, waiting for parts in flight")
		}
	}
	close(jobs)
	_ = g.Wait()

	switch {
	case ctx.Err() != nil:
		return s.abort(&handle)
	case fatal != nil && resumed && errors.Is(fatal.err, storage.ErrNoSuchUpload):
		return errSessionGone
	case fatal != nil:
		return s.fail(KindOf(fatal.err), fatal.index, fatal.err)
	}
	return nil
}

// advance passes the bytes acknowledged since the last report to the sink.
// After a restart it stays silent until the new session passes what the
// sink was already told, so the sink never sees more than the file size.
func (s *Session) advance(total int64) {
	if done := s.bytesDone.Load(); done > s.reported {
		s.sink.OnAdvance(done-s.reported, total)
		s.reported = done
	}
}

// uploadPart reads and uploads one part, then records it durably. The chunk is
// read again on every attempt and released as soon as the attempt returns.
func (s *Session) uploadPart(ctx, bg context.Context, handle storage.SessionHandle, plan *chunk.Plan, src source.Source, job partJob) partResult {
	index := job.index
	d, err := plan.Descriptor(index)
	if err != nil {
		return partResult{index: index, err: fmt.Errorf("%w: %v", storage.ErrInvalidConfiguration, err)}
	}

	var token string
	op := fmt.Sprintf("UploadPart %d/%d", index, plan.TotalChunks())
	err = s.controller(index).Attempt(ctx, op, func(actx context.Context) error {
		job.attempts.Add(1)
		callCtx, cancel := detach(actx)
		defer cancel()

		c, err := src.Read(callCtx, d)
		if err != nil {
			return err
		}
		defer c.Release()

		token, err = s.store.UploadPart(callCtx, handle.RemoteSessionID, handle.TargetPath, index, c.Reader(), int64(c.Len()))
		if err == nil && token == "" {
			err = &storage.RemoteRejectedError{Err: fmt.Errorf("%s: empty completion token", op)}
		}
		return err
	})
	attempts := int(job.attempts.Load())
	if err != nil {
		return partResult{index: index, attempts: attempts, err: err}
	}

	if err := s.ledger.Record(bg, handle, storage.CompletedPart{Index: index, Token: token}); err != nil {
		if !errors.Is(err, storage.ErrLedgerWrite) {
			err = fmt.Errorf("%w: %v", storage.ErrLedgerWrite, err)
		}
		return partResult{index: index, attempts: attempts, err: err}
	}
	return partResult{index: index, token: token, attempts: attempts}
}

// finalize completes the multipart upload from the ledger's record of parts.
func (s *Session) finalize(ctx, bg context.Context, handle storage.SessionHandle, plan *chunk.Plan, done map[int]string, resumed bool) (string, error) {
	s.notifyState(StateFinalizing)

	recorded, err := s.ledger.Load(bg, handle)
	if err != nil {
		return "", s.fail(KindLedgerWriteFailure, 0, fmt.Errorf("%w: load: %v", storage.ErrLedgerWrite, err))
	}
	parts := make([]storage.CompletedPart, 0, plan.TotalChunks())
	for _, p := range recorded {
		if p.Index < 1 || p.Index > plan.TotalChunks() {
			continue
		}
		if tok, ok := done[p.Index]; !ok || tok != p.Token {
			return "", s.fail(KindLedgerWriteFailure, p.Index,
				fmt.Errorf("%w: ledger disagrees with the transfer on part %d", storage.ErrLedgerWrite, p.Index))
		}
		parts = append(parts, p)
	}
	if len(parts) != plan.TotalChunks() {
		return "", s.fail(KindLedgerWriteFailure, 0,
			fmt.Errorf("%w: ledger holds %d of %d parts", storage.ErrLedgerWrite, len(parts), plan.TotalChunks()))
	}
	parts = storage.SortParts(parts)

	var location string
	err = s.controller(0).Attempt(ctx, "CompleteMultipart", func(actx context.Context) error {
		callCtx, cancel := detach(actx)
		defer cancel()
		var err error
		location, err = s.store.CompleteMultipart(callCtx, handle.RemoteSessionID, handle.TargetPath, parts)
		return err
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return "", s.abort(&handle)
		}
		if resumed && errors.Is(err, storage.ErrNoSuchUpload) {
			return "", errSessionGone
		}
		// The remote session cannot be completed. Drop it rather than leave an
		// orphaned partial upload, and forget it locally.
		s.abortRemote(handle)
		if cerr := s.ledger.Clear(bg, handle); cerr != nil {
			s.log.Warn().Err(cerr).Msg("Failed to clear resume state")
		}
		return "", s.fail(KindOf(err), 0, err)
	}

	if err := s.ledger.Clear(bg, handle); err != nil {
		s.log.Warn().Err(err).Msg("Failed to clear resume state after completion")
	}
	s.complete(location)
	return location, nil
}

// uploadEmpty handles zero-length files, which have no parts. Stores that can
// write an object directly get a single empty PutObject; others get a
// multipart upload with one empty part.
func (s *Session) uploadEmpty(ctx, bg context.Context, res *Result) error {
	s.notifyState(StateTransferring)

	var location string
	if direct, ok := s.store.(storage.DirectUploader); ok {
		err := s.controller(0).Attempt(ctx, "PutObject", func(actx context.Context) error {
			callCtx, cancel := detach(actx)
			defer cancel()
			var err error
			location, err = direct.PutObject(callCtx, s.opts.TargetPath, bytes.NewReader(nil), 0)
			return err
		})
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return s.abort(nil)
			}
			return s.fail(KindOf(err), 0, err)
		}
		s.complete(location)
		res.Location = location
		return nil
	}

	var id string
	err := s.controller(0).Attempt(ctx, "InitiateMultipart", func(actx context.Context) error {
		callCtx, cancel := detach(actx)
		defer cancel()
		var err error
		id, err = s.store.InitiateMultipart(callCtx, s.opts.TargetPath)
		return err
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return s.abort(nil)
		}
		return s.fail(KindOf(err), 0, err)
	}
	handle := storage.SessionHandle{RemoteSessionID: id, TargetPath: s.opts.TargetPath, TotalChunks: 1}
	res.Handle = handle
	progress.NotifySession(s.sink, handle)

	var token string
	err = s.controller(1).Attempt(ctx, "UploadPart 1/1", func(actx context.Context) error {
		callCtx, cancel := detach(actx)
		defer cancel()
		var err error
		token, err = s.store.UploadPart(callCtx, id, s.opts.TargetPath, 1, bytes.NewReader(nil), 0)
		return err
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return s.abort(&handle)
		}
		s.abortRemote(handle)
		return s.fail(KindOf(err), 1, err)
	}

	s.notifyState(StateFinalizing)
	parts := []storage.CompletedPart{{Index: 1, Token: token}}
	err = s.controller(0).Attempt(ctx, "CompleteMultipart", func(actx context.Context) error {
		callCtx, cancel := detach(actx)
		defer cancel()
		var err error
		location, err = s.store.CompleteMultipart(callCtx, id, s.opts.TargetPath, parts)
		return err
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return s.abort(&handle)
		}
		s.abortRemote(handle)
		return s.fail(KindOf(err), 0, err)
	}
	s.complete(location)
	res.Location = location
	return nil
}

// controller returns a retry controller reporting retries of part index to
// the sink. index 0 is used for session-level calls.
func (s *Session) controller(index int) *retry.Controller {
	c := retry.NewController(s.policy)
	c.OnRetry = func(op string, attempt int, err error, wait time.Duration) {
		s.log.Warn().
			Str("op", op).
			Int("index", index).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("Retrying after transient failure")
		progress.NotifyRetry(s.sink, index, attempt, err)
	}
	return c
}

// abortRemote aborts the multipart upload at most once per session.
// Failures are logged only.
func (s *Session) abortRemote(handle storage.SessionHandle) {
	s.abortOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.AbortTimeout)
		defer cancel()
		if err := s.store.AbortMultipart(ctx, handle.RemoteSessionID, handle.TargetPath); err != nil {
			s.log.Warn().Err(err).Str("session_id", handle.RemoteSessionID).Msg("Failed to abort multipart upload")
			return
		}
		s.log.Info().Str("session_id", handle.RemoteSessionID).Msg("Aborted multipart upload")
	})
}

func (s *Session) notifyState(st State) {
	s.state.Store(int32(st))
	s.log.Debug().Str("state", st.String()).Msg("Upload state changed")
	progress.NotifyState(s.sink, st)
}

func (s *Session) complete(location string) {
	s.state.Store(int32(StateCompleted))
	s.log.Info().Str("location", location).Int64("bytes", s.bytesTotal.Load()).Msg("Upload completed")
	s.sink.OnTerminal(StateCompleted, nil)
}

func (s *Session) fail(kind Kind, index int, err error) error {
	te := &TransferError{Kind: kind, State: s.State(), Index: index, Err: err}
	s.state.Store(int32(StateFailed))
	s.log.Error().Err(err).Str("kind", kind.String()).Msg("Upload failed")
	s.sink.OnTerminal(StateFailed, te)
	return te
}

// abort ends a canceled session. handle is nil when no remote session exists yet.
func (s *Session) abort(handle *storage.SessionHandle) error {
	te := &TransferError{Kind: KindCanceled, State: s.State(), Err: storage.ErrCanceled}
	if handle != nil {
		s.abortRemote(*handle)
	}
	s.state.Store(int32(StateAborted))
	s.log.Info().Msg("Upload aborted")
	s.sink.OnTerminal(StateAborted, te)
	return te
}

// detach returns a context carrying ctx's values and deadline but not its
// cancellation, so a started remote call runs to completion or timeout.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(base, deadline)
	}
	return context.WithCancel(base)
}
