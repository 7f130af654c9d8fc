package relay

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/keanuklestil/quoin/internal/corerr"
	"github.com/keanuklestil/quoin/internal/filter"
	"github.com/keanuklestil/quoin/internal/negentropy"
	"github.com/keanuklestil/quoin/internal/wire"
)

// SyncOptions configures a bulk reconciliation session (spec §4.6).
type SyncOptions struct {
	DoUp     bool
	DoDown   bool
	Progress func(total, current int)
}

// Reconciliation is the aggregate outcome of one Sync call.
type Reconciliation struct {
	Local        int
	Remote       int
	Sent         int
	Received     int
	SendFailures int
}

type syncSession struct {
	subID      string
	reconciler *negentropy.Reconciler
	opts       SyncOptions

	mu               sync.Mutex
	haveQueue        [][32]byte
	needQueue        [][32]byte
	sent             int
	received         int
	sendFailures     int
	downloadInFlight bool
	upWG             sync.WaitGroup
	inFlightUp       int
	upPaused         bool

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func (s *syncSession) finish(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Sync opens a Negentropy reconciliation session against f and drives it to
// completion: upload missing local events, request missing remote events,
// and report an aggregate outcome.
func (e *Engine) Sync(ctx context.Context, f *filter.Filter, opts SyncOptions) (*Reconciliation, error) {
	storeItems, err := e.store.NegentropyItems(f)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindStorage, "negentropy_items", err)
	}
	items := make([]negentropy.Item, len(storeItems))
	for i, it := range storeItems {
		items[i] = negentropy.Item{ID: it.ID, Timestamp: it.Timestamp}
	}
	reconciler := negentropy.New(items, 16)
	initFrame, err := reconciler.Open()
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidJSON, "open negentropy frame", err)
	}

	subID := newSubID()
	sess := &syncSession{
		subID:      subID,
		reconciler: reconciler,
		opts:       opts,
		done:       make(chan struct{}),
	}
	e.negMu.Lock()
	e.negSessions[subID] = sess
	e.negMu.Unlock()
	defer func() {
		e.negMu.Lock()
		delete(e.negSessions, subID)
		e.negMu.Unlock()
	}()

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.NegentropyInitial)
	defer cancel()
	if err := e.Send(wire.NegOpenMsg{SubID: subID, Filter: f, InitialHexMsg: hex.EncodeToString(initFrame)}); err != nil {
		return nil, err
	}

	select {
	case <-sess.done:
	case <-probeCtx.Done():
		if ctx.Err() != nil {
			return nil, corerr.Wrap(corerr.KindTimeout, "sync cancelled", ctx.Err())
		}
		// Initial probe window elapsed without NEG-ERR/NOTICE: keep waiting
		// on the real session, no longer bounded by the probe timeout.
		select {
		case <-sess.done:
		case <-ctx.Done():
			return nil, corerr.Wrap(corerr.KindTimeout, "sync cancelled", ctx.Err())
		}
	}

	if sess.err != nil {
		return nil, sess.err
	}
	sess.mu.Lock()
	result := &Reconciliation{
		Local:        len(items),
		Sent:         sess.sent,
		Received:     sess.received,
		SendFailures: sess.sendFailures,
	}
	sess.mu.Unlock()
	return result, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// handleNegMsg feeds one NEG-MSG reply into the matching session's
// reconciler and advances the upload/download loops.
func (e *Engine) handleNegMsg(v wire.NegMsgReplyMsg) {
	e.negMu.Lock()
	sess := e.negSessions[v.SubID]
	e.negMu.Unlock()
	if sess == nil {
		return
	}
	frame, err := hex.DecodeString(v.HexMsg)
	if err != nil {
		sess.finish(corerr.Wrap(corerr.KindInvalidJSON, "decode NEG-MSG hex", err))
		return
	}
	res, err := sess.reconciler.Reconcile(frame)
	if err != nil {
		sess.finish(corerr.Wrap(corerr.KindInvalidJSON, "reconcile frame", err))
		return
	}

	sess.mu.Lock()
	sess.haveQueue = append(sess.haveQueue, res.HaveIDs...)
	sess.needQueue = append(sess.needQueue, res.NeedIDs...)
	sess.mu.Unlock()

	if res.Done {
		_ = e.Send(wire.NegCloseMsg{SubID: v.SubID})
		e.drainUploads(sess)
		sess.finish(nil)
		return
	}
	_ = e.Send(wire.NegMsgMsg{SubID: v.SubID, HexMsg: hex.EncodeToString(res.Reply)})
	e.pumpUpload(sess)
	e.pumpDownload(sess)
}

func (e *Engine) handleNegErr(v wire.NegErrMsg) {
	e.negMu.Lock()
	sess := e.negSessions[v.SubID]
	e.negMu.Unlock()
	if sess != nil {
		sess.finish(corerr.New(corerr.KindNegentropyUnsupported, v.Reason))
	}
}

// negNoticeCheck applies the heuristic support probe of spec §9: a NOTICE
// matching the "unknown command" pattern means Negentropy isn't supported.
// Never load-bearing once the protocol is broadly deployed.
func (e *Engine) negNoticeCheck(notice string) {
	if !negentropy.SupportProbeFailed(notice) {
		return
	}
	e.negMu.Lock()
	defer e.negMu.Unlock()
	for _, sess := range e.negSessions {
		sess.finish(corerr.New(corerr.KindNegentropyUnsupported, notice))
	}
}

// pumpUpload sends queued "have" ids as full events, gated by the
// high/low-water marks of spec §4.6/§6: it fills up to NegUpHighWater
// in-flight publishes, then pauses popping the queue until in-flight drops
// back to NegUpLowWater or below, at which point it resumes refilling
// toward the high-water cap. This hysteresis is what keeps a large backlog
// trickling out instead of bursting straight to the high-water ceiling on
// every completion.
func (e *Engine) pumpUpload(sess *syncSession) {
	if !sess.opts.DoUp {
		return
	}
	high := maxInt(e.cfg.NegUpHighWater, 1)
	low := e.cfg.NegUpLowWater
	for {
		sess.mu.Lock()
		if sess.upPaused {
			if sess.inFlightUp > low {
				sess.mu.Unlock()
				return
			}
			sess.upPaused = false
		}
		if len(sess.haveQueue) == 0 {
			sess.mu.Unlock()
			return
		}
		if sess.inFlightUp >= high {
			sess.upPaused = true
			sess.mu.Unlock()
			return
		}
		id := sess.haveQueue[0]
		sess.haveQueue = sess.haveQueue[1:]
		sess.inFlightUp++
		sess.upWG.Add(1)
		sess.mu.Unlock()

		go func(id [32]byte) {
			defer func() {
				sess.mu.Lock()
				sess.inFlightUp--
				sess.mu.Unlock()
				sess.upWG.Done()
				e.pumpUpload(sess)
			}()
			ev, err := e.store.EventByID(id)
			if err != nil {
				sess.mu.Lock()
				sess.sendFailures++
				sess.mu.Unlock()
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WaitForOKTimeout)
			defer cancel()
			if err := e.PublishEvent(ctx, ev); err != nil {
				sess.mu.Lock()
				sess.sendFailures++
				sess.mu.Unlock()
				return
			}
			sess.mu.Lock()
			sess.sent++
			sess.mu.Unlock()
		}(id)
	}
}

// drainUploads blocks until every in-flight upload (and anything still
// queued) finishes — called once reconciliation itself is Done.
func (e *Engine) drainUploads(sess *syncSession) {
	e.pumpUpload(sess)
	sess.upWG.Wait()
}

// pumpDownload requests the next batch of missing ids, if no download is
// already in flight.
func (e *Engine) pumpDownload(sess *syncSession) {
	if !sess.opts.DoDown {
		return
	}
	sess.mu.Lock()
	if sess.downloadInFlight || len(sess.needQueue) == 0 {
		sess.mu.Unlock()
		return
	}
	batchSize := e.cfg.NegDownBatchSize
	if batchSize <= 0 || batchSize > len(sess.needQueue) {
		batchSize = len(sess.needQueue)
	}
	batch := sess.needQueue[:batchSize]
	sess.needQueue = sess.needQueue[batchSize:]
	sess.downloadInFlight = true
	sess.mu.Unlock()

	ids := make([]string, len(batch))
	for i, id := range batch {
		ids[i] = hex.EncodeToString(id[:])
	}
	f := filter.New()
	f.IDs = ids
	subID := newSubID()
	go e.runDownloadBatch(sess, subID, f)
}

func (e *Engine) runDownloadBatch(sess *syncSession, subID string, f *filter.Filter) {
	ch, cancel := e.bus.Subscribe()
	defer cancel()
	if err := e.Send(wire.ReqMsg{SubID: subID, Filter: f}); err != nil {
		sess.mu.Lock()
		sess.downloadInFlight = false
		sess.mu.Unlock()
		return
	}
	timeout := time.NewTimer(e.cfg.WaitForOKTimeout)
	defer timeout.Stop()
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.SubID != subID {
				continue
			}
			switch n.Kind {
			case NotifyEvent:
				sess.mu.Lock()
				sess.received++
				sess.mu.Unlock()
			case NotifyEOSE:
				_ = e.Unsubscribe(subID)
				sess.mu.Lock()
				sess.downloadInFlight = false
				sess.mu.Unlock()
				e.pumpDownload(sess)
				return
			}
		case <-timeout.C:
			_ = e.Unsubscribe(subID)
			sess.mu.Lock()
			sess.downloadInFlight = false
			sess.mu.Unlock()
			return
		}
	}
}
