package harness

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tagcheck/internal/core"
	"tagcheck/internal/tracelog"
)

// Mode selects how a worker submits its batch.
type Mode string

const (
	// ModeBatch sends every request, ends the batch, then drains the
	// client's response stream.
	ModeBatch Mode = "batch"
	// ModeDirect issues one Call per request and awaits every future.
	ModeDirect Mode = "direct"
)

// RunWorker sends requestCount tagged requests through one client of sess,
// drains and verifies the responses, and returns the worker's result.
// Transport failures end up in WorkerResult.Err; mismatches and lost
// responses are counted without aborting the drain.
func (h *Harness) RunWorker(ctx context.Context, sess core.Session, workerID string, requestCount int) WorkerResult {
	return h.runWorker(ctx, sess, workerID, requestCount, ModeBatch)
}

func (h *Harness) runWorker(ctx context.Context, sess core.Session, workerID string, n int, mode Mode) (res WorkerResult) {
	res = WorkerResult{WorkerID: workerID, SessionID: sess.ID(), Expected: n}
	if n < 0 {
		res.Err = fmt.Errorf("request count %d is negative", n)
		return res
	}

	start := h.clock.Now()
	log := h.log.With(zap.String("worker", workerID), zap.String("session", sess.ID()))
	v := &verifier{
		h:         h,
		sessionID: sess.ID(),
		workerID:  workerID,
		start:     start,
		pending:   make(map[string]time.Time, n),
	}
	defer func() {
		v.finish(&res)
		res.Duration = h.clock.Since(start)
		if res.OK() {
			log.Info("worker finished", zap.Int("received", res.Received), zap.Duration("duration", res.Duration))
		} else {
			log.Warn("worker failed",
				zap.Int("received", res.Received),
				zap.Int("expected", res.Expected),
				zap.Int("mismatches", res.Mismatches),
				zap.Error(res.Err))
		}
	}()

	client, err := sess.NewClient(ctx, workerID)
	if err != nil {
		res.Err = fmt.Errorf("create broker client: %w", err)
		return res
	}
	defer client.Close()

	log.Debug("sending requests", zap.Int("count", n), zap.String("mode", string(mode)))
	if mode == ModeDirect {
		res.Err = h.runDirect(ctx, client, v, n)
	} else {
		res.Err = h.runBatch(ctx, client, v, n)
	}
	return res
}

func (h *Harness) runBatch(ctx context.Context, client core.Client, v *verifier, n int) error {
	for i := 0; i < n; i++ {
		req, err := h.prepare(ctx, v, i)
		if err != nil {
			return err
		}
		if err := client.SendRequest(ctx, req); err != nil {
			return fmt.Errorf("send request %s: %w", req.Tag, err)
		}
	}
	if err := client.EndRequests(ctx); err != nil {
		return fmt.Errorf("end requests: %w", err)
	}

	dctx, cancel := h.drainContext(ctx)
	defer cancel()
	for resp, err := range client.Responses(dctx) {
		if err != nil {
			return h.drainError(ctx, v, err)
		}
		v.verify(resp)
	}
	return nil
}

func (h *Harness) runDirect(ctx context.Context, client core.Client, v *verifier, n int) error {
	futures := make([]*core.Future, 0, n)
	for i := 0; i < n; i++ {
		req, err := h.prepare(ctx, v, i)
		if err != nil {
			return err
		}
		futures = append(futures, client.Call(ctx, req))
	}

	// Every future shares one drain deadline. A failed or lost call leaves
	// its key outstanding and the remaining futures are still verified.
	dctx, cancel := h.drainContext(ctx)
	defer cancel()
	var firstErr error
	for _, f := range futures {
		resp, err := f.Await(dctx)
		if err != nil {
			if firstErr == nil && !errors.Is(err, dctx.Err()) {
				firstErr = fmt.Errorf("call: %w", err)
			}
			continue
		}
		v.verify(resp)
	}
	if firstErr != nil {
		return firstErr
	}
	if err := dctx.Err(); err != nil && len(v.pending) > 0 {
		return h.drainError(ctx, v, err)
	}
	return nil
}

// prepare paces and registers request i before it is sent.
func (h *Harness) prepare(ctx context.Context, v *verifier, i int) (core.Request, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return core.Request{}, fmt.Errorf("pacing request %d: %w", i, err)
		}
	}
	key := NewKey(i, v.workerID)
	v.sent(key)
	return core.Request{Payload: strconv.Itoa(i), Tag: key.String()}, nil
}

func (h *Harness) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.drainTimeout > 0 {
		return context.WithTimeout(ctx, h.drainTimeout)
	}
	return context.WithCancel(ctx)
}

// drainError distinguishes the harness's own drain deadline from caller
// cancellation and transport faults.
func (h *Harness) drainError(parent context.Context, v *verifier, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		h.trace.Record(v.sessionID, tracelog.SessionFinishedByTimeout, v.workerID)
		return fmt.Errorf("%w after %v: %d of %d responses outstanding",
			ErrDrainTimeout, h.drainTimeout, len(v.pending), len(v.pending)+v.consumed)
	}
	return fmt.Errorf("drain responses: %w", err)
}

// verifier tracks the keys a worker has sent and checks each response
// against them. Owned by a single worker goroutine.
type verifier struct {
	h         *Harness
	sessionID string
	workerID  string
	start     time.Time

	pending    map[string]time.Time
	consumed   int
	received   int
	mismatches int
	first      time.Duration
}

func (v *verifier) sent(k CorrelationKey) {
	tag := k.String()
	v.pending[tag] = v.h.clock.Now()
	v.h.trace.Record(v.sessionID, tracelog.FrontEndRequestReceived, tag, v.workerID)
}

func (v *verifier) verify(resp core.Response) {
	now := v.h.clock.Now()
	v.received++
	if v.received == 1 {
		v.first = now.Sub(v.start)
	}
	v.h.trace.Record(v.sessionID, tracelog.FrontEndResponseSent, resp.Tag, v.workerID)

	latency, reason := v.check(resp, now)
	event := core.Event{
		WorkerID:  v.workerID,
		SessionID: v.sessionID,
		Key:       resp.Tag,
		Timestamp: now,
		Step:      core.StepResponse,
		Duration:  latency,
		Success:   reason == "",
		Error:     reason,
	}
	if reason != "" {
		v.mismatches++
		event.Step = core.StepMismatch
		v.h.log.Debug("response mismatch",
			zap.String("worker", v.workerID),
			zap.String("tag", resp.Tag),
			zap.String("result", resp.Result),
			zap.String("reason", reason))
	}
	v.h.reporter.Report(event)
}

// check returns the send-to-receive latency and, for a bad response, the
// reason it failed verification.
func (v *verifier) check(resp core.Response, now time.Time) (time.Duration, string) {
	if resp.Fault != "" {
		return 0, "remote fault: " + resp.Fault
	}
	key, err := ParseKey(resp.Tag)
	if err != nil {
		return 0, err.Error()
	}
	if key.WorkerID != v.workerID {
		return 0, fmt.Sprintf("tag %q belongs to worker %q", resp.Tag, key.WorkerID)
	}
	sentAt, ok := v.pending[resp.Tag]
	if !ok {
		return 0, fmt.Sprintf("tag %q is not outstanding", resp.Tag)
	}
	delete(v.pending, resp.Tag)
	v.consumed++
	latency := now.Sub(sentAt)
	if marker := echoMarker(resp.Result); marker != strconv.Itoa(key.Seq) {
		return latency, fmt.Sprintf("result %q does not echo sequence %d", resp.Result, key.Seq)
	}
	return latency, ""
}

func (v *verifier) finish(res *WorkerResult) {
	res.Received = v.received
	res.Mismatches = v.mismatches
	res.Outstanding = len(v.pending)
	res.FirstResponse = v.first
}
