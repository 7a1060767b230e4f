package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxctl/internal/observe"
	"github.com/MrWong99/voxctl/pkg/provider"
	"github.com/MrWong99/voxctl/pkg/provider/stt"
	"github.com/MrWong99/voxctl/pkg/types"
)

// recording is one admitted recording. It may span several engine attempts
// when network errors are retried; all of them share the governor session.
type recording struct {
	sessionID string
	cfg       stt.Config
	att       *attempt
	started   bool
	stopping  bool
	finals    []string
	confSum   float64
	finalSent bool
	retries   int
	retry     *time.Timer
	deadline  *time.Timer
	span      trace.Span
}

// attempt is one engine recognition instance. Each attempt feeds exactly one
// result into the circuit breaker.
type attempt struct {
	recog   stt.Recognition
	settled bool
}

// StartRecording admits and starts a recording. Admission requires the
// recognition capability, a closed circuit breaker, rate limiter approval and
// a free governor slot; a refusal returns an error and changes nothing. When
// speaking, the in-flight utterance is interrupted and its governor slot is
// handed over to the recording. Engine confirmation arrives later as
// [EventRecordingStarted].
func (c *Controller) StartRecording() error {
	ctx := context.Background()
	c.mu.Lock()
	defer c.unlock()

	switch {
	case c.closed:
		return ErrClosed
	case !c.caps.CanRecord():
		c.metrics.RecordAdmission(ctx, string(types.OperationSTT), "unavailable")
		return ErrCapabilityUnavailable
	case c.rec != nil:
		return ErrAlreadyRecording
	}

	if err := c.breaker.Allow(); err != nil {
		c.metrics.RecordAdmission(ctx, string(types.OperationSTT), "circuit_open")
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	quota := c.limiter.Check(types.OperationSTT, c.user.ID)
	if !quota.Allowed {
		c.breaker.Release()
		c.metrics.RecordAdmission(ctx, string(types.OperationSTT), "rate_limited")
		return fmt.Errorf("%w: %s limit, retry after %s", ErrRateLimited, quota.Tier, quota.RetryAfter.Round(time.Millisecond))
	}

	s := c.store.Current()
	run := &recording{cfg: stt.Config{
		Language:        s.Language,
		Continuous:      s.ContinuousRecognition,
		InterimResults:  s.InterimResults,
		MaxAlternatives: s.MaxAlternatives,
	}}
	att, err := c.newAttemptLocked(run)
	if err != nil {
		c.breaker.Release()
		c.limiter.Refund(types.OperationSTT, c.user.ID, quota)
		return fmt.Errorf("voice: create recognition: %w", err)
	}

	var sessionID string
	if c.utt != nil {
		sessionID, err = c.gov.Handover(c.ttsSession, types.OutcomeAborted, types.OperationSTT, c.user.ID)
	} else {
		sessionID, err = c.gov.StartSession(types.OperationSTT, c.user.ID)
	}
	if err != nil {
		c.breaker.Release()
		c.limiter.Refund(types.OperationSTT, c.user.ID, quota)
		c.metrics.RecordAdmission(ctx, string(types.OperationSTT), "resource_exhausted")
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	c.metrics.RecordAdmission(ctx, string(types.OperationSTT), "admitted")

	if u := c.utt; u != nil {
		// The TTS session was closed by the handover.
		c.ttsSession = ""
		c.dropUtteranceLocked(u, types.OutcomeAborted)
		c.held = true
		c.emitLocked(EventSpeechInterrupted, nil)
		c.post(c.synth.Cancel)
	}

	run.sessionID = sessionID
	_, run.span = observe.StartVoiceSpan(ctx, "voice.record", string(types.OperationSTT), sessionID)
	c.rec = run
	if maxDur := c.cfg.MaxRecordingDuration; maxDur > 0 {
		run.deadline = time.AfterFunc(maxDur, func() { c.onRecordingDeadline(run) })
	}
	c.launchLocked(run, att)
	return nil
}

// StopRecording asks the engine to stop. It is a no-op when not recording.
// [EventRecordingStopped] follows once the engine ends.
func (c *Controller) StopRecording() {
	c.mu.Lock()
	defer c.unlock()

	run := c.rec
	if c.closed || run == nil || run.stopping {
		return
	}
	run.stopping = true
	if run.att == nil {
		// Waiting to retry: nothing is listening.
		c.finishRecordingLocked(run, types.OutcomeAborted)
		return
	}
	c.post(run.att.recog.Stop)
}

func (c *Controller) newAttemptLocked(run *recording) (*attempt, error) {
	att := &attempt{}
	recog, err := c.recognizer.NewRecognition(run.cfg, stt.Handler{
		OnStart:  func() { c.onRecognitionStart(run, att) },
		OnResult: func(r stt.Result) { c.onRecognitionResult(run, att, r) },
		OnError:  func(err error) { c.onRecognitionError(run, att, err) },
		OnEnd:    func() { c.onRecognitionEnd(run, att) },
	})
	if err != nil {
		return nil, err
	}
	att.recog = recog
	return att, nil
}

func (c *Controller) launchLocked(run *recording, att *attempt) {
	run.att = att
	c.post(func() {
		if err := att.recog.Start(); err != nil {
			c.onRecognitionError(run, att, err)
		}
	})
}

// liveLocked reports whether callbacks of att still matter.
func (c *Controller) liveLocked(run *recording, att *attempt) bool {
	return c.rec == run && run.att == att && !att.settled
}

// settleLocked feeds the attempt's result into the breaker exactly once.
func (c *Controller) settleLocked(att *attempt, err error) {
	if att == nil || att.settled {
		return
	}
	att.settled = true
	c.breaker.Record(err)
}

// abortAttemptLocked aborts the live engine instance of run, if any.
func (c *Controller) abortAttemptLocked(run *recording) {
	att := run.att
	if att == nil || att.settled {
		return
	}
	c.settleLocked(att, nil)
	c.post(att.recog.Abort)
}

func (c *Controller) onRecognitionStart(run *recording, att *attempt) {
	c.mu.Lock()
	defer c.unlock()
	if !c.liveLocked(run, att) || run.started {
		return
	}
	run.started = true
	c.emitLocked(EventRecordingStarted, nil)
	c.announceLocked("Listening.", PriorityPolite)
}

func (c *Controller) onRecognitionResult(run *recording, att *attempt, r stt.Result) {
	c.mu.Lock()
	defer c.unlock()
	if !c.liveLocked(run, att) {
		return
	}
	switch {
	case !r.Final:
		if run.cfg.InterimResults && r.Transcript != "" {
			c.emitLocked(EventInterimResult, TranscriptPayload{Transcript: r.Transcript})
		}
	case run.cfg.Continuous:
		if t := strings.TrimSpace(r.Transcript); t != "" {
			run.finals = append(run.finals, t)
			run.confSum += r.Confidence
		}
	case !run.finalSent:
		run.finalSent = true
		c.emitLocked(EventFinalResult, FinalPayload{Transcript: r.Transcript, Confidence: r.Confidence})
	}
}

func (c *Controller) onRecognitionError(run *recording, att *attempt, err error) {
	c.mu.Lock()
	defer c.unlock()
	if !c.liveLocked(run, att) {
		return
	}

	cat := provider.Classify(err)
	if run.stopping && cat == types.ErrorAborted {
		// Our own stop, reported as an abort.
		c.settleLocked(att, nil)
		c.finishRecordingLocked(run, types.OutcomeSuccess)
		return
	}

	if cat != types.ErrorNetwork {
		c.settleLocked(att, nil)
		c.failRecordingLocked(run, cat, err)
		return
	}

	c.settleLocked(att, err)
	if run.stopping || run.retries >= c.cfg.NetworkRetries {
		c.failRecordingLocked(run, cat, err)
		return
	}
	run.att = nil
	run.retries++
	delay := c.cfg.RetryBackoff.Delay(run.retries)
	c.post(att.recog.Abort)
	run.retry = time.AfterFunc(delay, func() { c.retryRecording(run) })
	slog.Info("voice: retrying recognition after network error",
		"session_id", run.sessionID,
		"attempt", run.retries,
		"delay", delay,
		"err", err,
	)
}

func (c *Controller) retryRecording(run *recording) {
	c.mu.Lock()
	defer c.unlock()
	if c.rec != run || run.att != nil {
		return
	}
	if err := c.breaker.Allow(); err != nil {
		c.failRecordingLocked(run, types.ErrorNetwork, fmt.Errorf("%w: %w", ErrEngineUnavailable, err))
		return
	}
	att, err := c.newAttemptLocked(run)
	if err != nil {
		c.breaker.Release()
		c.failRecordingLocked(run, provider.Classify(err), fmt.Errorf("voice: create recognition: %w", err))
		return
	}
	c.launchLocked(run, att)
}

func (c *Controller) onRecognitionEnd(run *recording, att *attempt) {
	c.mu.Lock()
	defer c.unlock()
	if !c.liveLocked(run, att) {
		return
	}
	c.settleLocked(att, nil)
	c.finishRecordingLocked(run, types.OutcomeSuccess)
}

func (c *Controller) onRecordingDeadline(run *recording) {
	c.mu.Lock()
	defer c.unlock()
	if c.rec != run {
		return
	}
	c.abortAttemptLocked(run)
	c.emitErrorLocked(types.OperationSTT, types.ErrorTimeout,
		fmt.Errorf("voice: recording exceeded %s", c.cfg.MaxRecordingDuration))
	c.finishRecordingLocked(run, types.OutcomeError)
}

// failRecordingLocked surfaces err and ends the recording. Benign categories
// end it as aborted.
func (c *Controller) failRecordingLocked(run *recording, cat types.ErrorCategory, err error) {
	c.emitErrorLocked(types.OperationSTT, cat, err)
	outcome := types.OutcomeError
	if cat.Benign() {
		outcome = types.OutcomeAborted
	}
	c.finishRecordingLocked(run, outcome)
}

// finishRecordingLocked flushes a pending continuous transcript, emits
// [EventRecordingStopped] and releases the governor session.
func (c *Controller) finishRecordingLocked(run *recording, outcome types.Outcome) {
	if run.retry != nil {
		run.retry.Stop()
	}
	if run.deadline != nil {
		run.deadline.Stop()
	}
	if run.cfg.Continuous && len(run.finals) > 0 && !run.finalSent {
		run.finalSent = true
		c.emitLocked(EventFinalResult, FinalPayload{
			Transcript: strings.Join(run.finals, " "),
			Confidence: run.confSum / float64(len(run.finals)),
		})
	}
	c.emitLocked(EventRecordingStopped, nil)
	c.announceLocked("Recording stopped.", PriorityPolite)

	c.gov.EndSession(run.sessionID, outcome)
	if run.span != nil {
		observe.EndVoiceSpan(run.span, string(outcome))
	}
	c.rec = nil
}
