package voice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxctl/internal/observe"
	"github.com/MrWong99/voxctl/pkg/provider"
	"github.com/MrWong99/voxctl/pkg/provider/tts"
	"github.com/MrWong99/voxctl/pkg/types"
)

// utterance is the item currently handed to the synthesis engine.
type utterance struct {
	item    QueueItem
	started bool
	paused  bool
	span    trace.Span
}

// PlayResponse speaks text, or queues it behind the in-flight utterance. A
// nil error means "accepted for processing", not "played". Empty text, a
// missing synthesis capability, an active recording and admission denials
// are refused without any state change or event.
//
// The governor session for synthesis covers one speaking span: it opens when
// the controller leaves Idle and closes when the queue drains, playback is
// stopped, or a recording takes over.
func (c *Controller) PlayResponse(text string) error {
	ctx := context.Background()
	c.mu.Lock()
	defer c.unlock()

	switch {
	case c.closed:
		return ErrClosed
	case strings.TrimSpace(text) == "":
		return ErrEmptyText
	case !c.caps.CanSpeak():
		c.metrics.RecordAdmission(ctx, string(types.OperationTTS), "unavailable")
		return ErrCapabilityUnavailable
	case c.rec != nil:
		return ErrRecordingActive
	}

	quota := c.limiter.Check(types.OperationTTS, c.user.ID)
	if !quota.Allowed {
		c.metrics.RecordAdmission(ctx, string(types.OperationTTS), "rate_limited")
		return fmt.Errorf("%w: %s limit, retry after %s", ErrRateLimited, quota.Tier, quota.RetryAfter.Round(time.Millisecond))
	}

	item := QueueItem{ID: c.newID(), Text: text, EnqueueTime: c.now()}
	if c.utt != nil {
		c.metrics.RecordAdmission(ctx, string(types.OperationTTS), "queued")
		c.enqueueLocked(item)
		return nil
	}

	id, err := c.gov.StartSession(types.OperationTTS, c.user.ID)
	if err != nil {
		c.limiter.Refund(types.OperationTTS, c.user.ID, quota)
		c.metrics.RecordAdmission(ctx, string(types.OperationTTS), "resource_exhausted")
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	c.metrics.RecordAdmission(ctx, string(types.OperationTTS), "admitted")
	c.ttsSession = id
	c.ttsFailed = false
	c.held = false

	if len(c.queue) > 0 {
		// Resume a held queue from its head.
		c.enqueueLocked(item)
		c.advanceLocked()
		return nil
	}
	c.speakLocked(item)
	return nil
}

func (c *Controller) enqueueLocked(item QueueItem) {
	c.queue = append(c.queue, item)
	c.metrics.QueueDepth.Add(context.Background(), 1)
	c.emitLocked(EventSpeechQueued, SpeechPayload{Text: item.Text})
}

// speakLocked commits to item: it becomes the in-flight utterance,
// [EventSpeechStarted] is emitted and the engine call is queued.
func (c *Controller) speakLocked(item QueueItem) {
	s := c.store.Current()
	u := tts.Utterance{
		ID:       item.ID,
		Text:     item.Text,
		Rate:     s.SpeechRate,
		Pitch:    s.SpeechPitch,
		Volume:   s.SpeechVolume,
		Language: s.Language,
		Voice:    s.VoiceName,
	}
	if v, ok := tts.ResolveVoice(c.voices, s.VoiceName, s.Language); ok {
		u.Voice = v.Name
	}

	run := &utterance{item: item}
	_, run.span = observe.StartVoiceSpan(context.Background(), "voice.speak", string(types.OperationTTS), c.ttsSession)
	c.utt = run
	c.emitLocked(EventSpeechStarted, SpeechPayload{Text: item.Text})

	h := tts.Handler{
		OnStart: func() { c.onSpeechStart(run) },
		OnEnd:   func() { c.onSpeechEnd(run) },
		OnError: func(err error) { c.onSpeechError(run, err) },
	}
	c.post(func() {
		if err := c.synth.Speak(u, h); err != nil {
			c.onSpeechError(run, err)
		}
	})
}

// advanceLocked speaks the queue head, or ends the speaking span when the
// queue is empty or held.
func (c *Controller) advanceLocked() {
	if c.held || len(c.queue) == 0 {
		outcome := types.OutcomeSuccess
		if c.ttsFailed {
			outcome = types.OutcomeError
		}
		c.endSpeakingLocked(outcome)
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.metrics.QueueDepth.Add(context.Background(), -1)
	c.speakLocked(next)
}

func (c *Controller) endSpeakingLocked(outcome types.Outcome) {
	if c.ttsSession == "" {
		return
	}
	c.gov.EndSession(c.ttsSession, outcome)
	c.ttsSession = ""
}

func (c *Controller) dropUtteranceLocked(run *utterance, outcome types.Outcome) {
	if run.span != nil {
		observe.EndVoiceSpan(run.span, string(outcome))
	}
	if c.utt == run {
		c.utt = nil
	}
}

func (c *Controller) onSpeechStart(run *utterance) {
	c.mu.Lock()
	defer c.unlock()
	if c.utt != run {
		return
	}
	run.started = true
}

func (c *Controller) onSpeechEnd(run *utterance) {
	c.mu.Lock()
	defer c.unlock()
	if c.utt != run {
		return
	}
	c.dropUtteranceLocked(run, types.OutcomeSuccess)
	c.emitLocked(EventSpeechEnded, SpeechPayload{Text: run.item.Text})
	c.advanceLocked()
}

func (c *Controller) onSpeechError(run *utterance, err error) {
	c.mu.Lock()
	defer c.unlock()
	if c.utt != run {
		return
	}
	if provider.IsCanceled(err) {
		// Cancelled by the host, not by us: treat like an interrupt.
		c.dropUtteranceLocked(run, types.OutcomeAborted)
		c.held = true
		c.emitLocked(EventSpeechInterrupted, nil)
		c.endSpeakingLocked(types.OutcomeAborted)
		return
	}

	c.dropUtteranceLocked(run, types.OutcomeError)
	cat := provider.Classify(err)
	if cat == types.ErrorUnknown {
		cat = types.ErrorSynthesisFailed
	}
	c.ttsFailed = true
	c.emitErrorLocked(types.OperationTTS, cat, err)
	c.emitLocked(EventSpeechEnded, SpeechPayload{Text: run.item.Text})
	c.advanceLocked()
}

// PausePlayback pauses the in-flight utterance. No-op when not speaking.
func (c *Controller) PausePlayback() {
	c.mu.Lock()
	defer c.unlock()
	if c.utt == nil || c.utt.paused {
		return
	}
	c.utt.paused = true
	c.post(c.synth.Pause)
}

// ResumePlayback resumes a paused utterance. No-op when not paused.
func (c *Controller) ResumePlayback() {
	c.mu.Lock()
	defer c.unlock()
	if c.utt == nil || !c.utt.paused {
		return
	}
	c.utt.paused = false
	c.post(c.synth.Resume)
}

// StopPlayback cancels the in-flight utterance and emits [EventSpeechEnded].
// Pending items stay queued but held until the next PlayResponse. No-op when
// not speaking.
func (c *Controller) StopPlayback() {
	c.mu.Lock()
	defer c.unlock()
	run := c.utt
	if run == nil {
		return
	}
	c.dropUtteranceLocked(run, types.OutcomeAborted)
	c.held = true
	c.emitLocked(EventSpeechEnded, SpeechPayload{Text: run.item.Text})
	c.endSpeakingLocked(types.OutcomeAborted)
	c.post(c.synth.Cancel)
}

// ClearQueue discards every pending item and returns how many were dropped.
// The in-flight utterance is not affected.
func (c *Controller) ClearQueue() int {
	c.mu.Lock()
	defer c.unlock()
	return c.clearQueueLocked()
}

func (c *Controller) clearQueueLocked() int {
	n := len(c.queue)
	c.queue = nil
	c.held = false
	if n == 0 {
		return 0
	}
	c.metrics.QueueDepth.Add(context.Background(), -int64(n))
	c.emitLocked(EventQueueCleared, QueuePayload{Count: n})
	return n
}
