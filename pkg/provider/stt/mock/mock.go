// Package mock provides test doubles for the stt package interfaces.
//
// Use Recognizer to verify the Config a caller builds from its settings, and
// the Recognition instances it hands out to drive engine callbacks by hand.
//
// Example:
//
//	rec := &mock.Recognizer{AutoStart: true}
//	// ... caller starts a recording ...
//	r := rec.Last()
//	r.EmitResult(stt.Result{Transcript: "hello", Final: true, Confidence: 0.9})
//	r.EmitEnd()
package mock

import (
	"sync"

	"github.com/MrWong99/voxctl/pkg/provider/stt"
)

// NewRecognitionCall records a single invocation of Recognizer.NewRecognition.
type NewRecognitionCall struct {
	// Cfg is the Config passed to NewRecognition.
	Cfg stt.Config
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// NewRecognitionErr, if non-nil, is returned as the error from NewRecognition.
	NewRecognitionErr error

	// StartErr, if non-nil, is copied into every Recognition created.
	StartErr error

	// AutoStart makes Recognition.Start fire OnStart synchronously.
	AutoStart bool

	// EndOnStop makes Recognition.Stop and Recognition.Abort fire OnEnd
	// synchronously, the way most engines eventually do.
	EndOnStop bool

	// NewRecognitionCalls records every call to NewRecognition.
	NewRecognitionCalls []NewRecognitionCall

	// Recognitions holds every instance created, in order.
	Recognitions []*Recognition
}

// NewRecognition records the call and returns a new Recognition wired to h.
func (r *Recognizer) NewRecognition(cfg stt.Config, h stt.Handler) (stt.Recognition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.NewRecognitionCalls = append(r.NewRecognitionCalls, NewRecognitionCall{Cfg: cfg})
	if r.NewRecognitionErr != nil {
		return nil, r.NewRecognitionErr
	}
	rec := &Recognition{
		Cfg:       cfg,
		handler:   h,
		StartErr:  r.StartErr,
		AutoStart: r.AutoStart,
		EndOnStop: r.EndOnStop,
	}
	r.Recognitions = append(r.Recognitions, rec)
	return rec, nil
}

// Last returns the most recently created Recognition, or nil.
func (r *Recognizer) Last() *Recognition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Recognitions) == 0 {
		return nil
	}
	return r.Recognitions[len(r.Recognitions)-1]
}

// Count returns the number of Recognition instances created.
func (r *Recognizer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Recognitions)
}

// Reset clears all recorded calls and instances.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.NewRecognitionCalls = nil
	r.Recognitions = nil
}

// Ensure Recognizer implements stt.Recognizer at compile time.
var _ stt.Recognizer = (*Recognizer)(nil)

// Recognition is a mock implementation of stt.Recognition. Its Emit* helpers
// invoke the handler the caller registered, outside the mock's lock.
type Recognition struct {
	mu sync.Mutex

	handler stt.Handler

	// Cfg is the Config the instance was created with.
	Cfg stt.Config

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// SetLanguageErr, if non-nil, is returned by SetLanguage.
	SetLanguageErr error

	// AutoStart makes Start fire OnStart synchronously.
	AutoStart bool

	// EndOnStop makes Stop and Abort fire OnEnd synchronously.
	EndOnStop bool

	// --- Call records ---

	StartCallCount int
	StopCallCount  int
	AbortCallCount int

	// SetLanguageCalls records every language passed to SetLanguage.
	SetLanguageCalls []string
}

// Start records the call and returns StartErr.
func (r *Recognition) Start() error {
	r.mu.Lock()
	r.StartCallCount++
	err, auto := r.StartErr, r.AutoStart
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		r.EmitStart()
	}
	return nil
}

// Stop records the call.
func (r *Recognition) Stop() {
	r.mu.Lock()
	r.StopCallCount++
	end := r.EndOnStop
	r.mu.Unlock()
	if end {
		r.EmitEnd()
	}
}

// Abort records the call.
func (r *Recognition) Abort() {
	r.mu.Lock()
	r.AbortCallCount++
	end := r.EndOnStop
	r.mu.Unlock()
	if end {
		r.EmitEnd()
	}
}

// SetLanguage records the call and returns SetLanguageErr.
func (r *Recognition) SetLanguage(language string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SetLanguageCalls = append(r.SetLanguageCalls, language)
	return r.SetLanguageErr
}

// Calls returns a snapshot of the Start, Stop and Abort call counts.
func (r *Recognition) Calls() (start, stop, abort int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StartCallCount, r.StopCallCount, r.AbortCallCount
}

// EmitStart fires the OnStart callback.
func (r *Recognition) EmitStart() {
	if r.handler.OnStart != nil {
		r.handler.OnStart()
	}
}

// EmitResult fires the OnResult callback with res.
func (r *Recognition) EmitResult(res stt.Result) {
	if r.handler.OnResult != nil {
		r.handler.OnResult(res)
	}
}

// EmitError fires the OnError callback with err.
func (r *Recognition) EmitError(err error) {
	if r.handler.OnError != nil {
		r.handler.OnError(err)
	}
}

// EmitEnd fires the OnEnd callback.
func (r *Recognition) EmitEnd() {
	if r.handler.OnEnd != nil {
		r.handler.OnEnd()
	}
}

// Ensure Recognition implements stt.Recognition at compile time.
var _ stt.Recognition = (*Recognition)(nil)
