package bridge

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MrWong99/voxctl/pkg/provider"
	"github.com/MrWong99/voxctl/pkg/provider/stt"
)

// recognition is one browser SpeechRecognition instance.
type recognition struct {
	c       *Conn
	id      string
	cfg     stt.Config
	handler stt.Handler
}

// NewRecognition implements [stt.Recognizer]. The browser creates its
// instance when Start is sent.
func (c *Conn) NewRecognition(cfg stt.Config, h stt.Handler) (stt.Recognition, error) {
	if !c.Features().SpeechRecognition {
		return nil, fmt.Errorf("bridge: %w: speech recognition", provider.ErrUnavailable)
	}
	return &recognition{c: c, id: uuid.NewString(), cfg: cfg, handler: h}, nil
}

func (r *recognition) Start() error {
	r.c.mu.Lock()
	r.c.recognitions[r.id] = r.handler
	r.c.mu.Unlock()

	err := r.c.send(outbound{Type: TypeEngine, Op: OpRecognitionStart, ID: r.id, Config: &RecognitionConfig{
		Language:        r.cfg.Language,
		Continuous:      r.cfg.Continuous,
		InterimResults:  r.cfg.InterimResults,
		MaxAlternatives: r.cfg.MaxAlternatives,
	}})
	if err != nil {
		r.c.mu.Lock()
		delete(r.c.recognitions, r.id)
		r.c.mu.Unlock()
		return fmt.Errorf("bridge: start recognition: %w", err)
	}
	return nil
}

func (r *recognition) Stop() {
	r.c.sendLogged(outbound{Type: TypeEngine, Op: OpRecognitionStop, ID: r.id})
}

func (r *recognition) Abort() {
	r.c.sendLogged(outbound{Type: TypeEngine, Op: OpRecognitionAbort, ID: r.id})
}

func (r *recognition) SetLanguage(language string) error {
	r.cfg.Language = language
	if err := r.c.send(outbound{Type: TypeEngine, Op: OpRecognitionLanguage, ID: r.id, Language: language}); err != nil {
		return fmt.Errorf("bridge: set language: %w", err)
	}
	return nil
}

func (c *Conn) dispatchRecognition(m inbound) {
	c.mu.Lock()
	h, ok := c.recognitions[m.ID]
	if ok && m.Event == EngineEnd {
		delete(c.recognitions, m.ID)
	}
	c.mu.Unlock()
	if !ok {
		slog.Debug("bridge: ignoring stale recognition event", "id", m.ID, "event", m.Event)
		return
	}

	switch m.Event {
	case EngineStart:
		if h.OnStart != nil {
			h.OnStart()
		}
	case EngineResult:
		if h.OnResult != nil {
			h.OnResult(stt.Result{
				Transcript:   m.Transcript,
				Final:        m.Final,
				Confidence:   m.Confidence,
				Alternatives: m.Alts,
			})
		}
	case EngineError:
		if h.OnError != nil {
			h.OnError(&provider.Error{Code: m.Code, Message: m.Message})
		}
	case EngineEnd:
		if h.OnEnd != nil {
			h.OnEnd()
		}
	default:
		slog.Debug("bridge: unknown recognition event", "id", m.ID, "event", m.Event)
	}
}
