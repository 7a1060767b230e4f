// Package bridge drives a browser's native Web Speech engines over a
// WebSocket.
//
// A [Conn] is the server side of one browser connection. It implements
// [stt.Recognizer], [tts.Synthesizer] and [capability.Host], so a
// voice.Controller can run in the server while capture and playback happen in
// the browser. Engine operations are sent to the client as "engine" messages;
// the client reports engine callbacks back as "recognition", "synthesis" and
// "microphone" messages keyed by the id of the operation. Messages for unknown
// or finished ids are ignored.
//
// Protocol summary:
//
//	client → server  hello {capabilities, voices, user_id, groups, browser, platform}
//	                 command {command, text, settings}
//	                 recognition {id, event, transcript, confidence, final, code, message}
//	                 synthesis {id, event, code, message}
//	                 microphone {id, ok, code, message}
//	server → client  engine {op, id, config | utterance | lang}
//	                 event {name, payload}
//	                 ack {command, ok, error, result}
//	                 announce {message, priority}
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxctl/internal/capability"
	"github.com/MrWong99/voxctl/internal/observe"
	"github.com/MrWong99/voxctl/internal/voice"
	"github.com/MrWong99/voxctl/pkg/provider"
	"github.com/MrWong99/voxctl/pkg/provider/stt"
	"github.com/MrWong99/voxctl/pkg/provider/tts"
)

// Compile-time assertions that Conn drives every host engine.
var (
	_ stt.Recognizer  = (*Conn)(nil)
	_ tts.Synthesizer = (*Conn)(nil)
	_ capability.Host = (*Conn)(nil)
	_ voice.Announcer = (*Conn)(nil)
)

// ErrHandshake is returned when a client does not open with a hello message.
var ErrHandshake = errors.New("bridge: expected hello")

const defaultWriteTimeout = 5 * time.Second

// CommandFunc executes one client command. The returned value is sent back
// as the ack result.
type CommandFunc func(ctx context.Context, cmd Command) (any, error)

// Option configures a [Conn].
type Option func(*Conn)

// WithWriteTimeout bounds every write to the client. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// Conn is the server side of one browser connection.
//
// All methods are safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	metrics      *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex // serialises writes

	mu           sync.Mutex
	hello        Hello
	recognitions map[string]stt.Handler
	utterances   map[string]tts.Handler
	mics         map[string]chan inbound
}

// New wraps an accepted WebSocket.
func New(ws *websocket.Conn, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		writeTimeout: defaultWriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		recognitions: make(map[string]stt.Handler),
		utterances:   make(map[string]tts.Handler),
		mics:         make(map[string]chan inbound),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Handshake reads the client's hello message. It must be called before
// [Conn.Serve].
func (c *Conn) Handshake(ctx context.Context) (Hello, error) {
	var m inbound
	if err := wsjson.Read(ctx, c.ws, &m); err != nil {
		return Hello{}, fmt.Errorf("bridge: read hello: %w", err)
	}
	if m.Type != TypeHello || m.Hello == nil {
		return Hello{}, fmt.Errorf("%w, got %q", ErrHandshake, m.Type)
	}
	c.mu.Lock()
	c.hello = *m.Hello
	c.mu.Unlock()
	return *m.Hello, nil
}

// Hello returns the client's hello message.
func (c *Conn) Hello() Hello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Serve reads client messages until the connection closes or ctx is
// cancelled. Engine callbacks run on the reading goroutine; commands run one
// at a time, in order, on a second goroutine and are acknowledged. A nil
// handler rejects every command. Serve returns nil on a normal close.
func (c *Conn) Serve(ctx context.Context, handle CommandFunc) error {
	c.metrics.ActiveConnections.Add(ctx, 1)
	defer c.metrics.ActiveConnections.Add(context.Background(), -1)
	defer c.shutdown()

	cmds := make(chan Command, 16)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(cmds)
		return c.readLoop(gctx, cmds)
	})
	g.Go(func() error {
		for cmd := range cmds {
			c.runCommand(gctx, handle, cmd)
		}
		return nil
	})
	return g.Wait()
}

func (c *Conn) readLoop(ctx context.Context, cmds chan<- Command) error {
	for {
		var m inbound
		if err := wsjson.Read(ctx, c.ws, &m); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("bridge: read: %w", err)
		}

		switch m.Type {
		case TypeCommand:
			select {
			case cmds <- Command{Name: m.Command, Text: m.Text, Settings: m.Settings}:
			case <-ctx.Done():
				return nil
			}
		case TypeRecognition:
			c.dispatchRecognition(m)
		case TypeSynthesis:
			c.dispatchSynthesis(m)
		case TypeMicrophone:
			c.dispatchMicrophone(m)
		default:
			slog.Debug("bridge: ignoring message", "type", m.Type)
		}
	}
}

func (c *Conn) runCommand(ctx context.Context, handle CommandFunc, cmd Command) {
	ack := outbound{Type: TypeAck, Command: cmd.Name}
	var (
		res any
		err error
	)
	if handle == nil {
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	} else {
		res, err = handle(ctx, cmd)
	}
	if err != nil {
		ack.Error = err.Error()
		slog.Debug("bridge: command failed", "command", cmd.Name, "err", err)
	} else {
		ack.OK = true
		ack.Result = res
	}
	c.sendLogged(ack)
}

// SendEvent forwards a controller event to the client. Use it as a
// voice.Listener.
func (c *Conn) SendEvent(ev voice.Event) {
	c.sendLogged(outbound{Type: TypeEvent, Name: string(ev.Name), Payload: ev.Payload})
}

// Announce forwards an accessibility announcement to the client's live
// region.
func (c *Conn) Announce(message string, priority voice.Priority) {
	c.sendLogged(outbound{Type: TypeAnnounce, Message: message, Priority: string(priority)})
}

// Close closes the connection with a normal status.
func (c *Conn) Close(reason string) error {
	c.cancel()
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// shutdown fails pending microphone requests and forgets every engine
// instance once the client is gone.
func (c *Conn) shutdown() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.mics {
		close(ch)
		delete(c.mics, id)
	}
	clear(c.recognitions)
	clear(c.utterances)
}

func (c *Conn) send(m outbound) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, m); err != nil {
		if c.ctx.Err() != nil {
			return fmt.Errorf("bridge: %w: connection closed", provider.ErrUnavailable)
		}
		return fmt.Errorf("bridge: write %s: %w: %w", m.Type, provider.ErrNetwork, err)
	}
	return nil
}

// sendLogged is used where the caller has no error return.
func (c *Conn) sendLogged(m outbound) {
	if err := c.send(m); err != nil {
		slog.Warn("bridge: send failed", "type", m.Type, "op", m.Op, "err", err)
	}
}

// ── capability.Host ───────────────────────────────────────────────────────────

// Features reports the engines announced in the client's hello.
func (c *Conn) Features() capability.Features {
	return c.Hello().Capabilities
}

// RequestMicrophone asks the browser for a microphone stream and waits for
// its answer. A refusal is returned as a [*provider.Error] carrying the
// browser's error code.
func (c *Conn) RequestMicrophone(ctx context.Context) (func(), error) {
	id := uuid.NewString()
	ch := make(chan inbound, 1)
	c.mu.Lock()
	c.mics[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.mics, id)
		c.mu.Unlock()
	}()

	if err := c.send(outbound{Type: TypeEngine, Op: OpMicrophoneRequest, ID: id}); err != nil {
		return nil, err
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("bridge: %w: connection closed", provider.ErrUnavailable)
		}
		if !m.OK {
			return nil, &provider.Error{Code: m.Code, Message: m.Message}
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.sendLogged(outbound{Type: TypeEngine, Op: OpMicrophoneRelease, ID: id})
		})
	}
	return release, nil
}

func (c *Conn) dispatchMicrophone(m inbound) {
	c.mu.Lock()
	ch, ok := c.mics[m.ID]
	c.mu.Unlock()
	if !ok {
		slog.Debug("bridge: ignoring stale microphone reply", "id", m.ID)
		return
	}
	select {
	case ch <- m:
	default:
	}
}

// ── tts.Synthesizer ───────────────────────────────────────────────────────────

// Speak sends u to the browser's speechSynthesis.
func (c *Conn) Speak(u tts.Utterance, h tts.Handler) error {
	id := u.ID
	if id == "" {
		id = uuid.NewString()
	}
	c.mu.Lock()
	c.utterances[id] = h
	c.mu.Unlock()

	err := c.send(outbound{Type: TypeEngine, Op: OpSynthesisSpeak, ID: id, Utterance: &Utterance{
		Text:     u.Text,
		Rate:     u.Rate,
		Pitch:    u.Pitch,
		Volume:   u.Volume,
		Language: u.Language,
		Voice:    u.Voice,
	}})
	if err != nil {
		c.mu.Lock()
		delete(c.utterances, id)
		c.mu.Unlock()
		return fmt.Errorf("bridge: speak: %w", err)
	}
	return nil
}

// Cancel cancels the browser's in-flight utterance. The browser reports it as
// an "interrupted" or "canceled" synthesis error.
func (c *Conn) Cancel() {
	c.sendLogged(outbound{Type: TypeEngine, Op: OpSynthesisCancel})
}

func (c *Conn) Pause() {
	c.sendLogged(outbound{Type: TypeEngine, Op: OpSynthesisPause})
}

func (c *Conn) Resume() {
	c.sendLogged(outbound{Type: TypeEngine, Op: OpSynthesisResume})
}

// Voices returns the voices announced in the client's hello.
func (c *Conn) Voices(context.Context) ([]tts.Voice, error) {
	return slices.Clone(c.Hello().Voices), nil
}

func (c *Conn) dispatchSynthesis(m inbound) {
	c.mu.Lock()
	h, ok := c.utterances[m.ID]
	if ok && (m.Event == EngineEnd || m.Event == EngineError) {
		delete(c.utterances, m.ID)
	}
	c.mu.Unlock()
	if !ok {
		slog.Debug("bridge: ignoring stale synthesis event", "id", m.ID, "event", m.Event)
		return
	}

	switch m.Event {
	case EngineStart:
		if h.OnStart != nil {
			h.OnStart()
		}
	case EngineEnd:
		if h.OnEnd != nil {
			h.OnEnd()
		}
	case EngineError:
		if h.OnError != nil {
			h.OnError(&provider.Error{Code: m.Code, Message: m.Message})
		}
	default:
		slog.Debug("bridge: unknown synthesis event", "id", m.ID, "event", m.Event)
	}
}
