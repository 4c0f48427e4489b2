// Package bus exposes the speech orchestrator over NATS. A Bridge answers
// speak, cancel and status requests and republishes lifecycle events; a
// Client sends those requests from another process.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"github.com/naturalspeech/naturalspeech/internal/events"
	"github.com/naturalspeech/naturalspeech/internal/speech"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// Speaker is the part of the orchestrator the bridge drives.
type Speaker interface {
	Speak(ctx context.Context, voice tts.VoiceID, text string, gain tts.Gain, line string) (string, error)
	CancelSpeaker(line string)
	CancelOthers(line string, exempt func(line string) bool)
	CancelAll()
	Status() []speech.ModelStatus
}

// Bridge serves a Speaker on NATS.
type Bridge struct {
	conn     *nats.Conn
	speaker  Speaker
	subjects Subjects
	log      *log.Logger
	timeout  time.Duration

	mu    sync.Mutex
	subs  []*nats.Subscription
	unsub func()
}

// NewBridge creates a bridge using prefix for its subjects.
func NewBridge(conn *nats.Conn, speaker Speaker, prefix string, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default().WithPrefix("bus")
	}
	return &Bridge{
		conn:     conn,
		speaker:  speaker,
		subjects: Subjects{Prefix: prefix},
		log:      logger,
		timeout:  5 * time.Second,
	}
}

// Start subscribes to the request subjects and, when ev is not nil,
// forwards its events.
func (b *Bridge) Start(ev *events.Bus) error {
	handlers := map[string]nats.MsgHandler{
		b.subjects.Speak():  b.handleSpeak,
		b.subjects.Cancel(): b.handleCancel,
		b.subjects.Status(): b.handleStatus,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, h := range handlers {
		sub, err := b.conn.Subscribe(subject, h)
		if err != nil {
			b.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	if err := b.conn.Flush(); err != nil {
		b.unsubscribeLocked()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	if ev != nil {
		b.unsub = ev.SubscribeAll(b.forward)
	}
	b.log.Info("bus bridge started", "prefix", b.subjects.Prefix)
	return nil
}

// Close drains the subscriptions and stops forwarding events.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked()
}

func (b *Bridge) unsubscribeLocked() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
}

func (b *Bridge) forward(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.log.Warn("failed to marshal event", "kind", e.Kind, "err", err)
		return
	}
	if err := b.conn.Publish(b.subjects.Event(e.Kind), data); err != nil {
		b.log.Debug("failed to publish event", "kind", e.Kind, "err", err)
	}
}

func (b *Bridge) handleSpeak(msg *nats.Msg) {
	var req SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.respond(msg, SpeakReply{Error: fmt.Sprintf("bad request: %v", err)})
		return
	}
	voice, err := tts.ParseVoiceID(req.Voice)
	if err != nil {
		b.respond(msg, SpeakReply{Error: err.Error()})
		return
	}
	var gain tts.Gain
	if req.GainDB != nil {
		gain = tts.FixedGain(*req.GainDB)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	id, err := b.speaker.Speak(ctx, voice, req.Text, gain, req.Line)
	reply := SpeakReply{Utterance: id}
	if err != nil {
		b.log.Warn("speak request failed", "voice", req.Voice, "line", req.Line, "err", err)
		reply.Error = err.Error()
	}
	b.respond(msg, reply)
}

func (b *Bridge) handleCancel(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.respond(msg, CancelReply{Error: fmt.Sprintf("bad request: %v", err)})
		return
	}
	switch {
	case req.All:
		b.speaker.CancelAll()
	case req.Others:
		var exempt func(string) bool
		if len(req.Exempt) > 0 {
			exempt = func(line string) bool { return slices.Contains(req.Exempt, line) }
		}
		b.speaker.CancelOthers(req.Line, exempt)
	case req.Line != "":
		b.speaker.CancelSpeaker(req.Line)
	default:
		b.respond(msg, CancelReply{Error: "cancel needs a line, others or all"})
		return
	}
	b.respond(msg, CancelReply{})
}

func (b *Bridge) handleStatus(msg *nats.Msg) {
	b.respond(msg, StatusReply{Models: b.speaker.Status()})
}

func (b *Bridge) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("failed to marshal reply", "subject", msg.Subject, "err", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		b.log.Debug("failed to respond", "subject", msg.Subject, "err", err)
	}
}

// Client sends requests to a Bridge.
type Client struct {
	conn     *nats.Conn
	subjects Subjects
}

// Connect dials url. The connection is closed by Client.Close.
func Connect(url, prefix string, timeout time.Duration) (*Client, error) {
	if url == "" {
		return nil, errors.New("no NATS server configured")
	}
	conn, err := nats.Connect(url, nats.Name("naturalspeech-cli"), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewClient(conn, prefix), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *nats.Conn, prefix string) *Client {
	return &Client{conn: conn, subjects: Subjects{Prefix: prefix}}
}

// Close closes the connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) request(ctx context.Context, subject string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("no naturalspeech server is listening on %s: %w", subject, err)
		}
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return json.Unmarshal(msg.Data, reply)
}

// Speak asks the server to speak and returns the utterance ID.
func (c *Client) Speak(ctx context.Context, req SpeakRequest) (string, error) {
	var reply SpeakReply
	if err := c.request(ctx, c.subjects.Speak(), req, &reply); err != nil {
		return "", err
	}
	if reply.Error != "" {
		return reply.Utterance, errors.New(reply.Error)
	}
	return reply.Utterance, nil
}

// Cancel sends a cancel request.
func (c *Client) Cancel(ctx context.Context, req CancelRequest) error {
	var reply CancelReply
	if err := c.request(ctx, c.subjects.Cancel(), req, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	return nil
}

// Status returns the server's model status.
func (c *Client) Status(ctx context.Context) ([]speech.ModelStatus, error) {
	var reply StatusReply
	if err := c.request(ctx, c.subjects.Status(), struct{}{}, &reply); err != nil {
		return nil, err
	}
	return reply.Models, nil
}

// Events calls fn for every event the server publishes until the returned
// subscription is drained.
func (c *Client) Events(fn func(events.Event)) (*nats.Subscription, error) {
	return c.conn.Subscribe(c.subjects.AllEvents(), func(msg *nats.Msg) {
		var e events.Event
		if err := json.Unmarshal(msg.Data, &e); err == nil {
			fn(e)
		}
	})
}
