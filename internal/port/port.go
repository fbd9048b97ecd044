// Package port wraps bidirectional message channels as Ports and keeps the
// registry of open ports.
package port

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/talkilla/internal/events"
	"github.com/petervdpas/talkilla/internal/metrics"
	"github.com/petervdpas/talkilla/internal/proto"
)

var log = logging.Logger("talkilla/port")

const (
	// AnyTopic subscribes a handler to every inbound envelope.
	AnyTopic = "*"

	// ErrorTopic is the single topic failures are reported under.
	ErrorTopic = "error"

	// outboxCap is how many envelopes may wait for the writer goroutine.
	outboxCap = 256
)

var (
	ErrClosed     = errors.New("port: closed")
	ErrOutboxFull = errors.New("port: outbox full")
)

// ErrorData is the payload of an envelope posted under ErrorTopic.
type ErrorData struct {
	Message string `json:"message"`
}

// Port is one physical channel. Posting never blocks: envelopes are queued
// and written in post order by a single writer goroutine.
type Port struct {
	id        string
	transport Transport
	emitter   *events.Emitter[proto.Envelope]

	outbox    chan proto.Envelope
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wraps t under id and starts its writer.
func New(id string, t Transport) *Port {
	p := &Port{
		id:        id,
		transport: t,
		emitter:   events.NewEmitter[proto.Envelope](),
		outbox:    make(chan proto.Envelope, outboxCap),
		done:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.writeLoop()
	return p
}

func (p *Port) ID() string { return p.id }

// Post wraps data under topic and queues it.
func (p *Port) Post(topic string, data any) error {
	env, err := proto.NewEnvelope(topic, data)
	if err != nil {
		return err
	}
	return p.PostEnvelope(env)
}

// PostEnvelope queues an already-built envelope, routing header included.
func (p *Port) PostEnvelope(env proto.Envelope) error {
	if env.Topic == "" {
		return proto.ErrEmptyTopic
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.outbox <- env:
		return nil
	case <-p.done:
		return ErrClosed
	default:
		metrics.PortPostFailures.WithLabelValues("outbox_full").Inc()
		return ErrOutboxFull
	}
}

// PostEvent is Post for callers that have nowhere to report a failure.
func (p *Port) PostEvent(topic string, data any) {
	if err := p.Post(topic, data); err != nil {
		log.Warnf("port %s: post %q: %v", p.id, topic, err)
	}
}

// Error reports err to the other side under ErrorTopic.
func (p *Port) Error(err error) {
	p.PostEvent(ErrorTopic, ErrorData{Message: err.Error()})
}

// On subscribes fn to inbound envelopes carrying topic, or to all of them
// with AnyTopic. Handlers run on the goroutine calling Serve.
func (p *Port) On(topic string, fn func(proto.Envelope)) (cancel func()) {
	return p.emitter.On(topic, fn)
}

// Serve reads from the transport and dispatches envelopes until the
// transport is closed or ctx is done. A clean close returns nil.
func (p *Port) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()

	for {
		env, err := p.transport.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) || p.closed() {
				return nil
			}
			return fmt.Errorf("port %s: receive: %w", p.id, err)
		}
		if env.Topic == "" {
			log.Debugf("port %s: ignoring envelope without topic", p.id)
			continue
		}
		p.emitter.Emit(env.Topic, env)
		p.emitter.Emit(AnyTopic, env)
	}
}

// Close releases the transport. Envelopes still queued are discarded.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.transport.Close()
		p.wg.Wait()
	})
	return err
}

func (p *Port) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Port) writeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case env := <-p.outbox:
			if err := p.transport.Send(env); err != nil {
				if p.closed() {
					return
				}
				metrics.PortPostFailures.WithLabelValues("send").Inc()
				log.Warnf("port %s: send %q: %v", p.id, env.Topic, err)
			}
		}
	}
}
