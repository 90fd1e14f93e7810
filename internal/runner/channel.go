package runner

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildkite/benchroom/internal/runnerapi"
	"github.com/charmbracelet/log"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultAckTimeout        = 5 * time.Second
)

// jobChannel supervises one job's channel while the engine runs. A single
// goroutine owns the heartbeat cadence and drains inbound messages without
// blocking; a reader goroutine feeds it.
type jobChannel struct {
	logger *log.Logger

	mu sync.Mutex
	ch Channel

	heartbeat  time.Duration
	ackTimeout time.Duration

	cancel   atomic.Bool
	inbound  chan runnerapi.ServerMessage
	readErr  chan error
	stop     chan struct{}
	loopDone chan struct{}
}

func newJobChannel(logger *log.Logger, ch Channel, heartbeat, ackTimeout time.Duration) *jobChannel {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &jobChannel{
		logger:     logger,
		ch:         ch,
		heartbeat:  heartbeat,
		ackTimeout: ackTimeout,
		inbound:    make(chan runnerapi.ServerMessage, 8),
		readErr:    make(chan error, 1),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

func (c *jobChannel) send(msg runnerapi.ChannelMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Send(msg)
}

// start announces running and begins heartbeating. Nothing must be sent on
// the channel before the running message.
func (c *jobChannel) start() error {
	if err := c.send(runnerapi.ChannelMessage{Event: runnerapi.EventRunning}); err != nil {
		return fmt.Errorf("send running: %w", err)
	}
	go c.read()
	go c.loop()
	return nil
}

func (c *jobChannel) read() {
	for {
		msg, err := c.ch.Receive()
		if err != nil {
			c.readErr <- err
			close(c.inbound)
			return
		}
		c.inbound <- msg
	}
}

func (c *jobChannel) loop() {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.send(runnerapi.ChannelMessage{Event: runnerapi.EventHeartbeat}); err != nil {
				c.logger.Warn("heartbeat failed", "err", err)
			}
			c.poll()
		}
	}
}

// poll handles whatever has arrived since the last tick.
func (c *jobChannel) poll() {
	for {
		select {
		case msg, ok := <-c.inbound:
			if !ok {
				return
			}
			c.handle(msg)
		default:
			return
		}
	}
}

func (c *jobChannel) handle(msg runnerapi.ServerMessage) {
	switch msg.Event {
	case runnerapi.EventCancel:
		if !c.cancel.Swap(true) {
			c.logger.Info("cancel requested")
		}
	default:
		c.logger.Debug("ignoring server message", "event", msg.Event)
	}
}

func (c *jobChannel) canceled() bool {
	return c.cancel.Load()
}

// finish stops heartbeats, sends the terminal message as the last send and
// waits a bounded time for the ack. The returned status is what the platform
// recorded, when it said.
func (c *jobChannel) finish(msg runnerapi.ChannelMessage) (runnerapi.ServerMessage, error) {
	close(c.stop)
	<-c.loopDone
	defer func() { _ = c.ch.Close() }()

	if err := c.send(msg); err != nil {
		return runnerapi.ServerMessage{}, fmt.Errorf("send %s: %w", msg.Event, err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	for {
		select {
		case reply, ok := <-c.inbound:
			if !ok {
				err := <-c.readErr
				return runnerapi.ServerMessage{}, fmt.Errorf("channel closed before ack: %w", err)
			}
			if reply.Event == runnerapi.EventAck {
				return reply, nil
			}
			c.handle(reply)
		case <-timer.C:
			return runnerapi.ServerMessage{}, errors.New("timed out waiting for ack")
		}
	}
}
