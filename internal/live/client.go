package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const defaultQueueSize = 256

// conn is the part of *websocket.Conn a client writes through.
type conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// client owns the outbound side of one WebSocket. Frames are queued and
// written by a single goroutine so engine publishers never wait on the
// network. When the queue is full the oldest frame is dropped.
type client struct {
	ws           conn
	queue        chan []byte
	writeTimeout time.Duration
	logger       *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newClient(ws conn, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *client {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		ws:           ws,
		queue:        make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

func (c *client) enqueue(data []byte) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}

	select {
	case c.queue <- data:
		return
	default:
	}

	c.logger.Warn("Live queue full, dropping oldest frame", "queue_len", len(c.queue))
	select {
	case <-c.queue:
	default:
	}
	select {
	case c.queue <- data:
	default:
		c.logger.Warn("Failed to queue live frame after dropping oldest")
	}
}

func (c *client) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.queue:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("Live write error", "error", err)
				}
				c.cancel()
				return
			}
		}
	}
}

// done is closed when the writer has stopped.
func (c *client) done() <-chan struct{} {
	return c.ctx.Done()
}

// close stops the writer and closes the socket. Queued frames are
// discarded.
func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		if err := c.ws.Close(websocket.StatusNormalClosure, reason); err != nil {
			c.logger.Debug("Failed to close websocket", "error", err)
		}
	})
}
