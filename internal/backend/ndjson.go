// internal/backend/ndjson.go
// Minimal newline-delimited JSON request/reply client shared by the real
// adapters.  One request is one JSON object terminated by '\n'; the peer
// answers with one JSON object.  The client serialises round-trips through a
// single mutex, giving the per-backend FIFO ordering the gateway promises,
// and reconnects in the background with full-jitter backoff after a broken
// conversation.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/internal/util"
)

const defaultRequestTimeout = 2 * time.Second

// ndjsonClient owns one TCP socket.  All methods are safe for concurrent use.
type ndjsonClient struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex // serialises round-trips and guards conn
	conn   net.Conn
	rd     *bufio.Reader

	reconnectOnce sync.Once
	stopReconnect chan struct{}
	cell          *statusCell
}

func newNDJSONClient(addr string, timeout time.Duration, cell *statusCell) *ndjsonClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &ndjsonClient{addr: addr, timeout: timeout, cell: cell, stopReconnect: make(chan struct{})}
}

func (c *ndjsonClient) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked(ctx)
}

func (c *ndjsonClient) dialLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.cell.markDisconnected(err)
		return errors.Wrapf(ErrUnavailable, "dial %s: %v", c.addr, err)
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	c.cell.markOK()
	return nil
}

func (c *ndjsonClient) close() error {
	c.reconnectOnce.Do(func() { close(c.stopReconnect) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.cell.markDisconnected(nil)
	return err
}

// roundTrip sends req and decodes the reply into resp (may be nil to discard).
func (c *ndjsonClient) roundTrip(ctx context.Context, req any, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrUnavailable
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	buf, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	if _, err := c.conn.Write(append(buf, '\n')); err != nil {
		c.dropLocked(err)
		return errors.Wrapf(ErrUnavailable, "write: %v", err)
	}
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		c.dropLocked(err)
		return errors.Wrapf(ErrUnavailable, "read: %v", err)
	}
	c.cell.markOK()
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(line, resp); err != nil {
		return errors.Wrap(err, "decode reply")
	}
	return nil
}

// dropLocked tears down a broken socket and kicks the background redial loop.
func (c *ndjsonClient) dropLocked(cause error) {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.cell.markDisconnected(cause)
	go c.redial()
}

// redial retries the dial with full jitter until it succeeds or the client
// closes.  Only one redial loop runs at a time: a successful dialLocked makes
// subsequent attempts no-ops.
func (c *ndjsonClient) redial() {
	bo := util.NewBackoff()
	for {
		select {
		case <-c.stopReconnect:
			return
		case <-time.After(bo.Next()):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			logging.Sugar().Infow("backend reconnected", "addr", c.addr)
			return
		}
	}
}

// reply is the generic backend acknowledgement envelope.
type reply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
}

func (r *reply) err() error {
	if r.OK {
		return nil
	}
	return errors.Newf("backend error: %s", r.Error)
}
