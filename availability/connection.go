package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/briangreenhill/furnimove/internal/wire"
)

// Connect makes sure the live channel is open. It returns immediately when
// the channel is already open and waits for an attempt already underway
// elsewhere. A failed attempt counts as a close and may schedule a
// reconnect; once the retry ceiling is reached, only an explicit Connect
// tries again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return c.waitOpen(ctx)
	}
	c.state = StateConnecting
	c.stopReconnectTimerLocked()
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.timing.ConnectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx, c.liveURL, c.header)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.liveURL).Msg("live channel connect failed")
		c.handleClose(nil)
		return fmt.Errorf("connect %s: %w", c.liveURL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.state = StateOpen
	c.conn = conn
	c.reconnectAttempts = 0
	slots := make([]Slot, 0, len(c.subs))
	for _, sub := range c.subs {
		slots = append(slots, sub.slot)
	}
	c.mu.Unlock()

	c.logger.Info().Str("url", c.liveURL).Int("resubscribed", len(slots)).Msg("live channel open")
	go c.readLoop(conn)

	for _, slot := range slots {
		if err := c.send(wire.Subscribe{CityDate: slot}); err != nil {
			c.logger.Warn().Err(err).Str("slot", slot.Key()).Msg("resubscribe failed")
		}
	}
	return nil
}

func (c *Client) waitOpen(ctx context.Context) error {
	ticker := time.NewTicker(c.timing.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.timing.ConnectTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNotConnected
		case <-ticker.C:
			c.mu.Lock()
			state, closed := c.state, c.closed
			c.mu.Unlock()
			switch {
			case closed:
				return ErrClosed
			case state == StateOpen:
				return nil
			case state != StateConnecting:
				return ErrNotConnected
			}
		}
	}
}

func (c *Client) readLoop(conn Conn) {
	for {
		frame, err := conn.Receive()
		if err != nil {
			c.logger.Info().Err(err).Msg("live channel closed")
			_ = conn.Close()
			c.handleClose(conn)
			return
		}
		c.dispatch(wire.DecodeInbound(frame))
	}
}

// handleClose moves a dropped (or never opened) connection to Closed and
// schedules a linear-backoff reconnect while attempts remain, otherwise
// settles in Idle.
func (c *Client) handleClose(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn != nil && c.conn != conn {
		return
	}
	c.conn = nil
	if c.closed {
		c.state = StateIdle
		return
	}

	if c.reconnectAttempts >= c.timing.MaxReconnectAttempts {
		c.state = StateIdle
		c.logger.Warn().Int("attempts", c.reconnectAttempts).Msg("live channel retry ceiling reached; waiting for explicit reconnect")
		return
	}

	c.state = StateClosed
	c.reconnectAttempts++
	delay := c.timing.ReconnectDelay * time.Duration(c.reconnectAttempts)
	c.stopReconnectTimerLocked()
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.logger.Info().Int("attempt", c.reconnectAttempts).Dur("delay", delay).Msg("live channel reconnect scheduled")
}

func (c *Client) reconnect() {
	if err := c.Connect(context.Background()); err != nil {
		c.logger.Debug().Err(err).Msg("scheduled reconnect failed")
	}
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) send(m wire.Message) error {
	frame, err := wire.Marshal(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, open := c.conn, c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	if err := conn.Send(frame); err != nil {
		// the read loop observes the close and schedules the reconnect
		_ = conn.Close()
		return fmt.Errorf("send %s: %w", m.Type(), err)
	}
	return nil
}

// Close shuts the live channel down for good and cancels pending reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.stopReconnectTimerLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateIdle
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
