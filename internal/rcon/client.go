// Package rcon implements a Source-RCON client for sending administrative
// commands to a running server. Sessions are established lazily before each
// command batch and torn down explicitly; no session is kept warm across
// unrelated operations.
package rcon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"time"
)

const (
	packetTypeAuth         = 3
	packetTypeAuthResponse = 2
	packetTypeExec         = 2
	packetTypeResponse     = 0

	maxConnectAttempts = 3
	maxSendAttempts    = 3

	dialTimeout  = 10 * time.Second
	ioTimeout    = 10 * time.Second
	retryDelay   = 2 * time.Second
	settleDelay  = 1 * time.Second
	maxPacketLen = 4096
)

// CommandLog receives a line for every attempted command, successful or not.
type CommandLog interface {
	Printf(format string, args ...interface{})
}

// Console is the narrow interface the sequencer and pipeline depend on.
type Console interface {
	SendCommand(command string, allowRetry bool) bool
	Close()
}

// Client is a Source-RCON session for one server endpoint.
type Client struct {
	addr     string
	password string
	conn     net.Conn
	reqID    int32
	oplog    CommandLog
}

// New creates a client for host:port. The session is not opened until the
// first command.
func New(host string, port int, password string, oplog CommandLog) *Client {
	return &Client{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		password: password,
		oplog:    oplog,
	}
}

// SendCommand transmits one command. Returns whether the command was
// confirmed sent. Transport errors are logged and absorbed; they never
// propagate to the caller. When allowRetry is set the transmission is
// attempted up to three times; critical commands pass false and are sent
// once.
func (c *Client) SendCommand(command string, allowRetry bool) bool {
	attempts := 1
	if allowRetry {
		attempts = maxSendAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.ensureSession(); err != nil {
			lastErr = err
			c.logf("rcon command %q: session unavailable: %v", command, err)
			break
		}

		if err := c.exec(command); err != nil {
			lastErr = err
			c.logf("rcon command %q: attempt %d/%d failed: %v", command, attempt, attempts, err)
			c.dropSession()
			time.Sleep(retryDelay)
			continue
		}

		c.logf("rcon command %q: sent", command)
		return true
	}

	if lastErr != nil {
		log.Printf("[RCON] Command %q not confirmed: %v", command, lastErr)
	}
	return false
}

// ensureSession (re)establishes the TCP session and authenticates, with up to
// three connect attempts.
func (c *Client) ensureSession() error {
	if c.conn != nil {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
		if err != nil {
			lastErr = fmt.Errorf("dial failed: %w", err)
			time.Sleep(retryDelay)
			continue
		}

		c.conn = conn
		if err := c.authenticate(); err != nil {
			lastErr = err
			c.dropSession()
			time.Sleep(retryDelay)
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to establish rcon session to %s after %d attempts: %w", c.addr, maxConnectAttempts, lastErr)
}

func (c *Client) authenticate() error {
	id := c.nextID()
	if err := c.writePacket(id, packetTypeAuth, c.password); err != nil {
		return fmt.Errorf("auth write failed: %w", err)
	}

	// The server may send an empty RESPONSE_VALUE before the auth response.
	for i := 0; i < 2; i++ {
		respID, respType, _, err := c.readPacket()
		if err != nil {
			return fmt.Errorf("auth read failed: %w", err)
		}
		if respType != packetTypeAuthResponse {
			continue
		}
		if respID == -1 {
			return fmt.Errorf("rcon authentication rejected")
		}
		return nil
	}
	return fmt.Errorf("no auth response received")
}

func (c *Client) exec(command string) error {
	id := c.nextID()
	if err := c.writePacket(id, packetTypeExec, command); err != nil {
		return err
	}
	// Fire-and-forget from the caller's perspective; drain one response so
	// the stream stays aligned, tolerating servers that answer nothing.
	_, _, _, err := c.readPacket()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) writePacket(id, ptype int32, body string) error {
	var buf bytes.Buffer
	size := int32(len(body) + 10)
	binary.Write(&buf, binary.LittleEndian, size)
	binary.Write(&buf, binary.LittleEndian, id)
	binary.Write(&buf, binary.LittleEndian, ptype)
	buf.WriteString(body)
	buf.Write([]byte{0, 0})

	c.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	_, err := c.conn.Write(buf.Bytes())
	return err
}

func (c *Client) readPacket() (id, ptype int32, body string, err error) {
	c.conn.SetReadDeadline(time.Now().Add(ioTimeout))

	var size int32
	if err = binary.Read(c.conn, binary.LittleEndian, &size); err != nil {
		return 0, 0, "", err
	}
	if size < 10 || size > maxPacketLen {
		return 0, 0, "", fmt.Errorf("invalid rcon packet size %d", size)
	}

	payload := make([]byte, size)
	if _, err = io.ReadFull(c.conn, payload); err != nil {
		return 0, 0, "", err
	}

	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	ptype = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(bytes.TrimRight(payload[8:], "\x00"))
	return id, ptype, body, nil
}

func (c *Client) nextID() int32 {
	c.reqID++
	if c.reqID <= 0 {
		c.reqID = 1
	}
	return c.reqID
}

func (c *Client) dropSession() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the session after a short settle delay so the server can
// finish processing the last command.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	time.Sleep(settleDelay)
	c.dropSession()
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.oplog != nil {
		c.oplog.Printf(format, args...)
	}
}
