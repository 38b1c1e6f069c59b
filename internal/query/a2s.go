// Package query speaks the server's UDP info protocol and the public
// master-list protocol. Socket-level failures are expected operational
// outcomes for callers (a server that is still booting does not answer), so
// both clients return errors the caller treats as "not reachable yet".
package query

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"
)

const (
	queryTimeout = 5 * time.Second
	maxDatagram  = 4096

	headerInfo      = 0x49 // 'I'
	headerChallenge = 0x41 // 'A'
	headerPlayer    = 0x44 // 'D'
)

var infoRequest = append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x54}, []byte("Source Engine Query\x00")...)

// ServerInfo is the structured reply to an info query.
type ServerInfo struct {
	Name       string
	Map        string
	Folder     string
	Game       string
	Players    int
	MaxPlayers int
	Version    string
}

// Player is one entry of the connected-player list.
type Player struct {
	Name     string
	Score    int32
	Duration time.Duration
}

// Client issues local queries against one server endpoint.
type Client struct{}

// NewClient creates a local query client.
func NewClient() *Client {
	return &Client{}
}

// Info queries addr ("ip:port") for server info.
func (c *Client) Info(ctx context.Context, addr string) (*ServerInfo, error) {
	payload, err := roundTrip(ctx, addr, infoRequest, headerInfo)
	if err != nil {
		return nil, err
	}
	return parseInfo(payload)
}

// Players queries addr for the connected-player list.
func (c *Client) Players(ctx context.Context, addr string) ([]Player, error) {
	// A2S_PLAYER requires a challenge handshake.
	request := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x55, 0xFF, 0xFF, 0xFF, 0xFF}
	payload, err := roundTrip(ctx, addr, request, headerPlayer)
	if err != nil {
		return nil, err
	}
	return parsePlayers(payload)
}

// roundTrip sends a request and reads one reply, transparently answering a
// challenge response. payload starts at the byte after the reply header.
func roundTrip(ctx context.Context, addr string, request []byte, wantHeader byte) ([]byte, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid query endpoint %s: %w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("query dial failed: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(queryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	send := request
	for hop := 0; hop < 2; hop++ {
		if _, err := conn.Write(send); err != nil {
			return nil, fmt.Errorf("query write failed: %w", err)
		}

		conn.SetReadDeadline(deadline)
		buffer := make([]byte, maxDatagram)
		n, err := conn.Read(buffer)
		if err != nil {
			return nil, fmt.Errorf("query read failed: %w", err)
		}
		if n < 5 || !bytes.Equal(buffer[:4], []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
			return nil, fmt.Errorf("malformed query reply (%d bytes)", n)
		}

		header := buffer[4]
		if header == headerChallenge && n >= 9 {
			// Resend the request with the challenge token appended.
			send = withChallenge(request, buffer[5:9])
			continue
		}
		if header != wantHeader {
			return nil, fmt.Errorf("unexpected query reply header 0x%02x", header)
		}
		return buffer[5:n], nil
	}
	return nil, fmt.Errorf("challenge handshake did not converge")
}

func withChallenge(request, challenge []byte) []byte {
	// Info requests append the token; player requests replace the trailing
	// 0xFFFFFFFF placeholder.
	if bytes.HasSuffix(request, []byte{0xFF, 0xFF, 0xFF, 0xFF}) && len(request) > 5 && request[4] == 0x55 {
		out := make([]byte, len(request))
		copy(out, request)
		copy(out[len(out)-4:], challenge)
		return out
	}
	return append(append([]byte{}, request...), challenge...)
}

func parseInfo(payload []byte) (*ServerInfo, error) {
	r := &reader{buf: payload}
	r.byte() // protocol version
	info := &ServerInfo{
		Name:   r.cstring(),
		Map:    r.cstring(),
		Folder: r.cstring(),
		Game:   r.cstring(),
	}
	r.uint16() // app id
	info.Players = int(r.byte())
	info.MaxPlayers = int(r.byte())
	r.byte() // bots
	r.byte() // server type
	r.byte() // environment
	r.byte() // visibility
	r.byte() // vac
	info.Version = r.cstring()
	if r.failed {
		return nil, fmt.Errorf("truncated info reply")
	}
	return info, nil
}

func parsePlayers(payload []byte) ([]Player, error) {
	r := &reader{buf: payload}
	count := int(r.byte())
	players := make([]Player, 0, count)
	for i := 0; i < count && !r.failed; i++ {
		r.byte() // index
		p := Player{Name: r.cstring()}
		p.Score = r.int32()
		p.Duration = time.Duration(r.float32() * float32(time.Second))
		players = append(players, p)
	}
	if r.failed {
		return nil, fmt.Errorf("truncated player reply")
	}
	return players, nil
}

// reader is a forgiving little-endian cursor over a reply payload.
type reader struct {
	buf    []byte
	pos    int
	failed bool
}

func (r *reader) byte() byte {
	if r.pos+1 > len(r.buf) {
		r.failed = true
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) uint16() uint16 {
	if r.pos+2 > len(r.buf) {
		r.failed = true
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) int32() int32 {
	if r.pos+4 > len(r.buf) {
		r.failed = true
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.pos:]))
	r.pos += 4
	return v
}

func (r *reader) float32() float32 {
	bits := uint32(r.int32())
	return math.Float32frombits(bits)
}

func (r *reader) cstring() string {
	end := bytes.IndexByte(r.buf[r.pos:], 0)
	if end < 0 {
		r.failed = true
		return ""
	}
	s := string(r.buf[r.pos : r.pos+end])
	r.pos += end + 1
	return s
}
