package query

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMasterAddr is the public Steam master server.
	DefaultMasterAddr = "hl2master.steampowered.com:27011"

	masterTimeout = 8 * time.Second
	regionAll     = 0xFF
)

// MasterClient checks whether a server is listed on the public master server.
// Lookups are rate limited so a full watcher pass over many registrations
// cannot hammer the master list.
type MasterClient struct {
	masterAddr string
	limiter    *rate.Limiter
}

// NewMasterClient creates a master-list client. An empty addr uses the
// public default.
func NewMasterClient(addr string) *MasterClient {
	if addr == "" {
		addr = DefaultMasterAddr
	}
	return &MasterClient{
		masterAddr: addr,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 4),
	}
}

// IsPublished reports whether publicAddr ("ip:port") appears in the master
// server's list. Only success/failure matters to the caller; no partial data
// is returned.
func (m *MasterClient) IsPublished(ctx context.Context, publicAddr string) (bool, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return false, err
	}

	target, err := net.ResolveUDPAddr("udp", publicAddr)
	if err != nil {
		return false, fmt.Errorf("invalid public endpoint %s: %w", publicAddr, err)
	}

	masterAddr, err := net.ResolveUDPAddr("udp", m.masterAddr)
	if err != nil {
		return false, fmt.Errorf("invalid master endpoint %s: %w", m.masterAddr, err)
	}

	conn, err := net.DialUDP("udp", nil, masterAddr)
	if err != nil {
		return false, fmt.Errorf("master dial failed: %w", err)
	}
	defer conn.Close()

	// Filter the listing down to the one address we care about.
	request := buildMasterRequest(publicAddr)
	if _, err := conn.Write(request); err != nil {
		return false, fmt.Errorf("master write failed: %w", err)
	}

	deadline := time.Now().Add(masterTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	buffer := make([]byte, maxDatagram)
	n, err := conn.Read(buffer)
	if err != nil {
		return false, fmt.Errorf("master read failed: %w", err)
	}

	addrs, err := ParseMasterReply(buffer[:n])
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if a.IP.Equal(target.IP) && a.Port == target.Port {
			return true, nil
		}
	}
	return false, nil
}

func buildMasterRequest(gameAddr string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x31)
	buf.WriteByte(regionAll)
	buf.WriteString("0.0.0.0:0")
	buf.WriteByte(0)
	buf.WriteString(fmt.Sprintf(`\gameaddr\%s`, gameAddr))
	buf.WriteByte(0)
	return buf.Bytes()
}

var masterReplyHeader = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x66, 0x0A}

// ParseMasterReply decodes the address list from a master server response.
func ParseMasterReply(reply []byte) ([]*net.UDPAddr, error) {
	if !bytes.HasPrefix(reply, masterReplyHeader) {
		return nil, fmt.Errorf("malformed master reply (%d bytes)", len(reply))
	}

	body := reply[len(masterReplyHeader):]
	var addrs []*net.UDPAddr
	for len(body) >= 6 {
		ip := net.IPv4(body[0], body[1], body[2], body[3])
		port := int(binary.BigEndian.Uint16(body[4:6]))
		body = body[6:]
		if port == 0 {
			// 0.0.0.0:0 terminates the list.
			continue
		}
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}
