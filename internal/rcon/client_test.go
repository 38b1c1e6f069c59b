package rcon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
)

type testLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLog) Printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

// fakeServer speaks just enough of the wire protocol to exercise the client.
type fakeServer struct {
	listener net.Listener
	password string

	mu       sync.Mutex
	commands []string
}

func newFakeServer(t *testing.T, password string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &fakeServer{listener: ln, password: password}
	t.Cleanup(func() { ln.Close() })
	go srv.accept()
	return srv
}

func (s *fakeServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeServer) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	for {
		id, ptype, body, err := readWirePacket(conn)
		if err != nil {
			return
		}
		switch ptype {
		case packetTypeAuth:
			// Real servers send an empty RESPONSE_VALUE first.
			writeWirePacket(conn, id, packetTypeResponse, "")
			if body == s.password {
				writeWirePacket(conn, id, packetTypeAuthResponse, "")
			} else {
				writeWirePacket(conn, -1, packetTypeAuthResponse, "")
			}
		case packetTypeExec:
			s.mu.Lock()
			s.commands = append(s.commands, body)
			s.mu.Unlock()
			writeWirePacket(conn, id, packetTypeResponse, "ok")
		}
	}
}

func readWirePacket(conn net.Conn) (id, ptype int32, body string, err error) {
	var size int32
	if err = binary.Read(conn, binary.LittleEndian, &size); err != nil {
		return
	}
	payload := make([]byte, size)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return
	}
	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	ptype = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(bytes.TrimRight(payload[8:], "\x00"))
	return
}

func writeWirePacket(conn net.Conn, id, ptype int32, body string) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, int32(len(body)+10))
	binary.Write(&buf, binary.LittleEndian, id)
	binary.Write(&buf, binary.LittleEndian, ptype)
	buf.WriteString(body)
	buf.Write([]byte{0, 0})
	conn.Write(buf.Bytes())
}

func TestSendCommandDeliversAfterAuth(t *testing.T) {
	srv := newFakeServer(t, "hunter2")
	c := New("127.0.0.1", srv.port(), "hunter2", &testLog{})
	defer c.Close()

	if !c.SendCommand("SaveWorld", false) {
		t.Fatal("command must be confirmed against a healthy server")
	}
	if !c.SendCommand("Broadcast hello", true) {
		t.Fatal("second command on the same session must succeed")
	}

	got := srv.received()
	if len(got) != 2 || got[0] != "SaveWorld" || got[1] != "Broadcast hello" {
		t.Fatalf("server received %v", got)
	}
}

func TestSendCommandRejectedPassword(t *testing.T) {
	srv := newFakeServer(t, "hunter2")
	oplog := &testLog{}
	c := New("127.0.0.1", srv.port(), "wrong", oplog)
	defer c.Close()

	if c.SendCommand("SaveWorld", false) {
		t.Fatal("command must not be confirmed when authentication is rejected")
	}
	if got := srv.received(); len(got) != 0 {
		t.Fatalf("no command should reach the server, got %v", got)
	}

	oplog.mu.Lock()
	defer oplog.mu.Unlock()
	found := false
	for _, line := range oplog.lines {
		if strings.Contains(line, "session unavailable") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a session-unavailable log line, got %v", oplog.lines)
	}
}

func TestSendCommandUnreachableServerAbsorbsError(t *testing.T) {
	// Grab a port that is guaranteed closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New("127.0.0.1", port, "hunter2", &testLog{})
	defer c.Close()
	if c.SendCommand("SaveWorld", false) {
		t.Fatal("command against a closed port must not be confirmed")
	}
}

func TestNewFormsDialableAddresses(t *testing.T) {
	if got := New("127.0.0.1", 32330, "x", nil).addr; got != "127.0.0.1:32330" {
		t.Errorf("ipv4 addr = %q", got)
	}
	// IPv6 hosts need brackets or the dialer misparses the colons.
	if got := New("::1", 32330, "x", nil).addr; got != "[::1]:32330" {
		t.Errorf("ipv6 addr = %q", got)
	}
}

func TestCloseWithoutSessionIsNoop(t *testing.T) {
	c := New("127.0.0.1", 1, "x", nil)
	c.Close()
	c.Close()
}

func TestRequestIDsStayPositive(t *testing.T) {
	c := &Client{reqID: 0x7FFFFFFF}
	if id := c.nextID(); id != 1 {
		t.Fatalf("id must wrap back to 1, got %d", id)
	}
	if id := c.nextID(); id != 2 {
		t.Fatalf("ids must keep incrementing, got %d", id)
	}
}
