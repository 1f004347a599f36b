/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: conn.go
Description: Control-server connection for the Akaylee Client. Implements the
synchronous request/response contract over a stream socket with newline-delimited
JSON frames. One request is in flight at a time; every call blocks the calling
thread until the server answers or the transport fails, and deadline expiry
surfaces as an error so the caller's terminate-on-failure policy can apply.
*/

package server

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
)

// DefaultTimeout bounds a single round-trip to the server
const DefaultTimeout = 30 * time.Second

// request is one framed call to the server
type request struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// response is the server's framed answer
type response struct {
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is a synchronous control-server connection
type Conn struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

var _ interfaces.ServerConn = (*Conn)(nil)

// NewConn creates a connection bound to an address. Addresses of the form
// "unix:/path" use a unix socket, everything else dials tcp.
func NewConn(addr string, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Conn{addr: addr, timeout: timeout}
}

// Open dials the server. Failure here is fatal to the run.
func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	network, addr := "tcp", c.addr
	if strings.HasPrefix(c.addr, "unix:") {
		network, addr = "unix", strings.TrimPrefix(c.addr, "unix:")
	}

	conn, err := net.DialTimeout(network, addr, c.timeout)
	if err != nil {
		return fmt.Errorf("failed to open server connection to %q: %w", c.addr, err)
	}

	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.dec = json.NewDecoder(conn)
	return nil
}

// Close releases the connection
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.enc = nil
	c.dec = nil
	return err
}

// roundTrip sends one request and decodes the response payload into out.
// Serialized: instrumentation callbacks on different target threads share
// this connection.
func (c *Conn) roundTrip(op string, in, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("server connection not open for %q", op)
	}

	req := request{Op: op}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %q request: %w", op, err)
		}
		req.Payload = payload
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("failed to arm deadline for %q: %w", op, err)
	}

	if err := c.enc.Encode(&req); err != nil {
		return fmt.Errorf("failed to send %q request: %w", op, err)
	}

	var resp response
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("failed to read %q response: %w", op, err)
	}

	if resp.Status != "ok" {
		return fmt.Errorf("server rejected %q: %s", op, resp.Error)
	}

	if out != nil && resp.Payload != nil {
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("failed to decode %q response: %w", op, err)
		}
	}
	return nil
}

// AssignRunID binds this connection to a run identifier
func (c *Conn) AssignRunID(id uuid.UUID) error {
	return c.roundTrip("assign_run_id", struct {
		RunID string `json:"run_id"`
	}{id.String()}, nil)
}

// RegisterPID registers this process's identifier with the server
func (c *Conn) RegisterPID(pid int, serverSide bool) error {
	return c.roundTrip("register_pid", struct {
		PID        int  `json:"pid"`
		ServerSide bool `json:"server_side"`
	}{pid, serverSide}, nil)
}

// RequestArena asks for any prior arena state under an identifier
func (c *Conn) RequestArena(id string) (*interfaces.ArenaSnapshot, error) {
	var snap interfaces.ArenaSnapshot
	if err := c.roundTrip("request_arena", struct {
		ID string `json:"id"`
	}{id}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RegisterArena sends the filled arena for merging against history
func (c *Conn) RegisterArena(snap *interfaces.ArenaSnapshot) error {
	return c.roundTrip("register_arena", snap, nil)
}

// GetCoverage fetches the server's scoring verdict for an arena
func (c *Conn) GetCoverage(snap *interfaces.ArenaSnapshot) (*interfaces.CoverageVerdict, error) {
	var verdict interfaces.CoverageVerdict
	if err := c.roundTrip("get_coverage", snap, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// AdviseMutation asks for a strategy keyed on the current arena state
func (c *Conn) AdviseMutation(snap *interfaces.ArenaSnapshot) (interfaces.MutationStrategy, error) {
	var advice struct {
		Strategy interfaces.MutationStrategy `json:"strategy"`
	}
	if err := c.roundTrip("advise_mutation", snap, &advice); err != nil {
		return 0, err
	}
	return advice.Strategy, nil
}

// RegisterMutation records a mutation with the server
func (c *Conn) RegisterMutation(rec *interfaces.MutationRecord) error {
	return c.roundTrip("register_mutation", rec, nil)
}

// RequestCrashPaths asks where crash artifacts for a pid should live
func (c *Conn) RequestCrashPaths(pid int) (*interfaces.CrashPaths, error) {
	var paths interfaces.CrashPaths
	if err := c.roundTrip("request_crash_paths", struct {
		PID int `json:"pid"`
	}{pid}, &paths); err != nil {
		return nil, err
	}
	return &paths, nil
}
