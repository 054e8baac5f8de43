// Package launcher implements the host side of the kernel-launcher's
// communication-port wire protocol: one raw JSON object written to a TCP
// socket the launcher listens on, used to deliver signals and request a
// graceful listener shutdown. The state machine tries this socket first
// whenever the launcher reported a communication port, and falls back to
// the backend adapter's own signal path otherwise.
//
// Grounded on remote_provisioner.py's _send_listener_request/
// _send_signal_via_listener/shutdown_listener: dial comm_ip:comm_port,
// write the request bytes, and for a shutdown request half-close the
// write side afterward so the listener observes EOF and exits.
package launcher

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/scusemua/remote-provisioner/internal/jupyter"
)

const defaultDialTimeout = 5 * time.Second

// Client dials a kernel-launcher's communication port and writes one
// request per call, matching _send_listener_request's per-call socket
// (the launcher's listener accepts a new connection per request rather
// than holding one open).
type Client struct {
	dialTimeout time.Duration
}

// NewClient builds a Client with the default dial timeout.
func NewClient() *Client {
	return &Client{dialTimeout: defaultDialTimeout}
}

// Addr returns the "ip:port" dial target for info's communication port, or
// "" if the launcher never reported one (CommunicationPort <= 0), mirroring
// comm_port > 0's gating of every listener request upstream.
func Addr(info jupyter.ConnectionInfo) string {
	if info.CommunicationPort <= 0 || info.IP == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", info.IP, info.CommunicationPort)
}

type signalRequest struct {
	Signum int `json:"signum"`
}

type shutdownRequest struct {
	Shutdown int `json:"shutdown"`
}

// SendSignal writes {"signum": signum} to addr, the listener protocol's
// signal-delivery request; signum 0 is a liveness probe.
func (c *Client) SendSignal(addr string, signum int) error {
	return c.send(addr, signalRequest{Signum: signum}, false)
}

// Shutdown writes {"shutdown": 1} to addr and half-closes the write side,
// telling the launcher to exit its listener and close the kernel.
func (c *Client) Shutdown(addr string) error {
	return c.send(addr, shutdownRequest{Shutdown: 1}, true)
}

func (c *Client) send(addr string, req interface{}, halfClose bool) error {
	if addr == "" {
		return fmt.Errorf("launcher: no communication port established")
	}

	dialTimeout := c.dialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dialing kernel-launcher communication port %s: %w", addr, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("writing to kernel-launcher communication port %s: %w", addr, err)
	}

	if halfClose {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
	}
	return nil
}
