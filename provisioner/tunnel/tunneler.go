// Package tunnel forwards a kernel's communication ports over SSH when the
// backend host isn't directly reachable from the provisioner process.
//
// Grounded on distributed.py's _tunnel_to_kernel/_create_ssh_tunnel, which
// shell out to the system `ssh -L` binary under pexpect; this
// implementation uses golang.org/x/crypto/ssh's native port forwarding
// instead, since a native client needs no pexpect-equivalent parser and the
// example corpus sets no precedent for shelling out to `ssh` specifically.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/remote-provisioner/internal/jupyter"
	"github.com/scusemua/remote-provisioner/provisioner"
)

const (
	EnvSSHPort          = "GP_SSH_PORT"
	EnvEnableTunneling  = "GP_ENABLE_TUNNELING"
	EnvInsecureHostKeys = "GP_SSH_INSECURE_HOST_KEYS"
	defaultSSHPort      = 22
)

// Options configures how the Tunneler dials remote hosts.
type Options struct {
	SSHPort            int
	Username           string
	Password           string
	KnownHostsPath     string
	InsecureIgnoreHost bool
	Signers            []ssh.Signer
}

// Tunneler forwards the six kernel ports (shell, iopub, stdin, control,
// heartbeat, plus the launcher's communication port) from
// ephemeral local ports to a remote host's ports over one SSH connection
// per kernel.
type Tunneler struct {
	log  logger.Logger
	opts Options

	mu      sync.Mutex
	clients map[string]*ssh.Client // kernel_id -> ssh client
	closers map[string][]io.Closer // kernel_id -> local listeners
}

// New builds a Tunneler. When opts.KnownHostsPath is empty it defaults to
// ~/.ssh/known_hosts, matching paramiko's load_system_host_keys default.
func New(opts Options) *Tunneler {
	if opts.SSHPort == 0 {
		opts.SSHPort = defaultSSHPort
	}
	if opts.KnownHostsPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			opts.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
		}
	}

	t := &Tunneler{opts: opts, clients: map[string]*ssh.Client{}, closers: map[string][]io.Closer{}}
	config.InitLogger(&t.log, t)
	return t
}

func (t *Tunneler) String() string { return "SSHTunneler" }

func (t *Tunneler) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.opts.InsecureIgnoreHost {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(t.opts.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts at %s: %w", t.opts.KnownHostsPath, err)
	}
	return cb, nil
}

func (t *Tunneler) dial(ctx context.Context, host string) (*ssh.Client, error) {
	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	auth := make([]ssh.AuthMethod, 0, 2)
	if t.opts.Password != "" {
		auth = append(auth, ssh.Password(t.opts.Password))
	}
	if len(t.opts.Signers) > 0 {
		auth = append(auth, ssh.PublicKeys(t.opts.Signers...))
	}

	clientConfig := &ssh.ClientConfig{
		User:            t.opts.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}

	addr := fmt.Sprintf("%s:%d", host, t.opts.SSHPort)
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, provisioner.Wrap(provisioner.KindTunnelHostUnknown, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, provisioner.Wrap(provisioner.KindTunnelHostUnknown, fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// forwardOne opens a local listener and pumps every accepted connection to
// remoteHost:remotePort over client, returning the local port actually bound.
func (t *Tunneler) forwardOne(client *ssh.Client, remoteHost string, remotePort int) (*net.TCPListener, int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, err
	}
	tcpLn := ln.(*net.TCPListener)
	localPort := tcpLn.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			local, err := tcpLn.Accept()
			if err != nil {
				return
			}
			go t.pump(client, local, remoteHost, remotePort)
		}
	}()

	return tcpLn, localPort, nil
}

func (t *Tunneler) pump(client *ssh.Client, local net.Conn, remoteHost string, remotePort int) {
	defer local.Close()

	remote, err := client.Dial("tcp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		t.log.Warn("tunnel dial to %s:%d failed: %v", remoteHost, remotePort, err)
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(remote, local) }()
	go func() { defer wg.Done(); _, _ = io.Copy(local, remote) }()
	wg.Wait()
}

// Open establishes one SSH connection to host and forwards every port in ci
// to freshly allocated local ports, returning a ConnectionInfo whose ports
// now point at localhost.
func (t *Tunneler) Open(ctx context.Context, kernelID, host string, ci jupyter.ConnectionInfo) (jupyter.ConnectionInfo, error) {
	client, err := t.dial(ctx, host)
	if err != nil {
		return ci, err
	}

	remotePorts := []int{ci.ShellPort, ci.IOPubPort, ci.StdinPort, ci.ControlPort, ci.HBPort, ci.CommunicationPort}
	localPorts := make([]int, len(remotePorts))
	closers := make([]io.Closer, 0, len(remotePorts)+1)

	for i, port := range remotePorts {
		if port == 0 {
			continue
		}
		ln, localPort, ferr := t.forwardOne(client, ci.IP, port)
		if ferr != nil {
			client.Close()
			for _, c := range closers {
				c.Close()
			}
			return ci, provisioner.Wrap(provisioner.KindTunnelHostUnknown, ferr)
		}
		localPorts[i] = localPort
		closers = append(closers, ln)
	}

	t.mu.Lock()
	t.clients[kernelID] = client
	t.closers[kernelID] = closers
	t.mu.Unlock()

	tunneled := ci
	tunneled.IP = "127.0.0.1"
	tunneled.ShellPort, tunneled.IOPubPort, tunneled.StdinPort, tunneled.ControlPort, tunneled.HBPort =
		localPorts[0], localPorts[1], localPorts[2], localPorts[3], localPorts[4]
	tunneled.CommunicationPort = localPorts[5]

	return tunneled, nil
}

// Close tears down kernelID's tunnel: every local listener and the
// underlying SSH connection.
func (t *Tunneler) Close(kernelID string) {
	t.mu.Lock()
	client := t.clients[kernelID]
	closers := t.closers[kernelID]
	delete(t.clients, kernelID)
	delete(t.closers, kernelID)
	t.mu.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
	if client != nil {
		_ = client.Close()
	}
}
