// Package responsemanager implements the single process-wide TCP listener
// that every launched kernel reports its connection info back to. Exactly
// one Manager runs per host process; launches rendezvous with it by
// kernel_id via Register/Await.
package responsemanager

import (
	"bufio"
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/remote-provisioner/internal/concurrent"
	"github.com/scusemua/remote-provisioner/internal/jupyter"
	"github.com/scusemua/remote-provisioner/internal/style"
	"github.com/scusemua/remote-provisioner/provisioner"
	"github.com/scusemua/remote-provisioner/provisioner/crypto"
)

// Environment variables honored when building the default Options, pinned
// against the upstream config_mixin.py/response_manager.py.
const (
	EnvResponseIP            = "GP_RESPONSE_IP"
	EnvResponsePort          = "GP_RESPONSE_PORT"
	EnvResponsePortRetries   = "GP_RESPONSE_PORT_RETRIES"
	EnvResponseAddrAny       = "GP_RESPONSE_ADDR_ANY"
	EnvProhibitedLocalIPs    = "GP_PROHIBITED_LOCAL_IPS"
	DefaultResponsePort      = 8877
	DefaultResponsePortRetries = 10
)

// Options configures a Manager.
type Options struct {
	// ResponseIP pins the bind address. Empty means auto-detect the first
	// local IP not matching ProhibitedLocalIPs.
	ResponseIP string
	// DesiredPort is the first port to try binding.
	DesiredPort int
	// PortRetries is how many additional ports (sequential, then nearby
	// random) to try after DesiredPort before giving up.
	PortRetries int
	// BindAnyAddress binds "" (all interfaces) instead of ResponseIP.
	BindAnyAddress bool
	// ProhibitedLocalIPs excludes candidate auto-detected IPs matching any
	// of these regular expressions.
	ProhibitedLocalIPs []string
	// AwaitTimeout bounds how long Await blocks for a given kernel_id.
	AwaitTimeout time.Duration
}

// OptionsFromEnv builds Options from the process environment, matching
// response_manager.py's module-level env reads.
func OptionsFromEnv(getenv func(string) string, awaitTimeout time.Duration) Options {
	if getenv == nil {
		getenv = os.Getenv
	}

	opts := Options{
		ResponseIP:   getenv(EnvResponseIP),
		DesiredPort:  DefaultResponsePort,
		PortRetries:  DefaultResponsePortRetries,
		AwaitTimeout: awaitTimeout,
	}

	if v := getenv(EnvResponsePort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			opts.DesiredPort = p
		}
	}
	if v := getenv(EnvResponsePortRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.PortRetries = n
		}
	}
	opts.BindAnyAddress = getenv(EnvResponseAddrAny) == "true"

	if v := getenv(EnvProhibitedLocalIPs); v != "" {
		opts.ProhibitedLocalIPs = splitNonEmpty(v, ",")
	}

	return opts
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s)-len(sep); {
		if s[i:i+len(sep)] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			i += len(sep)
			start = i
		} else {
			i++
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// waiter is the per-launch rendezvous slot: Manager.accept fills connInfo
// and closes done exactly once.
type waiter struct {
	done     chan struct{}
	once     sync.Once
	connInfo jupyter.ConnectionInfo
	err      error
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) deliver(ci jupyter.ConnectionInfo) {
	w.once.Do(func() {
		w.connInfo = ci
		close(w.done)
	})
}

func (w *waiter) fail(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Manager is the process-wide response listener. Exactly one Manager per
// host process; every launch calls Register before spawning its kernel, then
// Await to block for that kernel's connection info.
type Manager struct {
	log logger.Logger

	opts Options

	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey

	listener net.Listener
	bindIP   string
	bindPort int

	waiters *concurrent.CornelkMap[string, *waiter]

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New builds a Manager, generates its RSA keypair, and binds the response
// socket, but does not yet start accepting connections (call Start for
// that).
func New(opts Options) (*Manager, error) {
	key, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:       opts,
		privateKey: key,
		publicKey:  &key.PublicKey,
		waiters:    concurrent.NewCornelkMap[string, *waiter](32),
		stopped:    make(chan struct{}),
	}
	config.InitLogger(&m.log, m)

	if err := m.bind(); err != nil {
		return nil, err
	}

	return m, nil
}

// String satisfies config.InitLogger's naming convention for log prefixes.
func (m *Manager) String() string {
	return "ResponseManager"
}

// PublicKeyBase64DER is what gets handed to each kernel-launcher so it can
// encrypt its connection-info payload.
func (m *Manager) PublicKeyBase64DER() (string, error) {
	return crypto.PublicKeyToBase64DER(m.publicKey)
}

// ResponseAddress is the "ip:port" a kernel-launcher connects to, reported
// in launcher argv/env as GP_RESPONSE_ADDRESS would be upstream.
func (m *Manager) ResponseAddress() string {
	return net.JoinHostPort(m.bindIP, strconv.Itoa(m.bindPort))
}

// bind prepares the response socket: auto-detects the bind IP (honoring
// ProhibitedLocalIPs) unless BindAnyAddress or ResponseIP override it, then
// probes DesiredPort, PortRetries sequential ports, and finally nearby
// random ports, matching response_manager.py's _random_ports generator.
func (m *Manager) bind() error {
	bindIP := m.opts.ResponseIP
	if bindIP == "" {
		detected, err := detectLocalIP(m.opts.ProhibitedLocalIPs)
		if err != nil {
			return err
		}
		bindIP = detected
	}

	listenHost := bindIP
	if m.opts.BindAnyAddress {
		listenHost = ""
	}

	retries := m.opts.PortRetries
	if retries <= 0 {
		retries = DefaultResponsePortRetries
	}

	var lastErr error
	for _, port := range candidatePorts(m.opts.DesiredPort, retries+1) {
		ln, err := net.Listen("tcp", net.JoinHostPort(listenHost, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		actualPort := port
		if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
			actualPort = tcpAddr.Port
		}
		m.listener = ln
		m.bindIP = bindIP
		m.bindPort = actualPort
		return nil
	}

	return provisioner.Wrap(provisioner.KindResponsePortUnavailable,
		fmt.Errorf("no available response port found after %d attempts (last error: %v)", retries+1, lastErr))
}

// candidatePorts mirrors _random_ports: the first min(5,n) ports are
// sequential from start, the remainder are random offsets within
// [-2n, 2n] of start, floored at 1.
func candidatePorts(start, n int) []int {
	ports := make([]int, 0, n)
	seqCount := n
	if seqCount > 5 {
		seqCount = 5
	}
	for i := 0; i < seqCount; i++ {
		ports = append(ports, start+i)
	}
	for i := 0; i < n-5; i++ {
		offset := rand.Intn(4*n+1) - 2*n
		candidate := start + offset
		if candidate < 1 {
			candidate = 1
		}
		ports = append(ports, candidate)
	}
	return ports
}

// detectLocalIP returns the first non-loopback IPv4 address on the host
// that doesn't match any of the prohibited regular expressions, matching
// response_manager.py's _get_local_ip. If every candidate is prohibited, it
// returns the first non-loopback IPv4 address anyway.
func detectLocalIP(prohibited []string) (string, error) {
	patterns := make([]*regexp.Regexp, 0, len(prohibited))
	for _, p := range prohibited {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		patterns = append(patterns, re)
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("detecting local IP: %w", err)
	}

	var fallback string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		ipStr := ip4.String()
		if fallback == "" {
			fallback = ipStr
		}

		prohibited := false
		for _, re := range patterns {
			if re.MatchString(ipStr) {
				prohibited = true
				break
			}
		}
		if !prohibited {
			return ipStr, nil
		}
	}

	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no local IP address found")
}

// Start launches the accept loop in the background. Call Stop to shut it
// down.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.acceptLoop()
}

// Stop closes the listener and unblocks the accept loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		if m.listener != nil {
			_ = m.listener.Close()
		}
	})
	m.wg.Wait()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopped:
				return
			default:
				m.log.Error("accept failed on response socket: %v", err)
				continue
			}
		}
		m.wg.Add(1)
		go m.handleConnection(conn)
	}
}

func (m *Manager) handleConnection(conn net.Conn) {
	defer m.wg.Done()
	defer conn.Close()

	data, err := io.ReadAll(bufio.NewReader(conn))
	if err != nil {
		m.log.Error("failed reading response payload: %v", err)
		return
	}

	var ci jupyter.ConnectionInfo
	if err := crypto.DecryptPayload(data, m.privateKey, &ci); err != nil {
		m.log.Error("failed decrypting response payload: %v", err)
		return
	}

	m.postConnection(ci)
}

func (m *Manager) postConnection(ci jupyter.ConnectionInfo) {
	if ci.KernelID == "" {
		m.log.Error("response payload carried no kernel_id; launch cannot be completed")
		return
	}

	w, ok := m.waiters.Load(ci.KernelID)
	if !ok {
		m.log.Warn(style.OrangeStyle.Render("kernel '%s' is not registered; dropping its response as an orphan"), ci.KernelID)
		return
	}

	m.log.Debug("connection info received for kernel '%s'", ci.KernelID)
	w.deliver(ci)
}

// Register must be called before a kernel is launched, so its eventual
// response can be routed. Calling Await for an unregistered kernel_id fails
// at once with a LAUNCH_TIMEOUT error.
func (m *Manager) Register(kernelID string) {
	m.waiters.Store(kernelID, newWaiter())
}

// Await blocks until kernelID's connection info arrives, ctx is done, or
// m.opts.AwaitTimeout elapses (if positive). The waiter entry stays in the
// map for the duration of the wait, since postConnection routes by kernelID
// and the kernel's payload typically arrives well after Await is called; it
// is removed only once the wait concludes, one way or another.
func (m *Manager) Await(ctx context.Context, kernelID string) (jupyter.ConnectionInfo, error) {
	w, ok := m.waiters.Load(kernelID)
	if !ok {
		return jupyter.ConnectionInfo{}, provisioner.Errorf(provisioner.KindLaunchTimeout,
			"kernel '%s' was never registered with the response manager", kernelID)
	}
	defer m.waiters.Delete(kernelID)

	waitCtx := ctx
	var cancel context.CancelFunc
	if m.opts.AwaitTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, m.opts.AwaitTimeout)
		defer cancel()
	}

	select {
	case <-w.done:
		if w.err != nil {
			return jupyter.ConnectionInfo{}, w.err
		}
		return w.connInfo, nil
	case <-waitCtx.Done():
		m.log.Warn(style.YellowStyle.Render("timed out awaiting connection info for kernel '%s'"), kernelID)
		return jupyter.ConnectionInfo{}, provisioner.Wrap(provisioner.KindLaunchTimeout, waitCtx.Err())
	}
}

// Cancel aborts a pending Await for kernelID, e.g. because the launch was
// cancelled before the kernel reported in.
func (m *Manager) Cancel(kernelID string) {
	if w, ok := m.waiters.LoadAndDelete(kernelID); ok {
		w.fail(provisioner.ErrLaunchCancelled)
	}
}
