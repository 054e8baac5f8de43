// Package loadbalancer selects which remote host a Distributed-backend
// kernel launches on, tracking active-kernel counts per host for the
// least-connection algorithm.
//
// Grounded on distributed.py's TrackKernelOnHost and
// DistributedProvisioner._determine_next_host.
package loadbalancer

import (
	"strings"
	"sync"

	"github.com/scusemua/remote-provisioner/provisioner"
)

// Algorithm selects how HostPool picks the next host.
type Algorithm string

const (
	RoundRobin      Algorithm = "round-robin"
	LeastConnection Algorithm = "least-connection"

	EnvRemoteHosts          = "GP_REMOTE_HOSTS"
	EnvLoadBalancingAlgo    = "GP_LOAD_BALANCING_ALGORITHM"
	defaultRemoteHost       = "localhost"
	defaultLoadBalancingAlg = RoundRobin
)

// HostPool chooses a host for each new kernel launch and tracks how many
// kernels are currently assigned to each host.
type HostPool struct {
	mu sync.Mutex

	hosts     []string
	algorithm Algorithm

	hostIndex   int
	hostKernels map[string]int
	kernelHost  map[string]string
}

// New builds a HostPool over the given hosts using algorithm. An empty hosts
// list defaults to {"localhost"}; an unrecognized algorithm falls back to
// round-robin, matching the traitlet validator's allowed-value set.
func New(hosts []string, algorithm Algorithm) *HostPool {
	if len(hosts) == 0 {
		hosts = []string{defaultRemoteHost}
	}
	if algorithm != RoundRobin && algorithm != LeastConnection {
		algorithm = defaultLoadBalancingAlg
	}

	hk := make(map[string]int, len(hosts))
	for _, h := range hosts {
		hk[h] = 0
	}

	return &HostPool{
		hosts:       hosts,
		algorithm:   algorithm,
		hostKernels: hk,
		kernelHost:  map[string]string{},
	}
}

// OptionsFromEnv reads GP_REMOTE_HOSTS (comma-separated) and
// GP_LOAD_BALANCING_ALGORITHM from the environment and builds a HostPool.
func OptionsFromEnv(getenv func(string) string) *HostPool {
	raw := getenv(EnvRemoteHosts)
	var hosts []string
	if raw != "" {
		for _, h := range strings.Split(raw, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
	}
	return New(hosts, Algorithm(getenv(EnvLoadBalancingAlgo)))
}

// NextHost picks the host for a new launch. If remoteHost (from the
// launch's KERNEL_REMOTE_HOST env override) is non-empty it always wins,
// matching _determine_next_host's "remote_host if remote_host else ..."
// bypass for both algorithms, but it must name one of the configured hosts:
// an unrecognized pin fails with UNKNOWN_REMOTE_HOST rather than launching
// against an unconfigured host.
func (p *HostPool) NextHost(kernelID, remoteHost string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if remoteHost != "" && !p.hasHostLocked(remoteHost) {
		return "", provisioner.Errorf(provisioner.KindUnknownRemoteHost,
			"KERNEL_REMOTE_HOST %q is not one of the configured remote hosts", remoteHost)
	}

	var next string
	switch {
	case p.algorithm == LeastConnection:
		next = p.minOrRemoteHostLocked(remoteHost)
		p.addKernelLocked(next, kernelID)
	case remoteHost != "":
		next = remoteHost
	default:
		next = p.hosts[p.hostIndex%len(p.hosts)]
		p.hostIndex++
	}

	return next, nil
}

func (p *HostPool) hasHostLocked(host string) bool {
	for _, h := range p.hosts {
		if h == host {
			return true
		}
	}
	return false
}

func (p *HostPool) minOrRemoteHostLocked(remoteHost string) string {
	if remoteHost != "" {
		return remoteHost
	}
	best := p.hosts[0]
	bestCount := p.hostKernels[best]
	for _, h := range p.hosts[1:] {
		if c := p.hostKernels[h]; c < bestCount {
			best, bestCount = h, c
		}
	}
	return best
}

func (p *HostPool) addKernelLocked(host, kernelID string) {
	p.kernelHost[kernelID] = host
	p.hostKernels[host]++
}

// Release removes kernelID's host assignment, decrementing its
// least-connection count. A no-op under round-robin, matching
// _unregister_assigned_host's "only if least_connection" guard.
func (p *HostPool) Release(kernelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.algorithm != LeastConnection {
		return
	}
	host, ok := p.kernelHost[kernelID]
	if !ok {
		return
	}
	p.hostKernels[host]--
	delete(p.kernelHost, kernelID)
}

// HostFor reports the host most recently assigned to kernelID, if tracked.
func (p *HostPool) HostFor(kernelID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	host, ok := p.kernelHost[kernelID]
	return host, ok
}

// ValidateAlgorithm rejects any value outside {round-robin, least-connection},
// matching _validate_load_balancing_algorithm.
func ValidateAlgorithm(value string) error {
	if value != string(RoundRobin) && value != string(LeastConnection) {
		return provisioner.Errorf(provisioner.KindBackendLaunchFailed, "invalid load_balancing_algorithm value %q, not in [round-robin,least-connection]", value)
	}
	return nil
}
