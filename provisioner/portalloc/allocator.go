// Package portalloc implements the Port Allocator: bind-and-release probing
// for free TCP ports, honoring an optional [low..high] range.
package portalloc

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"

	"github.com/scusemua/remote-provisioner/provisioner"
)

// DefaultMaxPortRangeRetries is GP_MAX_PORT_RANGE_RETRIES's default: the
// number of random candidates the allocator probes for each requested port
// before it fails with PORT_ALLOCATION_EXHAUSTED.
const DefaultMaxPortRangeRetries = 5

// DefaultMinPortRangeSize is GP_MIN_PORT_RANGE_SIZE's default. A configured
// [low..high] range smaller than this fails validation at configuration-load
// time with ErrPortRangeTooSmall.
const DefaultMinPortRangeSize = 1000

// Range is an inclusive [Low, High] port range. The zero value Range{0, 0}
// means "unconstrained": any ephemeral port is acceptable.
type Range struct {
	Low  int
	High int
}

// Unconstrained reports whether r represents the "any ephemeral port" range.
func (r Range) Unconstrained() bool {
	return r.Low == 0 && r.High == 0
}

// Size returns the number of distinct ports in the range. Unconstrained
// ranges report 0.
func (r Range) Size() int {
	if r.Unconstrained() {
		return 0
	}
	return r.High - r.Low + 1
}

// ParseRange parses a "low..high" string as used by GP_PORT_RANGE, e.g.
// "40000..41000". The literal "0..0" (config_mixin.py's default) parses to
// the unconstrained Range{}.
func ParseRange(s string) (Range, error) {
	if s == "" {
		return Range{}, nil
	}

	var low, high int
	n, err := fmt.Sscanf(s, "%d..%d", &low, &high)
	if err != nil || n != 2 {
		return Range{}, fmt.Errorf("malformed port range %q: expected \"low..high\"", s)
	}
	return Range{Low: low, High: high}, nil
}

// Validate enforces GP_MIN_PORT_RANGE_SIZE at configuration-load time.
func (r Range) Validate(minSize int) error {
	if r.Unconstrained() {
		return nil
	}
	if r.Low < 1024 || r.High > 65535 || r.High < r.Low {
		return provisioner.Errorf(provisioner.KindPortRangeTooSmall,
			"port range %d..%d is not a valid [1024..65535] sub-range", r.Low, r.High)
	}
	if r.Size() < minSize {
		return provisioner.Errorf(provisioner.KindPortRangeTooSmall,
			"port range %d..%d has size %d, below the configured minimum of %d", r.Low, r.High, r.Size(), minSize)
	}
	return nil
}

// Allocator allocates free TCP ports by binding and immediately releasing a
// listener, matching the teacher's testing/port bind-probe idiom.
type Allocator struct {
	MaxRetries int
	MinSize    int
}

// New builds an Allocator with the default retry/min-size policy.
func New() *Allocator {
	return &Allocator{MaxRetries: DefaultMaxPortRangeRetries, MinSize: DefaultMinPortRangeSize}
}

// Check reports whether port is currently free by attempting to bind a
// listener to it and immediately releasing it.
func Check(port int) (bool, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false, nil
	}
	_ = ln.Close()
	return true, nil
}

// Allocate returns n distinct free TCP ports. If r is unconstrained, the
// kernel chooses n ephemeral ports (bind to port 0, read back the assigned
// port). Otherwise ports are drawn uniformly from [r.Low..r.High]: for each
// requested port up to a.MaxRetries random candidates are probed once with
// Check, and if none is free Allocate fails with PORT_ALLOCATION_EXHAUSTED.
func (a *Allocator) Allocate(n int, r Range) ([]int, error) {
	if !r.Unconstrained() {
		if err := r.Validate(a.MinSize); err != nil {
			return nil, err
		}
	}

	seen := make(map[int]bool, n)
	ports := make([]int, 0, n)

	for len(ports) < n {
		var candidate int
		var err error

		if r.Unconstrained() {
			candidate, err = a.allocateEphemeral()
			if err != nil {
				return nil, err
			}
		} else {
			candidate, err = a.allocateFromRange(r, seen)
			if err != nil {
				return nil, err
			}
		}

		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		ports = append(ports, candidate)
	}

	return ports, nil
}

func (a *Allocator) allocateEphemeral() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, provisioner.Wrap(provisioner.KindPortAllocationExhausted, err)
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, provisioner.Errorf(provisioner.KindPortAllocationExhausted, "unexpected listener address type %T", ln.Addr())
	}
	return addr.Port, nil
}

func (a *Allocator) allocateFromRange(r Range, seen map[int]bool) (int, error) {
	maxRetries := a.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxPortRangeRetries
	}

	size := r.Size()
	for attempt := 0; attempt < maxRetries; attempt++ {
		candidate := r.Low + rand.Intn(size)
		if seen[candidate] {
			continue
		}

		free, err := Check(candidate)
		if err != nil {
			return 0, err
		}
		if free {
			return candidate, nil
		}
	}

	return 0, provisioner.Errorf(provisioner.KindPortAllocationExhausted,
		"exhausted %d retries probing range %d..%d", maxRetries, r.Low, r.High)
}
