// Package policy implements the Config & Policy Mixin: the shared
// configurable traits every provisioner honors (authorized/unauthorized
// users, port range, launch timeout, impersonation, tunneling), the
// environment-derived defaults, and the per-kernel override/amend merge
// rules.
package policy

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/scusemua/remote-provisioner/provisioner"
	"github.com/scusemua/remote-provisioner/provisioner/portalloc"
)

// Env var names, pinned against the upstream config_mixin.py.
const (
	EnvAuthorizedUsers      = "GP_AUTHORIZED_USERS"
	EnvUnauthorizedUsers    = "GP_UNAUTHORIZED_USERS"
	EnvPortRange            = "GP_PORT_RANGE"
	EnvLaunchTimeout        = "GP_LAUNCH_TIMEOUT"
	EnvKernelLaunchTimeout  = "KERNEL_LAUNCH_TIMEOUT" // fallback when GP_LAUNCH_TIMEOUT is unset
	EnvMinPortRangeSize     = "GP_MIN_PORT_RANGE_SIZE"
	EnvMaxPortRangeRetries  = "GP_MAX_PORT_RANGE_RETRIES"
	EnvImpersonationEnabled = "GP_IMPERSONATION_ENABLED"
	EnvEnableTunneling      = "GP_ENABLE_TUNNELING"
)

const (
	// DefaultLaunchTimeoutSeconds is GP_LAUNCH_TIMEOUT's default (30s).
	DefaultLaunchTimeoutSeconds = 30
)

// getEnv mirrors the teacher's utils.GetEnv: returns the environment value
// if non-empty, else def.
func getEnv(env map[string]string, name string, def string) string {
	if v, ok := env[name]; ok && v != "" {
		return v
	}
	return def
}

// GlobalPolicy is the operator-level policy loaded once per host process,
// from GP_* environment variables.
type GlobalPolicy struct {
	AuthorizedUsers      map[string]bool `name:"authorized_users" json:"authorized_users" yaml:"authorized_users" description:"Users allowed to start kernels. Empty means unrestricted."`
	UnauthorizedUsers    map[string]bool `name:"unauthorized_users" json:"unauthorized_users" yaml:"unauthorized_users" description:"Users forbidden from starting kernels. Takes precedence over AuthorizedUsers."`
	PortRange            portalloc.Range `name:"port_range" json:"port_range" yaml:"port_range" description:"Optional [low..high] range constraining allocated kernel ports."`
	LaunchTimeoutSeconds int             `name:"launch_timeout" json:"launch_timeout" yaml:"launch_timeout" description:"Seconds to wait for a launched kernel to report its connection info."`
	MinPortRangeSize     int             `name:"min_port_range_size" json:"min_port_range_size" yaml:"min_port_range_size"`
	MaxPortRangeRetries  int             `name:"max_port_range_retries" json:"max_port_range_retries" yaml:"max_port_range_retries"`
	ImpersonationEnabled bool            `name:"impersonation_enabled" json:"impersonation_enabled" yaml:"impersonation_enabled"`
	TunnelingEnabled     bool            `name:"tunneling_enabled" json:"tunneling_enabled" yaml:"tunneling_enabled"`
}

// LoadGlobalPolicy reads GlobalPolicy from the process environment,
// represented here as a map so tests can construct one without touching
// os.Environ.
func LoadGlobalPolicy(env map[string]string) (*GlobalPolicy, error) {
	portRange, err := portalloc.ParseRange(getEnv(env, EnvPortRange, "0..0"))
	if err != nil {
		return nil, err
	}

	launchTimeout, err := strconv.Atoi(getEnv(env, EnvLaunchTimeout, getEnv(env, EnvKernelLaunchTimeout, strconv.Itoa(DefaultLaunchTimeoutSeconds))))
	if err != nil {
		launchTimeout = DefaultLaunchTimeoutSeconds
	}

	minSize, err := strconv.Atoi(getEnv(env, EnvMinPortRangeSize, strconv.Itoa(portalloc.DefaultMinPortRangeSize)))
	if err != nil {
		minSize = portalloc.DefaultMinPortRangeSize
	}

	maxRetries, err := strconv.Atoi(getEnv(env, EnvMaxPortRangeRetries, strconv.Itoa(portalloc.DefaultMaxPortRangeRetries)))
	if err != nil {
		maxRetries = portalloc.DefaultMaxPortRangeRetries
	}

	if err := portRange.Validate(minSize); err != nil {
		return nil, err
	}

	return &GlobalPolicy{
		AuthorizedUsers:      toSet(getEnv(env, EnvAuthorizedUsers, "")),
		UnauthorizedUsers:    toSet(getEnv(env, EnvUnauthorizedUsers, "root")),
		PortRange:            portRange,
		LaunchTimeoutSeconds: launchTimeout,
		MinPortRangeSize:     minSize,
		MaxPortRangeRetries:  maxRetries,
		ImpersonationEnabled: getEnv(env, EnvImpersonationEnabled, "false") == "true",
		TunnelingEnabled:     getEnv(env, EnvEnableTunneling, "false") == "true",
	}, nil
}

func toSet(commaSeparated string) map[string]bool {
	set := make(map[string]bool)
	for _, item := range strings.Split(commaSeparated, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			set[item] = true
		}
	}
	return set
}

// KernelConfig is the per-kernel `metadata.kernel_provisioner.config`
// override stanza, i.e. spec.md's ProvisionerConfig input before merging.
type KernelConfig struct {
	AuthorizedUsers      []string `json:"authorized_users,omitempty"`
	UnauthorizedUsers    []string `json:"unauthorized_users,omitempty"`
	PortRange            string   `json:"port_range,omitempty"`
	LaunchTimeoutSeconds int      `json:"launch_timeout,omitempty"`
	ImpersonationEnabled *bool    `json:"impersonation_enabled,omitempty"`
	TunnelingEnabled     *bool    `json:"tunneling_enabled,omitempty"`
}

// ResolvedConfig is the product of GlobalPolicy merged with a per-kernel
// KernelConfig: spec.md's ProvisionerConfig.
type ResolvedConfig struct {
	AuthorizedUsers      map[string]bool
	UnauthorizedUsers    map[string]bool
	PortRange            portalloc.Range
	LaunchTimeoutSeconds int
	ImpersonationEnabled bool
	TunnelingEnabled     bool
}

// PrettyString renders the resolved config as indented JSON, matching the
// teacher's CommonOptions.PrettyString idiom.
func (c *ResolvedConfig) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}
	m, err := json.MarshalIndent(c, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}
	return string(m)
}

// Merge produces a ResolvedConfig from global ⊕ per-kernel config, per
// spec.md §3's merge rule: scalars in KernelConfig override globals;
// unauthorized_users is amended (union); all other sets/lists override.
// unauthorized_users always takes precedence over authorized_users.
func Merge(global *GlobalPolicy, kernel *KernelConfig) *ResolvedConfig {
	resolved := &ResolvedConfig{
		AuthorizedUsers:      cloneSet(global.AuthorizedUsers),
		UnauthorizedUsers:    cloneSet(global.UnauthorizedUsers),
		PortRange:            global.PortRange,
		LaunchTimeoutSeconds: global.LaunchTimeoutSeconds,
		ImpersonationEnabled: global.ImpersonationEnabled,
		TunnelingEnabled:     global.TunnelingEnabled,
	}

	if kernel == nil {
		return resolved
	}

	if len(kernel.AuthorizedUsers) > 0 {
		resolved.AuthorizedUsers = sliceToSet(kernel.AuthorizedUsers) // override
	}

	for _, u := range kernel.UnauthorizedUsers { // amend (union)
		resolved.UnauthorizedUsers[u] = true
	}

	if kernel.PortRange != "" {
		if r, err := portalloc.ParseRange(kernel.PortRange); err == nil {
			resolved.PortRange = r // override
		}
	}

	if kernel.LaunchTimeoutSeconds > 0 {
		resolved.LaunchTimeoutSeconds = kernel.LaunchTimeoutSeconds
	}

	if kernel.ImpersonationEnabled != nil {
		resolved.ImpersonationEnabled = *kernel.ImpersonationEnabled
	}

	if kernel.TunnelingEnabled != nil {
		resolved.TunnelingEnabled = *kernel.TunnelingEnabled
	}

	return resolved
}

func cloneSet(s map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func sliceToSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

// Authorize applies the §4.4 checks, in order, to a launch attempt for
// username starting a kernel named displayName. It returns nil if the
// launch is permitted.
func (c *ResolvedConfig) Authorize(username, displayName string) error {
	if c.UnauthorizedUsers[username] {
		return provisioner.Errorf(provisioner.KindForbiddenUnauthorizedList,
			"User '%s' is not authorized to start kernel '%s'.", username, displayName)
	}

	if len(c.AuthorizedUsers) > 0 && !c.AuthorizedUsers[username] {
		return provisioner.Errorf(provisioner.KindForbiddenAuthorizedList,
			"User '%s' is not in the set of users authorized to start kernel '%s'.", username, displayName)
	}

	return nil
}
