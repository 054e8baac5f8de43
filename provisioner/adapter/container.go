package adapter

import (
	"strings"

	"github.com/scusemua/remote-provisioner/provisioner"
)

// Shared env knobs carried over from container.py's ContainerProvisionerBase,
// used by the Kubernetes, SparkOperator and Docker adapters.
const (
	EnvProhibitedUIDs    = "GP_PROHIBITED_UIDS"
	EnvProhibitedGIDs    = "GP_PROHIBITED_GIDS"
	EnvMirrorWorkingDirs = "GP_MIRROR_WORKING_DIRS"

	defaultKernelUID = "1000"
	defaultKernelGID = "100"
)

// ContainerPolicy holds the env-derived UID/GID denylist and working-directory
// mirroring switch shared by the Kubernetes, SparkOperator and Docker
// adapters; the Docker Swarm adapter does not apply it.
type ContainerPolicy struct {
	ProhibitedUIDs    map[string]bool
	ProhibitedGIDs    map[string]bool
	MirrorWorkingDirs bool
}

// ContainerPolicyFromEnv builds a ContainerPolicy from the ambient process
// environment, mirroring container.py's module-level defaults
// (GP_PROHIBITED_UIDS/GIDS default to denying "0", GP_MIRROR_WORKING_DIRS
// defaults to false).
func ContainerPolicyFromEnv(getenv func(string) string) ContainerPolicy {
	return ContainerPolicy{
		ProhibitedUIDs:    csvSet(getenv(EnvProhibitedUIDs), "0"),
		ProhibitedGIDs:    csvSet(getenv(EnvProhibitedGIDs), "0"),
		MirrorWorkingDirs: strings.EqualFold(getenv(EnvMirrorWorkingDirs), "true"),
	}
}

func csvSet(raw, fallback string) map[string]bool {
	if raw == "" {
		raw = fallback
	}
	out := map[string]bool{}
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out[v] = true
		}
	}
	return out
}

// EnforceProhibitedIDs fills in default KERNEL_UID/KERNEL_GID values when
// absent and rejects the launch if either value is denylisted, matching
// _enforce_prohibited_ids's ordering (UID checked before GID).
func (p ContainerPolicy) EnforceProhibitedIDs(env map[string]string) error {
	uid := env["KERNEL_UID"]
	if uid == "" {
		uid = defaultKernelUID
	}
	gid := env["KERNEL_GID"]
	if gid == "" {
		gid = defaultKernelGID
	}

	if p.ProhibitedUIDs[uid] {
		return provisioner.Errorf(provisioner.KindProhibitedUID, "kernel's UID value of '%s' has been denied via %s", uid, EnvProhibitedUIDs)
	}
	if p.ProhibitedGIDs[gid] {
		return provisioner.Errorf(provisioner.KindProhibitedGID, "kernel's GID value of '%s' has been denied via %s", gid, EnvProhibitedGIDs)
	}

	env["KERNEL_UID"] = uid
	env["KERNEL_GID"] = gid
	return nil
}

// ApplyWorkingDirMirror strips KERNEL_WORKING_DIR from env unless mirroring
// is enabled, matching pre_launch's "not mirror_working_dirs" branch.
func (p ContainerPolicy) ApplyWorkingDirMirror(env map[string]string) {
	if !p.MirrorWorkingDirs {
		delete(env, "KERNEL_WORKING_DIR")
	}
}
