// Package packageinstall implements the optional local-package-install
// helper (spec §4.11, §6): a sandboxed-by-policy wrapper around a handful
// of package managers, gated behind an explicit environment flag and a
// conservative package-name character class.
package packageinstall

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/metamcp/pkg/errs"
	"github.com/stacklok/metamcp/pkg/metamcp"
)

// EnableEnvVar is the environment flag that must be truthy for Install to
// run anything (spec §4.11).
const EnableEnvVar = "METAMCP_ENABLE_PACKAGE_INSTALL"

// packageNamePattern is the conservative character class package names
// must match (spec §4.11).
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9@/._-]+$`)

// Manager identifies a supported package manager.
type Manager string

// Supported managers (spec §4.11).
const (
	ManagerNPM Manager = "npm"
	ManagerAPT Manager = "apt-get"
	ManagerPip Manager = "pip"
	ManagerUV  Manager = "uv"
)

func commandFor(manager Manager, pkg string) ([]string, error) {
	switch manager {
	case ManagerNPM:
		return []string{"npm", "install", "-g", pkg}, nil
	case ManagerAPT:
		return []string{"apt-get", "install", "-y", pkg}, nil
	case ManagerPip:
		return []string{"pip", "install", pkg}, nil
	case ManagerUV:
		return []string{"uv", "pip", "install", pkg}, nil
	default:
		return nil, errs.NewValidationError(fmt.Sprintf("unsupported package manager %q", manager), nil)
	}
}

// Installer runs package-manager commands on request and records every
// attempt to metamcp.Store's PackageInstallHistory (spec §4.11).
type Installer struct {
	store  metamcp.Store
	enable func() bool
}

// New constructs an Installer backed by store. Install refuses to run
// unless EnableEnvVar is truthy at call time.
func New(store metamcp.Store) *Installer {
	return &Installer{store: store, enable: defaultEnabled}
}

func defaultEnabled() bool {
	v, ok := os.LookupEnv(EnableEnvVar)
	if !ok {
		return false
	}
	switch v {
	case "true", "1":
		return true
	default:
		return false
	}
}

// Install shells out to manager to install pkg on behalf of userID,
// recording the attempt whether it succeeds or fails (spec §4.11).
// Refuses before running anything if the feature flag is off, the
// package name fails the character class, or the manager is unknown.
func (i *Installer) Install(ctx context.Context, manager Manager, pkg, userID string) (*metamcp.PackageInstallHistory, error) {
	if !i.enable() {
		return nil, errs.NewPolicyDeniedError(fmt.Sprintf("package install is disabled; set %s=true to enable it", EnableEnvVar), nil)
	}
	if !packageNamePattern.MatchString(pkg) {
		return nil, errs.NewValidationError(fmt.Sprintf("package name %q contains disallowed characters", pkg), nil)
	}

	args, err := commandFor(manager, pkg)
	if err != nil {
		return nil, err
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	status := "ok"
	runErr := cmd.Run()
	if runErr != nil {
		status = "failed"
	}

	record := metamcp.PackageInstallHistory{
		UUID:      uuid.New(),
		Manager:   string(manager),
		Package:   pkg,
		Command:   joinArgs(args),
		Output:    output.String(),
		Status:    status,
		UserID:    userID,
		CreatedAt: time.Now().Unix(),
	}
	if appendErr := i.store.AppendPackageInstallHistory(ctx, record); appendErr != nil {
		return nil, errs.NewInternalError("record package install history", appendErr)
	}
	if runErr != nil {
		return &record, errs.NewInternalError(fmt.Sprintf("%s failed", joinArgs(args)), runErr)
	}
	return &record, nil
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
