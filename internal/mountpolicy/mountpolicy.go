// Package mountpolicy validates additional host paths requested by a
// workspace against an allowlist/blocklist held outside any workspace
// (§4.2), so an agent can never alter what it is allowed to mount next.
package mountpolicy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AllowedRoot is one permitted host-path prefix.
type AllowedRoot struct {
	Path           string `json:"path" yaml:"path"`
	AllowReadWrite bool   `json:"allowReadWrite" yaml:"allowReadWrite"`
	Description    string `json:"description" yaml:"description"`
}

// Config is the on-disk allowlist/blocklist schema (§4.2).
type Config struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots" yaml:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns" yaml:"blockedPatterns"`
	NonMainReadOnly bool          `json:"nonMainReadOnly" yaml:"nonMainReadOnly"`
}

// Rejected is returned when a requested mount fails validation.
type Rejected struct {
	Path   string
	Reason string
}

func (e *Rejected) Error() string {
	return fmt.Sprintf("mount rejected for %s: %s", e.Path, e.Reason)
}

// Request is a mount requested by a workspace, before validation.
type Request struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// Resolved is a Request after canonicalization and policy enforcement.
type Resolved struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// Policy holds a loaded Config and validates mount requests against it.
type Policy struct {
	cfg Config
}

// Load reads the allowlist from path. JSON is tried first; a ".yaml" or
// ".yml" extension (or JSON-decode failure) falls back to YAML, since the
// teacher reads both formats for sibling config files.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount policy %s: %w", path, err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse mount policy %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		if yamlErr := yaml.Unmarshal(data, &cfg); yamlErr != nil {
			return nil, fmt.Errorf("failed to parse mount policy %s as json or yaml: %w", path, err)
		}
	}

	return &Policy{cfg: cfg}, nil
}

// New builds a Policy directly from an in-memory Config (used by tests and
// by router.New when the policy file cannot be loaded).
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Validate is a pure function: given a requested mount and whether the
// requesting workspace is privileged, it returns the resolved, policy-
// enforced mount or a *Rejected error (§4.2, P8). It performs no I/O beyond
// resolving symlinks, and is safe to call ahead of starting any sandbox —
// the register_group IPC path uses it this way to reject bad
// containerConfig.mounts at registration time (§12).
func (p *Policy) Validate(req Request, privileged bool) (Resolved, error) {
	resolved, err := canonicalize(req.HostPath)
	if err != nil {
		return Resolved{}, &Rejected{Path: req.HostPath, Reason: err.Error()}
	}

	for _, pattern := range p.cfg.BlockedPatterns {
		if matchesAnyComponent(resolved, pattern) {
			return Resolved{}, &Rejected{Path: resolved, Reason: fmt.Sprintf("matches blocked pattern %q", pattern)}
		}
	}

	root, ok := p.findAllowedRoot(resolved)
	if !ok {
		return Resolved{}, &Rejected{Path: resolved, Reason: "not under any allowed root"}
	}

	readonly := req.ReadOnly
	if !privileged && p.cfg.NonMainReadOnly {
		readonly = true
	}
	if !root.AllowReadWrite {
		readonly = true
	}

	return Resolved{HostPath: resolved, GuestPath: req.GuestPath, ReadOnly: readonly}, nil
}

func (p *Policy) findAllowedRoot(resolved string) (AllowedRoot, bool) {
	for _, root := range p.cfg.AllowedRoots {
		rootPath, err := canonicalize(root.Path)
		if err != nil {
			continue
		}
		if resolved == rootPath || strings.HasPrefix(resolved, rootPath+string(filepath.Separator)) {
			return root, true
		}
	}
	return AllowedRoot{}, false
}

// canonicalize expands "~", makes the path absolute, and resolves symlinks
// so that a symlink cannot be used to escape an allowed root (§4.2.1).
func canonicalize(path string) (string, error) {
	expanded := path
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand ~: %w", err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet (e.g. a not-yet-created guest-side
		// mount point); fall back to the absolute, non-symlink-resolved form.
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	return resolved, nil
}

// matchesAnyComponent reports whether any path component (or the path as a
// whole) matches a shell glob pattern.
func matchesAnyComponent(path, pattern string) bool {
	if ok, err := filepath.Match(pattern, path); err == nil && ok {
		return true
	}
	for _, component := range strings.Split(path, string(filepath.Separator)) {
		if component == "" {
			continue
		}
		if ok, err := filepath.Match(pattern, component); err == nil && ok {
			return true
		}
	}
	return false
}
