package tool

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ridgetop/ridgeline/backend/model"
)

// Check is the outcome of gating one tool call before execution.
type Check int

const (
	CheckAllowed Check = iota
	CheckRequiresConfirmation
	CheckRequiresDangerousMode
	CheckUnknownTool
	CheckPathNotAllowed
)

func (c Check) String() string {
	switch c {
	case CheckAllowed:
		return "allowed"
	case CheckRequiresConfirmation:
		return "requires_confirmation"
	case CheckRequiresDangerousMode:
		return "requires_dangerous_mode"
	case CheckUnknownTool:
		return "unknown_tool"
	case CheckPathNotAllowed:
		return "path_not_allowed"
	default:
		return "unknown"
	}
}

// Policy is the execution policy for one tool.
type Policy struct {
	Name                string
	RequireConfirmation bool
	DangerousModeOnly   bool
	ReadOnly            bool
	Timeout             time.Duration
	MaxOutputBytes      int
	// AllowedPaths restricts where path-taking tools may operate. Empty
	// means unrestricted. A leading ~/ expands to the user's home.
	AllowedPaths []string
}

var defaultAllowedPaths = []string{"~/", "/tmp/"}

// DefaultPolicies is the built-in policy table. Read-only tools run without
// confirmation; file_write asks; deletion and shell execution are gated
// behind dangerous mode.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"file_read": {
			Name:           "file_read",
			ReadOnly:       true,
			Timeout:        10 * time.Second,
			MaxOutputBytes: 1 << 20,
			AllowedPaths:   defaultAllowedPaths,
		},
		"file_write": {
			Name:                "file_write",
			RequireConfirmation: true,
			Timeout:             30 * time.Second,
			MaxOutputBytes:      1 << 20,
			AllowedPaths:        defaultAllowedPaths,
		},
		"file_delete": {
			Name:                "file_delete",
			RequireConfirmation: true,
			DangerousModeOnly:   true,
			Timeout:             10 * time.Second,
			MaxOutputBytes:      4096,
			AllowedPaths:        defaultAllowedPaths,
		},
		"list_directory": {
			Name:           "list_directory",
			ReadOnly:       true,
			Timeout:        10 * time.Second,
			MaxOutputBytes: 100 << 10,
			AllowedPaths:   defaultAllowedPaths,
		},
		"grep": {
			Name:           "grep",
			ReadOnly:       true,
			Timeout:        30 * time.Second,
			MaxOutputBytes: 512 << 10,
			AllowedPaths:   defaultAllowedPaths,
		},
		"glob": {
			Name:           "glob",
			ReadOnly:       true,
			Timeout:        15 * time.Second,
			MaxOutputBytes: 100 << 10,
			AllowedPaths:   defaultAllowedPaths,
		},
		"bash_execute": {
			Name:                "bash_execute",
			RequireConfirmation: true,
			DangerousModeOnly:   true,
			Timeout:             60 * time.Second,
			MaxOutputBytes:      1 << 20,
		},
	}
}

// Gate decides whether a tool call may run.
type Gate struct {
	mu        sync.RWMutex
	policies  map[string]Policy
	dangerous bool

	workingDir string
	homeDir    string
}

func NewGate(workingDir string) *Gate {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	return &Gate{
		policies:   DefaultPolicies(),
		workingDir: workingDir,
		homeDir:    home,
	}
}

func (g *Gate) SetDangerousMode(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dangerous = enabled
}

func (g *Gate) DangerousMode() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dangerous
}

func (g *Gate) Policy(name string) (Policy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.policies[name]
	return p, ok
}

// SetAllowedPaths replaces the allow-list of every path-gated policy.
// Policies without one, like shell execution, are left alone.
func (g *Gate) SetAllowedPaths(paths []string) {
	if len(paths) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, p := range g.policies {
		if len(p.AllowedPaths) == 0 {
			continue
		}
		p.AllowedPaths = append([]string(nil), paths...)
		g.policies[name] = p
	}
}

func (g *Gate) SetPolicy(p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[p.Name] = p
}

// CanExecute gates one tool call. A dangerous-mode block is a hard stop,
// never a confirmation prompt; dangerous mode itself waives confirmations.
func (g *Gate) CanExecute(use model.ToolUse, userConfirmed bool) Check {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policy, ok := g.policies[use.Name]
	if !ok {
		return CheckUnknownTool
	}
	if policy.DangerousModeOnly && !g.dangerous {
		return CheckRequiresDangerousMode
	}
	if path := gjson.GetBytes(use.Input, "path"); path.Exists() {
		if !g.pathAllowed(policy, path.String()) {
			return CheckPathNotAllowed
		}
	}
	if policy.RequireConfirmation && !g.dangerous && !userConfirmed {
		return CheckRequiresConfirmation
	}
	return CheckAllowed
}

func (g *Gate) pathAllowed(policy Policy, path string) bool {
	if len(policy.AllowedPaths) == 0 {
		return true
	}

	resolved := g.resolvePath(path)
	if strings.Contains(resolved, "..") {
		return false
	}

	for _, pattern := range policy.AllowedPaths {
		expanded := pattern
		if after, ok := strings.CutPrefix(pattern, "~/"); ok {
			expanded = filepath.Join(g.homeDir, after)
		}
		// The prefix must end at a path boundary so /tmp never admits
		// /tmpfoo.
		prefix := strings.TrimSuffix(expanded, "/")
		if resolved == prefix || strings.HasPrefix(resolved, prefix+"/") {
			return true
		}
	}
	return false
}

// resolvePath expands a leading ~ and roots relative paths at the working
// directory.
func (g *Gate) resolvePath(path string) string {
	if after, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(g.homeDir, after)
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(g.workingDir, path)
}
