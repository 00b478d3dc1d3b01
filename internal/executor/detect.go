package executor

import (
	"os/exec"
	"strings"
)

// Backend is a worker CLI found on the host.
type Backend struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Path    string   `json:"path"`
	Version string   `json:"version,omitempty"`
	Args    []string `json:"args"` // default argument template
}

// knownBackends lists the worker CLIs foreman can drive headless, in
// preference order.
var knownBackends = []Backend{
	{Name: "Claude CLI", Command: "claude", Args: []string{"-p", "{description}"}},
	{Name: "Aider", Command: "aider", Args: []string{"--yes", "--message", "{description}"}},
	{Name: "Gemini CLI", Command: "gemini", Args: []string{"-p", "{description}"}},
	{Name: "Codex", Command: "codex", Args: []string{"exec", "{description}"}},
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// DetectBackends scans PATH for known worker CLIs.
func DetectBackends() []Backend {
	var found []Backend
	for _, b := range knownBackends {
		path, err := lookPath(b.Command)
		if err != nil {
			continue
		}
		b.Path = path
		b.Version = commandVersion(path)
		b.Args = append([]string(nil), b.Args...)
		found = append(found, b)
	}
	return found
}

// DefaultBackend returns the first detected backend.
func DefaultBackend() (Backend, bool) {
	found := DetectBackends()
	if len(found) == 0 {
		return Backend{}, false
	}
	return found[0], true
}

func commandVersion(path string) string {
	if path == "" {
		return ""
	}
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
