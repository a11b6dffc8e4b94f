// Package security enforces filesystem boundaries on agent tool use:
// file tools must stay inside the approved directories and shell
// commands are statically screened before they run.
package security

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Subpaths under the agent CLI's own config dir that tools may touch
// even though they sit outside the project boundary. The CLI keeps
// plan drafts and todo state there.
var cliInternalSubpaths = map[string]bool{
	"plans":         true,
	"todos":         true,
	"settings.json": true,
}

var fileTools = map[string]bool{
	"Write": true, "Edit": true, "Read": true,
	"create_file": true, "edit_file": true, "read_file": true,
}

var bashTools = map[string]bool{
	"Bash": true, "bash": true, "shell": true,
}

// Validator checks tool invocations against approved directory roots.
type Validator struct {
	ApprovedRoots []string
	HomeDir       string // for the CLI-internal exemption; defaults to os.UserHomeDir
}

// NewValidator builds a validator over the configured roots.
func NewValidator(roots []string) *Validator {
	home, _ := os.UserHomeDir()
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		cleaned = append(cleaned, filepath.Clean(r))
	}
	return &Validator{ApprovedRoots: cleaned, HomeDir: home}
}

// ValidatePath resolves path against workingDir and checks it falls
// inside an approved root. Returns the resolved path.
func (v *Validator) ValidatePath(path, workingDir string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workingDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	if withinAny(resolved, v.ApprovedRoots) {
		return resolved, nil
	}
	return "", fmt.Errorf("path %q is outside all approved directories", path)
}

// isCLIInternalPath reports whether path targets the agent CLI's own
// state under ~/.claude. Only the known subpaths are exempt; arbitrary
// files under the config dir are not.
func (v *Validator) isCLIInternalPath(path string) bool {
	if v.HomeDir == "" {
		return false
	}
	claudeDir := filepath.Join(v.HomeDir, ".claude")
	resolved := filepath.Clean(path)
	rel, err := filepath.Rel(claudeDir, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	top := rel
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		top = rel[:i]
	}
	return cliInternalSubpaths[top]
}

// CheckToolUse gates one tool invocation. File tools have their target
// path validated; shell tools have the whole command screened. Unknown
// tools are allowed: the boundary is about the filesystem, not the
// tool inventory.
func (v *Validator) CheckToolUse(toolName string, input map[string]interface{}, approvedDir string) error {
	workingDir := approvedDir

	if fileTools[toolName] {
		path, _ := input["file_path"].(string)
		if path == "" {
			path, _ = input["path"].(string)
		}
		if path != "" && !v.isCLIInternalPath(path) {
			if _, err := v.ValidatePath(path, workingDir); err != nil {
				slog.Warn("denied file operation", "tool", toolName, "path", path, "error", err)
				return err
			}
		}
	}

	if bashTools[toolName] {
		command, _ := input["command"].(string)
		if command != "" {
			if err := CheckBashBoundary(command, workingDir, v.ApprovedRoots); err != nil {
				slog.Warn("denied shell command", "tool", toolName, "error", err)
				return err
			}
		}
	}

	return nil
}
