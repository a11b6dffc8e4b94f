package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Commands that modify the filesystem or change context; their path
// arguments are checked against the approved boundary.
var fsModifyingCommands = map[string]bool{
	"mkdir": true, "touch": true, "cp": true, "mv": true, "rm": true,
	"rmdir": true, "ln": true, "install": true, "tee": true, "cd": true,
}

// Read-only commands pass without path inspection.
var readOnlyCommands = map[string]bool{
	"cat": true, "ls": true, "head": true, "tail": true, "less": true,
	"more": true, "which": true, "whoami": true, "pwd": true, "echo": true,
	"printf": true, "env": true, "printenv": true, "date": true, "wc": true,
	"sort": true, "uniq": true, "diff": true, "file": true, "stat": true,
	"du": true, "df": true, "tree": true, "realpath": true,
	"dirname": true, "basename": true,
}

// find is only mutating with one of these actions.
var findMutatingActions = map[string]bool{
	"-delete": true, "-exec": true, "-execdir": true, "-ok": true, "-okdir": true,
}

var commandSeparators = map[string]bool{
	"&&": true, "||": true, ";": true, "|": true, "&": true,
}

// CheckBashBoundary verifies that every filesystem-modifying command in
// a (possibly chained) shell command only targets paths inside one of
// the approved directories. Relative paths resolve against workingDir
// so traversal like ../../evil is caught. An unparseable command is
// allowed through; static analysis is best-effort and the OS is the
// last line.
func CheckBashBoundary(command, workingDir string, approvedDirs []string) error {
	tokens, ok := splitShell(command)
	if !ok || len(tokens) == 0 {
		return nil
	}

	var chains [][]string
	var current []string
	for _, tok := range tokens {
		if commandSeparators[tok] {
			if len(current) > 0 {
				chains = append(chains, current)
			}
			current = nil
			continue
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		chains = append(chains, current)
	}

	for _, chain := range chains {
		base := filepath.Base(chain[0])
		if readOnlyCommands[base] {
			continue
		}

		needsCheck := false
		if base == "find" {
			for _, tok := range chain[1:] {
				if findMutatingActions[tok] {
					needsCheck = true
					break
				}
			}
		} else if fsModifyingCommands[base] {
			needsCheck = true
		}
		if !needsCheck {
			continue
		}

		for _, tok := range chain[1:] {
			if strings.HasPrefix(tok, "-") {
				continue
			}
			resolved := tok
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(workingDir, resolved)
			}
			resolved = filepath.Clean(resolved)

			if !withinAny(resolved, approvedDirs) {
				return fmt.Errorf(
					"directory boundary violation: %q targets %q which is outside all approved directories",
					base, tok)
			}
		}
	}
	return nil
}

func withinAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		dir = filepath.Clean(dir)
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// splitShell tokenizes a command the way a POSIX shell lexes words:
// whitespace separated, single and double quotes grouping, separators
// as standalone tokens. Returns ok=false on unbalanced quotes.
func splitShell(command string) ([]string, bool) {
	var tokens []string
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			tokens = append(tokens, buf.String())
			buf.Reset()
		}
	}

	i := 0
	for i < len(command) {
		c := command[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			flush()
			i++
		case c == '\'' || c == '"':
			quote := c
			i++
			start := i
			for i < len(command) && command[i] != quote {
				i++
			}
			if i >= len(command) {
				return nil, false
			}
			buf.WriteString(command[start:i])
			i++
		case c == ';':
			flush()
			tokens = append(tokens, ";")
			i++
		case c == '&' || c == '|':
			flush()
			if i+1 < len(command) && command[i+1] == c {
				tokens = append(tokens, string(c)+string(c))
				i += 2
			} else {
				tokens = append(tokens, string(c))
				i++
			}
		case c == '\\' && i+1 < len(command):
			buf.WriteByte(command[i+1])
			i += 2
		default:
			buf.WriteByte(c)
			i++
		}
	}
	flush()
	return tokens, true
}
