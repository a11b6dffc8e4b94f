package telegram

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// filteredDirs are build and dependency directories hidden from the
// workspace browser. Dotdirs are filtered separately.
var filteredDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"target":       true,
	"build":        true,
	"dist":         true,
	".tox":         true,
}

// listVisibleChildren returns the sorted visible subdirectories of dir.
func listVisibleChildren(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var children []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || filteredDirs[name] {
			continue
		}
		children = append(children, filepath.Join(dir, name))
	}
	sort.Strings(children)
	return children
}

// isBranchDir reports whether dir has visible subdirectories and is
// therefore navigable rather than selectable only.
func isBranchDir(dir string) bool {
	return len(listVisibleChildren(dir)) > 0
}

// buildBrowserKeyboard lays out the directory browser: a navigation
// row with select-here and up, then child directories two per row.
// Branch directories navigate deeper, leaves select directly.
func buildBrowserKeyboard(browseDir, workspaceRoot string, multiRoot bool) *telego.InlineKeyboardMarkup {
	navRow := []telego.InlineKeyboardButton{
		tu.InlineKeyboardButton(". (select)").WithCallbackData("sel:."),
	}
	if browseDir != workspaceRoot || multiRoot {
		navRow = append(navRow, tu.InlineKeyboardButton("..").WithCallbackData("nav:.."))
	}
	rows := [][]telego.InlineKeyboardButton{navRow}

	children := listVisibleChildren(browseDir)
	for i := 0; i < len(children); i += 2 {
		var row []telego.InlineKeyboardButton
		for j := i; j < i+2 && j < len(children); j++ {
			child := children[j]
			rel, err := filepath.Rel(workspaceRoot, child)
			if err != nil {
				continue
			}
			prefix := "sel"
			if isBranchDir(child) {
				prefix = "nav"
			}
			row = append(row, tu.InlineKeyboardButton(filepath.Base(child)).
				WithCallbackData(prefix+":"+rel))
		}
		rows = append(rows, row)
	}
	return tu.InlineKeyboard(rows...)
}

// buildBrowseHeader shows the current location relative to the
// workspace root.
func buildBrowseHeader(browseDir, workspaceRoot string) string {
	rel, err := filepath.Rel(workspaceRoot, browseDir)
	display := "/"
	if err == nil && rel != "." {
		display = rel + "/"
	}
	return fmt.Sprintf("📂 <b>Browsing:</b> <code>%s</code>", EscapeHTML(display))
}

// resolveBrowsePath resolves a user-supplied relative path against the
// workspace roots, first match wins. Paths escaping their root are
// rejected.
func resolveBrowsePath(target string, roots []string) string {
	for _, root := range roots {
		candidate := filepath.Clean(filepath.Join(root, target))
		if !withinRoot(candidate, root) {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
	}
	return ""
}

func withinRoot(path, root string) bool {
	root = filepath.Clean(root)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
