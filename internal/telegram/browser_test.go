package telegram

import (
	"os"
	"path/filepath"
	"testing"
)

func makeTree(t *testing.T, root string, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListVisibleChildren(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, "src", "docs", ".git", "node_modules", "__pycache__", "zeta")
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	children := listVisibleChildren(root)
	want := []string{
		filepath.Join(root, "docs"),
		filepath.Join(root, "src"),
		filepath.Join(root, "zeta"),
	}
	if len(children) != len(want) {
		t.Fatalf("children = %v, want %v", children, want)
	}
	for i := range want {
		if children[i] != want[i] {
			t.Errorf("children[%d] = %q, want %q", i, children[i], want[i])
		}
	}
}

func TestListVisibleChildrenMissingDir(t *testing.T) {
	if got := listVisibleChildren(filepath.Join(t.TempDir(), "nope")); got != nil {
		t.Errorf("children of missing dir = %v", got)
	}
}

func TestIsBranchDir(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, "branch/leaf", "empty")

	if !isBranchDir(filepath.Join(root, "branch")) {
		t.Error("dir with subdir should be a branch")
	}
	if isBranchDir(filepath.Join(root, "empty")) {
		t.Error("empty dir should be a leaf")
	}
	if isBranchDir(filepath.Join(root, "branch", "leaf")) {
		t.Error("leaf dir should not be a branch")
	}
}

func TestResolveBrowsePath(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	makeTree(t, rootA, "proj/sub")
	makeTree(t, rootB, "other")
	roots := []string{rootA, rootB}

	if got := resolveBrowsePath("proj", roots); got != filepath.Join(rootA, "proj") {
		t.Errorf("resolveBrowsePath(proj) = %q", got)
	}
	// A path only under the second root still resolves.
	if got := resolveBrowsePath("other", roots); got != filepath.Join(rootB, "other") {
		t.Errorf("resolveBrowsePath(other) = %q", got)
	}
	// Traversal out of every root is rejected.
	if got := resolveBrowsePath("../../etc", roots); got != "" {
		t.Errorf("traversal resolved to %q", got)
	}
	if got := resolveBrowsePath("missing", roots); got != "" {
		t.Errorf("nonexistent path resolved to %q", got)
	}
	// "." is the root itself.
	if got := resolveBrowsePath(".", roots); got != filepath.Clean(rootA) {
		t.Errorf("resolveBrowsePath(.) = %q", got)
	}
}

func TestWithinRoot(t *testing.T) {
	tests := []struct {
		path, root string
		want       bool
	}{
		{"/work/app", "/work", true},
		{"/work", "/work", true},
		{"/work-other", "/work", false},
		{"/elsewhere", "/work", false},
	}
	for _, tt := range tests {
		if got := withinRoot(tt.path, tt.root); got != tt.want {
			t.Errorf("withinRoot(%q, %q) = %v, want %v", tt.path, tt.root, got, tt.want)
		}
	}
}

func TestBuildBrowseHeader(t *testing.T) {
	if got := buildBrowseHeader("/work", "/work"); got != "📂 <b>Browsing:</b> <code>/</code>" {
		t.Errorf("root header = %q", got)
	}
	if got := buildBrowseHeader("/work/src/api", "/work"); got != "📂 <b>Browsing:</b> <code>src/api/</code>" {
		t.Errorf("nested header = %q", got)
	}
}

func TestBuildBrowserKeyboard(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, "alpha/deep", "beta", "gamma")

	kb := buildBrowserKeyboard(root, root, false)
	if len(kb.InlineKeyboard) != 3 {
		t.Fatalf("rows = %d, want 3 (nav + two child rows)", len(kb.InlineKeyboard))
	}

	nav := kb.InlineKeyboard[0]
	if len(nav) != 1 || nav[0].CallbackData != "sel:." {
		t.Errorf("nav row at root = %+v", nav)
	}

	// alpha has a subdir so it navigates; beta and gamma select.
	first := kb.InlineKeyboard[1]
	if first[0].Text != "alpha" || first[0].CallbackData != "nav:alpha" {
		t.Errorf("alpha button = %+v", first[0])
	}
	if first[1].Text != "beta" || first[1].CallbackData != "sel:beta" {
		t.Errorf("beta button = %+v", first[1])
	}
	second := kb.InlineKeyboard[2]
	if second[0].CallbackData != "sel:gamma" {
		t.Errorf("gamma button = %+v", second[0])
	}

	// Below the root, or with multiple roots, the up button appears.
	kb = buildBrowserKeyboard(filepath.Join(root, "alpha"), root, false)
	nav = kb.InlineKeyboard[0]
	if len(nav) != 2 || nav[1].CallbackData != "nav:.." {
		t.Errorf("nav row below root = %+v", nav)
	}
	kb = buildBrowserKeyboard(root, root, true)
	if len(kb.InlineKeyboard[0]) != 2 {
		t.Errorf("multi-root nav row = %+v", kb.InlineKeyboard[0])
	}
}
