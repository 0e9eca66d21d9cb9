package codex

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var (
	resolveOnce  sync.Once
	resolvedPath string
)

// resolveBinary locates the codex binary: an explicit override wins, then a
// shell-resolved PATH lookup, then known install roots, then the bare
// command name. The result is cached for the lifetime of the process.
func resolveBinary(override string) string {
	if override != "" {
		return override
	}
	resolveOnce.Do(func() {
		resolvedPath = resolveUncached()
	})
	return resolvedPath
}

func resolveUncached() string {
	if path, err := exec.LookPath(binaryName); err == nil && path != "" {
		return resolveWrapper(path)
	}

	home, _ := os.UserHomeDir()
	roots := []string{
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, ".npm-global", "bin"),
		filepath.Join(home, ".volta", "bin"),
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
	for _, root := range roots {
		candidate := filepath.Join(root, binaryName)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return resolveWrapper(candidate)
		}
	}

	return binaryName
}

// resolveWrapper follows an interpreter wrapper script to a native binary
// sitting next to it, so the child can start even when the wrapper's
// interpreter is not on the parent's PATH. Returns the input path when no
// native sibling is found.
func resolveWrapper(path string) string {
	head := make([]byte, 2)
	f, err := os.Open(path)
	if err != nil {
		return path
	}
	n, _ := f.Read(head)
	f.Close()
	if n < 2 || !bytes.Equal(head, []byte("#!")) {
		return path // already a native binary
	}

	base := filepath.Base(path)
	dirs := []string{
		filepath.Dir(path),
		filepath.Join(filepath.Dir(path), "..", "libexec"),
		filepath.Join(filepath.Dir(path), "..", "lib", binaryName),
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || name == base || !strings.HasPrefix(name, base+"-") {
				continue
			}
			candidate := filepath.Join(dir, name)
			if isNativeExecutable(candidate) {
				return candidate
			}
		}
	}
	return path
}

func isNativeExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() || st.Mode()&0o111 == 0 {
		return false
	}
	head := make([]byte, 2)
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	n, _ := f.Read(head)
	f.Close()
	return n == 2 && !bytes.Equal(head, []byte("#!"))
}

// buildEnv preserves the parent environment, guarantees the binary's
// directory is on PATH, and quiets the app-server's noisy tracing by
// augmenting (never replacing) the RUST_LOG filter. Extra vars override
// existing entries with the same key.
func buildEnv(binaryPath string, extra map[string]string) []string {
	merged := make(map[string]string)
	var order []string
	for _, entry := range os.Environ() {
		key, value, _ := strings.Cut(entry, "=")
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = value
	}

	binDir := filepath.Dir(binaryPath)
	if binDir != "." {
		path := merged["PATH"]
		if !containsPathDir(path, binDir) {
			if _, seen := merged["PATH"]; !seen {
				order = append(order, "PATH")
			}
			if path == "" {
				merged["PATH"] = binDir
			} else {
				merged["PATH"] = path + string(os.PathListSeparator) + binDir
			}
		}
	}

	if existing, ok := merged["RUST_LOG"]; ok && existing != "" {
		merged["RUST_LOG"] = existing + "," + quietLogDirectives
	} else {
		if _, seen := merged["RUST_LOG"]; !seen {
			order = append(order, "RUST_LOG")
		}
		merged["RUST_LOG"] = "error," + quietLogDirectives
	}

	for k, v := range extra {
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = v
	}

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+merged[k])
	}
	return env
}

const quietLogDirectives = "hyper=warn,reqwest=warn,rustls=warn"

func containsPathDir(path, dir string) bool {
	for _, p := range strings.Split(path, string(os.PathListSeparator)) {
		if p == dir {
			return true
		}
	}
	return false
}
