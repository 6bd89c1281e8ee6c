package guard

import (
	"path/filepath"
	"strings"
)

// deniedRoots are system directories a session may never run in, nor below.
// Windows roots are listed so configs shared across hosts stay safe.
var deniedRoots = []string{
	"/etc", "/sys", "/proc", "/dev", "/root", "/boot", "/bin", "/sbin",
	"/usr/bin", "/usr/sbin", "/var/log",
	"/private/etc", // macOS resolves /etc here
	`C:\Windows`, `C:\Program Files`, `C:\Program Files (x86)`, `C:\ProgramData`,
}

// ValidatePath resolves path to a canonical absolute directory and checks
// that a session may use it as its working directory.
//
// Any occurrence of ".." is rejected, including names such as "..data".
// That is stricter than necessary and intentionally so.
func ValidatePath(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", reject(ErrTraversalDetected, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", reject(ErrNotFound, path)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", reject(ErrNotFound, path)
	}

	if strings.Contains(canonical, "..") {
		return "", reject(ErrTraversalDetected, canonical)
	}

	if isDenied(canonical) {
		return "", reject(ErrSystemDirectoryForbidden, canonical)
	}

	return canonical, nil
}

func isDenied(canonical string) bool {
	p := normalize(canonical)
	for _, root := range deniedRoots {
		r := normalize(root)
		if p == r || strings.HasPrefix(p, r+"/") {
			return true
		}
	}
	return false
}

// normalize folds case and separators so POSIX and Windows roots compare
// the same way.
func normalize(p string) string {
	p = strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
	return strings.TrimRight(p, "/")
}
