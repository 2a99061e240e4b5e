package liveresponse

import (
	"path"
	"strings"
)

// PathStyle selects how remote paths are joined and normalised.
type PathStyle int

const (
	// WindowsPaths uses backslash separators and drive letters.
	WindowsPaths PathStyle = iota
	// POSIXPaths uses forward slash separators.
	POSIXPaths
)

// StyleForOS picks the path style from a platform device type such as
// "WINDOWS", "MAC" or "LINUX".
func StyleForOS(os string) PathStyle {
	if os == "" || strings.EqualFold(os, "WINDOWS") {
		return WindowsPaths
	}
	return POSIXPaths
}

// Separator returns the path separator.
func (p PathStyle) Separator() string {
	if p == WindowsPaths {
		return `\`
	}
	return "/"
}

// Root returns the starting directory for a shell.
func (p PathStyle) Root() string {
	if p == WindowsPaths {
		return `C:\`
	}
	return "/"
}

// TempDir returns a writable scratch directory on the endpoint.
func (p PathStyle) TempDir() string {
	if p == WindowsPaths {
		return `C:\Windows\Temp`
	}
	return "/tmp"
}

// IsAbs reports whether name is absolute. On Windows a leading backslash
// without a drive counts as absolute on the current drive.
func (p PathStyle) IsAbs(name string) bool {
	if p == POSIXPaths {
		return strings.HasPrefix(name, "/")
	}
	name = strings.ReplaceAll(name, "/", `\`)
	return hasDrive(name) || strings.HasPrefix(name, `\`)
}

// Join resolves elem against base. Absolute elems replace base; a Windows
// elem rooted at "\" keeps the drive of base.
func (p PathStyle) Join(base, elem string) string {
	if elem == "" {
		return p.Clean(base)
	}
	if p == POSIXPaths {
		if strings.HasPrefix(elem, "/") {
			return path.Clean(elem)
		}
		return path.Clean(base + "/" + elem)
	}

	elem = strings.ReplaceAll(elem, "/", `\`)
	switch {
	case hasDrive(elem) || strings.HasPrefix(elem, `\\`):
		return p.Clean(elem)
	case strings.HasPrefix(elem, `\`):
		return p.Clean(volume(p.Clean(base)) + elem)
	default:
		return p.Clean(base + `\` + elem)
	}
}

// Clean normalises separators, "." and ".." segments. ".." never climbs
// above the volume root.
func (p PathStyle) Clean(name string) string {
	if p == POSIXPaths {
		if name == "" {
			return "/"
		}
		return path.Clean(name)
	}

	name = strings.ReplaceAll(name, "/", `\`)
	vol := volume(name)
	rest := name[len(vol):]

	var parts []string
	for _, seg := range strings.Split(rest, `\`) {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, seg)
		}
	}

	root := vol
	if !strings.HasSuffix(root, `\`) {
		root += `\`
	}
	if vol == "" && !strings.HasPrefix(rest, `\`) {
		return strings.Join(parts, `\`)
	}
	return root + strings.Join(parts, `\`)
}

// Base returns the last element of name.
func (p PathStyle) Base(name string) string {
	name = strings.TrimRight(name, p.Separator())
	if p == WindowsPaths {
		name = strings.ReplaceAll(name, "/", `\`)
	}
	if i := strings.LastIndex(name, p.Separator()); i >= 0 {
		return name[i+1:]
	}
	if p == WindowsPaths && hasDrive(name) {
		return name[2:]
	}
	return name
}

// WithTrailingSeparator returns dir ending in exactly one separator.
func (p PathStyle) WithTrailingSeparator(dir string) string {
	dir = p.Clean(dir)
	if strings.HasSuffix(dir, p.Separator()) {
		return dir
	}
	return dir + p.Separator()
}

func hasDrive(name string) bool {
	if len(name) < 2 || name[1] != ':' {
		return false
	}
	c := name[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// volume returns the drive ("C:") or UNC share ("\\host\share") prefix.
func volume(name string) string {
	if hasDrive(name) {
		return name[:2]
	}
	if strings.HasPrefix(name, `\\`) {
		parts := strings.SplitN(name[2:], `\`, 3)
		if len(parts) >= 2 {
			return `\\` + parts[0] + `\` + parts[1]
		}
		return name
	}
	return ""
}
