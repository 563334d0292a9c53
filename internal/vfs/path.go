package vfs

import "bytes"

// Path is a byte-string path. Components are the non-empty segments between
// slashes; "/a//b/" and "/a/b" are the same path. Paths are not required to
// be UTF-8.
type Path []byte

// IsAbsolute reports whether the path begins with a slash.
func (p Path) IsAbsolute() bool {
	return len(p) > 0 && p[0] == '/'
}

// IsEmpty reports whether the path has no components.
func (p Path) IsEmpty() bool {
	return len(p.Components()) == 0
}

// Components splits the path into its non-empty segments.
func (p Path) Components() [][]byte {
	var out [][]byte
	for _, c := range bytes.Split(p, []byte{'/'}) {
		if len(c) != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Equal compares component-wise; both paths must agree on absoluteness.
func (p Path) Equal(rhs Path) bool {
	if p.IsAbsolute() != rhs.IsAbsolute() {
		return false
	}
	a, b := p.Components(), rhs.Components()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// StripPrefix removes prefix's components from the front of p, returning the
// remainder and whether prefix matched.
func (p Path) StripPrefix(prefix Path) (Path, bool) {
	a, b := p.Components(), prefix.Components()
	if len(b) > len(a) {
		return nil, false
	}
	for i := range b {
		if !bytes.Equal(a[i], b[i]) {
			return nil, false
		}
	}
	rest := a[len(b):]
	if len(rest) == 0 {
		return Path(""), true
	}
	return Path(bytes.Join(rest, []byte{'/'})), true
}

func (p Path) String() string { return string(p) }
