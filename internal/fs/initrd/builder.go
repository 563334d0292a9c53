package initrd

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Builder assembles an initrd image in memory. Used by the mkinitrd tool and
// by tests that need a synthetic image.
//
// The builder keeps a directory tree; Build flattens it into the on-disk
// inode array with inode 0 as the root.
type Builder struct {
	root *buildNode
}

type buildNode struct {
	name     string
	dir      bool
	data     []byte
	children []*buildNode
}

// NewBuilder creates a builder with an empty root directory.
func NewBuilder() *Builder {
	return &Builder{root: &buildNode{dir: true}}
}

// AddFile adds a file at path, creating intermediate directories. Adding the
// same path twice or a file over a directory fails.
func (b *Builder) AddFile(path string, data []byte) error {
	return b.add(path, data, false)
}

// AddDir adds an (empty) directory at path, creating intermediate
// directories.
func (b *Builder) AddDir(path string) error {
	return b.add(path, nil, true)
}

func (b *Builder) add(path string, data []byte, dir bool) error {
	components := splitPath(path)
	if len(components) == 0 {
		if dir {
			return nil // the root always exists
		}
		return fmt.Errorf("initrd: empty file path")
	}

	node := b.root
	for _, c := range components[:len(components)-1] {
		node = node.child(c, true)
		if !node.dir {
			return fmt.Errorf("initrd: %q: not a directory", c)
		}
	}

	name := components[len(components)-1]
	if len(name) > NameLen {
		return fmt.Errorf("initrd: name %q longer than %d bytes", name, NameLen)
	}
	for _, c := range node.children {
		if c.name == name {
			if dir && c.dir {
				return nil
			}
			return fmt.Errorf("initrd: %q already exists", path)
		}
	}
	node.children = append(node.children, &buildNode{name: name, dir: dir, data: data})
	return nil
}

func (n *buildNode) child(name string, create bool) *buildNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	if !create {
		return nil
	}
	c := &buildNode{name: name, dir: true}
	n.children = append(n.children, c)
	return c
}

// Build flattens the tree into an image blob.
func (b *Builder) Build() []byte {
	// Assign inode numbers breadth-first so the root is inode 0.
	var nodes []*buildNode
	index := map[*buildNode]uint64{}
	queue := []*buildNode{b.root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		index[n] = uint64(len(nodes))
		nodes = append(nodes, n)
		children := append([]*buildNode(nil), n.children...)
		sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })
		n.children = children
		queue = append(queue, children...)
	}

	// Lay out the data area: directory child tables first, then file bytes,
	// keeping everything eight-byte aligned.
	var data []byte
	addrs := make([]uint64, len(nodes))
	for i, n := range nodes {
		if !n.dir {
			continue
		}
		addrs[i] = uint64(len(data))
		for _, c := range n.children {
			data = binary.LittleEndian.AppendUint64(data, index[c])
		}
	}
	for i, n := range nodes {
		if n.dir {
			continue
		}
		addrs[i] = uint64(len(data))
		data = append(data, n.data...)
		for len(data)%8 != 0 {
			data = append(data, 0)
		}
	}

	img := make([]byte, 0, HeaderSize+len(nodes)*InodeSize+len(data))
	img = binary.LittleEndian.AppendUint32(img, Magic)
	img = binary.LittleEndian.AppendUint32(img, 0)
	img = binary.LittleEndian.AppendUint64(img, uint64(len(nodes)))
	for i, n := range nodes {
		var name [NameLen]byte
		copy(name[:], n.name)
		img = append(img, name[:]...)
		img = binary.LittleEndian.AppendUint16(img, uint16(len(n.name)))
		typ := uint16(TypeFile)
		size := uint32(len(n.data))
		if n.dir {
			typ = TypeDir
			size = uint32(len(n.children))
		}
		img = binary.LittleEndian.AppendUint16(img, typ)
		img = binary.LittleEndian.AppendUint32(img, size)
		img = binary.LittleEndian.AppendUint64(img, addrs[i])
	}
	return append(img, data...)
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}
