// Package maildirtree records maildir-relative file paths as a directory
// tree, supporting insertion, removal, per-directory listing and presence
// checks. No other package of this module uses it.
//
// Adapted from the teacher's node.Node (git-commit directory tree used to
// reconcile renames/deletes/copies): same recursive child-list shape, now
// keyed on maildir-relative paths instead of git blob paths.
package maildirtree

import "strings"

// Node is one path component in the tree. The root Node has an empty Name.
type Node struct {
	Name     string
	Path     string // full relative path from the maildir root, set on files
	IsFile   bool
	Children []*Node
}

// New returns an empty root node.
func New() *Node {
	return &Node{}
}

func (n *Node) childNamed(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// AddFile inserts relPath (forward-slash separated, relative to the root)
// into the tree, creating intermediate directory nodes as needed. A path
// already present is a no-op.
func (n *Node) AddFile(relPath string) {
	n.addSubFile(relPath, relPath)
}

func (n *Node) addSubFile(fullPath, subPath string) {
	parts := strings.SplitN(subPath, "/", 2)
	if len(parts) == 1 {
		if n.childNamed(parts[0]) != nil {
			return
		}
		n.Children = append(n.Children, &Node{Name: parts[0], IsFile: true, Path: fullPath})
		return
	}
	c := n.childNamed(parts[0])
	if c == nil {
		c = &Node{Name: parts[0]}
		n.Children = append(n.Children, c)
	}
	c.addSubFile(fullPath, parts[1])
}

// RemoveFile removes relPath from the tree. A path not present is a no-op.
func (n *Node) RemoveFile(relPath string) {
	n.deleteSubFile(relPath)
}

func (n *Node) deleteSubFile(subPath string) {
	parts := strings.SplitN(subPath, "/", 2)
	if len(parts) == 1 {
		for i, c := range n.Children {
			if c.Name == parts[0] {
				n.Children = append(n.Children[:i], n.Children[i+1:]...)
				return
			}
		}
		return
	}
	if c := n.childNamed(parts[0]); c != nil {
		c.deleteSubFile(parts[1])
	}
}

func (n *Node) collectFiles() []string {
	var files []string
	for _, c := range n.Children {
		if c.IsFile {
			files = append(files, c.Path)
		} else {
			files = append(files, c.collectFiles()...)
		}
	}
	return files
}

// Files returns every file path currently recorded under dir (relative to
// the root; "" means the whole tree).
func (n *Node) Files(dir string) []string {
	if dir == "" {
		return n.collectFiles()
	}
	parts := strings.SplitN(dir, "/", 2)
	c := n.childNamed(parts[0])
	if c == nil {
		return nil
	}
	if len(parts) == 1 {
		if c.IsFile {
			return []string{c.Path}
		}
		return c.collectFiles()
	}
	return c.Files(parts[1])
}

// HasFile reports whether relPath is present in the tree.
func (n *Node) HasFile(relPath string) bool {
	dir := ""
	if i := strings.LastIndex(relPath, "/"); i >= 0 {
		dir = relPath[:i]
	}
	for _, f := range n.Files(dir) {
		if f == relPath {
			return true
		}
	}
	return false
}
