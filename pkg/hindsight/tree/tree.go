// Package tree groups tracked files into a directory tree with ingest
// progress aggregated per directory.
package tree

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// Node represents a directory or tracked file in the tree.
type Node struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`

	// For files
	ConversationID string `json:"conversation_id,omitempty"`

	// Aggregated over files underneath for directories.
	Ingested uint64 `json:"ingested"`
	Size     uint64 `json:"size"`
	Records  uint64 `json:"records"`
	Files    int    `json:"files,omitempty"`
	Pending  int    `json:"pending,omitempty"`

	Children []*Node `json:"children,omitempty"`
	Parent   *Node   `json:"-"`
}

// AddChild adds a child node and sets this node as the child's parent.
func (n *Node) AddChild(child *Node) {
	child.Parent = n
	n.Children = append(n.Children, child)
}

// Depth returns the depth of this node from the root (root = 0).
func (n *Node) Depth() int {
	depth := 0
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		depth++
	}
	return depth
}

// Flatten returns all nodes in display order.
func (n *Node) Flatten() []*Node {
	result := []*Node{n}
	for _, child := range n.Children {
		result = append(result, child.Flatten()...)
	}
	return result
}

// Caught reports whether every byte of the file or subtree is ingested.
func (n *Node) Caught() bool {
	if n.IsDir {
		return n.Pending == 0
	}
	return n.Ingested >= n.Size
}

// Build constructs a tree rooted at root from tracked file states. Files
// outside root are left out. Children are sorted by size descending,
// directories before files on ties, then by name.
func Build(root string, files []types.FileState) *Node {
	root = filepath.Clean(root)
	rootNode := &Node{Path: root, Name: filepath.Base(root), IsDir: true}

	nodes := map[string]*Node{root: rootNode}
	for _, f := range files {
		if !within(root, f.Path) {
			continue
		}
		ensureAncestors(root, f.Path, nodes)

		file := &Node{
			Path:           f.Path,
			Name:           filepath.Base(f.Path),
			ConversationID: f.ConversationID,
			Ingested:       f.LastOffset,
			Size:           f.FileSize,
			Records:        f.LastLine,
		}
		if parent, ok := nodes[filepath.Dir(f.Path)]; ok {
			parent.AddChild(file)
		}
		nodes[f.Path] = file
	}

	aggregate(rootNode)
	sortChildren(rootNode)
	return rootNode
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ensureAncestors creates all directory nodes between root and the file's parent.
func ensureAncestors(root, filePath string, nodes map[string]*Node) {
	var missing []string
	for dir := filepath.Dir(filePath); dir != root; dir = filepath.Dir(dir) {
		if _, ok := nodes[dir]; ok {
			break
		}
		missing = append(missing, dir)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		dir := &Node{Path: missing[i], Name: filepath.Base(missing[i]), IsDir: true}
		if parent, ok := nodes[filepath.Dir(missing[i])]; ok {
			parent.AddChild(dir)
		}
		nodes[missing[i]] = dir
	}
}

func aggregate(node *Node) {
	if !node.IsDir {
		return
	}
	node.Ingested, node.Size, node.Records, node.Files, node.Pending = 0, 0, 0, 0, 0
	for _, child := range node.Children {
		aggregate(child)
		node.Ingested += child.Ingested
		node.Size += child.Size
		node.Records += child.Records
		if child.IsDir {
			node.Files += child.Files
			node.Pending += child.Pending
			continue
		}
		node.Files++
		if !child.Caught() {
			node.Pending++
		}
	}
}

func sortChildren(node *Node) {
	if len(node.Children) == 0 {
		return
	}
	sort.Slice(node.Children, func(i, j int) bool {
		a, b := node.Children[i], node.Children[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return a.Name < b.Name
	})
	for _, child := range node.Children {
		sortChildren(child)
	}
}
