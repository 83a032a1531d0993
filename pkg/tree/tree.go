// Package tree holds the immutable virtual directory forest built from the
// manifest. Nodes live in one append-only arena and reference each other by
// index, so the whole forest is a single allocation that is never freed for
// the life of the process.
package tree

import "strings"

// None marks an absent node reference.
const None int32 = -1

// Node is one entry of the virtual tree. A size of zero denotes a directory;
// the manifest format cannot represent a zero-byte regular file.
type Node struct {
	Name        string
	Size        int64
	Parent      int32
	FirstChild  int32
	NextSibling int32
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.Size == 0 }

// Forest is the arena of nodes, rooted at a synthetic "/" node at index 0.
type Forest struct {
	nodes []Node
}

// New creates a forest holding only the synthetic root. capacity pre-sizes
// the arena for the expected number of entries.
func New(capacity int) *Forest {
	f := &Forest{nodes: make([]Node, 0, capacity+1)}
	f.nodes = append(f.nodes, Node{
		Name:        "/",
		Parent:      None,
		FirstChild:  None,
		NextSibling: None,
	})
	return f
}

// Root returns the index of the synthetic root node.
func (f *Forest) Root() int32 { return 0 }

// Len returns the number of nodes including the root.
func (f *Forest) Len() int { return len(f.nodes) }

// Node returns the node at index i. The pointer stays valid for the life of
// the forest; the arena is never reallocated after loading completes only if
// capacity was sized correctly, so callers must not hold pointers across Add
// calls.
func (f *Forest) Node(i int32) *Node { return &f.nodes[i] }

func (f *Forest) add(n Node) int32 {
	f.nodes = append(f.nodes, n)
	return int32(len(f.nodes) - 1)
}

// AddFirstChild appends a node as the first child of parent. The parent must
// not have children yet; the manifest emits a parent immediately followed by
// its child records.
func (f *Forest) AddFirstChild(parent int32, name string, size int64) int32 {
	i := f.add(Node{Name: name, Size: size, Parent: parent, FirstChild: None, NextSibling: None})
	f.nodes[parent].FirstChild = i
	return i
}

// AddSibling appends a node directly after prev in its parent's child list.
func (f *Forest) AddSibling(prev int32, name string, size int64) int32 {
	i := f.add(Node{Name: name, Size: size, Parent: f.nodes[prev].Parent, FirstChild: None, NextSibling: None})
	f.nodes[prev].NextSibling = i
	return i
}

// Append adds a node as the last child of parent, walking the sibling chain.
// Fan-out per directory is small, so the linear walk is fine.
func (f *Forest) Append(parent int32, name string, size int64) int32 {
	last := f.nodes[parent].FirstChild
	if last == None {
		return f.AddFirstChild(parent, name, size)
	}
	for f.nodes[last].NextSibling != None {
		last = f.nodes[last].NextSibling
	}
	return f.AddSibling(last, name, size)
}

// Lookup resolves a tree-relative path ("/a/b") to a node index by walking
// path segments against each level's sibling list.
func (f *Forest) Lookup(relPath string) (int32, bool) {
	cur := f.Root()
	for _, seg := range strings.Split(relPath, "/") {
		if seg == "" {
			continue
		}
		child := f.findChild(cur, seg)
		if child == None {
			return None, false
		}
		cur = child
	}
	return cur, true
}

func (f *Forest) findChild(dir int32, name string) int32 {
	for c := f.nodes[dir].FirstChild; c != None; c = f.nodes[c].NextSibling {
		if f.nodes[c].Name == name {
			return c
		}
	}
	return None
}

// Child returns the n-th child of dir, or None when the list is exhausted.
// Used by directory read cursors.
func (f *Forest) Child(dir int32, n int) int32 {
	c := f.nodes[dir].FirstChild
	for i := 0; c != None && i < n; i++ {
		c = f.nodes[c].NextSibling
	}
	return c
}

// NumChildren counts the children of dir.
func (f *Forest) NumChildren(dir int32) int {
	count := 0
	for c := f.nodes[dir].FirstChild; c != None; c = f.nodes[c].NextSibling {
		count++
	}
	return count
}

// Path reconstructs the tree-relative path of node i, always beginning
// with "/".
func (f *Forest) Path(i int32) string {
	if i == f.Root() {
		return "/"
	}
	var segs []string
	for ; i != f.Root(); i = f.nodes[i].Parent {
		segs = append(segs, f.nodes[i].Name)
	}
	var b strings.Builder
	for j := len(segs) - 1; j >= 0; j-- {
		b.WriteByte('/')
		b.WriteString(segs[j])
	}
	return b.String()
}

// Walk visits every node except the root in manifest emission order
// (preorder, children before later siblings) with its depth, where depth 0 is
// a direct child of the root. Returning false stops the walk.
func (f *Forest) Walk(fn func(i int32, depth int) bool) {
	f.walk(f.nodes[0].FirstChild, 0, fn)
}

func (f *Forest) walk(i int32, depth int, fn func(i int32, depth int) bool) bool {
	for ; i != None; i = f.nodes[i].NextSibling {
		if !fn(i, depth) {
			return false
		}
		if c := f.nodes[i].FirstChild; c != None {
			if !f.walk(c, depth+1, fn) {
				return false
			}
		}
	}
	return true
}

// MaxDepth returns the deepest level present, where direct children of the
// root are depth 0. An empty forest reports -1.
func (f *Forest) MaxDepth() int {
	max := -1
	f.Walk(func(_ int32, depth int) bool {
		if depth > max {
			max = depth
		}
		return true
	})
	return max
}

// Counts returns how many file and directory nodes the forest holds,
// excluding the synthetic root.
func (f *Forest) Counts() (files, dirs int) {
	f.Walk(func(i int32, _ int) bool {
		if f.nodes[i].IsDir() {
			dirs++
		} else {
			files++
		}
		return true
	})
	return files, dirs
}
