package views

import "iter"

// Node is one path fragment of the views tree. Intermediate fragments that
// no view declares have a nil View.
type Node struct {
	Fragment string
	View     *View
	Parent   *Node

	children map[string]*Node
	order    []string
}

func newNode(fragment string, view *View) *Node {
	return &Node{Fragment: fragment, View: view, children: make(map[string]*Node)}
}

// Get walks fragments down from n. It returns nil when a fragment is missing.
func (n *Node) Get(fragments []string) *Node {
	node := n
	for _, f := range fragments {
		child, ok := node.children[f]
		if !ok {
			return nil
		}
		node = child
	}
	return node
}

// Children yields the child nodes in insertion order.
func (n *Node) Children() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for _, f := range n.order {
			if !yield(n.children[f]) {
				return
			}
		}
	}
}

// Siblings yields the other children of n's parent in insertion order.
func (n *Node) Siblings() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		if n.Parent == nil {
			return
		}
		for sibling := range n.Parent.Children() {
			if sibling != n && !yield(sibling) {
				return
			}
		}
	}
}

// Parents yields the ancestors of n, nearest first.
func (n *Node) Parents() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for p := n.Parent; p != nil; p = p.Parent {
			if !yield(p) {
				return
			}
		}
	}
}

// ensureExists returns the child for fragment, creating an empty one.
func (n *Node) ensureExists(fragment string) *Node {
	if child, ok := n.children[fragment]; ok {
		return child
	}
	child := newNode(fragment, nil)
	child.Parent = n
	n.children[fragment] = child
	n.order = append(n.order, fragment)
	return child
}

// Tree indexes views by their path fragments.
type Tree struct {
	Root  *Node
	views []*View
}

// NewTree builds the tree once from views in order. The view at "/", if any,
// becomes the root's view.
func NewTree(views []*View) *Tree {
	t := &Tree{Root: newNode("", nil), views: views}
	for _, v := range views {
		fragments := pathToArray(v.Path)
		if len(fragments) == 0 {
			t.Root.View = v
			continue
		}
		node := t.Root
		for _, f := range fragments {
			node = node.ensureExists(f)
		}
		node.View = v
	}
	return t
}

// Node returns the node of path, or nil.
func (t *Tree) Node(path string) *Node {
	return t.Root.Get(pathToArray(path))
}

// Views returns the views in insertion order.
func (t *Tree) Views() []*View {
	return t.views
}
