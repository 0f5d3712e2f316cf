package dissect

import (
	"fmt"
	"io"
	"strings"
)

// Field is one decoded value handed to the presentation layer.
type Field struct {
	Name    string // filter-style name, e.g. "ipv6.plen"
	Display string // formatted value
	Region  Region
}

// Tree is the presentation boundary. The engine guarantees that every Push
// is matched by a Pop in the nesting order of the protocol structures.
type Tree interface {
	Add(f Field)
	Push(name string, r Region)
	Pop()
	Annotate(a Anomaly)
}

// NopTree discards everything; used when only summaries and flows are needed.
type NopTree struct{}

func (NopTree) Add(Field)           {}
func (NopTree) Push(string, Region) {}
func (NopTree) Pop()                {}
func (NopTree) Annotate(Anomaly)    {}

// Node is one element of a recorded decode tree.
type Node struct {
	Name      string    `json:"name" yaml:"name"`
	Value     string    `json:"value,omitempty" yaml:"value,omitempty"`
	Offset    int       `json:"offset" yaml:"offset"`
	Length    int       `json:"length" yaml:"length"`
	Children  []*Node   `json:"children,omitempty" yaml:"children,omitempty"`
	Anomalies []Anomaly `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
}

// Find returns the first node with the given name in depth-first order.
func (n *Node) Find(name string) *Node {
	if n == nil {
		return nil
	}
	if n.Name == name {
		return n
	}
	for _, c := range n.Children {
		if f := c.Find(name); f != nil {
			return f
		}
	}
	return nil
}

// FindAll returns every node with the given name in depth-first order.
func (n *Node) FindAll(name string) []*Node {
	var out []*Node
	n.walk(func(x *Node) {
		if x.Name == name {
			out = append(out, x)
		}
	})
	return out
}

func (n *Node) walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.walk(fn)
	}
}

// WriteText renders the tree as indented text.
func (n *Node) WriteText(w io.Writer) error {
	return n.writeText(w, 0)
}

func (n *Node) writeText(w io.Writer, depth int) error {
	indent := strings.Repeat("    ", depth)
	line := n.Name
	if n.Value != "" {
		line += ": " + n.Value
	}
	if _, err := fmt.Fprintf(w, "%s%s\n", indent, line); err != nil {
		return err
	}
	for _, a := range n.Anomalies {
		if _, err := fmt.Fprintf(w, "%s    [%s] %s\n", indent, a.Severity, a.Message); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := c.writeText(w, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Recorder is a Tree that keeps every field for later rendering.
type Recorder struct {
	root  *Node
	stack []*Node
}

// NewRecorder creates a recorder rooted at an unnamed node.
func NewRecorder() *Recorder {
	root := &Node{Name: "packet"}
	return &Recorder{root: root, stack: []*Node{root}}
}

// Root returns the root node.
func (r *Recorder) Root() *Node { return r.root }

// Depth returns the number of open subtrees.
func (r *Recorder) Depth() int { return len(r.stack) - 1 }

func (r *Recorder) top() *Node { return r.stack[len(r.stack)-1] }

func (r *Recorder) Add(f Field) {
	t := r.top()
	t.Children = append(t.Children, &Node{
		Name:   f.Name,
		Value:  f.Display,
		Offset: f.Region.Offset,
		Length: f.Region.Length,
	})
}

func (r *Recorder) Push(name string, reg Region) {
	n := &Node{Name: name, Offset: reg.Offset, Length: reg.Length}
	t := r.top()
	t.Children = append(t.Children, n)
	r.stack = append(r.stack, n)
}

// Pop closes the innermost subtree; the root is never popped.
func (r *Recorder) Pop() {
	if len(r.stack) > 1 {
		r.stack = r.stack[:len(r.stack)-1]
	}
}

func (r *Recorder) Annotate(a Anomaly) {
	t := r.top()
	t.Anomalies = append(t.Anomalies, a)
}
