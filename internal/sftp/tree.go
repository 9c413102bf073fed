package sftp

import "path"

type treeNode struct {
	path string
	dir  bool
}

// walk lists dir recursively and returns everything below it in
// post-order, followed by dir itself. Symlinks are not followed.
func (s *Session) walk(dir string) ([]treeNode, error) {
	entries, err := s.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var nodes []treeNode
	for _, e := range entries {
		p := path.Join(dir, e.Name)
		if e.Attrs.FileType() == TypeDirectory {
			sub, err := s.walk(p)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, sub...)
			continue
		}
		nodes = append(nodes, treeNode{path: p})
	}
	return append(nodes, treeNode{path: dir, dir: true}), nil
}

// pipeline issues one STATUS-returning request per node with at most the
// queue depth outstanding. After the first failure no new requests are
// sent, but every outstanding response is still consumed before the
// failure is returned.
func (s *Session) pipeline(nodes []treeNode, req func(treeNode) (op string, typ byte, body []byte)) error {
	var first error
	for _, n := range nodes {
		if first != nil {
			break
		}
		for len(s.inflight) >= s.opts.queueDepth {
			if err := s.expectOK(); err != nil && first == nil {
				first = err
			}
			if s.err != nil {
				return s.err
			}
		}
		if first != nil {
			break
		}
		op, typ, body := req(n)
		if err := s.send(op, n.path, typ, body); err != nil {
			return err
		}
	}
	if err := s.drain(); err != nil && first == nil {
		first = err
	}
	return first
}
