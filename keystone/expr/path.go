package expr

import (
	"strconv"
	"strings"

	"github.com/keystonedb/keystone/keystone/kerr"
	"github.com/keystonedb/keystone/keystone/types"
)

// pathSegment is one step of a dotted/indexed attribute path: either a map
// key (Name set) or a list index (IsIndex true).
type pathSegment struct {
	Name    string
	IsIndex bool
	Index   int
}

// parsePath splits a path like "a.b[2].c" into segments. Paths traverse
// M via "." and L via "[i]".
func parsePath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, kerr.New(kerr.InvalidExpression, "empty attribute path")
	}
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, kerr.New(kerr.InvalidExpression, "empty path segment in %q", path)
		}
		name := part
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				segs = append(segs, pathSegment{Name: name})
				break
			}
			close := strings.IndexByte(name[open:], ']')
			if close < 0 {
				return nil, kerr.New(kerr.InvalidExpression, "unterminated index in path %q", path)
			}
			close += open
			if open > 0 {
				segs = append(segs, pathSegment{Name: name[:open]})
			}
			idxStr := name[open+1 : close]
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 0 {
				return nil, kerr.New(kerr.InvalidExpression, "invalid list index %q in path %q", idxStr, path)
			}
			segs = append(segs, pathSegment{IsIndex: true, Index: idx})
			name = name[close+1:]
			if name == "" {
				break
			}
			if name[0] == '.' {
				name = name[1:]
			}
		}
	}
	return segs, nil
}

// getPath resolves a path against an item, returning the zero Value
// (IsAbsent() == true) if any intermediate segment is missing.
func getPath(item types.Item, path string) (types.Value, error) {
	segs, err := parsePath(path)
	if err != nil {
		return types.Value{}, err
	}
	var cur types.Value
	if len(segs) == 0 {
		return types.Value{}, nil
	}
	if segs[0].IsIndex {
		return types.Value{}, kerr.New(kerr.InvalidExpression, "path %q cannot start with an index", path)
	}
	cur = item.Get(segs[0].Name)
	for _, seg := range segs[1:] {
		if cur.IsAbsent() {
			return types.Value{}, nil
		}
		if seg.IsIndex {
			if cur.Kind != types.KindL {
				return types.Value{}, nil
			}
			if seg.Index >= len(cur.L) {
				return types.Value{}, nil
			}
			cur = cur.L[seg.Index]
		} else {
			if cur.Kind != types.KindM {
				return types.Value{}, nil
			}
			cur = cur.M[seg.Name]
		}
	}
	return cur, nil
}

// setPath sets the value at path within item, creating intermediate M
// maps as needed. It cannot create intermediate list elements — indexing
// into a list past its current length is InvalidArgument, since such a
// path is not constructible.
func setPath(item types.Item, path string, v types.Value) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 || segs[0].IsIndex {
		return kerr.New(kerr.InvalidExpression, "path %q cannot start with an index", path)
	}
	if len(segs) == 1 {
		item[segs[0].Name] = v
		return nil
	}
	return setPathRec(item, segs[0].Name, segs[1:], v)
}

func setPathRec(m types.Item, name string, rest []pathSegment, v types.Value) error {
	cur := m.Get(name)
	if len(rest) == 0 {
		m[name] = v
		return nil
	}
	seg := rest[0]
	if seg.IsIndex {
		if cur.Kind != types.KindL {
			return kerr.New(kerr.InvalidArgument, "path segment %q is not a list", name)
		}
		if seg.Index >= len(cur.L) {
			return kerr.New(kerr.InvalidArgument, "list index %d out of range (len %d)", seg.Index, len(cur.L))
		}
		if len(rest) == 1 {
			cur.L[seg.Index] = v
			m[name] = cur
			return nil
		}
		elem := cur.L[seg.Index]
		if elem.Kind != types.KindM {
			if elem.IsAbsent() {
				elem = types.M(map[string]types.Value{})
			} else {
				return kerr.New(kerr.InvalidArgument, "path segment %q is not a map", name)
			}
		}
		if err := setPathRec(elem.M, rest[1].Name, rest[2:], v); err != nil {
			return err
		}
		cur.L[seg.Index] = elem
		m[name] = cur
		return nil
	}
	if cur.Kind != types.KindM {
		if cur.IsAbsent() {
			cur = types.M(map[string]types.Value{})
		} else {
			return kerr.New(kerr.InvalidArgument, "path segment %q is not a map", name)
		}
	}
	if err := setPathRec(cur.M, seg.Name, rest[1:], v); err != nil {
		return err
	}
	m[name] = cur
	return nil
}

// removePath deletes the attribute at path, a no-op if any segment along
// the way is absent.
func removePath(item types.Item, path string) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 || segs[0].IsIndex {
		return kerr.New(kerr.InvalidExpression, "path %q cannot start with an index", path)
	}
	if len(segs) == 1 {
		delete(item, segs[0].Name)
		return nil
	}
	if cur, ok := item[segs[0].Name]; ok {
		item[segs[0].Name] = removeRec(cur, segs[1:])
	}
	return nil
}

// removeRec returns cur with the attribute at rest removed; the result
// is stored back by the caller so a shortened list keeps its new length.
func removeRec(cur types.Value, rest []pathSegment) types.Value {
	if cur.IsAbsent() || len(rest) == 0 {
		return cur
	}
	seg := rest[0]
	if len(rest) == 1 {
		if seg.IsIndex {
			if cur.Kind == types.KindL && seg.Index < len(cur.L) {
				cur.L = append(cur.L[:seg.Index], cur.L[seg.Index+1:]...)
			}
		} else if cur.Kind == types.KindM {
			delete(cur.M, seg.Name)
		}
		return cur
	}
	if seg.IsIndex {
		if cur.Kind == types.KindL && seg.Index < len(cur.L) {
			cur.L[seg.Index] = removeRec(cur.L[seg.Index], rest[1:])
		}
	} else if cur.Kind == types.KindM {
		if child, ok := cur.M[seg.Name]; ok {
			cur.M[seg.Name] = removeRec(child, rest[1:])
		}
	}
	return cur
}
