package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// MissingReferenceError reports a parameter that points at output the
// execution does not have. It fails the node terminally; retrying cannot
// produce the missing value.
type MissingReferenceError struct {
	NodeID string
	Param  string
	Ref    string
}

func (e *MissingReferenceError) Error() string {
	return fmt.Sprintf("node %s: param %s references missing value %s", e.NodeID, e.Param, e.Ref)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// resolveParams materializes a node's parameters against accumulated node
// outputs. Two reference forms are supported: an explicit ref object
// {mode:"ref", nodeId, path} and inline {{nodeId.path}} placeholders.
func resolveParams(nodeID string, params map[string]any, outputs map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		v, err := resolveValue(nodeID, key, value, outputs)
		if err != nil {
			return nil, err
		}
		resolved[key] = v
	}
	return resolved, nil
}

func resolveValue(nodeID, param string, value any, outputs map[string]any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if isRef(v) {
			return resolveRef(nodeID, param, v, outputs)
		}
		nested := make(map[string]any, len(v))
		for k, inner := range v {
			r, err := resolveValue(nodeID, param+"."+k, inner, outputs)
			if err != nil {
				return nil, err
			}
			nested[k] = r
		}
		return nested, nil
	case []any:
		items := make([]any, len(v))
		for i, inner := range v {
			r, err := resolveValue(nodeID, fmt.Sprintf("%s[%d]", param, i), inner, outputs)
			if err != nil {
				return nil, err
			}
			items[i] = r
		}
		return items, nil
	case string:
		return resolvePlaceholders(nodeID, param, v, outputs)
	default:
		return value, nil
	}
}

func isRef(m map[string]any) bool {
	mode, _ := m["mode"].(string)
	return mode == "ref"
}

func resolveRef(nodeID, param string, ref map[string]any, outputs map[string]any) (any, error) {
	sourceNode, _ := ref["nodeId"].(string)
	path, _ := ref["path"].(string)
	value, found := lookupPath(outputs, sourceNode, path)
	if !found {
		return nil, &MissingReferenceError{NodeID: nodeID, Param: param, Ref: sourceNode + "." + path}
	}
	return value, nil
}

// resolvePlaceholders substitutes {{nodeId.path}} occurrences. A string
// that is exactly one placeholder keeps the referenced value's type;
// placeholders embedded in larger strings stringify.
func resolvePlaceholders(nodeID, param, s string, outputs map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		value, found := lookupExpr(outputs, expr)
		if !found {
			return nil, &MissingReferenceError{NodeID: nodeID, Param: param, Ref: expr}
		}
		return value, nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		expr := strings.TrimSpace(s[m[2]:m[3]])
		value, found := lookupExpr(outputs, expr)
		if !found {
			return nil, &MissingReferenceError{NodeID: nodeID, Param: param, Ref: expr}
		}
		sb.WriteString(fmt.Sprintf("%v", value))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// lookupExpr splits "nodeId.some.path" into source node and path
func lookupExpr(outputs map[string]any, expr string) (any, bool) {
	sourceNode, path, _ := strings.Cut(expr, ".")
	return lookupPath(outputs, sourceNode, path)
}

func lookupPath(outputs map[string]any, sourceNode, path string) (any, bool) {
	root, found := outputs[sourceNode]
	if !found {
		return nil, false
	}
	if path == "" {
		return root, true
	}
	current := root
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
