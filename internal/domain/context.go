package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ReservedFaultKey is the only reserved context key; it carries the active
// fault payload while a node is aborting and is not writable via Set or
// Update. Only Throw may write it.
const ReservedFaultKey = "inst:fault"

// Context is a scoped property map with parent chaining. Only complex
// flow expression kinds own a Context; leaves share their parent's.
// Lookup walks the parent chain; Set updates the nearest ancestor that
// already owns the key, defaulting to the local scope.
type Context struct {
	parent *Context
	props  map[string]any
}

// NewContext creates a context scoped under parent (nil for the root
// process context).
func NewContext(parent *Context) *Context {
	return &Context{parent: parent, props: make(map[string]any)}
}

// Get returns the value of key, walking the parent chain. Returns an error
// if key is defined nowhere in the chain.
func (c *Context) Get(key string) (any, error) {
	if v, ok := c.props[key]; ok {
		return v, nil
	}
	if c.parent == nil {
		return nil, NewBureaucratError(ErrCodeNotFound, fmt.Sprintf("no such property in context: %s", key), nil)
	}
	return c.parent.Get(key)
}

// has reports whether key resolves anywhere in the chain, without erroring.
func (c *Context) has(key string) bool {
	_, err := c.Get(key)
	return err == nil
}

// Set updates the nearest ancestor that already owns key; if no ancestor
// owns it, it is created in the local scope.
func (c *Context) Set(key string, value any) error {
	if key == ReservedFaultKey {
		return NewBureaucratError(ErrCodeReservedKeyword, "'"+key+"' is a reserved keyword", nil)
	}
	return c.set(key, value)
}

func (c *Context) set(key string, value any) error {
	if _, ok := c.props[key]; ok {
		c.props[key] = value
		return nil
	}
	if c.parent != nil && c.parent.has(key) {
		return c.parent.set(key, value)
	}
	c.props[key] = value
	return nil
}

// Throw sets the reserved inst:fault slot. It is the only writer of that
// key.
func (c *Context) Throw(code, message string) {
	c.props[ReservedFaultKey] = map[string]any{"code": code, "message": message}
}

// ClearFault removes the local inst:fault slot, called when a fault
// handler resolves.
func (c *Context) ClearFault() {
	delete(c.props, ReservedFaultKey)
}

// Fault returns the active fault payload if one is set anywhere in the
// chain.
func (c *Context) Fault() (map[string]any, bool) {
	v, err := c.Get(ReservedFaultKey)
	if err != nil {
		return nil, false
	}
	f, ok := v.(map[string]any)
	return f, ok
}

// Update applies props to the context via Set, skipping the reserved key.
func (c *Context) Update(props map[string]any) {
	for k, v := range props {
		if k == ReservedFaultKey {
			continue
		}
		_ = c.set(k, v)
	}
}

// AsDictionary flattens the full visible scope (ancestors then local
// overriding) into a single map, used as the evaluation environment for
// conditions/expressions and as the payload handed to participants.
func (c *Context) AsDictionary() map[string]any {
	var out map[string]any
	if c.parent != nil {
		out = c.parent.AsDictionary()
	} else {
		out = make(map[string]any, len(c.props))
	}
	for k, v := range c.props {
		out[k] = v
	}
	return out
}

// LocalProps returns only locally-owned properties, used for
// snapshotting. Inherited properties stay out so the scope chain
// reassembles correctly on restore.
func (c *Context) LocalProps() map[string]any {
	return c.props
}

// SetLocalProps replaces the local property set, used when restoring a
// snapshot.
func (c *Context) SetLocalProps(props map[string]any) {
	if props == nil {
		props = make(map[string]any)
	}
	c.props = props
}

// ParseProperty parses one typed <property name type>text</property>
// element into a Go value. Supported types: int, float, str, bool, json.
func ParseProperty(proptype, text string) (any, error) {
	switch proptype {
	case "int":
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, NewBureaucratError(ErrCodeParse, "invalid int property", err)
		}
		return v, nil
	case "float":
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, NewBureaucratError(ErrCodeParse, "invalid float property", err)
		}
		return v, nil
	case "str":
		return text, nil
	case "bool":
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, NewBureaucratError(ErrCodeParse, "invalid bool property", err)
		}
		return v != 0, nil
	case "json":
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, NewBureaucratError(ErrCodeParse, "invalid json property", err)
		}
		return v, nil
	default:
		return nil, NewBureaucratError(ErrCodeParse, "unknown property type: "+proptype, nil)
	}
}
