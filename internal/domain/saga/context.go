package saga

import (
	"encoding/json"
	"fmt"
)

// Well-known context keys.
const (
	CtxEmail              = "EMAIL"
	CtxFirstName          = "FIRST_NAME"
	CtxLastName           = "LAST_NAME"
	CtxPhoneNumber        = "PHONE_NUMBER"
	CtxUserStatus         = "USER_STATUS"
	CtxDeletionReason     = "DELETION_REASON"
	CtxCreatedProfileID   = "CREATED_PROFILE_ID"
	CtxDeletedUserID      = "DELETED_USER_ID"
	CtxCompensationReason = "COMPENSATION_REASON"
	CtxCompensationAction = "COMPENSATION_ACTION"

	// AttributePrefix prefixes free-form registration attributes.
	AttributePrefix = "ATTR_"
)

// Context is an ordered key/value bag of step-scoped data. Insertion order
// is preserved so the audit view reads in the order steps recorded it.
// The zero value is ready to use.
type Context struct {
	keys   []string
	values map[string]string
}

type contextEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (c *Context) Set(key, value string) {
	if c.values == nil {
		c.values = make(map[string]string)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

func (c *Context) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Value returns the value for key or the empty string.
func (c *Context) Value(key string) string {
	return c.values[key]
}

func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

func (c *Context) Delete(key string) {
	if _, ok := c.values[key]; !ok {
		return
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
}

func (c *Context) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

func (c *Context) Len() int {
	return len(c.keys)
}

func (c *Context) Clone() Context {
	out := Context{}
	for _, k := range c.keys {
		out.Set(k, c.values[k])
	}
	return out
}

// MarshalJSON encodes the bag as an array of {key, value} pairs.
func (c Context) MarshalJSON() ([]byte, error) {
	entries := make([]contextEntry, 0, len(c.keys))
	for _, k := range c.keys {
		entries = append(entries, contextEntry{Key: k, Value: c.values[k]})
	}
	return json.Marshal(entries)
}

func (c *Context) UnmarshalJSON(data []byte) error {
	var entries []contextEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode saga context: %w", err)
	}
	*c = Context{}
	for _, e := range entries {
		c.Set(e.Key, e.Value)
	}
	return nil
}
