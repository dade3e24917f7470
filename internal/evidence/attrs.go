package evidence

// AttrValueKind tags the variant held by an AttrValue.
type AttrValueKind string

const (
	AttrString AttrValueKind = "string"
	AttrInt    AttrValueKind = "int"
	AttrFloat  AttrValueKind = "float"
	AttrBool   AttrValueKind = "bool"
	AttrList   AttrValueKind = "list"
)

// AttrValue is the bounded variant stored in an evidence item's attribute
// bag. Sources attach platform-specific detail (branch names, MR numbers,
// labels) without the model degenerating into free-form blobs.
type AttrValue struct {
	Kind  AttrValueKind `json:"kind"`
	Str   string        `json:"str,omitempty"`
	Int   int64         `json:"int,omitempty"`
	Float float64       `json:"float,omitempty"`
	Bool  bool          `json:"bool,omitempty"`
	List  []string      `json:"list,omitempty"`
}

// String constructs a string attribute.
func String(s string) AttrValue { return AttrValue{Kind: AttrString, Str: s} }

// Int constructs an integer attribute.
func Int(n int64) AttrValue { return AttrValue{Kind: AttrInt, Int: n} }

// Float constructs a float attribute.
func Float(f float64) AttrValue { return AttrValue{Kind: AttrFloat, Float: f} }

// Bool constructs a boolean attribute.
func Bool(b bool) AttrValue { return AttrValue{Kind: AttrBool, Bool: b} }

// List constructs a string-list attribute.
func List(items ...string) AttrValue { return AttrValue{Kind: AttrList, List: items} }

// AsString returns the string value and whether the attribute holds one.
func (v AttrValue) AsString() (string, bool) {
	return v.Str, v.Kind == AttrString
}

// AsList returns the list value. Scalars are returned as a single-element
// list so rule code can iterate uniformly.
func (v AttrValue) AsList() []string {
	switch v.Kind {
	case AttrList:
		return v.List
	case AttrString:
		if v.Str == "" {
			return nil
		}
		return []string{v.Str}
	}
	return nil
}

// Attr reads a named attribute from an item, with ok=false when absent.
func (e *Evidence) Attr(name string) (AttrValue, bool) {
	if e.Attrs == nil {
		return AttrValue{}, false
	}
	v, ok := e.Attrs[name]
	return v, ok
}

// StringAttr reads a named string attribute, returning "" when the
// attribute is absent or holds a different kind.
func (e *Evidence) StringAttr(name string) string {
	v, ok := e.Attr(name)
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

// Well-known attribute names consumed by the pre-filter rules. Collectors
// that can supply them should use these exact keys.
const (
	AttrBranch    = "branch"     // source branch of a commit or merge request
	AttrSourceRef = "source_ref" // ref the item was created from
	AttrProject   = "project"    // project or repository slug
	AttrAssignee  = "assignee"   // tracker assignee handle
	AttrLabels    = "labels"     // tracker labels
	AttrFiles     = "files"      // touched file paths
)
