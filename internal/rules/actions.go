package rules

import (
	"fmt"

	"grimm.is/ferric/internal/ferr"
)

// failAction carries the user-supplied message of a fail action through the
// engine so it can be distinguished from evaluation errors.
type failAction struct {
	message string
}

func (f failAction) Error() string {
	return f.message
}

// applyAction mutates the result document in place. The fail op returns a
// failAction error and leaves the document untouched.
func applyAction(doc map[string]any, a Action) error {
	switch a.Op {
	case "set-attribute":
		return setPath(doc, "properties."+a.Path, a.Value)
	case "set-capability":
		return setPath(doc, "capabilities."+a.Name, a.Value)
	case "extend-attribute":
		return extendAttribute(doc, a)
	case "fail":
		return failAction{message: a.Message}
	}
	return fmt.Errorf("unknown action op %q", a.Op)
}

// extendAttribute appends the value to a list-valued property, creating the
// list when absent. A non-list existing value is a type error.
func extendAttribute(doc map[string]any, a Action) error {
	path := "properties." + a.Path
	current, present := lookupPath(doc, path)
	if !present || current == nil {
		return setPath(doc, path, []any{a.Value})
	}
	list, ok := current.([]any)
	if !ok {
		return ferr.TypeMismatch("extend-attribute: %q holds %T, not a list", a.Path, current)
	}
	return setPath(doc, path, append(list, a.Value))
}
