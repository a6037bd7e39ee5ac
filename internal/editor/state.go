// Package editor implements the extension editor's edit state: pending field
// edits over an immutable document, bounded linear undo/redo, selection and
// search. Transitions are pure; Editor is a thin mutable holder around them.
package editor

import (
	"sort"

	"flowext/api/internal/extension"
)

// MaxHistory bounds both the undo and the redo stack.
const MaxHistory = 50

type FieldEdit = extension.FieldEdit

// State is never mutated by Reduce; every transition returns a new value.
type State struct {
	Document       *extension.Document  `json:"document,omitempty"`
	EditedFields   map[string]FieldEdit `json:"editedFields"`
	UndoStack      [][]FieldEdit        `json:"undoStack,omitempty"`
	RedoStack      [][]FieldEdit        `json:"redoStack,omitempty"`
	SelectedNodeID string               `json:"selectedNodeId,omitempty"`
	SearchQuery    string               `json:"searchQuery,omitempty"`
	Error          string               `json:"error,omitempty"`
}

func Initial() State {
	return State{EditedFields: map[string]FieldEdit{}}
}

func (s State) DirtyFieldCount() int {
	return len(s.EditedFields)
}

// ChangedFields lists pending edits ordered by composite key.
func (s State) ChangedFields() []FieldEdit {
	return snapshot(s.EditedFields)
}

func (s State) CanUndo() bool {
	return len(s.UndoStack) > 0
}

func (s State) CanRedo() bool {
	return len(s.RedoStack) > 0
}

func (s State) HasDocument() bool {
	return s.Document != nil
}

// Edit returns the pending edit for a field, if any.
func (s State) Edit(entityID, propertyKey string) (FieldEdit, bool) {
	edit, ok := s.EditedFields[extension.FieldKey(entityID, propertyKey)]
	return edit, ok
}

// Reduce applies one action. Unknown actions leave the state unchanged.
func Reduce(state State, action Action) State {
	switch a := action.(type) {
	case LoadData:
		next := Initial()
		doc := a.Document
		next.Document = &doc
		return next

	case LoadError:
		next := Initial()
		next.Error = a.Message
		return next

	case SetValue:
		prev, ok := state.Edit(a.EntityID, a.PropertyKey)
		edit := FieldEdit{EntityID: a.EntityID, PropertyKey: a.PropertyKey, Value: a.Value}
		if ok {
			edit.UseDefault = prev.UseDefault
		}
		return recordEdit(state, edit)

	case ToggleDefault:
		prev, ok := state.Edit(a.EntityID, a.PropertyKey)
		edit := FieldEdit{EntityID: a.EntityID, PropertyKey: a.PropertyKey, UseDefault: a.UseDefault}
		if ok {
			edit.Value = prev.Value
		}
		return recordEdit(state, edit)

	case SelectNode:
		state.SelectedNodeID = a.NodeID
		return state

	case SetSearch:
		state.SearchQuery = a.Query
		return state

	case Undo:
		if len(state.UndoStack) == 0 {
			return state
		}
		restored := state.UndoStack[len(state.UndoStack)-1]
		next := state
		next.RedoStack = pushHistory(state.RedoStack, snapshot(state.EditedFields))
		next.UndoStack = popHistory(state.UndoStack)
		next.EditedFields = restore(restored)
		return next

	case Redo:
		if len(state.RedoStack) == 0 {
			return state
		}
		restored := state.RedoStack[len(state.RedoStack)-1]
		next := state
		next.UndoStack = pushHistory(state.UndoStack, snapshot(state.EditedFields))
		next.RedoStack = popHistory(state.RedoStack)
		next.EditedFields = restore(restored)
		return next

	case Reset:
		state.EditedFields = map[string]FieldEdit{}
		state.UndoStack = nil
		state.RedoStack = nil
		return state

	case Saved:
		doc := a.Document
		state.Document = &doc
		state.EditedFields = map[string]FieldEdit{}
		state.UndoStack = nil
		state.RedoStack = nil
		state.Error = ""
		return state

	default:
		return state
	}
}

// recordEdit snapshots the dirty set, drops the redo branch and writes the edit.
func recordEdit(state State, edit FieldEdit) State {
	next := state
	next.UndoStack = pushHistory(state.UndoStack, snapshot(state.EditedFields))
	next.RedoStack = nil

	fields := make(map[string]FieldEdit, len(state.EditedFields)+1)
	for key, value := range state.EditedFields {
		fields[key] = value
	}
	fields[edit.Key()] = edit
	next.EditedFields = fields
	return next
}

// pushHistory keeps the newest MaxHistory-1 entries and appends entry into a
// fresh slice so earlier states never observe the write.
func pushHistory(stack [][]FieldEdit, entry []FieldEdit) [][]FieldEdit {
	start := 0
	if len(stack) > MaxHistory-1 {
		start = len(stack) - (MaxHistory - 1)
	}
	out := make([][]FieldEdit, 0, len(stack)-start+1)
	out = append(out, stack[start:]...)
	return append(out, entry)
}

func popHistory(stack [][]FieldEdit) [][]FieldEdit {
	if len(stack) <= 1 {
		return nil
	}
	return stack[:len(stack)-1:len(stack)-1]
}

func snapshot(fields map[string]FieldEdit) []FieldEdit {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]FieldEdit, 0, len(keys))
	for _, key := range keys {
		out = append(out, fields[key])
	}
	return out
}

func restore(edits []FieldEdit) map[string]FieldEdit {
	fields := make(map[string]FieldEdit, len(edits))
	for _, edit := range edits {
		fields[edit.Key()] = edit
	}
	return fields
}
