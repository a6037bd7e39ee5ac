package editor

import "flowext/api/internal/extension"

// Editor holds the current state of one editor instance. It is not safe for
// concurrent use; callers serialize dispatch.
type Editor struct {
	state State
}

func New() *Editor {
	return &Editor{state: Initial()}
}

// Restore resumes an editor from a previously captured state.
func Restore(state State) *Editor {
	if state.EditedFields == nil {
		state.EditedFields = map[string]FieldEdit{}
	}
	return &Editor{state: state}
}

func (e *Editor) State() State {
	return e.state
}

func (e *Editor) Dispatch(action Action) State {
	e.state = Reduce(e.state, action)
	return e.state
}

func (e *Editor) LoadData(doc extension.Document) { e.Dispatch(LoadData{Document: doc}) }
func (e *Editor) LoadError(message string)        { e.Dispatch(LoadError{Message: message}) }

func (e *Editor) SetValue(entityID, propertyKey, value string) {
	e.Dispatch(SetValue{EntityID: entityID, PropertyKey: propertyKey, Value: value})
}

func (e *Editor) ToggleDefault(entityID, propertyKey string, useDefault bool) {
	e.Dispatch(ToggleDefault{EntityID: entityID, PropertyKey: propertyKey, UseDefault: useDefault})
}

func (e *Editor) SelectNode(nodeID string) { e.Dispatch(SelectNode{NodeID: nodeID}) }
func (e *Editor) SetSearch(query string)   { e.Dispatch(SetSearch{Query: query}) }
func (e *Editor) Undo()                    { e.Dispatch(Undo{}) }
func (e *Editor) Redo()                    { e.Dispatch(Redo{}) }
func (e *Editor) Reset()                   { e.Dispatch(Reset{}) }

func (e *Editor) DirtyFieldCount() int       { return e.state.DirtyFieldCount() }
func (e *Editor) ChangedFields() []FieldEdit { return e.state.ChangedFields() }
func (e *Editor) CanUndo() bool              { return e.state.CanUndo() }
func (e *Editor) CanRedo() bool              { return e.state.CanRedo() }

// Merged returns the document with every pending edit applied, or false when
// no document is loaded.
func (e *Editor) Merged() (extension.Document, bool) {
	if e.state.Document == nil {
		return extension.Document{}, false
	}
	return extension.ApplyEdits(*e.state.Document, e.state.ChangedFields()), true
}
