package editor

import "flowext/api/internal/extension"

// Action is a transition request understood by Reduce.
type Action interface {
	Name() string
}

type (
	LoadData struct {
		Document extension.Document
	}
	LoadError struct {
		Message string
	}
	SetValue struct {
		EntityID    string
		PropertyKey string
		Value       string
	}
	ToggleDefault struct {
		EntityID    string
		PropertyKey string
		UseDefault  bool
	}
	// SelectNode with an empty NodeID clears the selection.
	SelectNode struct {
		NodeID string
	}
	SetSearch struct {
		Query string
	}
	Undo  struct{}
	Redo  struct{}
	Reset struct{}
	// Saved replaces the document with its merged successor and clears the
	// edits and history. Selection and search survive.
	Saved struct {
		Document extension.Document
	}
)

func (LoadData) Name() string      { return "LOAD_DATA" }
func (LoadError) Name() string     { return "LOAD_ERROR" }
func (SetValue) Name() string      { return "SET_VALUE" }
func (ToggleDefault) Name() string { return "TOGGLE_DEFAULT" }
func (SelectNode) Name() string    { return "SELECT_NODE" }
func (SetSearch) Name() string     { return "SET_SEARCH" }
func (Undo) Name() string          { return "UNDO" }
func (Redo) Name() string          { return "REDO" }
func (Reset) Name() string         { return "RESET" }
func (Saved) Name() string         { return "SAVED" }
