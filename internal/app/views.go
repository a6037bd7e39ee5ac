package app

import (
	"sort"

	"flowext/api/internal/access"
	"flowext/api/internal/editor"
	"flowext/api/internal/extension"
)

const maskedValue = "********"

type EnvironmentView struct {
	AccountID       string `json:"accountId"`
	EnvironmentID   string `json:"environmentId"`
	EnvironmentName string `json:"environmentName"`
}

// SessionView is everything the presentation layer renders for one session.
type SessionView struct {
	ID              string                `json:"id"`
	Environment     *EnvironmentView      `json:"environment,omitempty"`
	Error           string                `json:"error,omitempty"`
	Role            access.Role           `json:"role"`
	IsAdmin         bool                  `json:"isAdmin"`
	DirtyFieldCount int                   `json:"dirtyFieldCount"`
	ChangedFields   []editor.FieldEdit    `json:"changedFields"`
	CanUndo         bool                  `json:"canUndo"`
	CanRedo         bool                  `json:"canRedo"`
	CanSave         bool                  `json:"canSave"`
	SelectedNodeID  string                `json:"selectedNodeId,omitempty"`
	SearchQuery     string                `json:"searchQuery,omitempty"`
	Selection       *SelectionView        `json:"selection,omitempty"`
	Tree            []editor.CategoryNode `json:"tree"`
}

type SelectionView struct {
	NodeID               string             `json:"nodeId"`
	EntityID             string             `json:"extensionId"`
	Category             extension.Category `json:"category"`
	IsConnection         bool               `json:"isConnection"`
	CanEdit              bool               `json:"canEdit"`
	SharedBy             []string           `json:"sharedBy"`
	RequiresConfirmation bool               `json:"requiresConfirmation"`
	Properties           []PropertyView     `json:"properties"`
}

// PropertyView shows the pending value when the field was edited.
type PropertyView struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	Value      string `json:"value"`
	UseDefault bool   `json:"useDefault"`
	Encrypted  bool   `json:"encrypted"`
	Edited     bool   `json:"edited"`
}

func (s *Service) view(sess *editorSession) SessionView {
	state := sess.editor.State()
	view := SessionView{
		ID:              sess.id,
		Error:           state.Error,
		Role:            sess.policy.Role(),
		IsAdmin:         sess.policy.EffectiveAdmin(),
		DirtyFieldCount: state.DirtyFieldCount(),
		ChangedFields:   state.ChangedFields(),
		CanUndo:         state.CanUndo(),
		CanRedo:         state.CanRedo(),
		CanSave:         state.HasDocument() && state.DirtyFieldCount() > 0,
		SelectedNodeID:  state.SelectedNodeID,
		SearchQuery:     state.SearchQuery,
		Tree:            []editor.CategoryNode{},
	}
	if !state.HasDocument() {
		return view
	}

	doc := *state.Document
	view.Environment = &EnvironmentView{
		AccountID:       doc.AccountID,
		EnvironmentID:   doc.EnvironmentID,
		EnvironmentName: doc.EnvironmentName,
	}
	view.Tree = editor.BuildTree(doc, sess.policy, state.SearchQuery)
	if state.SelectedNodeID != "" {
		view.Selection = selectionView(state, sess.policy)
	}
	return view
}

func selectionView(state editor.State, policy *access.Policy) *SelectionView {
	doc := *state.Document
	props, ok := extension.Lookup(doc, state.SelectedNodeID)
	if !ok {
		return nil
	}
	category, entityID := extension.ParseNodeID(state.SelectedNodeID)
	connections := extension.ConnectionIDs(doc)

	selection := &SelectionView{
		NodeID:               state.SelectedNodeID,
		EntityID:             entityID,
		Category:             category,
		IsConnection:         access.IsConnectionEntity(entityID, connections),
		CanEdit:              category != extension.CategoryCrossReferenceOverrides && policy.CanEditEntity(entityID, connections),
		SharedBy:             policy.AuthorizedProcesses(entityID),
		RequiresConfirmation: policy.RequiresConfirmation(entityID),
		Properties:           make([]PropertyView, 0, len(props)),
	}
	if selection.SharedBy == nil {
		selection.SharedBy = []string{}
	}
	for key, prop := range props {
		item := PropertyView{
			Key:        key,
			Name:       prop.Name,
			Value:      prop.Value,
			UseDefault: prop.UseDefault,
			Encrypted:  prop.Encrypted,
		}
		if edit, ok := state.Edit(entityID, key); ok {
			item.Value = edit.Value
			item.UseDefault = edit.UseDefault
			item.Edited = true
		}
		if item.Encrypted {
			item.Value = maskedValue
		}
		selection.Properties = append(selection.Properties, item)
	}
	sort.Slice(selection.Properties, func(i, j int) bool {
		return selection.Properties[i].Key < selection.Properties[j].Key
	})
	return selection
}

func maskDocument(doc extension.Document) extension.Document {
	out := extension.Clone(doc)
	maskGroups(out.Connections)
	maskGroups(out.Operations)
	for id, prop := range out.ProcessProperties {
		if prop.Encrypted {
			prop.Value = maskedValue
			out.ProcessProperties[id] = prop
		}
	}
	return out
}

func maskGroups(groups map[string]extension.Group) {
	for _, group := range groups {
		for key, prop := range group.Properties {
			if prop.Encrypted {
				prop.Value = maskedValue
				group.Properties[key] = prop
			}
		}
	}
}
