// Package extension models the environment extension document edited by the
// extension editor: connections, operations, process properties and
// cross-reference overrides of one environment.
package extension

import "strings"

// Document is one environment's extension data as delivered by the host.
type Document struct {
	AccountID               string              `json:"accountId"`
	EnvironmentID           string              `json:"environmentId"`
	EnvironmentName         string              `json:"environmentName"`
	Connections             map[string]Group    `json:"connections"`
	Operations              map[string]Group    `json:"operations"`
	ProcessProperties       map[string]Property `json:"processProperties"`
	CrossReferenceOverrides map[string]string   `json:"crossReferenceOverrides"`
}

// Group is a connection or operation extension and its properties.
type Group struct {
	Name             string              `json:"name"`
	ExtensionGroupID string              `json:"extensionGroupId"`
	Properties       map[string]Property `json:"properties"`
}

// Property is a single editable value. Encrypted values are never exposed or
// changed through the edit surface.
type Property struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	UseDefault bool   `json:"useDefault"`
	Encrypted  bool   `json:"encrypted"`
}

// AccessMapping records which extension ids a process uses.
type AccessMapping struct {
	ProcessID    string   `json:"processId"`
	ProcessName  string   `json:"processName"`
	ExtensionIDs []string `json:"extensionIds"`
	AdminOnly    bool     `json:"adminOnly"`
}

// FieldEdit is a pending change to one (entity, property) pair.
type FieldEdit struct {
	EntityID    string `json:"extensionId"`
	PropertyKey string `json:"propertyKey"`
	Value       string `json:"value"`
	UseDefault  bool   `json:"useDefault"`
}

const keySeparator = "::"

// Key returns the composite key identifying the edited field.
func (e FieldEdit) Key() string {
	return FieldKey(e.EntityID, e.PropertyKey)
}

func FieldKey(entityID, propertyKey string) string {
	return entityID + keySeparator + propertyKey
}

// ProcessPropertyKey is the only property key addressing a process property.
const ProcessPropertyKey = "value"

type Category string

const (
	CategoryConnections             Category = "connections"
	CategoryOperations              Category = "operations"
	CategoryProcessProperties       Category = "processProperties"
	CategoryCrossReferenceOverrides Category = "crossReferenceOverrides"
)

var categoryLabels = map[Category]string{
	CategoryConnections:             "Connections",
	CategoryOperations:              "Operations",
	CategoryProcessProperties:       "Process Properties",
	CategoryCrossReferenceOverrides: "Cross-Reference Overrides",
}

func (c Category) Label() string {
	if label, ok := categoryLabels[c]; ok {
		return label
	}
	return string(c)
}

func (c Category) Valid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// NodeID builds the tree node id "category::entityId".
func NodeID(category Category, entityID string) string {
	return string(category) + keySeparator + entityID
}

// ParseNodeID splits a node id. Ids without a category are returned as the
// entity id with an empty category.
func ParseNodeID(nodeID string) (Category, string) {
	category, entityID, ok := strings.Cut(nodeID, keySeparator)
	if !ok {
		return "", nodeID
	}
	return Category(category), entityID
}

// ConnectionIDs returns the set of connection entity ids.
func ConnectionIDs(doc Document) map[string]struct{} {
	ids := make(map[string]struct{}, len(doc.Connections))
	for id := range doc.Connections {
		ids[id] = struct{}{}
	}
	return ids
}

// Lookup returns the properties shown for a tree node. Process properties are
// normalized to a single entry keyed "value"; cross-reference overrides are
// exposed the same way.
func Lookup(doc Document, nodeID string) (map[string]Property, bool) {
	category, entityID := ParseNodeID(nodeID)
	switch category {
	case CategoryConnections:
		group, ok := doc.Connections[entityID]
		if !ok {
			return nil, false
		}
		return group.Properties, true
	case CategoryOperations:
		group, ok := doc.Operations[entityID]
		if !ok {
			return nil, false
		}
		return group.Properties, true
	case CategoryProcessProperties:
		prop, ok := doc.ProcessProperties[entityID]
		if !ok {
			return nil, false
		}
		return map[string]Property{ProcessPropertyKey: prop}, true
	case CategoryCrossReferenceOverrides:
		value, ok := doc.CrossReferenceOverrides[entityID]
		if !ok {
			return nil, false
		}
		return map[string]Property{ProcessPropertyKey: {Name: entityID, Value: value}}, true
	default:
		return nil, false
	}
}

// FindProperty locates the property an edit would target, using the same
// precedence as ApplyEdits.
func FindProperty(doc Document, entityID, propertyKey string) (Property, bool) {
	if group, ok := doc.Connections[entityID]; ok {
		if prop, ok := group.Properties[propertyKey]; ok {
			return prop, true
		}
	}
	if group, ok := doc.Operations[entityID]; ok {
		if prop, ok := group.Properties[propertyKey]; ok {
			return prop, true
		}
	}
	if propertyKey == ProcessPropertyKey {
		if prop, ok := doc.ProcessProperties[entityID]; ok {
			return prop, true
		}
	}
	return Property{}, false
}
