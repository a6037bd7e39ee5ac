package editor

import (
	"sort"
	"strings"

	"flowext/api/internal/extension"
)

// Sharing reports which processes use an entity.
type Sharing interface {
	AuthorizedProcesses(entityID string) []string
	IsAdminOnly(entityID string) bool
}

type TreeItem struct {
	NodeID          string             `json:"id"`
	EntityID        string             `json:"extensionId"`
	Label           string             `json:"label"`
	Category        extension.Category `json:"category"`
	Shared          bool               `json:"isShared"`
	SharedBy        []string           `json:"sharedByProcesses"`
	Connection      bool               `json:"isConnectionExtension"`
	ProcessProperty bool               `json:"isDppExtension"`
	AdminOnly       bool               `json:"isAdminOnly"`
}

type CategoryNode struct {
	Category extension.Category `json:"category"`
	Label    string             `json:"label"`
	Items    []TreeItem         `json:"items"`
}

// BuildTree groups the document's entities by category and filters them by a
// case-insensitive label match. With a non-empty query, categories without
// matches are omitted.
func BuildTree(doc extension.Document, sharing Sharing, query string) []CategoryNode {
	categories := []extension.Category{
		extension.CategoryConnections,
		extension.CategoryOperations,
		extension.CategoryProcessProperties,
	}
	if doc.CrossReferenceOverrides != nil {
		categories = append(categories, extension.CategoryCrossReferenceOverrides)
	}

	needle := strings.ToLower(query)
	nodes := make([]CategoryNode, 0, len(categories))
	for _, category := range categories {
		items := categoryItems(doc, category, sharing)
		if needle != "" {
			filtered := items[:0]
			for _, item := range items {
				if strings.Contains(strings.ToLower(item.Label), needle) {
					filtered = append(filtered, item)
				}
			}
			items = filtered
			if len(items) == 0 {
				continue
			}
		}
		nodes = append(nodes, CategoryNode{Category: category, Label: category.Label(), Items: items})
	}
	return nodes
}

func categoryItems(doc extension.Document, category extension.Category, sharing Sharing) []TreeItem {
	items := []TreeItem{}
	switch category {
	case extension.CategoryConnections, extension.CategoryOperations:
		groups := doc.Connections
		if category == extension.CategoryOperations {
			groups = doc.Operations
		}
		for id, group := range groups {
			processes := sharing.AuthorizedProcesses(id)
			items = append(items, TreeItem{
				NodeID:     extension.NodeID(category, id),
				EntityID:   id,
				Label:      labelOr(group.Name, id),
				Category:   category,
				Shared:     len(processes) > 1,
				SharedBy:   processes,
				Connection: category == extension.CategoryConnections,
				AdminOnly:  sharing.IsAdminOnly(id),
			})
		}
	case extension.CategoryProcessProperties:
		for id, prop := range doc.ProcessProperties {
			items = append(items, TreeItem{
				NodeID:          extension.NodeID(category, id),
				EntityID:        id,
				Label:           labelOr(prop.Name, id),
				Category:        category,
				SharedBy:        []string{},
				ProcessProperty: true,
			})
		}
	case extension.CategoryCrossReferenceOverrides:
		for id := range doc.CrossReferenceOverrides {
			items = append(items, TreeItem{
				NodeID:   extension.NodeID(category, id),
				EntityID: id,
				Label:    id,
				Category: category,
				SharedBy: []string{},
			})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Label != items[j].Label {
			return items[i].Label < items[j].Label
		}
		return items[i].EntityID < items[j].EntityID
	})
	return items
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}
