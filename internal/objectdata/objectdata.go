// Package objectdata reads the objectData entries the Flow runtime injects
// into custom components.
package objectdata

import (
	"errors"
	"strings"

	"flowext/api/internal/extension"
)

var ErrNoDataProvided = errors.New("no data provided")

type Entry struct {
	InternalID    string     `json:"internalId"`
	ExternalID    string     `json:"externalId"`
	DeveloperName string     `json:"developerName"`
	Properties    []Property `json:"properties"`
}

type Property struct {
	DeveloperName string  `json:"developerName"`
	ContentValue  *string `json:"contentValue"`
	ContentType   string  `json:"contentType"`
	ObjectData    []Entry `json:"objectData"`
}

// Value returns the content of the first property with the given developer
// name, or "" when it is missing or null.
func Value(entry Entry, name string) string {
	for _, prop := range entry.Properties {
		if prop.DeveloperName != name {
			continue
		}
		if prop.ContentValue == nil {
			return ""
		}
		return *prop.ContentValue
	}
	return ""
}

// EditorInput is everything the extension editor consumes from the host.
type EditorInput struct {
	Document       *extension.Document
	ParseErr       error
	AccessMappings []extension.AccessMapping
	IsAdmin        bool
	Groups         []string
}

// ExtractEditorData reads the first entry. A missing or empty entry list is an
// error; a document parse failure is reported through ParseErr so the editor
// can still show its error surface.
func ExtractEditorData(entries []Entry) (EditorInput, error) {
	if len(entries) == 0 {
		return EditorInput{}, ErrNoDataProvided
	}
	entry := entries[0]

	input := EditorInput{
		AccessMappings: extension.ParseAccessMappings(Value(entry, "accessMappings")),
		IsAdmin:        ParseFlag(Value(entry, "isAdmin")),
		Groups:         SplitGroups(Value(entry, "userSsoGroups")),
	}
	doc, err := extension.Parse(Value(entry, "extensionData"))
	if err != nil {
		input.ParseErr = err
		return input, nil
	}
	input.Document = &doc
	return input, nil
}

// ParseFlag is true exactly for "true" and "1".
func ParseFlag(value string) bool {
	return value == "true" || value == "1"
}

func SplitGroups(value string) []string {
	groups := []string{}
	for _, group := range strings.Split(value, ",") {
		if group = strings.TrimSpace(group); group != "" {
			groups = append(groups, group)
		}
	}
	return groups
}

// StringValue is a helper for building entries in code and tests.
func StringValue(name, value string) Property {
	return Property{DeveloperName: name, ContentValue: &value, ContentType: "ContentString"}
}
