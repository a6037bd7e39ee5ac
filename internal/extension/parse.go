package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrEmptyInput    = errors.New("extension data is empty")
	ErrMalformedJSON = errors.New("extension data is not valid JSON")
	ErrSchema        = errors.New("extension data does not match the expected schema")
)

// Parse decodes host-supplied extension JSON. Only a blank input, invalid JSON
// or a missing string environmentId are errors; every other field is coerced.
func Parse(text string) (Document, error) {
	if strings.TrimSpace(text) == "" {
		return Document{}, ErrEmptyInput
	}

	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return Document{}, fmt.Errorf("%w: top level must be an object", ErrSchema)
	}
	environmentID, ok := obj["environmentId"].(string)
	if !ok {
		return Document{}, fmt.Errorf("%w: missing required field environmentId", ErrSchema)
	}

	doc := Document{
		AccountID:         toString(obj["accountId"]),
		EnvironmentID:     environmentID,
		EnvironmentName:   toString(obj["environmentName"]),
		Connections:       parseGroups(obj["connections"]),
		Operations:        parseGroups(obj["operations"]),
		ProcessProperties: parseProperties(obj["processProperties"]),
	}
	if overrides, ok := obj["crossReferenceOverrides"].(map[string]any); ok {
		doc.CrossReferenceOverrides = make(map[string]string, len(overrides))
		for key, value := range overrides {
			doc.CrossReferenceOverrides[key] = toString(value)
		}
	}
	return doc, nil
}

// Serialize renders the document as indented JSON.
func Serialize(doc Document) ([]byte, error) {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal extension data: %w", err)
	}
	return payload, nil
}

// ParseAccessMappings never fails: unusable input yields an empty list.
func ParseAccessMappings(text string) []AccessMapping {
	if strings.TrimSpace(text) == "" {
		return []AccessMapping{}
	}
	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return []AccessMapping{}
	}
	items, ok := raw.([]any)
	if !ok {
		return []AccessMapping{}
	}

	mappings := make([]AccessMapping, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ids := []string{}
		if rawIDs, ok := obj["extensionIds"].([]any); ok {
			ids = make([]string, 0, len(rawIDs))
			for _, id := range rawIDs {
				ids = append(ids, toString(id))
			}
		}
		mappings = append(mappings, AccessMapping{
			ProcessID:    toString(obj["processId"]),
			ProcessName:  toString(obj["processName"]),
			ExtensionIDs: ids,
			AdminOnly:    obj["adminOnly"] == true,
		})
	}
	return mappings
}

func parseGroups(raw any) map[string]Group {
	obj, ok := raw.(map[string]any)
	if !ok {
		return map[string]Group{}
	}
	groups := make(map[string]Group, len(obj))
	for key, value := range obj {
		item, ok := value.(map[string]any)
		if !ok {
			continue
		}
		groups[key] = Group{
			Name:             toString(item["name"]),
			ExtensionGroupID: toString(item["extensionGroupId"]),
			Properties:       parseProperties(item["properties"]),
		}
	}
	return groups
}

func parseProperties(raw any) map[string]Property {
	obj, ok := raw.(map[string]any)
	if !ok {
		return map[string]Property{}
	}
	props := make(map[string]Property, len(obj))
	for key, value := range obj {
		item, ok := value.(map[string]any)
		if !ok {
			continue
		}
		props[key] = Property{
			Name:       toString(item["name"]),
			Value:      toString(item["value"]),
			UseDefault: item["useDefault"] == true,
			Encrypted:  item["encrypted"] == true,
		}
	}
	return props
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return formatNumber(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// formatNumber renders numbers the way the host runtime stringifies them:
// plain decimals between 1e-6 and 1e21, exponent form outside that range.
func formatNumber(f float64) string {
	abs := math.Abs(f)
	if abs == 0 {
		return "0"
	}
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	mantissa, exponent, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	sign, digits := exponent[:1], strings.TrimLeft(exponent[1:], "0")
	return mantissa + "e" + sign + digits
}
