package extension

// Clone returns a deep copy sharing no maps with doc.
func Clone(doc Document) Document {
	out := Document{
		AccountID:         doc.AccountID,
		EnvironmentID:     doc.EnvironmentID,
		EnvironmentName:   doc.EnvironmentName,
		Connections:       cloneGroups(doc.Connections),
		Operations:        cloneGroups(doc.Operations),
		ProcessProperties: cloneProperties(doc.ProcessProperties),
	}
	if doc.CrossReferenceOverrides != nil {
		out.CrossReferenceOverrides = make(map[string]string, len(doc.CrossReferenceOverrides))
		for key, value := range doc.CrossReferenceOverrides {
			out.CrossReferenceOverrides[key] = value
		}
	}
	return out
}

// ApplyEdits merges pending edits into a copy of doc. Each edit targets a
// connection property, then an operation property, then (for the "value" key)
// a process property. Edits matching none of these are dropped.
func ApplyEdits(doc Document, edits []FieldEdit) Document {
	out := Clone(doc)
	for _, edit := range edits {
		if group, ok := out.Connections[edit.EntityID]; ok {
			if prop, ok := group.Properties[edit.PropertyKey]; ok {
				group.Properties[edit.PropertyKey] = applyEdit(prop, edit)
				continue
			}
		}
		if group, ok := out.Operations[edit.EntityID]; ok {
			if prop, ok := group.Properties[edit.PropertyKey]; ok {
				group.Properties[edit.PropertyKey] = applyEdit(prop, edit)
				continue
			}
		}
		if edit.PropertyKey == ProcessPropertyKey {
			if prop, ok := out.ProcessProperties[edit.EntityID]; ok {
				out.ProcessProperties[edit.EntityID] = applyEdit(prop, edit)
			}
		}
	}
	return out
}

func applyEdit(prop Property, edit FieldEdit) Property {
	prop.Value = edit.Value
	prop.UseDefault = edit.UseDefault
	return prop
}

func cloneGroups(groups map[string]Group) map[string]Group {
	if groups == nil {
		return nil
	}
	out := make(map[string]Group, len(groups))
	for key, group := range groups {
		group.Properties = cloneProperties(group.Properties)
		out[key] = group
	}
	return out
}

func cloneProperties(props map[string]Property) map[string]Property {
	if props == nil {
		return nil
	}
	out := make(map[string]Property, len(props))
	for key, prop := range props {
		out[key] = prop
	}
	return out
}
