package domain

type FieldType string

const FieldString FieldType = "Edm.String"

type FieldSpec struct {
	Name       string
	Type       FieldType
	Key        bool
	Searchable bool
	Filterable bool
	Facetable  bool
}

// SemanticConfig names the prioritized content field for semantic ranking.
type SemanticConfig struct {
	Name         string
	ContentField string
	TitleField   string
}

type IndexSchema struct {
	Name     string
	Fields   []FieldSpec
	Semantic *SemanticConfig
}

const (
	FieldID         = "id"
	FieldKey        = "keyfield"
	FieldContent    = "content"
	FieldCategory   = "category"
	FieldSourcePage = "sourcepage"
	FieldSourceFile = "sourcefile"
	FieldKind       = "kind"
)

// DefaultSchema is the index layout existing deployments rely on.
func DefaultSchema(name string, withKind bool) IndexSchema {
	fields := []FieldSpec{
		{Name: FieldID, Type: FieldString, Filterable: true, Facetable: true},
		{Name: FieldKey, Type: FieldString, Key: true},
		{Name: FieldContent, Type: FieldString, Searchable: true},
		{Name: FieldCategory, Type: FieldString, Filterable: true, Facetable: true},
		{Name: FieldSourcePage, Type: FieldString, Filterable: true, Facetable: true},
		{Name: FieldSourceFile, Type: FieldString, Filterable: true, Facetable: true},
	}
	if withKind {
		fields = append(fields, FieldSpec{Name: FieldKind, Type: FieldString, Filterable: true, Facetable: true})
	}
	return IndexSchema{
		Name:   name,
		Fields: fields,
		Semantic: &SemanticConfig{
			Name:         "default",
			ContentField: FieldContent,
		},
	}
}

func (s IndexSchema) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}
