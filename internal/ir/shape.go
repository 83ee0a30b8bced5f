package ir

import "fmt"

// Shape describes a table to keep synchronized locally, optionally with
// related tables pulled in through foreign keys and a row filter.
//
// The subscription layer never interprets a Shape beyond hashing it and
// listing the tables it touches.
type Shape struct {
	Tablename string `json:"tablename" yaml:"tablename"`
	Include   []Rel  `json:"include,omitempty" yaml:"include,omitempty"`
	Where     string `json:"where,omitempty" yaml:"where,omitempty"`
}

// Rel pulls a related table into a shape through a foreign key.
type Rel struct {
	ForeignKey []string `json:"foreign_key" yaml:"foreign_key"`
	Select     Shape    `json:"select" yaml:"select"`
}

// IRValue lowers the shape to an IRObject. Empty optional fields are
// omitted so that `{tablename: t}` and `{tablename: t, include: []}`
// lower to the same tree.
func (s Shape) IRValue() IRObject {
	obj := IRObject{"tablename": IRString(s.Tablename)}
	if len(s.Include) > 0 {
		includes := make(IRArray, len(s.Include))
		for i, rel := range s.Include {
			includes[i] = rel.IRValue()
		}
		obj["include"] = includes
	}
	if s.Where != "" {
		obj["where"] = IRString(s.Where)
	}
	return obj
}

// IRValue lowers the relation to an IRObject.
func (r Rel) IRValue() IRObject {
	fk := make(IRArray, len(r.ForeignKey))
	for i, col := range r.ForeignKey {
		fk[i] = IRString(col)
	}
	return IRObject{
		"foreign_key": fk,
		"select":      r.Select.IRValue(),
	}
}

// QualifiedTablename is a table name within a namespace (schema).
type QualifiedTablename struct {
	Namespace string `json:"namespace"`
	Tablename string `json:"tablename"`
}

// String renders the name as namespace.tablename.
func (q QualifiedTablename) String() string {
	return fmt.Sprintf("%s.%s", q.Namespace, q.Tablename)
}

// TableNames returns every table touched by the shapes, qualified with
// namespace. Included tables come before the table that includes them;
// duplicates are dropped, keeping the first occurrence.
func TableNames(shapes []Shape, namespace string) []QualifiedTablename {
	seen := make(map[QualifiedTablename]struct{})
	var out []QualifiedTablename
	var walk func(Shape)
	walk = func(s Shape) {
		for _, rel := range s.Include {
			walk(rel.Select)
		}
		name := QualifiedTablename{Namespace: namespace, Tablename: s.Tablename}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, s := range shapes {
		walk(s)
	}
	return out
}
