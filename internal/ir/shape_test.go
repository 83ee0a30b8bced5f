package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShapeIRValueOmitsEmptyFields(t *testing.T) {
	obj := Shape{Tablename: "t1"}.IRValue()

	assert.Equal(t, IRObject{"tablename": IRString("t1")}, obj)
}

func TestShapeIRValueNested(t *testing.T) {
	s := Shape{
		Tablename: "posts",
		Where:     "published",
		Include: []Rel{
			{ForeignKey: []string{"post_id"}, Select: Shape{Tablename: "comments"}},
		},
	}

	want := IRObject{
		"tablename": IRString("posts"),
		"where":     IRString("published"),
		"include": IRArray{
			IRObject{
				"foreign_key": IRArray{IRString("post_id")},
				"select":      IRObject{"tablename": IRString("comments")},
			},
		},
	}
	assert.Equal(t, want, s.IRValue())
}

func TestTableNames(t *testing.T) {
	shapes := []Shape{
		{
			Tablename: "posts",
			Include: []Rel{
				{ForeignKey: []string{"post_id"}, Select: Shape{Tablename: "comments"}},
				{ForeignKey: []string{"author_id"}, Select: Shape{Tablename: "users"}},
			},
		},
		{Tablename: "users"},
	}

	got := TableNames(shapes, "main")

	assert.Equal(t, []QualifiedTablename{
		{Namespace: "main", Tablename: "comments"},
		{Namespace: "main", Tablename: "users"},
		{Namespace: "main", Tablename: "posts"},
	}, got)
}

func TestTableNamesEmpty(t *testing.T) {
	assert.Empty(t, TableNames(nil, "main"))
}

func TestQualifiedTablenameString(t *testing.T) {
	assert.Equal(t, "main.items", QualifiedTablename{Namespace: "main", Tablename: "items"}.String())
}
