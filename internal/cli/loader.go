package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/shapesub/internal/ir"
)

// ShapeFile is the on-disk form of a shape set.
//
//	key: projects          # optional
//	shapes:
//	  - tablename: projects
//	    include:
//	      - foreign_key: [owner_id]
//	        select: {tablename: users}
type ShapeFile struct {
	Key    string     `json:"key,omitempty" yaml:"key,omitempty"`
	Shapes []ir.Shape `json:"shapes" yaml:"shapes"`
}

// LoadError represents an error that occurred while loading a shape file.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadShapeFile reads a shape set from a .yaml, .yml, .json or .cue file.
func LoadShapeFile(path string) (*ShapeFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("shape file not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error reading shape file: %v", err)}
	}

	var file *ShapeFile
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", ".json":
		// JSON is a subset of YAML; one strict decoder serves both.
		file, err = decodeYAMLShapes(data)
	case ".cue":
		file, err = decodeCUEShapes(path, data)
	default:
		return nil, &LoadError{Code: ErrCodeUnsupported, Message: fmt.Sprintf("unsupported shape file extension %q", ext)}
	}
	if err != nil {
		return nil, err
	}

	if err := validateShapeFile(file); err != nil {
		return nil, err
	}
	return file, nil
}

func decodeYAMLShapes(data []byte) (*ShapeFile, error) {
	var file ShapeFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &LoadError{Code: ErrCodeNoShapes, Message: "shape file is empty"}
		}
		return nil, &LoadError{Code: ErrCodeParseFailed, Message: fmt.Sprintf("parsing shape file: %v", err)}
	}
	return &file, nil
}

func decodeCUEShapes(path string, data []byte) (*ShapeFile, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, cueLoadError(ErrCodeBuildFailed, "building CUE value", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(ErrCodeBuildFailed, "shape file is not concrete", err)
	}

	var file ShapeFile
	if keyVal := value.LookupPath(cue.ParsePath("key")); keyVal.Exists() {
		key, err := keyVal.String()
		if err != nil {
			return nil, cueLoadError(ErrCodeParseFailed, "key must be a string", err)
		}
		file.Key = key
	}

	shapesVal := value.LookupPath(cue.ParsePath("shapes"))
	if !shapesVal.Exists() {
		return nil, &LoadError{Code: ErrCodeNoShapes, Message: "no shapes field in CUE file"}
	}
	if err := shapesVal.Decode(&file.Shapes); err != nil {
		return nil, cueLoadError(ErrCodeParseFailed, "decoding shapes", err)
	}
	return &file, nil
}

// cueLoadError converts a CUE error to a LoadError, keeping the first
// position CUE reports.
func cueLoadError(code, context string, err error) *LoadError {
	loadErr := &LoadError{Code: code, Message: fmt.Sprintf("%s: %v", context, err)}
	if positions := cueerrors.Positions(err); len(positions) > 0 {
		loadErr.Pos = positions[0]
	}
	return loadErr
}

// validateShapeFile checks that every shape, at any depth, names a table
// and that every include names its foreign key columns.
func validateShapeFile(file *ShapeFile) error {
	if len(file.Shapes) == 0 {
		return &LoadError{Code: ErrCodeNoShapes, Message: "shape file defines no shapes"}
	}
	var check func(path string, s ir.Shape) error
	check = func(path string, s ir.Shape) error {
		if s.Tablename == "" {
			return &LoadError{Code: ErrCodeInvalidShape, Message: fmt.Sprintf("%s: tablename is required", path)}
		}
		for i, rel := range s.Include {
			relPath := fmt.Sprintf("%s.include[%d]", path, i)
			if len(rel.ForeignKey) == 0 {
				return &LoadError{Code: ErrCodeInvalidShape, Message: fmt.Sprintf("%s: foreign_key is required", relPath)}
			}
			if err := check(relPath+".select", rel.Select); err != nil {
				return err
			}
		}
		return nil
	}
	for i, s := range file.Shapes {
		if err := check(fmt.Sprintf("shapes[%d]", i), s); err != nil {
			return err
		}
	}
	return nil
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeUnsupported  = "E002" // Unsupported shape file extension
	ErrCodeNoShapes     = "E003" // No shapes defined
	ErrCodeParseFailed  = "E004" // YAML/JSON parse or CUE decode failed
	ErrCodeNotFound     = "E005" // Path not found
	ErrCodeBuildFailed  = "E006" // CUE build failed
	ErrCodeInvalidShape = "E007" // Shape without tablename or foreign key

	ErrCodeStore        = "E101" // Database could not be opened or read
	ErrCodeInvalidState = "E102" // Persisted state failed validation
)
