package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/shapesub/internal/ir"
	"github.com/roach88/shapesub/internal/subscription"
)

// HashOptions holds flags for the hash command.
type HashOptions struct {
	*RootOptions
	Key       string
	Namespace string
}

// HashResult is the identity of a shape file.
type HashResult struct {
	Key       string   `json:"key"`
	ShapeHash string   `json:"shape_hash"`
	FullKey   string   `json:"full_key"`
	Tables    []string `json:"tables"`
}

func (r HashResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "shape hash: %s\n", r.ShapeHash)
	fmt.Fprintf(w, "key:        %s\n", r.Key)
	if verbose {
		fmt.Fprintf(w, "full key:   %s\n", r.FullKey)
	}
	fmt.Fprintf(w, "tables:     %s\n", strings.Join(r.Tables, ", "))
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HashOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hash <shapes-file>",
		Short: "Compute the identity of a shape set",
		Long: `Compute the shape hash and full key of a shape set.

The shape file may be YAML, JSON or CUE and holds a "shapes" list and an
optional "key". Without a key the shape hash is the key, as for an unkeyed
subscription. Reordering shapes or includes never changes the hash.

Examples:
  shapesub hash ./shapes/projects.yaml
  shapesub hash ./shapes/projects.cue --key projects
  shapesub hash ./shapes/projects.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "subscription key (overrides the file's key)")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", subscription.DefaultNamespace, "namespace for table names")

	return cmd
}

func runHash(opts *HashOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	file, err := LoadShapeFile(path)
	if err != nil {
		code := ErrCodeGeneric
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			code = loadErr.Code
		}
		if fmtErr := out.Error(code, err.Error(), nil); fmtErr != nil {
			return fmtErr
		}
		return WrapExitError(ExitCommandError, "failed to load shapes", err)
	}
	out.VerboseLog("loaded %d shape(s) from %s", len(file.Shapes), path)

	shapeHash, err := ir.ShapeHash(file.Shapes)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to hash shapes", err)
	}

	key := opts.Key
	if key == "" {
		key = file.Key
	}
	if key == "" {
		key = shapeHash
	}

	tables := ir.TableNames(file.Shapes, opts.Namespace)
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.String()
	}

	return out.Success(HashResult{
		Key:       key,
		ShapeHash: shapeHash,
		FullKey:   subscription.MakeFullKey(shapeHash, key),
		Tables:    names,
	})
}
