// Package ir provides the shape definitions and their canonical identity.
//
// This package imports nothing internal. All other internal packages
// import ir, which keeps it the foundational layer.
//
// Key design constraints:
//   - Shapes lower to a sealed IRValue tree with no floats and no nulls
//   - Identity is RFC 8785 canonical JSON hashed with SHA-256 and a domain prefix
//   - List order never affects identity (see ShapeHash)
//   - All JSON tags use snake_case
package ir
