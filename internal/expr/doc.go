// Package expr compiles the guard conditions and string templates used in
// pipeline definitions.
//
// Both are parsed once, at pipeline load, into HCL native-syntax expressions.
// Every variable reference is checked against a closed set of context roots
// (event, branch, runner, matrix, steps, needs, toggles) so the evaluation
// contract stays explicit: a Scope supplies exactly those fields and nothing
// else leaks into a step's decision.
//
// The GitHub-style `${{ ... }}` wrapper and single-quoted string literals are
// accepted and rewritten into HCL syntax before parsing.
package expr
