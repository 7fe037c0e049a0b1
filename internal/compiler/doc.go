// Package compiler turns a workspace of source files into a runnable
// artifact. Each supported language is a Compiler registered by name; the
// stock implementation runs a configurable command template.
package compiler
