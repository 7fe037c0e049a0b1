package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Template placeholders.
const (
	placeholderOutput  = "{output}"
	placeholderSources = "{sources}"
)

// waitDelay bounds how long Run waits for output pipes after a killed
// compiler, in case it left children holding them open.
const waitDelay = 2 * time.Second

var _ Compiler = (*Command)(nil)

// Command compiles by running a command template such as
// "g++ -std=c++20 -O2 -o {output} {sources}" in the workspace directory.
type Command struct {
	info    Info
	argv    []string
	timeout time.Duration
}

// NewCommand parses template and returns a compiler for language whose
// primary source is sourceFile. Only files with one of exts are passed to
// the command; everything else is left in place for the program to read.
func NewCommand(language, sourceFile string, exts []string, template string, timeout time.Duration) (*Command, error) {
	argv, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("parse %s compile command: %w", language, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s compile command is empty", language)
	}
	if strings.Contains(argv[0], "{") {
		return nil, fmt.Errorf("%s compile command must start with a program name", language)
	}
	return &Command{
		info: Info{
			Language:   language,
			SourceFile: sourceFile,
			SourceExts: exts,
		},
		argv:    argv,
		timeout: timeout,
	}, nil
}

// Info implements Compiler.
func (c *Command) Info() Info {
	return c.info
}

// Compile implements Compiler.
func (c *Command) Compile(ctx context.Context, dir string, files []string) (Result, error) {
	output := filepath.Join(dir, ArtifactName)
	args := expand(c.argv, output, c.translationUnits(files))

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{Duration: time.Since(start)}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.Diagnostics = fmt.Sprintf("compilation timed out after %s", c.timeout)
			return res, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("run %s compiler: %w", c.info.Language, err)
		}
		res.Diagnostics = stderr.String() + stdout.String()
		return res, nil
	}

	if err := os.Chmod(output, 0o755); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			res.Diagnostics = "compiler produced no output\n" + stderr.String()
			return res, nil
		}
		return res, fmt.Errorf("mark artifact executable: %w", err)
	}

	res.OK = true
	res.Artifact = output
	res.Diagnostics = stderr.String()
	return res, nil
}

// translationUnits selects the files handed to the compiler: the primary
// source first, then other matching files in name order.
func (c *Command) translationUnits(files []string) []string {
	var units []string
	for _, f := range files {
		if f == c.info.SourceFile {
			continue
		}
		if slices.Contains(c.info.SourceExts, strings.ToLower(filepath.Ext(f))) {
			units = append(units, f)
		}
	}
	slices.Sort(units)
	return append([]string{c.info.SourceFile}, units...)
}

// expand substitutes placeholders in argv. A token that is exactly
// {sources} becomes one argument per source.
func expand(argv []string, output string, sources []string) []string {
	out := make([]string, 0, len(argv)+len(sources))
	for _, tok := range argv {
		if tok == placeholderSources {
			out = append(out, sources...)
			continue
		}
		tok = strings.ReplaceAll(tok, placeholderOutput, output)
		tok = strings.ReplaceAll(tok, placeholderSources, strings.Join(sources, " "))
		out = append(out, tok)
	}
	return out
}
