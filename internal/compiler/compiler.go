package compiler

import (
	"context"
	"errors"
	"time"
)

// ArtifactName is the file name of the compiled program inside a workspace.
const ArtifactName = "a.out"

// ErrUnknownLanguage is returned when no compiler is registered for a language.
var ErrUnknownLanguage = errors.New("unknown language")

// Compiler builds the sources in a workspace directory.
type Compiler interface {
	// Compile builds files (names relative to dir) into dir/ArtifactName.
	// A failed build is reported through Result, not the error; the error
	// is reserved for infrastructure failures such as a missing toolchain.
	Compile(ctx context.Context, dir string, files []string) (Result, error)

	// Info describes the language this compiler handles.
	Info() Info
}

// Result is the outcome of one compilation.
type Result struct {
	OK          bool
	Artifact    string
	Diagnostics string
	Duration    time.Duration
}

// Info describes a registered language.
type Info struct {
	Language   string   `json:"language"`
	SourceFile string   `json:"source_file"`
	SourceExts []string `json:"source_exts"`
	Default    bool     `json:"default"`
}
