package regen

import "errors"

var (
	// ErrForbiddenImport means generated code imports a package off the
	// sandbox whitelist.
	ErrForbiddenImport = errors.New("forbidden import")

	// ErrNoEntryPoint means the code does not define a usable RunTool.
	ErrNoEntryPoint = errors.New("missing RunTool entry point")

	// ErrEvalFailed means the interpreter rejected the code.
	ErrEvalFailed = errors.New("code evaluation failed")

	// ErrSandboxTimeout means the interpreted tool ran past its deadline.
	ErrSandboxTimeout = errors.New("sandbox execution timed out")

	// ErrGenerationFailed means no acceptable tool source was produced
	// within the attempt budget.
	ErrGenerationFailed = errors.New("tool generation failed")

	// ErrNoClient means regeneration was requested without an LLM client.
	ErrNoClient = errors.New("no LLM client for tool generation")
)
