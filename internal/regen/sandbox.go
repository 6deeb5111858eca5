package regen

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Sandbox interprets generated tool code with yaegi instead of compiling
// and exec'ing it. Interpretation keeps generated code inside the process
// boundary: no binaries on disk, no subprocess, and an import whitelist
// that shuts out filesystem, network, and exec access.
//
// Generated code must define: func RunTool(input string) (string, error)
type Sandbox struct {
	allowed map[string]bool
}

// NewSandbox creates a sandbox with the default stdlib whitelist.
func NewSandbox() *Sandbox {
	return &Sandbox{
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"errors":          true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"encoding/csv":    true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"unicode":         true,
			"unicode/utf8":    true,

			// blocked: os, os/exec, net, net/http, syscall, unsafe,
			// io/ioutil, path/filepath, plugin, reflect
		},
	}
}

// ValidateImports rejects source that imports anything off the whitelist.
func (s *Sandbox) ValidateImports(source string) error {
	var forbidden []string

	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := importPath(trimmed); pkg != "" && !s.allowed[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := importPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" && !s.allowed[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}

	if len(forbidden) > 0 {
		return fmt.Errorf("%w: %v (allowed: %v)", ErrForbiddenImport, forbidden, s.allowedList())
	}
	return nil
}

// importPath extracts the quoted path from an import line, handling
// aliased imports.
func importPath(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "//") {
		return ""
	}
	start := strings.Index(line, `"`)
	end := strings.LastIndex(line, `"`)
	if start == -1 || end <= start {
		return ""
	}
	return line[start+1 : end]
}

func (s *Sandbox) allowedList() []string {
	pkgs := make([]string, 0, len(s.allowed))
	for pkg := range s.allowed {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// load evaluates the source and returns its RunTool entry point.
func (s *Sandbox) load(source string) (func(string) (string, error), error) {
	if err := s.ValidateImports(source); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapSource(source)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvalFailed, err)
	}

	v, err := i.Eval("main.RunTool")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEntryPoint, err)
	}
	fn, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("%w: RunTool must be func(string) (string, error)", ErrNoEntryPoint)
	}
	return fn, nil
}

// Check evaluates the source without running it: the smoke test before a
// generated tool is accepted.
func (s *Sandbox) Check(source string) error {
	_, err := s.load(source)
	return err
}

// Run evaluates the source and invokes RunTool with the input. The context
// bounds execution time; an interpreted tool that spins past the deadline
// is abandoned.
func (s *Sandbox) Run(ctx context.Context, source, input string) (string, error) {
	fn, err := s.load(source)
	if err != nil {
		return "", err
	}

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := fn(input)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrSandboxTimeout, ctx.Err())
	}
}

// wrapSource ensures the source carries a package clause.
func wrapSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}
