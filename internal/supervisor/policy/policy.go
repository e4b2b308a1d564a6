// Package policy authorizes service commands and working directories against
// operator-configured allow-lists.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/prochub/prochub/internal/common/errors"
)

// Guard holds the immutable allow-lists loaded at boot. A single "*" entry in
// either list accepts everything.
type Guard struct {
	commands    []string
	cwdPrefixes []string
	anyCommand  bool
	anyCwd      bool
}

// New builds a guard from the configured allow-lists.
func New(allowedCommands, allowedCwdPrefixes []string) *Guard {
	g := &Guard{}
	for _, c := range allowedCommands {
		if c == "*" {
			g.anyCommand = true
			continue
		}
		g.commands = append(g.commands, c)
	}
	for _, p := range allowedCwdPrefixes {
		if p == "*" {
			g.anyCwd = true
			continue
		}
		g.cwdPrefixes = append(g.cwdPrefixes, filepath.Clean(p))
	}
	return g
}

// CheckCommand matches the command against the allow-list. Patterns may be
// literals or filepath globs; a pattern without a separator also matches the
// command's base name, so "java" allows "/usr/lib/jvm/bin/java".
func (g *Guard) CheckCommand(command string) error {
	if g.anyCommand {
		return nil
	}
	base := filepath.Base(command)
	for _, pattern := range g.commands {
		if pattern == command || pattern == base {
			return nil
		}
		if ok, err := filepath.Match(pattern, command); err == nil && ok {
			return nil
		}
		if !strings.ContainsRune(pattern, filepath.Separator) {
			if ok, err := filepath.Match(pattern, base); err == nil && ok {
				return nil
			}
		}
	}
	return errors.CommandNotAllowed(command)
}

// CheckCwd verifies that cwd lives under one of the allowed prefixes.
// An empty cwd inherits the supervisor's own directory and is always allowed.
func (g *Guard) CheckCwd(cwd string) error {
	if cwd == "" || g.anyCwd {
		return nil
	}
	cleaned := filepath.Clean(cwd)
	for _, prefix := range g.cwdPrefixes {
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+string(filepath.Separator)) {
			return nil
		}
	}
	return errors.CwdNotAllowed(cwd)
}

// Check authorizes a (command, cwd) pair for execution.
func (g *Guard) Check(command, cwd string) error {
	if err := g.CheckCommand(command); err != nil {
		return err
	}
	return g.CheckCwd(cwd)
}
