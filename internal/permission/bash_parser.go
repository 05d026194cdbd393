package permission

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// BashCommand represents a parsed command with its arguments.
type BashCommand struct {
	Name       string   // Command name (e.g., "rm", "git")
	Args       []string // Command arguments
	Subcommand string   // First non-flag argument (e.g., "commit" in "git commit")
}

// ParseBashCommand parses a bash command string into structured commands.
func ParseBashCommand(command string) ([]BashCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var commands []BashCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			cmd := extractCommand(n)
			if cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})

	return commands, nil
}

// extractCommand extracts command name and arguments from a CallExpr.
func extractCommand(call *syntax.CallExpr) *BashCommand {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &BashCommand{}

	// Extract command name from first word
	cmd.Name = wordToString(call.Args[0])
	if cmd.Name == "" {
		return nil
	}

	// Extract arguments
	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		cmd.Args = append(cmd.Args, argStr)

		// Find first non-flag argument as subcommand
		if cmd.Subcommand == "" && !strings.HasPrefix(argStr, "-") {
			cmd.Subcommand = argStr
		}
	}

	return cmd
}

// wordToString converts a syntax.Word to a string.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			// Variable expansion - return placeholder
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			// Command substitution - ignore the content, mark as dynamic
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// DangerousCommands are commands that modify files and need path validation.
var DangerousCommands = map[string]bool{
	"cd":    true,
	"rm":    true,
	"cp":    true,
	"mv":    true,
	"mkdir": true,
	"touch": true,
	"chmod": true,
	"chown": true,
	"rmdir": true,
	"dd":    true,
}

// IsDangerousCommand checks if a command is in the dangerous list.
func IsDangerousCommand(name string) bool {
	return DangerousCommands[name]
}

// ExtractPaths extracts file paths from command arguments.
func ExtractPaths(cmd BashCommand) []string {
	var paths []string
	for _, arg := range cmd.Args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		// chmod modes, numeric or symbolic like u+x
		if cmd.Name == "chmod" && len(arg) > 0 && strings.ContainsRune("0123456789ugoa+=", rune(arg[0])) {
			continue
		}
		paths = append(paths, arg)
	}
	return paths
}

// IsWithinDir checks if path is within or under directory.
func IsWithinDir(path, dir string) bool {
	path = filepath.Clean(path)
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// subcommandTools are commands whose first argument names the operation.
var subcommandTools = map[string]bool{
	"git": true, "go": true, "npm": true, "pnpm": true, "yarn": true,
	"cargo": true, "docker": true, "kubectl": true, "gh": true,
}

// Describe builds a one-line title for a permission request so a human can
// judge the call without reading its raw input.
//
// Bash commands are parsed and summarized by command name. Dangerous commands
// touching paths outside workDir are flagged. File tools show their target
// path. Anything else falls back to the tool name.
func Describe(toolName string, input json.RawMessage, workDir string) string {
	var fields map[string]any
	_ = json.Unmarshal(input, &fields)

	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}

	switch {
	case strings.EqualFold(toolName, "Bash"):
		command := str("command")
		if command == "" {
			return toolName
		}
		return describeBash(command, workDir)
	case str("file_path") != "":
		return fmt.Sprintf("%s: %s", toolName, str("file_path"))
	case str("path") != "":
		return fmt.Sprintf("%s: %s", toolName, str("path"))
	case str("url") != "":
		return fmt.Sprintf("%s: %s", toolName, str("url"))
	case toolName == QuestionTool && str("question") != "":
		return str("question")
	}
	return toolName
}

func describeBash(command, workDir string) string {
	cmds, err := ParseBashCommand(command)
	if err != nil || len(cmds) == 0 {
		return "Bash: " + truncate(command, 80)
	}

	var names []string
	seen := make(map[string]bool)
	outside := false
	for _, c := range cmds {
		name := c.Name
		if c.Subcommand != "" && subcommandTools[c.Name] {
			name += " " + c.Subcommand
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		if workDir == "" || !IsDangerousCommand(c.Name) {
			continue
		}
		for _, p := range ExtractPaths(c) {
			if strings.HasPrefix(p, "~") || strings.HasPrefix(p, "$") {
				outside = true
				continue
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(workDir, p)
			}
			if !IsWithinDir(p, workDir) {
				outside = true
			}
		}
	}

	title := "Bash: " + strings.Join(names, ", ")
	if outside {
		title += " (outside working directory)"
	}
	return title
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
