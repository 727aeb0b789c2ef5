package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// shellInjectionTimeout bounds each !{...} command.
const shellInjectionTimeout = 30 * time.Second

var (
	argsPlaceholder = regexp.MustCompile(`\{\{args\}\}`)
	shellInjection  = regexp.MustCompile(`!\{([^}]+)\}`)
	fileInjection   = regexp.MustCompile(`@\{([^}]+)\}`)
)

// processTemplate substitutes {{args}}, then resolves @{path} file
// injections and !{cmd} shell injections. A template without an
// {{args}} placeholder gets non-empty args appended as the raw input.
func processTemplate(template string, ctx *Context) string {
	result := template

	if argsPlaceholder.MatchString(result) {
		result = argsPlaceholder.ReplaceAllLiteralString(result, ctx.Args)
	} else if strings.TrimSpace(ctx.Args) != "" {
		result = result + "\n\n" + ctx.RawInput
	}

	result = expandFileInjections(result, ctx)
	result = expandShellInjections(result, ctx)
	return result
}

// expandFileInjections replaces @{path} with file contents. Directories
// expand to a recursive file listing.
func expandFileInjections(prompt string, ctx *Context) string {
	return fileInjection.ReplaceAllStringFunc(prompt, func(match string) string {
		pathStr := strings.TrimSpace(fileInjection.FindStringSubmatch(match)[1])

		path := pathStr
		if !filepath.IsAbs(path) {
			switch {
			case ctx.WorkDir != "":
				path = filepath.Join(ctx.WorkDir, path)
			case ctx.ProjectRoot != "":
				path = filepath.Join(ctx.ProjectRoot, path)
			}
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Sprintf("[File not found: %s]", pathStr)
		}

		if info.IsDir() {
			listing, err := listFiles(path)
			if err != nil {
				return fmt.Sprintf("[Error reading %s: %v]", pathStr, err)
			}
			return listing
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Sprintf("[Error reading %s: %v]", pathStr, err)
		}
		return string(data)
	})
}

// listFiles returns a newline-separated recursive listing of regular
// files under root, relative to root.
func listFiles(root string) (string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.Join(files, "\n"), nil
}

// expandShellInjections replaces !{cmd} with the command's output.
// {{args}} inside the command is shell-escaped before execution.
func expandShellInjections(prompt string, ctx *Context) string {
	return shellInjection.ReplaceAllStringFunc(prompt, func(match string) string {
		shellCmd := strings.TrimSpace(shellInjection.FindStringSubmatch(match)[1])

		if strings.Contains(shellCmd, "{{args}}") {
			shellCmd = strings.ReplaceAll(shellCmd, "{{args}}", shellEscape(ctx.Args))
		}

		execCtx, cancel := context.WithTimeout(context.Background(), shellInjectionTimeout)
		defer cancel()

		cmd := exec.CommandContext(execCtx, "sh", "-c", shellCmd)
		if ctx.WorkDir != "" {
			cmd.Dir = ctx.WorkDir
		}
		var stdout, stderr strings.Builder
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if execCtx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("[Shell command timed out: %s]", shellCmd)
		}

		output := stdout.String()
		if err != nil {
			exitCode := -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
			if stderr.Len() > 0 {
				output += "\n" + stderr.String()
			}
			output += fmt.Sprintf("\n[Shell command exited with code %d]", exitCode)
		}
		return strings.TrimSpace(output)
	})
}

// shellEscape single-quotes a string for safe interpolation into a
// shell command line.
func shellEscape(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
