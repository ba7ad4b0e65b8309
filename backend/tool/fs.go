package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

type FileReadInput struct {
	Path      string `json:"path" jsonschema:"required,description=The path to the file to read"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to read (1-indexed)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to read (inclusive)"`
	MaxLines  int    `json:"max_lines,omitempty" jsonschema:"description=Maximum lines to return (default 500)"`
}

type FileWriteInput struct {
	Path    string `json:"path" jsonschema:"required,description=The path to the file to write"`
	Content string `json:"content" jsonschema:"required,description=The content to write"`
}

type FileDeleteInput struct {
	Path string `json:"path" jsonschema:"required,description=The path to the file to delete"`
}

type ListDirectoryInput struct {
	Path string `json:"path" jsonschema:"required,description=The path to the directory to list"`
}

type GrepInput struct {
	Pattern    string `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Path       string `json:"path,omitempty" jsonschema:"description=Directory or file to search (default working directory)"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum matches to return (default 100)"`
}

type GlobInput struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Glob pattern to match file paths against"`
	Path    string `json:"path,omitempty" jsonschema:"description=Base directory (default working directory)"`
}

const defaultReadMaxLines = 500

func fileReadTool(fsys afero.Fs, resolve func(string) string) Tool {
	return NewTool("file_read", "Read contents of a file. Supports reading specific line ranges.",
		func(ctx context.Context, input FileReadInput) (string, error) {
			raw, err := afero.ReadFile(fsys, resolve(input.Path))
			if err != nil {
				return "", err
			}

			lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
			total := len(lines)

			start := input.StartLine
			if start < 1 {
				start = 1
			}
			maxLines := input.MaxLines
			if maxLines <= 0 {
				maxLines = defaultReadMaxLines
			}
			startIdx := min(start-1, total)
			endIdx := total
			if input.EndLine > 0 {
				endIdx = min(input.EndLine, total)
			}
			endIdx = min(endIdx, startIdx+maxLines)

			var b strings.Builder
			for i, line := range lines[startIdx:endIdx] {
				fmt.Fprintf(&b, "%4d: %s\n", startIdx+i+1, line)
			}
			if start > 1 || endIdx < total {
				fmt.Fprintf(&b, "\n[Lines %d-%d of %d total]", startIdx+1, endIdx, total)
				if endIdx < total && input.EndLine == 0 {
					fmt.Fprintf(&b, " [TRUNCATED at %d lines]", maxLines)
				}
			}
			return b.String(), nil
		})
}

func fileWriteTool(fsys afero.Fs, resolve func(string) string) Tool {
	return NewTool("file_write", "Write content to a file, creating parent directories as needed.",
		func(ctx context.Context, input FileWriteInput) (string, error) {
			path := resolve(input.Path)
			if dir := filepath.Dir(path); dir != "." {
				if err := fsys.MkdirAll(dir, 0o755); err != nil {
					return "", err
				}
			}
			if err := afero.WriteFile(fsys, path, []byte(input.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully wrote %d bytes to %s", len(input.Content), input.Path), nil
		})
}

func fileDeleteTool(fsys afero.Fs, resolve func(string) string) Tool {
	return NewTool("file_delete", "Delete a file.",
		func(ctx context.Context, input FileDeleteInput) (string, error) {
			if err := fsys.Remove(resolve(input.Path)); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully deleted %s", input.Path), nil
		})
}

func listDirectoryTool(fsys afero.Fs, resolve func(string) string) Tool {
	return NewTool("list_directory", "List contents of a directory. Directories carry a trailing slash.",
		func(ctx context.Context, input ListDirectoryInput) (string, error) {
			infos, err := afero.ReadDir(fsys, resolve(input.Path))
			if err != nil {
				return "", err
			}
			entries := make([]string, 0, len(infos))
			for _, info := range infos {
				name := info.Name()
				if info.IsDir() {
					name += "/"
				}
				entries = append(entries, name)
			}
			sort.Strings(entries)
			return strings.Join(entries, "\n"), nil
		})
}

func grepTool(fsys afero.Fs, resolve func(string) string) Tool {
	return NewTool("grep", "Search file contents with a regular expression, returning path:line matches.",
		func(ctx context.Context, input GrepInput) (string, error) {
			re, err := regexp.Compile(input.Pattern)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}
			maxResults := input.MaxResults
			if maxResults <= 0 {
				maxResults = 100
			}
			root := resolve(input.Path)

			var matches []string
			err = afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return nil
				}
				if len(matches) >= maxResults {
					return filepath.SkipAll
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				raw, err := afero.ReadFile(fsys, path)
				if err != nil {
					return nil
				}
				for i, line := range strings.Split(string(raw), "\n") {
					if re.MatchString(line) {
						matches = append(matches, fmt.Sprintf("%s:%d: %s", path, i+1, strings.TrimSpace(line)))
						if len(matches) >= maxResults {
							break
						}
					}
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No matches found", nil
			}
			out := strings.Join(matches, "\n")
			if len(matches) >= maxResults {
				out += fmt.Sprintf("\n\n[TRUNCATED at %d matches]", maxResults)
			}
			return out, nil
		})
}

func globTool(fsys afero.Fs, resolve func(string) string) Tool {
	return NewTool("glob", "Find files whose names match a glob pattern.",
		func(ctx context.Context, input GlobInput) (string, error) {
			root := resolve(input.Path)

			var found []string
			err := afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				ok, matchErr := filepath.Match(input.Pattern, filepath.Base(path))
				if matchErr != nil {
					return matchErr
				}
				if ok {
					found = append(found, path)
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			if len(found) == 0 {
				return "No files matched", nil
			}
			sort.Strings(found)
			return strings.Join(found, "\n"), nil
		})
}
