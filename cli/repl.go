// Package cli is the thin command-interpreter adapter described in
// spec.md §4.6: it tokenizes one line at a time and dispatches to the fs
// facade. The interactive parser's exact grammar is explicitly out of
// scope for the underlying spec; this package supplies the minimal
// contract implementation spec.md asks every implementer to expose.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/augustday/ublockfs/diagnostics"
	"github.com/augustday/ublockfs/fs"
)

// REPL reads commands from in, one line at a time, and writes their
// output to out, driving a single mounted Filesystem.
type REPL struct {
	fs  *fs.Filesystem
	in  *bufio.Scanner
	out io.Writer
}

// New returns a REPL over an already-mounted filesystem.
func New(fsys *fs.Filesystem, in io.Reader, out io.Writer) *REPL {
	return &REPL{fs: fsys, in: bufio.NewScanner(in), out: out}
}

// Run reads commands until `exit` or end of input, returning the process
// exit code (0 on clean shutdown, per spec.md §6).
func (r *REPL) Run() int {
	for r.in.Scan() {
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		tokens := tokenize(line)
		if len(tokens) == 0 {
			continue
		}

		if tokens[0] == "exit" {
			return 0
		}

		if err := r.dispatch(tokens); err != nil {
			fmt.Fprintf(r.out, "error: %s\n", err.Error())
		}
	}
	return 0
}

// tokenize splits a line on whitespace, treating `"..."` spans as single
// literal tokens (spec.md §6).
func tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	hasToken := false

	flush := func() {
		if hasToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasToken = false
		}
	}

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			hasToken = true
		case unicode.IsSpace(r) && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
			hasToken = true
		}
	}
	flush()
	return tokens
}

func (r *REPL) dispatch(tokens []string) error {
	cmd, args := tokens[0], tokens[1:]

	switch cmd {
	case "cd":
		if len(args) != 1 {
			return fmt.Errorf("usage: cd <path>")
		}
		return r.fs.Cd(args[0])

	case "pwd":
		fmt.Fprintln(r.out, r.fs.Pwd())
		return nil

	case "ls":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		entries, err := r.fs.Ls(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintln(r.out, e.Name)
		}
		return nil

	case "stat":
		if len(args) != 1 {
			return fmt.Errorf("usage: stat <path>")
		}
		st, err := r.fs.Stat(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "inode=%d type=%s size=%d block_count=%d parent_id=%d\n",
			st.InodeID, st.Type, st.Size, st.BlockCount, st.ParentID)
		return nil

	case "touch":
		if len(args) != 1 {
			return fmt.Errorf("usage: touch <path>")
		}
		_, err := r.fs.CreateFile(args[0], nil)
		return err

	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("usage: cat <path>")
		}
		content, err := r.fs.ReadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, string(content))
		return nil

	case "echo":
		return r.echo(args)

	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: rm <path>")
		}
		return r.fs.Rm(args[0])

	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("usage: mkdir <path>")
		}
		_, err := r.fs.Mkdir(args[0])
		return err

	case "rmdir":
		if len(args) != 1 {
			return fmt.Errorf("usage: rmdir <path>")
		}
		return r.fs.Rmdir(args[0])

	case "edit":
		if len(args) != 1 {
			return fmt.Errorf("usage: edit <path>")
		}
		return r.edit(args[0])

	case "df":
		stat, err := r.fs.Df()
		if err != nil {
			return err
		}
		out, err := diagnostics.FormatDf(stat)
		if err != nil {
			return err
		}
		fmt.Fprint(r.out, out)
		return nil

	case "cache":
		frames, err := r.fs.CacheStatus()
		if err != nil {
			return err
		}
		out, err := diagnostics.FormatCache(frames)
		if err != nil {
			return err
		}
		fmt.Fprint(r.out, out)
		return nil

	case "fsck":
		violations, err := diagnostics.RunFsck(r.fs)
		if err != nil {
			return err
		}
		out, err := diagnostics.FormatFsck(violations)
		if err != nil {
			return err
		}
		fmt.Fprint(r.out, out)
		return nil

	case "help":
		fmt.Fprintln(r.out, "cd pwd ls stat touch cat echo rm mkdir rmdir edit df cache fsck help exit")
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// echo implements `echo <text>... > <path>`: tokens before the first `>`
// are joined with single spaces as the content, the token after it is the
// destination path.
func (r *REPL) echo(args []string) error {
	gtIdx := -1
	for i, a := range args {
		if a == ">" {
			gtIdx = i
			break
		}
	}
	if gtIdx == -1 || gtIdx == len(args)-1 {
		return fmt.Errorf(`usage: echo <text>... > <path>`)
	}

	content := strings.Join(args[:gtIdx], " ")
	destPath := args[gtIdx+1]
	_, err := r.fs.WriteFile(destPath, []byte(content))
	return err
}

// edit reads lines from the REPL's input until a line equal to `.exit`,
// then writes the collected text to path.
func (r *REPL) edit(path string) error {
	var lines []string
	for r.in.Scan() {
		line := r.in.Text()
		if line == ".exit" {
			break
		}
		lines = append(lines, line)
	}
	_, err := r.fs.WriteFile(path, []byte(strings.Join(lines, "\n")))
	return err
}
