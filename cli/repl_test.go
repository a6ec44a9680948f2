package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/augustday/ublockfs/fs"
)

func TestTokenize_SplitsOnWhitespaceAndHonorsQuotes(t *testing.T) {
	require.Equal(t, []string{"echo", "hello world", ">", "/a.txt"},
		tokenize(`echo "hello world" > /a.txt`))
	require.Equal(t, []string{"ls", "/d1"}, tokenize("ls   /d1"))
	require.Nil(t, tokenize(""))
}

func mountedREPL(t *testing.T, out *bytes.Buffer, in string) *REPL {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, fs.Format(path, 8, 32))
	fsys, err := fs.Mount(path, 32)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Unmount() })
	return New(fsys, strings.NewReader(in), out)
}

func TestRun_TouchEchoCatRoundTrips(t *testing.T) {
	var out bytes.Buffer
	r := mountedREPL(t, &out, "touch /a.txt\necho hello > /a.txt\ncat /a.txt\nexit\n")
	require.Equal(t, 0, r.Run())
	require.Contains(t, out.String(), "hello")
}

func TestRun_UnknownCommandReportsError(t *testing.T) {
	var out bytes.Buffer
	r := mountedREPL(t, &out, "bogus\nexit\n")
	require.Equal(t, 0, r.Run())
	require.Contains(t, out.String(), "unknown command")
}

func TestRun_MkdirRmdirRefusesNonEmpty(t *testing.T) {
	var out bytes.Buffer
	r := mountedREPL(t, &out, "mkdir /d1\ntouch /d1/x\nrmdir /d1\nexit\n")
	require.Equal(t, 0, r.Run())
	require.Contains(t, out.String(), "error:")
}
