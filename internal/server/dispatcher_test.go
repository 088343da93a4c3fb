package server

import (
	"bufio"
	"bytes"
	"errors"
	"jailfs/internal/jail"
	"jailfs/internal/session"
	"jailfs/pkg/protocol"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type dispatchFixture struct {
	d       *Dispatcher
	jail    *jail.Jail
	sess    *session.Session
	outside string
	policy  *PolicyEngine
}

func newDispatchFixture(t *testing.T, cfg DispatchConfig) *dispatchFixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "jail")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0755))
	require.NoError(t, os.MkdirAll(outside, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0644))

	j, err := jail.Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	f := &dispatchFixture{
		jail:    j,
		sess:    session.New(j.Root(), "127.0.0.1:4242"),
		outside: outside,
		policy:  DefaultPolicy(),
	}
	f.d = NewDispatcher(j, func() *PolicyEngine { return f.policy }, cfg, nil)
	return f
}

// run dispatches each command line in script, reading payloads from the
// same stream, and returns the replies.
func (f *dispatchFixture) run(t *testing.T, script string) ([]string, Result) {
	t.Helper()
	r := bufio.NewReader(strings.NewReader(script))
	var replies []string
	var last Result
	for {
		line, err := protocol.ReadLine(r, f.d.config.MaxLineLength)
		if errors.Is(err, protocol.ErrConnectionClosed) {
			return replies, last
		}
		if errors.Is(err, protocol.ErrLineTooLong) {
			replies = append(replies, protocol.ReplyTooLong)
			continue
		}
		require.NoError(t, err)

		last = f.d.Dispatch(f.sess, line, r)
		replies = append(replies, last.Reply)
		if last.Close {
			return replies, last
		}
	}
}

func (f *dispatchFixture) do(t *testing.T, line string) Result {
	t.Helper()
	return f.d.Dispatch(f.sess, line, bufio.NewReader(strings.NewReader("")))
}

func (f *dispatchFixture) path(elem ...string) string {
	return filepath.Join(append([]string{f.jail.Root()}, elem...)...)
}

func TestDispatchNavigation(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})

	replies, _ := f.run(t, "pwd\ncd sub\npwd\ncd deep\npwd\ncd ..\npwd\nup\ncd ..\npwd\n")
	require.Equal(t, []string{
		"/",
		protocol.ReplyDirChanged,
		"/sub",
		protocol.ReplyDirChanged,
		"/sub/deep",
		protocol.ReplyDirChanged,
		"/sub",
		protocol.ReplyDirChanged,
		protocol.ReplyAlreadyAtRoot,
		"/",
	}, replies)
}

func TestDispatchAliases(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})

	replies, _ := f.run(t, "scd sub\nspwd\ncdup\nsmkdir new\nsls\nsrename new newer\nsrm newer\nsls\n")
	require.Equal(t, []string{
		protocol.ReplyDirChanged,
		"/sub",
		protocol.ReplyDirChanged,
		protocol.ReplyDirCreated,
		"a.txt\nnew\nsub",
		protocol.ReplyRenamed,
		protocol.ReplyDeleted,
		"a.txt\nsub",
	}, replies)
}

func TestDispatchCdConfinement(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})
	require.NoError(t, os.Symlink(f.outside, f.path("escape")))

	tests := []struct {
		name  string
		line  string
		reply string
	}{
		{"parent traversal", "cd ../../..", "Directory change failed: access denied"},
		{"outside sibling", "cd ../outside", "Directory change failed: access denied"},
		{"symlink out", "cd escape", "Directory change failed: access denied"},
		{"absolute is jail relative", "cd /etc", "Directory change failed: not found"},
		{"file", "cd a.txt", "Directory change failed: not a directory"},
		{"missing argument", "cd", "Directory change failed: invalid argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.do(t, tt.line)
			require.Equal(t, tt.reply, res.Reply)
			require.Equal(t, f.jail.Root(), f.sess.Cwd())
		})
	}

	res := f.do(t, "cd /sub/deep")
	require.Equal(t, protocol.ReplyDirChanged, res.Reply)
	require.Equal(t, f.path("sub", "deep"), f.sess.Cwd())
}

func TestDispatchLs(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})
	require.NoError(t, os.WriteFile(f.path(".hidden"), nil, 0644))

	res := f.do(t, "ls")
	require.Equal(t, ".hidden\na.txt\nsub", res.Reply)

	res = f.do(t, "ls sub/deep")
	require.Equal(t, protocol.ReplyEmptyDir, res.Reply)

	res = f.do(t, "ls -l")
	require.Equal(t, ".hidden\tfile\t0\na.txt\tfile\t5\nsub\tdir\t0", res.Reply)

	res = f.do(t, "ls ../outside")
	require.Equal(t, "ls: cannot open directory: access denied", res.Reply)

	res = f.do(t, "ls nowhere")
	require.Equal(t, "ls: cannot open directory: not found", res.Reply)
}

func TestDispatchMkdir(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})

	require.Equal(t, protocol.ReplyDirCreated, f.do(t, "mkdir docs").Reply)
	info, err := os.Stat(f.path("docs"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.Equal(t, "Failed to create directory: already exists", f.do(t, "mkdir docs").Reply)
	require.Equal(t, "Failed to create directory: not found", f.do(t, "mkdir missing/child").Reply)
	require.Equal(t, "Failed to create directory: access denied", f.do(t, "mkdir ../evil").Reply)
	require.Equal(t, "Failed to create directory: access denied", f.do(t, "mkdir /").Reply)

	_, err = os.Stat(filepath.Join(filepath.Dir(f.jail.Root()), "evil"))
	require.True(t, os.IsNotExist(err))
}

func TestDispatchRm(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})
	require.NoError(t, os.WriteFile(f.path("sub", "deep", "f.txt"), []byte("x"), 0644))
	require.NoError(t, os.Symlink(f.outside, f.path("escape")))

	require.Equal(t, protocol.ReplyDeleted, f.do(t, "rm a.txt").Reply)
	require.NoFileExists(t, f.path("a.txt"))

	// Removing a link to the outside removes only the link.
	require.Equal(t, protocol.ReplyDeleted, f.do(t, "rm escape").Reply)
	require.FileExists(t, filepath.Join(f.outside, "secret.txt"))

	require.Equal(t, "Failed to delete: access denied", f.do(t, "rm /").Reply)
	require.Equal(t, "Failed to delete: access denied", f.do(t, "rm .").Reply)
	require.Equal(t, "Failed to delete: access denied", f.do(t, "rm ../outside").Reply)
	require.Equal(t, "Failed to delete: not found", f.do(t, "rm ghost").Reply)
	require.DirExists(t, f.jail.Root())
	require.DirExists(t, f.outside)

	// The working directory is removed with its tree.
	require.Equal(t, protocol.ReplyDirChanged, f.do(t, "cd sub/deep").Reply)
	require.Equal(t, protocol.ReplyDeleted, f.do(t, "rm /sub").Reply)
	require.NoDirExists(t, f.path("sub"))
	require.Equal(t, f.jail.Root(), f.sess.Cwd())
}

func TestDispatchRename(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})

	require.NoError(t, os.Symlink(f.outside, f.path("escape")))
	require.Equal(t, "Rename failed: access denied", f.do(t, "rename a.txt escape/a.txt").Reply)
	require.Equal(t, "Rename failed: access denied", f.do(t, "rename a.txt escape").Reply)
	require.FileExists(t, f.path("a.txt"))
	require.NoFileExists(t, filepath.Join(f.outside, "a.txt"))
	require.NoError(t, os.Remove(f.path("escape")))

	require.Equal(t, protocol.ReplyRenameUsage, f.do(t, "rename a.txt").Reply)
	require.Equal(t, protocol.ReplyRenameUsage, f.do(t, "rename a b c").Reply)

	require.Equal(t, protocol.ReplyRenamed, f.do(t, "rename a.txt sub/b.txt").Reply)
	require.FileExists(t, f.path("sub", "b.txt"))

	require.Equal(t, "Rename failed: access denied", f.do(t, "rename sub/b.txt ../b.txt").Reply)
	require.Equal(t, "Rename failed: not found", f.do(t, "rename nothing x").Reply)
	require.Equal(t, "Rename failed: access denied", f.do(t, "rename / x").Reply)

	require.Equal(t, protocol.ReplyDirChanged, f.do(t, "cd sub/deep").Reply)
	require.Equal(t, protocol.ReplyRenamed, f.do(t, "rename /sub /moved").Reply)
	require.Equal(t, "/moved/deep", f.do(t, "pwd").Reply)
}

func TestDispatchSpacedNames(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})
	require.NoError(t, os.MkdirAll(f.path("my dir"), 0755))
	require.NoError(t, os.WriteFile(f.path("my dir", "my file.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(f.path("my dir", "old.txt"), []byte("y"), 0644))

	require.Equal(t, protocol.ReplyDirChanged, f.do(t, "cd my dir").Reply)
	require.Equal(t, "/my dir", f.do(t, "pwd").Reply)
	require.Equal(t, protocol.ReplyDirCreated, f.do(t, "mkdir new  dir").Reply)
	require.DirExists(t, f.path("my dir", "new  dir"))
	require.Equal(t, "my file.txt\nnew  dir\nold.txt", f.do(t, "ls").Reply)

	require.Equal(t, protocol.ReplyDeleted, f.do(t, "rm my file.txt").Reply)
	require.NoFileExists(t, f.path("my dir", "my file.txt"))

	res := f.do(t, "rename\told.txt \t new.txt")
	require.Equal(t, protocol.ReplyRenamed, res.Reply)
	require.Equal(t, []string{"old.txt", "new.txt"}, res.Args)
	require.FileExists(t, f.path("my dir", "new.txt"))

	require.Equal(t, protocol.ReplyDirChanged, f.do(t, "up").Reply)
	require.Equal(t, "a.txt\tfile\t5\nmy dir\tdir\t0\nsub\tdir\t0", f.do(t, "ls -l").Reply)
	require.Equal(t, "new  dir\nnew.txt", f.do(t, "ls my dir").Reply)
	require.Equal(t, "new  dir\tdir\t0\nnew.txt\tfile\t1", f.do(t, "ls -l my dir").Reply)

	res = f.do(t, "srm \t my dir")
	require.Equal(t, protocol.ReplyDeleted, res.Reply)
	require.Equal(t, []string{"my dir"}, res.Args)
	require.NoDirExists(t, f.path("my dir"))
}

func TestDispatchUpAfterRemoval(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})
	other := session.New(f.jail.Root(), "127.0.0.1:4343")

	require.Equal(t, protocol.ReplyDirChanged, f.do(t, "cd sub/deep").Reply)
	res := f.d.Dispatch(other, "rm sub", bufio.NewReader(strings.NewReader("")))
	require.Equal(t, protocol.ReplyDeleted, res.Reply)

	require.Equal(t, protocol.ReplyDirChanged, f.do(t, "up").Reply)
	require.Equal(t, "/", f.do(t, "pwd").Reply)
}

func TestDispatchWriteFile(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})
	payload := bytes.Repeat([]byte{0, 1, 2, '\n', 'E', 'O', 'F'}, 3000)

	script := "cd sub\nwrite_file\nblob.bin\n" + protocol.FormatSizeHeader(int64(len(payload))) + "\n" + string(payload) + "pwd\n"
	replies, _ := f.run(t, script)
	require.Equal(t, []string{protocol.ReplyDirChanged, protocol.ReplyUploadOK, "/sub"}, replies)

	got, err := os.ReadFile(f.path("sub", "blob.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, int64(len(payload)), f.sess.Uploaded)

	// Overwrite and empty payload.
	replies, _ = f.run(t, "put blob.bin\nSIZE 0\nls\n")
	require.Equal(t, []string{protocol.ReplyUploadOK, "blob.bin\ndeep"}, replies)
	got, err = os.ReadFile(f.path("sub", "blob.bin"))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDispatchWriteFileRejects(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{MaxUploadSize: 8})

	tests := []struct {
		name   string
		script string
		reply  string
	}{
		{"traversal name", "write_file\n../x\nSIZE 3\nabc", protocol.ReplyFilenameError},
		{"nested name", "write_file\nsub/x\nSIZE 3\nabc", protocol.ReplyFilenameError},
		{"empty name", "write_file\n\nSIZE 3\nabc", protocol.ReplyFilenameError},
		{"put without name", "put\nSIZE 3\nabc", protocol.ReplyFilenameError},
		{"directory target", "write_file\nsub\nSIZE 3\nabc", protocol.ReplyUploadFailed},
		{"too large", "write_file\nbig\nSIZE 9\n123456789", protocol.ReplyUploadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replies, last := f.run(t, tt.script+"pwd\n")
			require.Equal(t, []string{tt.reply, "/"}, replies)
			require.False(t, last.Close)
		})
	}

	entries, err := os.ReadDir(f.jail.Root())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Equal(t, []string{"a.txt", "sub"}, names)
}

func TestDispatchWriteFileTruncated(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})

	replies, last := f.run(t, "write_file\npartial.txt\nSIZE 100\nonly a few bytes")
	require.Equal(t, []string{protocol.ReplyUploadFailed}, replies)
	require.True(t, last.Close)
	require.ErrorIs(t, last.Err, protocol.ErrConnectionClosed)

	entries, err := os.ReadDir(f.jail.Root())
	require.NoError(t, err)
	require.Len(t, entries, 2, "partial upload must be removed")
}

func TestDispatchWriteFileMissingHeader(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})

	replies, last := f.run(t, "write_file\nraw.txt\nhello\npwd\n")
	require.Equal(t, []string{protocol.ReplyUploadFailed}, replies)
	require.True(t, last.Close)
	require.ErrorIs(t, last.Err, protocol.ErrBadSizeHeader)
}

func TestDispatchWriteFileLegacy(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{LegacySentinel: true})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("write_file\nnotes.txt\n"))
		client.Write([]byte("hello "))
		client.Write([]byte("world"))
		client.Write([]byte(protocol.LegacySentinel))
		client.Write([]byte("pwd\n"))
	}()

	r := bufio.NewReader(server)
	line, err := protocol.ReadLine(r, protocol.MaxLineLength)
	require.NoError(t, err)
	res := f.d.Dispatch(f.sess, line, r)
	require.Equal(t, protocol.ReplyUploadOK, res.Reply)
	require.Equal(t, int64(11), res.Bytes)

	got, err := os.ReadFile(f.path("notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	line, err = protocol.ReadLine(r, protocol.MaxLineLength)
	require.NoError(t, err)
	require.Equal(t, "pwd", line)
}

func TestDispatchPolicy(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})
	f.policy = ReadOnlyPolicy()

	replies, last := f.run(t, "mkdir x\nwrite_file\ny.txt\nSIZE 4\nabcdls\nframed on\n")
	require.Equal(t, []string{
		"Command not permitted: server is read-only",
		"Command not permitted: server is read-only",
		"a.txt\nsub",
		protocol.ReplyFramedOn,
	}, replies)
	require.False(t, last.Close)
	require.NoFileExists(t, f.path("y.txt"))
	require.NoDirExists(t, f.path("x"))

	f.policy = &PolicyEngine{config: PolicyConfig{
		DefaultAction: ActionDeny,
		Rules:         []Rule{{Verb: "pwd", Action: ActionAllow}},
	}}
	res := f.do(t, "sls")
	require.True(t, res.Denied)
	require.Equal(t, protocol.VerbLs, res.Verb)
	require.Equal(t, protocol.ReplyNotPermitted, res.Reply)
	require.Equal(t, "/", f.do(t, "pwd").Reply)
	require.True(t, f.do(t, "exit").Close)
}

func TestDispatchMisc(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{})

	res := f.do(t, "")
	require.Equal(t, protocol.ReplyEmpty, res.Reply)
	require.Empty(t, res.Verb)

	res = f.do(t, "   ")
	require.Equal(t, protocol.ReplyEmpty, res.Reply)

	res = f.do(t, "format c:")
	require.Equal(t, protocol.ReplyUnknown, res.Reply)
	require.Equal(t, "unknown", res.Verb)

	require.Equal(t, protocol.ReplyFramedOn, f.do(t, "framed on").Reply)
	require.True(t, f.sess.Framed)
	require.Equal(t, protocol.ReplyFramedOff, f.do(t, "framed off").Reply)
	require.False(t, f.sess.Framed)
	require.Equal(t, protocol.ReplyFramedUsage, f.do(t, "framed").Reply)

	require.Contains(t, f.do(t, "help").Reply, "write_file")

	res = f.do(t, "quit")
	require.True(t, res.Close)
	require.Empty(t, res.Reply)
	require.Equal(t, protocol.VerbExit, res.Verb)
}

func TestDispatchLongLine(t *testing.T) {
	f := newDispatchFixture(t, DispatchConfig{MaxLineLength: 16})

	replies, _ := f.run(t, "mkdir "+strings.Repeat("x", 64)+"\npwd\n")
	require.Equal(t, []string{protocol.ReplyTooLong, "/"}, replies)
}
