package server

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"jailfs/internal/jail"
	"jailfs/internal/session"
	"jailfs/pkg/protocol"
	"path/filepath"
	"slices"
	"strings"
)

// Result is the outcome of one dispatched command.
type Result struct {
	Verb   string   // canonical verb; "" for an empty line, "unknown" otherwise unmatched
	Line   string   // command line as parsed
	Args   []string // arguments as recorded in the audit log
	Reply  string   // text sent back; empty means no reply
	Close  bool     // end the session after replying
	Denied bool     // refused by policy
	Bytes  int64    // payload bytes stored
	Err    error
}

type verbHandler func(d *Dispatcher, sess *session.Session, cmd protocol.Command, r *bufio.Reader) Result

type verbDef struct {
	name    string
	handler verbHandler
	control bool // not subject to policy
	upload  bool // followed by an upload frame
	fields  bool // takes several whitespace separated operands
}

var verbs = map[string]verbDef{}

func register(def verbDef, aliases ...string) {
	verbs[def.name] = def
	for _, alias := range aliases {
		verbs[alias] = def
	}
}

func init() {
	register(verbDef{name: protocol.VerbPwd, handler: (*Dispatcher).pwd}, "spwd")
	register(verbDef{name: protocol.VerbCd, handler: (*Dispatcher).cd}, "scd")
	register(verbDef{name: protocol.VerbUp, handler: (*Dispatcher).up}, "cdup")
	register(verbDef{name: protocol.VerbLs, handler: (*Dispatcher).ls}, "sls")
	register(verbDef{name: protocol.VerbMkdir, handler: (*Dispatcher).mkdir}, "smkdir")
	register(verbDef{name: protocol.VerbRm, handler: (*Dispatcher).rm}, "srm")
	register(verbDef{name: protocol.VerbRename, handler: (*Dispatcher).rename, fields: true}, "srename")
	register(verbDef{name: protocol.VerbWriteFile, handler: (*Dispatcher).writeFile, upload: true})
	register(verbDef{name: protocol.VerbFramed, handler: (*Dispatcher).framed, control: true})
	register(verbDef{name: protocol.VerbHelp, handler: (*Dispatcher).help, control: true})
	register(verbDef{name: protocol.VerbExit, handler: (*Dispatcher).exit, control: true}, "quit")

	// put shares the write_file policy entry.
	verbs[protocol.VerbPut] = verbDef{name: protocol.VerbWriteFile, handler: (*Dispatcher).put, upload: true}
}

// policyVerbs returns the canonical verbs subject to policy, sorted.
func policyVerbs() []string {
	var names []string
	for _, def := range verbs {
		if !def.control && !slices.Contains(names, def.name) {
			names = append(names, def.name)
		}
	}
	slices.Sort(names)
	return names
}

const helpText = `pwd                 print the working directory
cd <path>           change directory ("cd .." stops at the top)
up                  same as "cd .."
ls [-l] [path]      list a directory
mkdir <name>        create a directory
rm <path>           delete a file or a directory tree
rename <old> <new>  rename or move an entry
write_file          upload: filename line, then "SIZE <n>" and n bytes
put <name>          upload with the filename inline
framed on|off       end every reply with a line holding a single "."
exit                close the session`

// DispatchConfig holds the limits applied to commands.
type DispatchConfig struct {
	MaxLineLength  int
	MaxUploadSize  int64 // 0 disables the limit
	LegacySentinel bool  // accept uploads terminated by the "EOF" sentinel
}

// Dispatcher executes protocol commands against a session.
type Dispatcher struct {
	jail    *jail.Jail
	policy  func() *PolicyEngine
	config  DispatchConfig
	metrics *Metrics
}

// NewDispatcher creates a dispatcher. policy is called for every command so
// that a reloaded policy takes effect immediately.
func NewDispatcher(j *jail.Jail, policy func() *PolicyEngine, cfg DispatchConfig, metrics *Metrics) *Dispatcher {
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = protocol.MaxLineLength
	}
	return &Dispatcher{
		jail:    j,
		policy:  policy,
		config:  cfg,
		metrics: metrics,
	}
}

// Dispatch runs one command line. Upload verbs read their payload from r.
func (d *Dispatcher) Dispatch(sess *session.Session, line string, r *bufio.Reader) Result {
	cmd := protocol.ParseCommand(line)
	if cmd.Verb == "" {
		return Result{Reply: protocol.ReplyEmpty}
	}

	def, ok := verbs[cmd.Verb]
	if !ok {
		return Result{Verb: "unknown", Line: cmd.String(), Args: cmd.Args(), Reply: protocol.ReplyUnknown}
	}

	args := cmd.Args()
	if def.fields {
		args = cmd.Fields()
	}

	if !def.control {
		if decision := d.policy().Evaluate(def.name); !decision.Allowed() {
			res := Result{Verb: def.name, Line: cmd.String(), Args: args, Reply: notPermitted(decision), Denied: true}
			if def.upload {
				if err := d.discardUpload(cmd, r); err != nil {
					res.Close = true
					res.Err = err
				}
			}
			return res
		}
	}

	res := def.handler(d, sess, cmd, r)
	res.Verb = def.name
	res.Line = cmd.String()
	if res.Args == nil {
		res.Args = args
	}
	return res
}

func notPermitted(decision Decision) string {
	if decision.Reason == "" {
		return protocol.ReplyNotPermitted
	}
	return protocol.ReplyNotPermitted + ": " + decision.Reason
}

func failure(head string, err error) Result {
	return Result{Reply: head + ": " + jail.Reason(err), Err: err}
}

// within reports whether path is base or lies below it.
func within(path, base string) bool {
	return path == base || strings.HasPrefix(path, base+string(filepath.Separator))
}

func (d *Dispatcher) pwd(sess *session.Session, _ protocol.Command, _ *bufio.Reader) Result {
	if _, err := d.jail.Stat(sess.Cwd()); err != nil {
		return failure(protocol.ReplyPwdFailed, err)
	}
	return Result{Reply: d.jail.Display(sess.Cwd())}
}

func (d *Dispatcher) cd(sess *session.Session, cmd protocol.Command, r *bufio.Reader) Result {
	if cmd.Arg == "" {
		return failure(protocol.ReplyDirChangeFailed, jail.ErrInvalidArgument)
	}
	if filepath.Clean(cmd.Arg) == ".." {
		return d.up(sess, cmd, r)
	}

	dir, err := d.jail.ResolveDir(cmd.Arg, sess.Cwd())
	if err != nil {
		return failure(protocol.ReplyDirChangeFailed, err)
	}
	sess.SetCwd(dir)
	return Result{Reply: protocol.ReplyDirChanged}
}

// up moves one level towards the jail root and stops there.
func (d *Dispatcher) up(sess *session.Session, _ protocol.Command, _ *bufio.Reader) Result {
	parent, err := d.jail.Up(sess.Cwd())
	sess.SetCwd(parent)
	if errors.Is(err, jail.ErrAlreadyAtRoot) {
		return Result{Reply: protocol.ReplyAlreadyAtRoot}
	}
	return Result{Reply: protocol.ReplyDirChanged}
}

func (d *Dispatcher) ls(sess *session.Session, cmd protocol.Command, _ *bufio.Reader) Result {
	target, long := longFlag(cmd.Arg)

	dir := sess.Cwd()
	if target != "" {
		resolved, err := d.jail.ResolveDir(target, dir)
		if err != nil {
			return failure(protocol.ReplyLsFailed, err)
		}
		dir = resolved
	}

	entries, err := d.jail.ReadDir(dir)
	if err != nil {
		return failure(protocol.ReplyLsFailed, err)
	}
	if len(entries) == 0 {
		return Result{Reply: protocol.ReplyEmptyDir}
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !long {
			lines = append(lines, entry.Name())
			continue
		}
		var size int64
		kind := "file"
		if info, err := entry.Info(); err == nil {
			size = info.Size()
			switch mode := info.Mode(); {
			case mode.IsDir():
				kind, size = "dir", 0
			case mode&fs.ModeSymlink != 0:
				kind = "link"
			case !mode.IsRegular():
				kind = "other"
			}
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\t%d", entry.Name(), kind, size))
	}
	return Result{Reply: strings.Join(lines, "\n")}
}

// longFlag strips a leading "-l" option from an ls argument.
func longFlag(arg string) (string, bool) {
	rest, ok := strings.CutPrefix(arg, "-l")
	if !ok || (rest != "" && !strings.ContainsAny(rest[:1], " \t")) {
		return arg, false
	}
	return strings.TrimLeft(rest, " \t"), true
}

func (d *Dispatcher) mkdir(sess *session.Session, cmd protocol.Command, _ *bufio.Reader) Result {
	if cmd.Arg == "" {
		return failure(protocol.ReplyMkdirFailed, jail.ErrInvalidArgument)
	}
	path, err := d.jail.ResolveNew(cmd.Arg, sess.Cwd())
	if err != nil {
		return failure(protocol.ReplyMkdirFailed, err)
	}
	if err := d.jail.Mkdir(path); err != nil {
		return failure(protocol.ReplyMkdirFailed, err)
	}
	return Result{Reply: protocol.ReplyDirCreated}
}

func (d *Dispatcher) rm(sess *session.Session, cmd protocol.Command, _ *bufio.Reader) Result {
	if cmd.Arg == "" {
		return failure(protocol.ReplyDeleteFailed, jail.ErrInvalidArgument)
	}
	path, err := d.jail.ResolveEntry(cmd.Arg, sess.Cwd())
	if err != nil {
		return failure(protocol.ReplyDeleteFailed, err)
	}
	if err := d.jail.RemoveAll(path); err != nil {
		return failure(protocol.ReplyDeleteFailed, err)
	}

	// Deleting the working directory (or an ancestor) moves the session
	// to the closest surviving directory.
	if within(sess.Cwd(), path) {
		sess.SetCwd(filepath.Dir(path))
	}
	return Result{Reply: protocol.ReplyDeleted}
}

func (d *Dispatcher) rename(sess *session.Session, cmd protocol.Command, _ *bufio.Reader) Result {
	operands := cmd.Fields()
	if len(operands) != 2 {
		return Result{Reply: protocol.ReplyRenameUsage, Err: jail.ErrInvalidArgument}
	}
	oldPath, err := d.jail.ResolveEntry(operands[0], sess.Cwd())
	if err != nil {
		return failure(protocol.ReplyRenameFailed, err)
	}
	newPath, err := d.jail.ResolveNew(operands[1], sess.Cwd())
	if err != nil {
		return failure(protocol.ReplyRenameFailed, err)
	}
	if err := d.jail.Rename(oldPath, newPath); err != nil {
		return failure(protocol.ReplyRenameFailed, err)
	}

	if cwd := sess.Cwd(); within(cwd, oldPath) {
		sess.SetCwd(newPath + strings.TrimPrefix(cwd, oldPath))
	}
	return Result{Reply: protocol.ReplyRenamed}
}

func (d *Dispatcher) framed(sess *session.Session, cmd protocol.Command, _ *bufio.Reader) Result {
	switch strings.TrimSpace(cmd.Arg) {
	case "on":
		sess.Framed = true
		return Result{Reply: protocol.ReplyFramedOn}
	case "off":
		sess.Framed = false
		return Result{Reply: protocol.ReplyFramedOff}
	}
	return Result{Reply: protocol.ReplyFramedUsage}
}

func (d *Dispatcher) help(_ *session.Session, _ protocol.Command, _ *bufio.Reader) Result {
	return Result{Reply: helpText}
}

func (d *Dispatcher) exit(_ *session.Session, _ protocol.Command, _ *bufio.Reader) Result {
	return Result{Close: true}
}
