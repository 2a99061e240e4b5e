package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/liveresponse"
	"cbdlr/internal/logging"

	"go.uber.org/zap"
)

type command struct {
	usage   string
	summary string
	run     func(ctx context.Context, sh *Shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":    {"help", "show this help", cmdHelp},
		"pwd":     {"pwd", "print the remote working directory", cmdPwd},
		"cd":      {"cd <dir>", "change the remote working directory", cmdCd},
		"ls":      {"ls [dir]", "list a remote directory", cmdLs},
		"dir":     {"dir [dir]", "alias for ls", cmdLs},
		"walk":    {"walk [dir]", "list every file beneath a remote directory", cmdWalk},
		"get":     {"get <remote> [local]", "download a remote file", cmdGet},
		"put":     {"put <local> [remote]", "upload a local file", cmdPut},
		"del":     {"del <remote>", "delete a remote file", cmdDel},
		"mkdir":   {"mkdir <remote>", "create a remote directory", cmdMkdir},
		"ps":      {"ps", "list remote processes", cmdPs},
		"kill":    {"kill <pid>", "terminate a remote process", cmdKill},
		"exec":    {"exec [-o] [-w] <cmdline...>", "start a process; -w waits, -o waits and prints output", cmdExec},
		"reg":     {"reg ls|get|set|mkkey|rmkey|rmval ...", "query or modify the registry", cmdReg},
		"memdump": {"memdump [local]", "download a full memory dump", cmdMemdump},
	}
}

// usageError reports a malformed command.
func usageError(name string) error {
	return fmt.Errorf("usage: %s", commands[name].usage)
}

func cmdHelp(_ context.Context, sh *Shell, _ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", commands[name].usage, commands[name].summary)
	}
	fmt.Fprintf(tw, "  %s\t%s\n", "exit", "close the session and quit")
	return tw.Flush()
}

func cmdPwd(_ context.Context, sh *Shell, _ []string) error {
	fmt.Fprintln(sh.out, sh.cwd)
	return nil
}

func cmdCd(ctx context.Context, sh *Shell, args []string) error {
	if len(args) != 1 {
		return usageError("cd")
	}
	target := sh.remote(args[0])
	if _, err := sh.sess.ListDirectory(ctx, target); err != nil {
		return fmt.Errorf("cannot cd to %s: %w", target, err)
	}
	sh.cwd = target
	return nil
}

func cmdLs(ctx context.Context, sh *Shell, args []string) error {
	if len(args) > 1 {
		return usageError("ls")
	}
	dir := sh.cwd
	if len(args) == 1 {
		dir = sh.remote(args[0])
	}

	entries, err := sh.sess.ListDirectory(ctx, dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Filename) < strings.ToLower(entries[j].Filename)
	})

	fmt.Fprintf(sh.out, "Directory: %s\n\n", dir)
	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		kind, size, name := "f", strconv.FormatInt(e.Size, 10), e.Filename
		if e.IsDir() {
			kind, size, name = "d", "<DIR>", sh.dirColor.Sprint(e.Filename)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, e.ModTime().Format("2006-01-02 15:04"), size, name)
	}
	return tw.Flush()
}

func cmdWalk(ctx context.Context, sh *Shell, args []string) error {
	if len(args) > 1 {
		return usageError("walk")
	}
	top := sh.cwd
	if len(args) == 1 {
		top = sh.remote(args[0])
	}

	return sh.sess.Walk(ctx, top, func(dir string, _, files []liveresponse.FileInfo) error {
		for _, f := range files {
			fmt.Fprintln(sh.out, sh.paths.Join(dir, f.Filename))
		}
		return nil
	}, func(dir string, err error) error {
		sh.errorColor.Fprintf(sh.errOut, "skipping %s: %v\n", dir, err)
		return nil
	})
}

func cmdGet(ctx context.Context, sh *Shell, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError("get")
	}
	remote := sh.remote(args[0])
	local := sh.paths.Base(remote)
	if len(args) == 2 {
		local = args[1]
	}
	local = sh.local(local)

	n, err := sh.download(local, func(f *os.File) (int64, error) {
		return sh.sess.GetFile(ctx, remote, f)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d bytes written to %s\n", n, local)
	return nil
}

func cmdPut(ctx context.Context, sh *Shell, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError("put")
	}
	local := sh.local(args[0])
	remote := sh.paths.Join(sh.cwd, filepath.Base(local))
	if len(args) == 2 {
		remote = sh.remote(args[1])
	}

	f, err := os.Open(local)
	if err != nil {
		return cbdlrerrors.NewLocalReadError(local, err)
	}
	defer f.Close()

	if err := sh.sess.PutFile(ctx, remote, f); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "uploaded %s to %s\n", local, remote)
	return nil
}

func cmdDel(ctx context.Context, sh *Shell, args []string) error {
	if len(args) != 1 {
		return usageError("del")
	}
	return sh.sess.DeleteFile(ctx, sh.remote(args[0]))
}

func cmdMkdir(ctx context.Context, sh *Shell, args []string) error {
	if len(args) != 1 {
		return usageError("mkdir")
	}
	return sh.sess.CreateDirectory(ctx, sh.remote(args[0]))
}

func cmdPs(ctx context.Context, sh *Shell, args []string) error {
	if len(args) != 0 {
		return usageError("ps")
	}
	procs, err := sh.sess.ListProcesses(ctx)
	if err != nil {
		return err
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].Pid < procs[j].Pid })

	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPPID\tUSER\tCOMMAND")
	for _, p := range procs {
		cmdline := p.CommandLine
		if cmdline == "" {
			cmdline = p.Path
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", p.Pid, p.Parent, p.Username, cmdline)
	}
	return tw.Flush()
}

func cmdKill(ctx context.Context, sh *Shell, args []string) error {
	if len(args) != 1 {
		return usageError("kill")
	}
	pid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || pid <= 0 {
		return cbdlrerrors.NewConfigValidationError("pid", args[0], "must be a positive integer")
	}
	return sh.sess.KillProcess(ctx, pid)
}

func cmdExec(ctx context.Context, sh *Shell, args []string) error {
	var opts liveresponse.ProcessOptions
flags:
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		flag := args[0]
		args = args[1:]
		switch flag {
		case "-o":
			opts.WaitForOutput = true
		case "-w":
			opts.WaitForCompletion = true
		case "--":
			break flags
		default:
			return usageError("exec")
		}
	}
	if len(args) == 0 {
		return usageError("exec")
	}
	opts.WorkingDirectory = sh.cwd

	res, err := sh.sess.CreateProcess(ctx, joinArgs(args), opts)
	if err != nil {
		return err
	}

	switch {
	case opts.WaitForOutput:
		out := string(res.Output)
		fmt.Fprint(sh.out, out)
		if out != "" && !strings.HasSuffix(out, "\n") {
			fmt.Fprintln(sh.out)
		}
	case opts.WaitForCompletion:
		fmt.Fprintf(sh.out, "process %d exited with code %d\n", res.Pid, res.ReturnCode)
	default:
		fmt.Fprintf(sh.out, "process %d started\n", res.Pid)
	}
	return nil
}

func cmdReg(ctx context.Context, sh *Shell, args []string) error {
	if len(args) < 2 {
		return usageError("reg")
	}
	sub, path := strings.ToLower(args[0]), args[1]
	if sub != "set" && len(args) != 2 {
		return usageError("reg")
	}

	switch sub {
	case "ls":
		key, err := sh.sess.ListRegistryKeysAndValues(ctx, path)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
		for _, k := range key.SubKeys {
			fmt.Fprintf(tw, "%s\t<KEY>\t\n", sh.dirColor.Sprint(k))
		}
		for _, v := range key.Values {
			fmt.Fprintf(tw, "%s\t%s\t%v\n", valueName(v.Name), v.Type, v.Data)
		}
		return tw.Flush()

	case "get":
		v, err := sh.sess.GetRegistryValue(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%s\t%s\t%v\n", valueName(v.Name), v.Type, v.Data)
		return nil

	case "set":
		rest := args[1:]
		overwrite := false
		if len(rest) > 0 && rest[0] == "-f" {
			overwrite, rest = true, rest[1:]
		}
		if len(rest) < 2 || len(rest) > 3 {
			return errors.New("usage: reg set [-f] <value> <data> [type]")
		}
		valueType := ""
		if len(rest) == 3 {
			valueType = strings.ToUpper(rest[2])
		}
		return sh.sess.SetRegistryValue(ctx, rest[0], rest[1], valueType, overwrite)

	case "mkkey":
		return sh.sess.CreateRegistryKey(ctx, path)
	case "rmkey":
		return sh.sess.DeleteRegistryKey(ctx, path)
	case "rmval":
		return sh.sess.DeleteRegistryValue(ctx, path)
	}
	return usageError("reg")
}

func cmdMemdump(ctx context.Context, sh *Shell, args []string) error {
	if len(args) > 1 {
		return usageError("memdump")
	}
	local := fmt.Sprintf("memdump-%d.dmp", sh.sess.DeviceID())
	if len(args) == 1 {
		local = args[0]
	}
	local = sh.local(local)

	fmt.Fprintln(sh.out, "dumping memory, this can take a while")
	n, err := sh.download(local, func(f *os.File) (int64, error) {
		return sh.sess.Memdump(ctx, f)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d bytes written to %s\n", n, local)
	return nil
}

// download creates local, fills it with fetch and removes it on failure.
func (sh *Shell) download(local string, fetch func(*os.File) (int64, error)) (int64, error) {
	f, err := os.Create(local)
	if err != nil {
		return 0, cbdlrerrors.NewLocalWriteError(local, err)
	}

	n, err := fetch(f)
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = cbdlrerrors.NewLocalWriteError(local, closeErr)
	}
	if err != nil {
		if rmErr := os.Remove(local); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			sh.logger.Debug("partial_download_remove_failed", logging.Path(local), zap.Error(rmErr))
		}
		return 0, err
	}
	return n, nil
}

func (sh *Shell) remote(p string) string {
	return sh.paths.Join(sh.cwd, p)
}

func (sh *Shell) local(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(sh.localDir, p)
}

func valueName(name string) string {
	if name == "" {
		return "(Default)"
	}
	return name
}
