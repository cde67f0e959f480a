package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

// lldbHelperScript is a small JSON-lines server around LLDB's Python API.
// It imports lldb with only sys.path injection, drives SBCommandInterpreter
// synchronously, and answers one JSON object per request line.
const lldbHelperScript = `
import json, sys, os

for p in sys.argv[1:]:
    if p and p not in sys.path:
        sys.path.insert(0, p)

import lldb

lldb.SBDebugger.Initialize()
dbg = lldb.SBDebugger.Create()
if not dbg:
    print(json.dumps({"ok": False, "output": "failed to create LLDB debugger"}), flush=True)
    sys.exit(1)
dbg.SetAsync(False)
interp = dbg.GetCommandInterpreter()

print(json.dumps({"ok": True, "output": "ready"}), flush=True)

for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    try:
        req = json.loads(line)
    except Exception as e:
        print(json.dumps({"ok": False, "output": "bad request: %s" % e}), flush=True)
        continue
    if req.get("op") == "quit":
        break
    rid = req.get("id", 0)
    cmd = req.get("cmd", "")
    res = lldb.SBCommandReturnObject()
    interp.HandleCommand(cmd, res)
    if res.Succeeded():
        out = (res.GetOutput() or "").rstrip("\n")
    else:
        out = (res.GetError() or "").rstrip("\n")
    print(json.dumps({"ok": True, "id": rid, "output": out}), flush=True)

lldb.SBDebugger.Destroy(dbg)
`

var lldbVersionRE = regexp.MustCompile(`lldb\s+version\s+(\d+)\.(\d+)\.(\d+)`)

// lldbHelperReply is one JSON line from the helper. ID echoes the request
// id; the ready banner and error lines carry id 0.
type lldbHelperReply struct {
	OK     bool   `json:"ok"`
	ID     int64  `json:"id"`
	Output string `json:"output"`
}

// LldbAPIOptions configures the LLDB Python API backend.
type LldbAPIOptions struct {
	// Python is the interpreter binary; empty selects "python3".
	Python   string
	UseColor bool
	Timeout  time.Duration
	Logger   *zap.SugaredLogger
}

// LldbAPI drives LLDB through its Python API in a persistent helper process,
// which captures command output far more reliably than scraping a terminal.
type LldbAPI struct {
	opts   LldbAPIOptions
	logger *zap.SugaredLogger

	cmd     *exec.Cmd
	stdin   *bufio.Writer
	replies chan lldbHelperReply
	done    chan struct{}
	nextID  int64
}

// NewLldbAPI creates an LLDB Python API backend.
func NewLldbAPI(opts LldbAPIOptions) *LldbAPI {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LldbAPI{opts: opts, logger: logger}
}

func (l *LldbAPI) Name() string   { return "lldb" }
func (l *LldbAPI) Prompt() string { return "(lldb) " }

// lldbPythonPaths collects candidate sys.path entries for importing lldb,
// from LLDB_PYTHON_DIR/LLDB_PYTHONPATH and `lldb -P`.
func lldbPythonPaths() []string {
	var paths []string
	seen := map[string]bool{}
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		if fi, err := os.Stat(p); err != nil || !fi.IsDir() {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}
	add(os.Getenv("LLDB_PYTHON_DIR"))
	add(os.Getenv("LLDB_PYTHONPATH"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "lldb", "-P").Output(); err == nil {
		add(strings.TrimSpace(string(out)))
	}
	return paths
}

// detectDebugserver points LLDB_DEBUGSERVER_PATH at the matching versioned
// lldb-server when it is unset, which avoids "unable to locate debugserver"
// on apt.llvm.org installs.
func detectDebugserver() {
	if os.Getenv("LLDB_DEBUGSERVER_PATH") != "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "lldb", "--version").Output()
	if err != nil {
		return
	}
	m := lldbVersionRE.FindStringSubmatch(string(out))
	if m == nil {
		return
	}
	major, full := m[1], m[1]+"."+m[2]+"."+m[3]
	baseDir := "/usr/lib/llvm-" + major + "/bin"
	for _, candidate := range []string{
		baseDir + "/lldb-server-" + full,
		baseDir + "/lldb-server-" + major,
		baseDir + "/lldb-server",
	} {
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			os.Setenv("LLDB_DEBUGSERVER_PATH", candidate)
			return
		}
	}
}

// findLldbServer returns the most specific lldb-server binary found in the
// usual install locations, honoring LLDB_SERVER_PATH first.
func findLldbServer() string {
	var candidates []string
	if p := os.Getenv("LLDB_SERVER_PATH"); p != "" {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			candidates = append(candidates, p)
		}
	}
	for _, pat := range []string{"/usr/bin/lldb-server*", "/usr/lib/llvm-*/bin/lldb-server*"} {
		matches, _ := filepath.Glob(pat)
		for _, m := range matches {
			if fi, err := os.Stat(m); err == nil && !fi.IsDir() {
				candidates = append(candidates, m)
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	// Longest name first; versioned binaries sort ahead of bare ones.
	sort.Slice(candidates, func(i, j int) bool { return len(candidates[i]) > len(candidates[j]) })
	return candidates[0]
}

// probeImport verifies that `import lldb` succeeds in a short throwaway
// interpreter before importing it in the long-lived helper. A bad binding
// can abort the process, so the probe keeps that crash out of the session.
func (l *LldbAPI) probeImport(paths []string) error {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	code := fmt.Sprintf(
		"import sys; paths=[%s]\n"+
			"[sys.path.insert(0,p) for p in paths if p not in sys.path]\n"+
			"import lldb; print('OK', getattr(lldb,'__file__','n/a'))\n",
		strings.Join(quoted, ","))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, l.opts.Python, "-c", code).Run(); err != nil {
		return errors.WithHint(
			errors.Wrap(err, "LLDB Python module could not be imported safely in a probe"),
			"Linux: sudo apt install lldb python3-lldb; then set PYTHONPATH=$(lldb -P)\n"+
				"macOS: install Xcode CLT; run with PYTHONPATH=$(lldb -P) python3 -c 'import lldb'\n"+
				"Conda: conda install -c conda-forge lldb\n"+
				"Or set DBGCOPILOT_LLDB_API=0 to force the subprocess backend.")
	}
	return nil
}

// Initialize probes the lldb bindings, starts the helper, and applies
// session defaults.
func (l *LldbAPI) Initialize() error {
	switch strings.ToLower(os.Getenv("DBGCOPILOT_LLDB_API")) {
	case "0", "false", "no":
		return errors.New("LLDB Python API disabled by DBGCOPILOT_LLDB_API=0")
	}
	detectDebugserver()
	paths := lldbPythonPaths()
	if err := l.probeImport(paths); err != nil {
		return err
	}

	args := append([]string{"-c", lldbHelperScript}, paths...)
	cmd := exec.Command(l.opts.Python, args...)
	cmd.Env = os.Environ()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "lldb api: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "lldb api: stdout pipe")
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "lldb api: starting %s", l.opts.Python)
	}
	l.cmd = cmd
	l.stdin = bufio.NewWriter(stdin)
	l.replies = make(chan lldbHelperReply, 16)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			var reply lldbHelperReply
			if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
				l.logger.Debugw("lldb api: unparseable helper line", "line", scanner.Text())
				continue
			}
			l.replies <- reply
		}
		_ = cmd.Wait()
	}()

	ready, err := l.await(l.opts.Timeout)
	if err != nil {
		l.Close()
		return errors.Wrap(err, "lldb api: helper did not become ready")
	}
	if !ready.OK {
		l.Close()
		return errors.Newf("lldb api: %s", ready.Output)
	}

	color := "false"
	if l.opts.UseColor {
		color = "true"
	}
	l.exec("settings set use-color "+color, 0)
	l.exec("settings set auto-confirm true", 0)
	if server := findLldbServer(); server != "" {
		for _, key := range []string{
			"target.lldb-server",
			"plugin.process.gdb-remote.lldb-server",
			"plugin.process.gdb-remote.lldb-server-path",
			"platform.plugin.remote-linux.lldb-server",
		} {
			l.exec("settings set "+key+" "+server, 0)
		}
	}
	if runtime.GOOS == "linux" {
		// Lets local debugging work without an lldb-server on PATH.
		l.exec("settings set platform.plugin.linux.use-llgs-for-local false", 0)
	}
	return nil
}

func (l *LldbAPI) await(timeout time.Duration) (lldbHelperReply, error) {
	if timeout <= 0 {
		timeout = l.opts.Timeout
	}
	select {
	case reply, ok := <-l.replies:
		if !ok {
			return lldbHelperReply{}, errors.ErrEOF
		}
		return reply, nil
	case <-l.done:
		return lldbHelperReply{}, errors.ErrEOF
	case <-time.After(timeout):
		return lldbHelperReply{}, errors.ErrTimeout
	}
}

func (l *LldbAPI) exec(cmd string, timeout time.Duration) (string, error) {
	if l.cmd == nil || l.stdin == nil {
		return "", errors.Wrap(errors.ErrClosed, "lldb api backend not initialized")
	}
	l.nextID++
	id := l.nextID
	req, err := json.Marshal(map[string]any{"op": "cmd", "id": id, "cmd": cmd})
	if err != nil {
		return "", err
	}
	if _, err := l.stdin.Write(append(req, '\n')); err != nil {
		return "", errors.Wrap(err, "lldb api: writing request")
	}
	if err := l.stdin.Flush(); err != nil {
		return "", errors.Wrap(err, "lldb api: flushing request")
	}
	// A reply left over from a timed-out request carries an older id;
	// drop it and keep waiting for ours.
	for {
		reply, err := l.await(timeout)
		if err != nil {
			return "", err
		}
		if reply.ID == id {
			return reply.Output, nil
		}
		l.logger.Debugw("lldb api: dropping stale reply", "got", reply.ID, "want", id)
	}
}

// RunCommand executes one or more lldb commands through the interpreter.
// The interpreter is synchronous, so timeouts only bound the pipe wait.
func (l *LldbAPI) RunCommand(cmd string, timeout time.Duration) string {
	raw := strings.TrimSpace(cmd)
	var parts []string
	if strings.HasPrefix(strings.ToLower(raw), "script ") {
		parts = []string{raw}
	} else {
		parts = SplitCommands(raw)
		if len(parts) == 0 && raw != "" {
			parts = []string{raw}
		}
	}
	var outputs []string
	for _, part := range parts {
		out, err := l.exec(part, timeout)
		if err != nil {
			out = fmt.Sprintf("[lldb api error] %s: %s", part, err)
		}
		if out != "" {
			outputs = append(outputs, out)
		}
	}
	return joinOutputs(outputs)
}

// Close asks the helper to exit and kills it if it lingers.
func (l *LldbAPI) Close() {
	if l.cmd == nil {
		return
	}
	if l.stdin != nil {
		if req, err := json.Marshal(map[string]string{"op": "quit"}); err == nil {
			_, _ = l.stdin.Write(append(req, '\n'))
			_ = l.stdin.Flush()
		}
	}
	if l.done != nil {
		select {
		case <-l.done:
		case <-time.After(time.Second):
			_ = l.cmd.Process.Kill()
		}
	} else {
		_ = l.cmd.Process.Kill()
	}
	l.cmd = nil
	l.stdin = nil
}
