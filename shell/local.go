package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/guseggert/remotify/stream"
	"go.uber.org/zap"
)

var _ Service = (*Local)(nil)

// dirBatch is how many directory entries are read from the OS at a time.
const dirBatch = 64

// waitDelay bounds how long a killed process's output is drained before its pipes are closed.
const waitDelay = 2 * time.Second

// Local runs commands and reads directories on this machine.
type Local struct {
	log  *zap.SugaredLogger
	root string
}

type Option func(l *Local)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Local) {
		l.log = log
	}
}

// WithRoot resolves relative paths, and runs commands, in dir.
func WithRoot(dir string) Option {
	return func(l *Local) {
		l.root = dir
	}
}

func NewLocal(opts ...Option) *Local {
	l := &Local{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.Named("shell")
	return l
}

func (l *Local) resolve(path string) string {
	if l.root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.root, path)
}

func (l *Local) List(ctx context.Context, path string) (stream.Stream[FileStat], error) {
	dir := l.resolve(path)
	f, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("opening directory: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	l.log.Debugw("listing directory", "Dir", dir)
	return &dirStream{dir: dir, f: f}, nil
}

// dirStream reads a directory lazily, a batch at a time.
type dirStream struct {
	dir string
	f   *os.File
	buf []fs.DirEntry
}

func (d *dirStream) Next(ctx context.Context) (FileStat, error) {
	for {
		if err := ctx.Err(); err != nil {
			return FileStat{}, err
		}
		if len(d.buf) == 0 {
			entries, err := d.f.ReadDir(dirBatch)
			if len(entries) == 0 {
				if err == nil {
					err = io.EOF
				}
				return FileStat{}, err
			}
			d.buf = entries
		}

		entry := d.buf[0]
		d.buf = d.buf[1:]
		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// removed since the directory was read
			continue
		}
		if err != nil {
			return FileStat{}, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		return FileStat{
			Dirname:  d.dir,
			Filename: entry.Name(),
			Stat: Stat{
				Size:    info.Size(),
				Mode:    info.Mode(),
				ModTime: info.ModTime().UTC(),
				IsDir:   info.IsDir(),
			},
		}, nil
	}
}

func (d *dirStream) Close() error {
	return d.f.Close()
}

// Exec starts the process. It lives until it exits, its output stream is closed, or ctx is
// done.
func (l *Local) Exec(ctx context.Context, command string, args []string) (*Process, error) {
	if command == "" {
		return nil, errors.New("request contained no command")
	}

	stdout, stderr := stream.NewPipe(), stream.NewPipe()
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = l.root
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}
	log := l.log.With("Command", command, "PID", cmd.Process.Pid)
	log.Debugw("process started", "Args", args)

	out := &processStream{
		command: command,
		cmd:     cmd,
		merged:  stream.Merge[string](ctx, stdout, stderr),
		exited:  make(chan struct{}),
	}
	go func() {
		out.waitErr = cmd.Wait()
		log.Debugw("process exited", "Err", out.waitErr)
		close(out.exited)
		stdout.End()
		stderr.End()
	}()

	return &Process{
		Command: command,
		PID:     cmd.Process.Pid,
		Output:  out,
	}, nil
}

// processStream interleaves a process's stdout and stderr and, once both are drained,
// reports its exit status.
type processStream struct {
	command string
	cmd     *exec.Cmd
	merged  *stream.Merged[string]

	exited  chan struct{}
	waitErr error
}

func (p *processStream) Next(ctx context.Context) (ProcessOutput, error) {
	chunk, err := p.merged.Next(ctx)
	if errors.Is(err, io.EOF) {
		<-p.exited
		if p.waitErr != nil {
			return ProcessOutput{}, fmt.Errorf("%s: %w", p.command, p.waitErr)
		}
		return ProcessOutput{}, io.EOF
	}
	if err != nil {
		return ProcessOutput{}, err
	}

	name := Stdout
	if chunk.From == stream.Second {
		name = Stderr
	}
	return ProcessOutput{Stream: name, Text: chunk.Item}, nil
}

// Close kills the process if it is still running and waits for it to exit.
func (p *processStream) Close() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		err = nil
	}
	_ = p.merged.Close()
	<-p.exited
	return err
}

func (l *Local) Echo(ctx context.Context, words ...string) (string, error) {
	return strings.Join(words, " "), nil
}
