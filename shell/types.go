package shell

import (
	"context"
	"io/fs"
	"time"

	"github.com/guseggert/remotify/stream"
)

// Method names under which a Service is registered.
const (
	MethodList = "list"
	MethodExec = "exec"
	MethodEcho = "echo"
)

// Service lists every remotely callable method of the command runner.
type Service interface {
	// List streams one FileStat per entry of the directory at path.
	List(ctx context.Context, path string) (stream.Stream[FileStat], error)
	// Exec starts command and returns once it is running. Its output is streamed on the
	// returned Process; a non-zero exit fails that stream. Closing it kills the process.
	Exec(ctx context.Context, command string, args []string) (*Process, error)
	Echo(ctx context.Context, words ...string) (string, error)
}

type Stat struct {
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"modTime"`
	IsDir   bool        `json:"isDir"`
}

type FileStat struct {
	Dirname  string `json:"dirname"`
	Filename string `json:"filename"`
	Stat     Stat   `json:"stat"`
}

// Output stream names.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

type ProcessOutput struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

type Process struct {
	Command string                       `json:"command"`
	PID     int                          `json:"pid"`
	Output  stream.Stream[ProcessOutput] `json:"output"`
}
