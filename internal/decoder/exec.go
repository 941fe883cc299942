package decoder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// ExecLoader runs an external reader that converts native files into a
// scene directory, then reads that directory. The command is invoked as
//
//	<command...> --output <dir> --bands <b1,b2,...> <native files...>
type ExecLoader struct {
	Command []string
}

// NewExecLoader splits a command line on whitespace.
func NewExecLoader(command string) *ExecLoader {
	return &ExecLoader{Command: strings.Fields(command)}
}

func (l *ExecLoader) Load(ctx context.Context, native domain.NativeFile, bands []string) (*Scene, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("reader command not configured")
	}
	out := native.Path + ".scene"
	defer os.RemoveAll(out)

	args := append([]string{}, l.Command[1:]...)
	args = append(args, "--output", out, "--bands", strings.Join(bands, ","))
	args = append(args, native.Files()...)
	cmd := exec.CommandContext(ctx, l.Command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("reader %s: %w: %s", l.Command[0], err, strings.TrimSpace(stderr.String()))
	}
	return LoadDir(out, bands)
}
