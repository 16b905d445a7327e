// Package ffplay plays encoded audio clips by piping them into an ffplay
// process.
package ffplay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultArgs make ffplay read one clip from stdin without a window and exit
// when it ends.
var DefaultArgs = []string{"-nodisp", "-autoexit", "-loglevel", "error", "-i", "pipe:0"}

// Player starts one ffplay process per clip. Play blocks until the process
// exits. Cancelling the context kills it.
type Player struct {
	path string
	args []string
}

// Option configures a [Player].
type Option func(*Player)

// WithPath sets the executable. Default: "ffplay" from PATH.
func WithPath(path string) Option {
	return func(p *Player) {
		if path != "" {
			p.path = path
		}
	}
}

// WithArgs replaces [DefaultArgs]. The clip is always written to stdin.
func WithArgs(args ...string) Option {
	return func(p *Player) { p.args = args }
}

// New returns a player using ffplay.
func New(opts ...Option) *Player {
	p := &Player{path: "ffplay", args: DefaultArgs}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, clip []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Stdin = bytes.NewReader(clip)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("ffplay: exit %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
	}
	return fmt.Errorf("ffplay: %w", err)
}
