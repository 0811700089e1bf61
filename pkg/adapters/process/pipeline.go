// Package process implements an execution pipeline that hands branched nodes to
// a local command.
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

// waitDelay bounds how long a killed command may keep its output pipes open.
const waitDelay = time.Second

// Pipeline runs Command once per submitted node.
//
// Node data is never passed as flags. The command gets ARBOR_NODE_ID (and, when
// Nodes is set, ARBOR_PLAN_ID, ARBOR_PATH_ID and ARBOR_NODE_LABEL) in its
// environment and the node JSON on stdin.
type Pipeline struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// Nodes resolves the node to send on stdin. Optional.
	Nodes ports.UniverseStore
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithArgs sets fixed arguments.
func WithArgs(args ...string) Option {
	return func(p *Pipeline) { p.Args = args }
}

// WithDir sets the working directory of the command.
func WithDir(dir string) Option {
	return func(p *Pipeline) { p.Dir = dir }
}

// WithEnv adds environment variables.
func WithEnv(env map[string]string) Option {
	return func(p *Pipeline) { p.Env = env }
}

// WithTimeout bounds each run. Zero means no bound beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.Timeout = d }
}

// WithNodes lets the pipeline load the node it submits.
func WithNodes(u ports.UniverseStore) Option {
	return func(p *Pipeline) { p.Nodes = u }
}

// New creates a Pipeline for command.
func New(command string, opts ...Option) *Pipeline {
	p := &Pipeline{Command: command}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs the command for nodeID and waits for it. A non-zero exit is an
// error carrying the command's stderr.
func (p *Pipeline) Submit(ctx context.Context, nodeID string) error {
	if p.Command == "" {
		return domain.Invalid("pipeline.command", "is required", "")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	env := map[string]string{"ARBOR_NODE_ID": nodeID}
	var stdin []byte
	if p.Nodes != nil {
		node, err := p.Nodes.GetNode(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("load node %s: %w", nodeID, err)
		}
		env["ARBOR_PLAN_ID"] = node.Provenance.PlanID
		env["ARBOR_PATH_ID"] = node.Provenance.PathID
		env["ARBOR_NODE_LABEL"] = node.Label
		if stdin, err = json.Marshal(node); err != nil {
			return fmt.Errorf("encode node %s: %w", nodeID, err)
		}
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	cmd.WaitDelay = waitDelay
	cmd.Env = cmd.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(stdin)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("pipeline %s for node %s: %w", p.Command, nodeID, ctx.Err())
		}
		return fmt.Errorf("pipeline %s for node %s: %w: %s", p.Command, nodeID, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
