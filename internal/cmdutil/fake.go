package cmdutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call records one command executed through a FakeRunner.
type Call struct {
	Name string
	Args []string
	Env  []string
}

func (c Call) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// FakeRunner is a Runner for tests. Commands succeed unless an error or
// hook is registered for their name.
type FakeRunner struct {
	mu sync.Mutex

	Calls   []Call
	Outputs map[string]string           // key: command name, value: stdout
	Errors  map[string]error            // key: command name
	OnRun   func(c Call) error          // optional hook, runs before Errors lookup
	Missing map[string]bool             // tools LookPath reports as absent
	EnvSeen map[string][]string         // last env per command name
	outputf map[string]func(Call) (string, error)
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Outputs: map[string]string{},
		Errors:  map[string]error{},
		Missing: map[string]bool{},
		EnvSeen: map[string][]string{},
		outputf: map[string]func(Call) (string, error){},
	}
}

// OutputFunc registers a per-call stdout generator for a command name.
func (fr *FakeRunner) OutputFunc(name string, f func(Call) (string, error)) {
	fr.outputf[name] = f
}

// CallLines renders all recorded calls, one per line, for assertions.
func (fr *FakeRunner) CallLines() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	lines := make([]string, len(fr.Calls))
	for i, c := range fr.Calls {
		lines[i] = c.String()
	}
	return lines
}

// CallCount returns how many times the named command was executed.
func (fr *FakeRunner) CallCount(name string) int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	n := 0
	for _, c := range fr.Calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

func (fr *FakeRunner) record(env []string, name string, args ...string) Call {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	c := Call{Name: name, Args: args, Env: env}
	fr.Calls = append(fr.Calls, c)
	fr.EnvSeen[name] = env
	return c
}

func (fr *FakeRunner) Run(ctx context.Context, name string, args ...string) error {
	return fr.RunEnv(ctx, nil, name, args...)
}

func (fr *FakeRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := fr.record(env, name, args...)
	if fr.OnRun != nil {
		if err := fr.OnRun(c); err != nil {
			return err
		}
	}
	if err := fr.Errors[name]; err != nil {
		return fmt.Errorf("%s: %w", c.String(), err)
	}
	return nil
}

func (fr *FakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := fr.record(nil, name, args...)
	if f, ok := fr.outputf[name]; ok {
		return f(c)
	}
	if err := fr.Errors[name]; err != nil {
		return "", fmt.Errorf("%s: %w", c.String(), err)
	}
	return fr.Outputs[name], nil
}

func (fr *FakeRunner) LookPath(name string) bool {
	return !fr.Missing[name]
}
