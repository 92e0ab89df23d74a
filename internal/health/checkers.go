package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Executable checks that the program at path (or named path on $PATH) can be
// found and is executable.
func Executable(name, path string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if _, err := exec.LookPath(path); err != nil {
			return fmt.Errorf("%s not found: %w", path, err)
		}
		return nil
	}}
}

// WritableDir checks that files can be created in dir.
func WritableDir(name, dir string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.CreateTemp(dir, ".readyz-*")
		if err != nil {
			return err
		}
		path := f.Name()
		_ = f.Close()
		return os.Remove(path)
	}}
}

// Pinger is implemented by storage backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}
