//go:build unix

package gitbackend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// askPassQuit is the sentinel prompt the bridge writes to its own pipe to
// unblock the reader goroutine during shutdown.
const askPassQuit = "\x00reposync-askpass-quit"

// askPassScript relays a git/ssh credential prompt through a pair of named
// pipes to the owning process.
const askPassScript = `#!/bin/sh
printf '%%s' "$1" > %q
cat %q
`

// askPassBridge serves GIT_ASKPASS invocations from a git subprocess,
// answering each prompt by calling back into an AskPassFunc. One bridge
// serves one network operation; prompts are answered strictly one at a time
// (git invokes the askpass helper sequentially, e.g. username then password).
type askPassBridge struct {
	dir        string
	scriptPath string
	promptPath string
	answerPath string
	ask        AskPassFunc
	ctx        context.Context

	closeOnce sync.Once
	done      chan struct{}
}

// startAskPassBridge creates the pipes and helper script and starts the
// prompt-serving goroutine.
func startAskPassBridge(ctx context.Context, ask AskPassFunc) (*askPassBridge, error) {
	dir, err := os.MkdirTemp("", "reposync-askpass-*")
	if err != nil {
		return nil, err
	}

	b := &askPassBridge{
		dir:        dir,
		scriptPath: filepath.Join(dir, "askpass.sh"),
		promptPath: filepath.Join(dir, "prompt.pipe"),
		answerPath: filepath.Join(dir, "answer.pipe"),
		ask:        ask,
		ctx:        ctx,
		done:       make(chan struct{}),
	}

	if err := syscall.Mkfifo(b.promptPath, 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("mkfifo: %w", err)
	}
	if err := syscall.Mkfifo(b.answerPath, 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("mkfifo: %w", err)
	}

	script := fmt.Sprintf(askPassScript, b.promptPath, b.answerPath)
	if err := os.WriteFile(b.scriptPath, []byte(script), 0o700); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write askpass script: %w", err)
	}

	go b.serve()
	return b, nil
}

// ScriptPath returns the helper script to expose as GIT_ASKPASS.
func (b *askPassBridge) ScriptPath() string {
	return b.scriptPath
}

// serve answers prompts until the bridge is closed. Opening the prompt pipe
// blocks until the helper script writes to it, so the loop parks between
// prompts without polling.
func (b *askPassBridge) serve() {
	for {
		f, err := os.OpenFile(b.promptPath, os.O_RDONLY, 0)
		if err != nil {
			return
		}
		data, _ := io.ReadAll(f)
		f.Close()

		prompt := strings.TrimSpace(string(data))
		if prompt == askPassQuit {
			return
		}
		select {
		case <-b.done:
			return
		case <-b.ctx.Done():
			return
		default:
		}

		answer, err := b.ask(b.ctx, prompt)
		if err != nil {
			// An empty answer makes git fail the operation with an
			// authentication error, which is the surfacing we want.
			answer = ""
		}

		af, err := os.OpenFile(b.answerPath, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		_, _ = af.WriteString(answer)
		af.Close()
	}
}

// Close shuts down the bridge and removes its temp directory. Safe to call
// after the git subprocess has exited.
func (b *askPassBridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		// Unblock the reader's open(2) by briefly becoming the writer.
		if f, err := os.OpenFile(b.promptPath, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
			_, _ = f.WriteString(askPassQuit)
			f.Close()
		}
		os.RemoveAll(b.dir)
	})
}
