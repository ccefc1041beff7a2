//go:build !unix

package gitbackend

import "context"

// askPassBridge relies on named pipes and a shell helper script, so
// credential prompts are only bridged on unix. Operations without a delegate
// still work everywhere.
type askPassBridge struct{}

func startAskPassBridge(ctx context.Context, ask AskPassFunc) (*askPassBridge, error) {
	return nil, ErrAskPassUnavailable
}

func (b *askPassBridge) ScriptPath() string { return "" }

func (b *askPassBridge) Close() {}
