package claudecli

import "github.com/Strob0t/ReviewForge/internal/port/llmbackend"

func init() {
	llmbackend.Register(backendName, func(s llmbackend.Settings) (llmbackend.Backend, error) {
		return New(s.CLIBinary, s.DefaultModel), nil
	})
}
