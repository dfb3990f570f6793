package anthropic

import "github.com/Strob0t/ReviewForge/internal/port/llmbackend"

func init() {
	llmbackend.Register(backendName, func(s llmbackend.Settings) (llmbackend.Backend, error) {
		c := NewClient(s.APIURL, s.APIKey, s.APIVersion, s.DefaultModel)
		if s.BreakerMaxFailures > 0 {
			c.SetBreaker(NewBreaker(s.BreakerMaxFailures, s.BreakerTimeout))
		}
		return c, nil
	})
}
