package service

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/document"
	"github.com/Strob0t/ReviewForge/internal/domain/llm"
)

// fakeSource serves documents from memory.
type fakeSource struct {
	docs  []document.Document
	pages map[string][]document.Page
}

func newFakeSource(docs ...document.Document) *fakeSource {
	s := &fakeSource{pages: make(map[string][]document.Page)}
	for _, d := range docs {
		if d.ID == "" {
			d.ID = document.IDFor(d.Path)
		}
		if d.Name == "" {
			d.Name = d.Path
		}
		if d.Type == "" {
			d.Type = document.Classify(d.Path)
		}
		if d.Pages == 0 {
			d.Pages = 1
		}
		if d.Discovery == "" {
			d.Discovery = document.DiscoveryNormal
		}
		s.docs = append(s.docs, d)
		s.pages[d.ID] = []document.Page{{Number: 1, Text: "text of " + d.Path}}
	}
	return s
}

func (s *fakeSource) Discover(_ context.Context, _ string) ([]document.Document, error) {
	out := make([]document.Document, len(s.docs))
	copy(out, s.docs)
	return out, nil
}

func (s *fakeSource) Pages(_ context.Context, _ string, doc document.Document) ([]document.Page, error) {
	p, ok := s.pages[doc.ID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", doc.ID, domain.ErrNotFound)
	}
	return p, nil
}

var docIDRe = regexp.MustCompile(`Document ID: (\S+)`)

// fakeLLM answers extraction prompts per document ID.
type fakeLLM struct {
	mu      sync.Mutex
	replies map[string][]string // per document, consumed in order; last one repeats
	errs    map[string]error
	delay   time.Duration

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	prompts  []llm.Request
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{replies: make(map[string][]string), errs: make(map[string]error)}
}

func (f *fakeLLM) reply(docID string, replies ...string) { f.replies[docID] = replies }

func (f *fakeLLM) Call(_ context.Context, req llm.Request) (string, string, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	m := docIDRe.FindStringSubmatch(req.Prompt)
	if m == nil {
		return "", "", llm.Errorf(llm.KindValidation, "fake", "no document id in prompt")
	}
	id := m[1]

	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req)
	if err, ok := f.errs[id]; ok {
		return "", "", err
	}
	rs := f.replies[id]
	if len(rs) == 0 {
		return `{"evidence":[]}`, "fake", nil
	}
	out := rs[0]
	if len(rs) > 1 {
		f.replies[id] = rs[1:]
	}
	return out, "fake", nil
}

// mapCache is an in-memory cache.Cache.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func evidenceReply(entries ...string) string {
	out := `{"evidence":[`
	for i, e := range entries {
		if i > 0 {
			out += ","
		}
		out += e
	}
	return out + `]}`
}

func entry(req, assessment string, conf float64, text string, fields string) string {
	if fields == "" {
		fields = "{}"
	}
	return fmt.Sprintf(`{"requirement_id":%q,"page":1,"section":"","text":%q,"assessment":%q,"confidence":%v,"value":"","fields":%s}`,
		req, text, assessment, conf, fields)
}
