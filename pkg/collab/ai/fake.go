package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Fake is an in-memory Provider for tests and offline development. It
// replays queued raw replies when present and otherwise synthesizes a
// deterministic parametric-box script from the prompt.
type Fake struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   []Request
}

// NewFake returns an empty fake provider.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) Name() string { return "fake" }

// QueueReply arranges for the next call to parse raw as the API reply.
func (f *Fake) QueueReply(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, raw)
}

// QueueError arranges for the next call to fail with err before any
// reply is consumed.
func (f *Fake) QueueError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

// Calls returns the requests seen so far.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) GenerateScript(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	var raw string
	if len(f.replies) > 0 {
		raw = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	if raw == "" {
		raw = synthesize(req)
	}
	return ParseResponse(raw)
}

// synthesize builds a reply the parser and the script checks both
// accept, keyed on the prompt so repeated prompts stay stable.
func synthesize(req Request) string {
	name := "Box"
	if req.UserPrompt != "" {
		name = fmt.Sprintf("Box_%d", len(req.UserPrompt))
	}
	script := strings.Join([]string{
		"import FreeCAD",
		"import Part",
		"",
		"doc = FreeCAD.ActiveDocument",
		fmt.Sprintf("box = doc.addObject(\"Part::Box\", \"%s\")", name),
		"box.Length = 10.0",
		"box.Width = 10.0",
		"box.Height = 10.0",
		"doc.recompute()",
	}, "\n")

	reply := map[string]any{
		"language": "python",
		"units":    "mm",
		"parameters": map[string]any{
			"length": 10.0,
			"width":  10.0,
			"height": 10.0,
		},
		"script":   script,
		"warnings": []string{},
	}
	data, _ := json.Marshal(reply)
	return string(data)
}
