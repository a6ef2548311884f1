package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Scripts containing this marker fail with ErrGeometryInvalid, standing
// in for a kernel-side geometry rejection.
const geometryInvalidMarker = "INVALID_GEOMETRY"

var addObjectRe = regexp.MustCompile(`addObject\(\s*["']([^"']+)["']\s*,\s*["']([^"']+)["']\s*\)`)

type fakeIssue struct {
	level ValidationLevel
	issue Issue
}

type fakeDoc struct {
	objects map[string]json.RawMessage
	issues  []fakeIssue
}

// Fake is an in-memory Kernel for tests and development mode. Scripts
// are interpreted just enough to extract addObject calls; documents and
// their validation findings live in process.
type Fake struct {
	mu   sync.Mutex
	docs map[string]*fakeDoc
	open map[string]bool
	fail map[string][]error
	heal map[string]bool
}

var _ Kernel = (*Fake)(nil)

// NewFake returns an empty fake kernel.
func NewFake() *Fake {
	return &Fake{
		docs: make(map[string]*fakeDoc),
		open: make(map[string]bool),
		fail: make(map[string][]error),
		heal: make(map[string]bool),
	}
}

// FailNext arranges for the next call of op to fail with err. op is one
// of create, open, close, execute, validate, recompute, export, import,
// remove, list. Failures queue in order.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], err)
}

// SetIssues registers validation findings for a document, visible to
// Validate calls at the given level or deeper.
func (f *Fake) SetIssues(documentID string, level ValidationLevel, issues ...Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[documentID]
	if doc == nil {
		doc = &fakeDoc{objects: make(map[string]json.RawMessage)}
		f.docs[documentID] = doc
	}
	for _, is := range issues {
		doc.issues = append(doc.issues, fakeIssue{level: level, issue: is})
	}
}

// HealOnRecompute marks the document so the next Recompute clears its
// findings, simulating a repairable corruption.
func (f *Fake) HealOnRecompute(documentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heal[documentID] = true
}

// SeedDocument creates a closed document with the given object names,
// bypassing the script path.
func (f *Fake) SeedDocument(documentID string, objects ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &fakeDoc{objects: make(map[string]json.RawMessage)}
	for _, name := range objects {
		doc.objects[name] = json.RawMessage(`{"type":"Part::Feature"}`)
	}
	f.docs[documentID] = doc
}

// ObjectNames returns the document's object names sorted, or nil when
// the document does not exist. Unlike ListObjects it does not need the
// document open.
func (f *Fake) ObjectNames(documentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[documentID]
	if doc == nil {
		return nil
	}
	return doc.names()
}

func (d *fakeDoc) names() []string {
	names := make([]string, 0, len(d.objects))
	for name := range d.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Fake) takeFailure(op string) error {
	queue := f.fail[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.fail[op] = queue[1:]
	return err
}

func (f *Fake) CreateDocument(ctx context.Context, documentID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("create"); err != nil {
		return Handle{}, err
	}
	if _, ok := f.docs[documentID]; ok {
		return Handle{}, fmt.Errorf("kernel: document %s already exists", documentID)
	}
	f.docs[documentID] = &fakeDoc{objects: make(map[string]json.RawMessage)}
	f.open[documentID] = true
	return Handle{DocumentID: documentID}, nil
}

func (f *Fake) OpenDocument(ctx context.Context, documentID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("open"); err != nil {
		return Handle{}, err
	}
	if _, ok := f.docs[documentID]; !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if f.open[documentID] {
		return Handle{}, fmt.Errorf("%w: %s", ErrDocumentLockTimeout, documentID)
	}
	f.open[documentID] = true
	return Handle{DocumentID: documentID}, nil
}

func (f *Fake) CloseDocument(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("close"); err != nil {
		return err
	}
	if !f.open[h.DocumentID] {
		return fmt.Errorf("kernel: document %s is not open", h.DocumentID)
	}
	delete(f.open, h.DocumentID)
	return nil
}

func (f *Fake) ExecuteScript(ctx context.Context, h Handle, script string) (*ExecuteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("execute"); err != nil {
		return nil, err
	}
	doc, err := f.openDoc(h)
	if err != nil {
		return nil, err
	}
	if strings.Contains(script, geometryInvalidMarker) {
		return nil, fmt.Errorf("%w: self-intersecting shape in %s", ErrGeometryInvalid, h.DocumentID)
	}

	created := make(map[string]json.RawMessage)
	for _, m := range addObjectRe.FindAllStringSubmatch(script, -1) {
		typ, name := m[1], m[2]
		raw, _ := json.Marshal(map[string]string{"type": typ})
		doc.objects[name] = raw
		created[name] = raw
	}
	return &ExecuteResult{
		Objects:  copyObjects(created),
		Duration: time.Since(start),
	}, nil
}

func (f *Fake) Validate(ctx context.Context, h Handle, level ValidationLevel) ([]Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("validate"); err != nil {
		return nil, err
	}
	doc, err := f.openDoc(h)
	if err != nil {
		return nil, err
	}
	var out []Issue
	for _, fi := range doc.issues {
		if fi.level.Rank() <= level.Rank() {
			out = append(out, fi.issue)
		}
	}
	return out, nil
}

func (f *Fake) Recompute(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("recompute"); err != nil {
		return err
	}
	doc, err := f.openDoc(h)
	if err != nil {
		return err
	}
	if f.heal[h.DocumentID] {
		doc.issues = nil
		delete(f.heal, h.DocumentID)
	}
	return nil
}

// fakeDocState is the fake's serialized document form.
type fakeDocState struct {
	Objects map[string]json.RawMessage `json:"objects"`
}

func (f *Fake) ExportDocument(ctx context.Context, h Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("export"); err != nil {
		return nil, err
	}
	doc, err := f.openDoc(h)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fakeDocState{Objects: copyObjects(doc.objects)})
}

func (f *Fake) ImportDocument(ctx context.Context, documentID string, data []byte) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("import"); err != nil {
		return Handle{}, err
	}
	if f.open[documentID] {
		return Handle{}, fmt.Errorf("%w: %s", ErrDocumentLockTimeout, documentID)
	}
	state := fakeDocState{Objects: make(map[string]json.RawMessage)}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &state); err != nil {
			return Handle{}, fmt.Errorf("kernel: import document %s: %w", documentID, err)
		}
		if state.Objects == nil {
			state.Objects = make(map[string]json.RawMessage)
		}
	}
	f.docs[documentID] = &fakeDoc{objects: copyObjects(state.Objects)}
	f.open[documentID] = true
	return Handle{DocumentID: documentID}, nil
}

func (f *Fake) RemoveObject(ctx context.Context, h Handle, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("remove"); err != nil {
		return err
	}
	doc, err := f.openDoc(h)
	if err != nil {
		return err
	}
	if _, ok := doc.objects[name]; !ok {
		return fmt.Errorf("kernel: no object %s in %s", name, h.DocumentID)
	}
	delete(doc.objects, name)
	// Findings pinned to the removed object go with it.
	kept := doc.issues[:0]
	for _, fi := range doc.issues {
		if fi.issue.Object != name {
			kept = append(kept, fi)
		}
	}
	doc.issues = kept
	return nil
}

func (f *Fake) ListObjects(ctx context.Context, h Handle) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("list"); err != nil {
		return nil, err
	}
	doc, err := f.openDoc(h)
	if err != nil {
		return nil, err
	}
	return doc.names(), nil
}

// openDoc resolves a handle to its open document. Callers hold f.mu.
func (f *Fake) openDoc(h Handle) (*fakeDoc, error) {
	doc, ok := f.docs[h.DocumentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, h.DocumentID)
	}
	if !f.open[h.DocumentID] {
		return nil, fmt.Errorf("kernel: document %s is not open", h.DocumentID)
	}
	return doc, nil
}

func copyObjects(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		c := make(json.RawMessage, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}
