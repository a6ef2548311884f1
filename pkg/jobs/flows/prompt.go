package flows

import (
	"context"
	"strings"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/collab/ai"
	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/forgevault/forgevault/pkg/resilience"
)

// promptSystem frames the provider call. The reply contract matches
// ai.ParseResponse; the modeling constraints keep the script inside
// the guard's import whitelist.
const promptSystem = `You are a CAD modeling assistant generating FreeCAD Python scripts.
Reply with a single JSON object: {"language": "python", "units": "mm",
"parameters": {...}, "script": "...", "warnings": [...],
"needs_clarification": false}.
The script may import only FreeCAD, Part, PartDesign, Sketcher, Draft,
Mesh, MeshPart, Spreadsheet, and math. It must build the model in the
active document using document.addObject and recompute at the end.
Set needs_clarification to true instead of guessing when the request
is ambiguous.`

// PromptInput is the payload of a prompt job.
type PromptInput struct {
	// Prompt is the user's modeling request.
	Prompt string `json:"prompt"`

	// Context optionally describes existing document state the script
	// should build on.
	Context string `json:"context,omitempty"`

	// SystemPrompt overrides the default task framing. Operators use it
	// for provider experiments; normal submissions leave it empty.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// PromptResult is the terminal record of a prompt job.
type PromptResult struct {
	DocumentID string `json:"document_id,omitempty"`

	// NeedsClarification is set when the provider declined to guess.
	// The job completes without touching a document; Warnings carries
	// the provider's questions.
	NeedsClarification bool `json:"needs_clarification,omitempty"`

	Units      string            `json:"units,omitempty"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Objects    []string          `json:"objects,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
}

// Prompt turns a natural-language request into a modeled document: the
// AI collaborator proposes a script, the guard screens it, the kernel
// runs it under the document lock, and the result is exported, stored,
// and snapshotted.
type Prompt struct {
	base
}

// NewPrompt wires the prompt flow.
func NewPrompt(d Deps) (*Prompt, error) {
	b, err := newBase(d)
	if err != nil {
		return nil, err
	}
	if d.AI == nil {
		return nil, errMissing("prompt", "ai provider")
	}
	return &Prompt{base: b}, nil
}

func (p *Prompt) Name() string { return jobs.FlowPrompt }

func (p *Prompt) Execute(ctx context.Context, run *jobs.Run) (out any, err error) {
	var in PromptInput
	if err := run.Payload(&in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "prompt must not be empty"}
	}
	if err := run.Checkpoint.Tick(ctx, 5, "validate"); err != nil {
		return nil, err
	}

	job := run.Job
	docID := targetDocument(job)
	if err := p.logStart(ctx, job, docID, in); err != nil {
		return nil, err
	}
	defer func() { p.logEnd(ctx, job, docID, out, err) }()

	system := in.SystemPrompt
	if system == "" {
		system = promptSystem
	}
	resp, err := p.deps.AI.GenerateScript(ctx, ai.Request{
		SystemPrompt: system,
		UserPrompt:   in.Prompt,
		Context:      in.Context,
		UserID:       job.UserID,
	})
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 25, "generate"); err != nil {
		return nil, err
	}

	if resp.Clarification {
		logger.InfoCtx(ctx, "Provider requested clarification",
			logger.JobID(job.ID),
			"questions", len(resp.Warnings))
		return &PromptResult{NeedsClarification: true, Warnings: resp.Warnings}, nil
	}

	if p.deps.SkipGuard {
		logger.WarnCtx(ctx, "Script validation skipped", logger.JobID(job.ID))
	} else if err := p.deps.Guard.Validate(ctx, resp.Script); err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 35, "guard"); err != nil {
		return nil, err
	}

	result := &PromptResult{
		DocumentID: docID,
		Units:      resp.Units,
		Parameters: resp.Parameters,
		Warnings:   resp.Warnings,
		Artifacts:  make(map[string]string),
	}

	var exported []byte
	err = p.withDocument(ctx, docID, func(ctx context.Context) error {
		h, err := p.openOrCreate(ctx, docID)
		if err != nil {
			return err
		}
		defer p.closeQuietly(ctx, h)

		res, err := p.runScript(ctx, h, resp.Script)
		if err != nil {
			return err
		}
		result.Objects = objectNames(res)
		if err := run.Checkpoint.Tick(ctx, 60, "build"); err != nil {
			return err
		}
		if err := p.logMutation(ctx, job, docID, resp.Script, result.Objects); err != nil {
			return err
		}
		exported, err = p.deps.Kernel.ExportDocument(ctx, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 85, "export"); err != nil {
		return nil, err
	}

	key, err := p.uploadArtifact(ctx, job, "fcstd", exported)
	if err != nil {
		return nil, err
	}
	result.Artifacts["fcstd"] = key
	if err := run.Checkpoint.Tick(ctx, 95, "upload"); err != nil {
		return nil, err
	}

	snap, err := p.backupDocument(ctx, job, docID, exported)
	if err != nil {
		return nil, err
	}
	result.SnapshotID = snap.ID
	return result, nil
}
