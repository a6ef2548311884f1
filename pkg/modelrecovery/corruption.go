package modelrecovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/repo"
)

// Classification buckets a corruption for strategy selection.
type Classification string

const (
	CorruptionGeometryInvalid    Classification = "geometry-invalid"
	CorruptionConstraintConflict Classification = "constraint-conflict"
	CorruptionReferenceMissing   Classification = "reference-missing"
	CorruptionFileTruncated      Classification = "file-truncated"
	CorruptionFeatureTree        Classification = "feature-tree-broken"
)

// Corruption is the outcome of one detection run. A clean document
// yields an empty Classification.
type Corruption struct {
	DocumentID     string         `json:"document_id"`
	Classification Classification `json:"classification,omitempty"`

	// Severity per repo severity levels, critical when the file itself
	// is damaged.
	Severity string `json:"severity,omitempty"`

	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	// AffectedFeatures are the object names the findings implicate.
	AffectedFeatures []string `json:"affected_features,omitempty"`

	Level      kernel.ValidationLevel `json:"level"`
	DetectedAt time.Time              `json:"detected_at"`
}

// Corrupted reports whether detection found anything to repair.
func (c *Corruption) Corrupted() bool {
	return c != nil && c.Classification != ""
}

// Detect validates the document at the configured level and classifies
// the findings. A document that cannot even be opened classifies as
// file-truncated; lock timeouts and missing documents return the error
// instead, they are the caller's to handle.
func (s *Service) Detect(ctx context.Context, documentID string) (*Corruption, error) {
	c := &Corruption{
		DocumentID: documentID,
		Level:      s.cfg.DetectionLevel,
		DetectedAt: time.Now().UTC(),
	}

	h, err := s.kernel.OpenDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, kernel.ErrDocumentLockTimeout) || errors.Is(err, kernel.ErrDocumentNotFound) {
			return nil, err
		}
		c.Errors = []string{err.Error()}
		c.Classification = CorruptionFileTruncated
		c.Severity = repo.SeverityCritical
		return c, nil
	}
	defer func() {
		if cerr := s.kernel.CloseDocument(ctx, h); cerr != nil {
			logger.WarnCtx(ctx, "Closing document after detection failed",
				"document_id", documentID, "error", cerr)
		}
	}()

	issues, err := s.kernel.Validate(ctx, h, s.cfg.DetectionLevel)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", documentID, err)
	}
	for _, is := range issues {
		if is.Severity == "error" {
			c.Errors = append(c.Errors, is.Message)
		} else {
			c.Warnings = append(c.Warnings, is.Message)
		}
		if name := featureOf(is); name != "" {
			c.AffectedFeatures = append(c.AffectedFeatures, name)
		}
	}
	c.AffectedFeatures = dedupeSorted(c.AffectedFeatures)
	if len(c.Errors) == 0 {
		return c, nil
	}

	c.Classification = classify(c.Errors)
	c.Severity = severityOf(c.Classification, len(c.Errors))
	logger.InfoCtx(ctx, "Document corruption detected",
		"document_id", documentID,
		"classification", c.Classification,
		"severity", c.Severity,
		"errors", len(c.Errors),
		"affected_features", len(c.AffectedFeatures))
	return c, nil
}

// classify picks the corruption class from the error text, first rule
// to match wins.
func classify(errs []string) Classification {
	text := strings.ToLower(strings.Join(errs, "\n"))
	switch {
	case strings.Contains(text, "geometry") || strings.Contains(text, "shape"):
		return CorruptionGeometryInvalid
	case strings.Contains(text, "constraint") || strings.Contains(text, "conflict"):
		return CorruptionConstraintConflict
	case strings.Contains(text, "reference") || strings.Contains(text, "missing"):
		return CorruptionReferenceMissing
	case strings.Contains(text, "file") || strings.Contains(text, "truncated"):
		return CorruptionFileTruncated
	default:
		return CorruptionFeatureTree
	}
}

func severityOf(class Classification, errorCount int) string {
	switch {
	case class == CorruptionFileTruncated:
		return repo.SeverityCritical
	case errorCount > 10:
		return repo.SeverityHigh
	case errorCount > 5:
		return repo.SeverityMedium
	default:
		return repo.SeverityLow
	}
}

var quotedNameRe = regexp.MustCompile(`'([A-Za-z][A-Za-z0-9_]*)'`)

// featureOf names the feature a finding implicates: the issue's object
// when the kernel attributed it, else the first quoted name in the
// message.
func featureOf(is kernel.Issue) string {
	if is.Object != "" {
		return is.Object
	}
	if m := quotedNameRe.FindStringSubmatch(is.Message); m != nil {
		return m[1]
	}
	return ""
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
