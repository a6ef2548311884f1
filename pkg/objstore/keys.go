package objstore

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Object key layout. Every producer builds keys through these helpers so
// the prefixes stay queryable: lifecycle rules, retention sweeps, and the
// disaster orchestrator all select objects by prefix.
//
//	artefacts/{job-id}/{uuid}.{ext}
//	logs/{YYYY-MM-DD}/{uuid}.log
//	reports/{YYYY-MM-DD}/{uuid}.pdf
//	invoices/{YYYY}/{invoice-number}.pdf
//	snapshots/{source-id}/backup_{source-id}_{uuid-hex}
//	chunks/{sha256-hex}
//	wal/wal_{uuid-hex}.log
//	checkpoints/ckpt_{uuid-hex}.json
//	transient/{anything}   expires automatically after 90 days

// Key prefixes for the layout above.
const (
	PrefixArtefacts   = "artefacts/"
	PrefixLogs        = "logs/"
	PrefixReports     = "reports/"
	PrefixInvoices    = "invoices/"
	PrefixSnapshots   = "snapshots/"
	PrefixChunks      = "chunks/"
	PrefixWAL         = "wal/"
	PrefixCheckpoints = "checkpoints/"
	PrefixTransient   = "transient/"
)

// ArtefactKey builds a key for a job output artefact. The extension may be
// given with or without the leading dot.
func ArtefactKey(jobID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s%s/%s.%s", PrefixArtefacts, jobID, uuid.NewString(), ext)
}

// LogKey builds a key for an execution log, partitioned by day.
func LogKey(at time.Time) string {
	return fmt.Sprintf("%s%s/%s.log", PrefixLogs, at.UTC().Format("2006-01-02"), uuid.NewString())
}

// ReportKey builds a key for a generated PDF report, partitioned by day.
func ReportKey(at time.Time) string {
	return fmt.Sprintf("%s%s/%s.pdf", PrefixReports, at.UTC().Format("2006-01-02"), uuid.NewString())
}

// InvoiceKey builds a key for an invoice PDF, partitioned by year.
// Invoice numbers are caller-assigned and stable, so the key is
// deterministic.
func InvoiceKey(year int, invoiceNumber string) string {
	return fmt.Sprintf("%s%04d/%s.pdf", PrefixInvoices, year, invoiceNumber)
}

// SnapshotKey builds a key for a snapshot payload belonging to a source.
func SnapshotKey(sourceID string) string {
	return fmt.Sprintf("%s%s/backup_%s_%s", PrefixSnapshots, sourceID, sourceID, uuidHex())
}

// SnapshotKeyFor builds the key for a snapshot payload from the snapshot's
// UUID. Embedding the UUID hex makes the key recoverable from the snapshot
// identifier alone, so storage-side lookups work without the metadata
// database.
func SnapshotKeyFor(sourceID, snapshotID string) string {
	hex := strings.ReplaceAll(snapshotID, "-", "")
	return fmt.Sprintf("%s%s/backup_%s_%s", PrefixSnapshots, sourceID, sourceID, hex)
}

// SnapshotPrefix returns the key prefix holding all snapshot payloads of
// one source.
func SnapshotPrefix(sourceID string) string {
	return PrefixSnapshots + sourceID + "/"
}

// ChunkKey builds a key for a deduplicated chunk addressed by its
// hex-encoded SHA-256.
func ChunkKey(chunkID string) string {
	return PrefixChunks + chunkID
}

// WALKey builds a key for an archived WAL segment.
func WALKey() string {
	return fmt.Sprintf("%swal_%s.log", PrefixWAL, uuidHex())
}

// CheckpointKey builds a key for a checkpoint document.
func CheckpointKey() string {
	return fmt.Sprintf("%sckpt_%s.json", PrefixCheckpoints, uuidHex())
}

// CheckpointKeyFor builds the key for a checkpoint from its UUID, so the
// archived copy is addressable by checkpoint identifier.
func CheckpointKeyFor(checkpointID string) string {
	return fmt.Sprintf("%sckpt_%s.json", PrefixCheckpoints, strings.ReplaceAll(checkpointID, "-", ""))
}

// TransientKey places a key under the transient/ prefix so the bucket
// lifecycle expires it automatically.
func TransientKey(key string) string {
	return PrefixTransient + strings.TrimPrefix(key, PrefixTransient)
}

func uuidHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ============================================================================
// Content type and disposition
// ============================================================================

// contentTypes maps known extensions to the content type attached on
// upload. CAD interchange formats get their model/* types so downstream
// viewers negotiate correctly; everything unknown falls back to
// application/octet-stream.
var contentTypes = map[string]string{
	".fcstd": "application/zip",
	".step":  "model/step",
	".stp":   "model/step",
	".stl":   "model/stl",
	".glb":   "model/gltf-binary",
	".nc":    "text/plain; charset=utf-8",
	".tap":   "text/plain; charset=utf-8",
	".gcode": "text/plain; charset=utf-8",
	".json":  "application/json",
	".pdf":   "application/pdf",
	".txt":   "text/plain; charset=utf-8",
	".log":   "text/plain; charset=utf-8",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".mp4":   "video/mp4",
}

// inlineExts render in the browser; attachmentExts (CAD and G-code
// formats) always download.
var inlineExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".mp4":  true,
	".pdf":  true,
	".txt":  true,
	".json": true,
}

var attachmentExts = map[string]bool{
	".fcstd": true,
	".step":  true,
	".stp":   true,
	".stl":   true,
	".glb":   true,
	".nc":    true,
	".tap":   true,
	".gcode": true,
}

// ContentTypeFor returns the content type for a key based on its
// extension. Unknown extensions map to application/octet-stream.
func ContentTypeFor(key string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// DispositionFor returns the Content-Disposition for a key, or the empty
// string when no disposition should be set.
func DispositionFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	switch {
	case inlineExts[ext]:
		return "inline"
	case attachmentExts[ext]:
		return fmt.Sprintf("attachment; filename=%q", path.Base(key))
	}
	return ""
}
