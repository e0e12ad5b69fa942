// Package export keeps a JSON projection of the assembled conversations up
// to date. Each call rebuilds only the conversations that changed since the
// previous call and merges them into the document already on disk.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ibeckermayer/replyweave/internal/store"
	"github.com/ibeckermayer/replyweave/internal/thread"
)

// CheckpointSuffix is appended to the output path to form the checkpoint key.
const CheckpointSuffix = "::last_export_epoch"

// DefaultWorkers bounds concurrent conversation rebuilds.
const DefaultWorkers = 4

// Source is the part of the record store the exporter reads from.
type Source interface {
	Checkpoint(ctx context.Context, key string) (string, bool, error)
	SaveCheckpoint(ctx context.Context, key, value string) error
	ChangedSince(ctx context.Context, epoch int64) ([]string, error)
	ConversationIDs(ctx context.Context) ([]string, error)
	TargetConversationIDs(ctx context.Context) ([]string, error)
	ByConversation(ctx context.Context, conversationID string) ([]store.Record, error)
	MaxEpoch(ctx context.Context) (int64, error)
}

// Assembler builds one conversation from its records.
type Assembler interface {
	Assemble(conversationID string, records []store.Record) (*thread.Conversation, error)
}

// ConversationError reports the conversation whose rebuild aborted an export.
type ConversationError struct {
	ConversationID string
	Err            error
}

func (e *ConversationError) Error() string {
	return fmt.Sprintf("export: conversation %s: %v", e.ConversationID, e.Err)
}

func (e *ConversationError) Unwrap() error { return e.Err }

// Result summarizes one export call.
type Result struct {
	OutputPath    string
	FullRebuild   bool
	Changed       int   // conversations rebuilt
	Written       int   // conversations in the written document
	Skipped       int   // changed conversations without a target reply
	PreviousEpoch int64 // watermark read at start
	Checkpoint    int64 // watermark persisted at the end
}

// Exporter runs incremental exports against a Source.
type Exporter struct {
	src       Source
	assembler Assembler
	workers   int
	log       zerolog.Logger
}

// Options configures an Exporter.
type Options struct {
	Workers int
	Logger  zerolog.Logger
}

// New creates an Exporter.
func New(src Source, assembler Assembler, opts Options) *Exporter {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Exporter{
		src:       src,
		assembler: assembler,
		workers:   workers,
		log:       opts.Logger.With().Str("component", "exporter").Logger(),
	}
}

// CheckpointKey returns the checkpoint key used for outputPath.
func CheckpointKey(outputPath string) string {
	return outputPath + CheckpointSuffix
}

// Export rebuilds the changed conversations, merges them into the document
// at outputPath and advances the checkpoint. On any error the previous
// document and checkpoint are left untouched.
func (e *Exporter) Export(ctx context.Context, outputPath string) (Result, error) {
	res := Result{OutputPath: outputPath}
	key := CheckpointKey(outputPath)

	watermark, err := e.watermark(ctx, key)
	if err != nil {
		return res, err
	}
	res.PreviousEpoch = watermark

	// Read before assembling so records stored during the export are picked
	// up by the next one.
	latest, err := e.src.MaxEpoch(ctx)
	if err != nil {
		return res, err
	}

	prior, ok := e.loadPrior(outputPath)
	res.FullRebuild = !ok

	changed, err := e.changedSet(ctx, watermark, prior, !ok)
	if err != nil {
		return res, err
	}
	res.Changed = len(changed)

	rebuilt, err := e.rebuild(ctx, changed)
	if err != nil {
		return res, err
	}

	merged := make(map[string]json.RawMessage, len(prior)+len(rebuilt))
	for id, raw := range prior {
		merged[id] = raw
	}
	for i, id := range changed {
		if rebuilt[i] == nil {
			res.Skipped++
			continue
		}
		merged[id] = rebuilt[i]
	}
	res.Written = len(merged)

	doc, err := encodeDocument(merged)
	if err != nil {
		return res, err
	}
	if err := writeAtomic(outputPath, doc); err != nil {
		return res, err
	}

	if err := e.src.SaveCheckpoint(ctx, key, strconv.FormatInt(latest, 10)); err != nil {
		return res, err
	}
	res.Checkpoint = latest

	e.log.Info().
		Str("output", outputPath).
		Bool("full", res.FullRebuild).
		Int("changed", res.Changed).
		Int("skipped", res.Skipped).
		Int("written", res.Written).
		Int64("checkpoint", latest).
		Msg("export complete")
	return res, nil
}

func (e *Exporter) watermark(ctx context.Context, key string) (int64, error) {
	value, ok, err := e.src.Checkpoint(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	w, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.log.Warn().Str("key", key).Str("value", value).Msg("ignoring unparsable checkpoint")
		return 0, nil
	}
	return w, nil
}

// changedSet returns the sorted ids to rebuild.
func (e *Exporter) changedSet(ctx context.Context, watermark int64, prior map[string]json.RawMessage, full bool) ([]string, error) {
	if full {
		return e.src.ConversationIDs(ctx)
	}

	set := map[string]struct{}{}
	since, err := e.src.ChangedSince(ctx, watermark)
	if err != nil {
		return nil, err
	}
	for _, id := range since {
		set[id] = struct{}{}
	}

	targets, err := e.src.TargetConversationIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range targets {
		if _, exported := prior[id]; !exported {
			set[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// rebuild assembles every id concurrently. A nil entry means the
// conversation was skipped. The first failure cancels the rest.
func (e *Exporter) rebuild(ctx context.Context, ids []string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			raw, err := e.rebuildOne(ctx, id)
			if err != nil {
				return &ConversationError{ConversationID: id, Err: err}
			}
			out[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Exporter) rebuildOne(ctx context.Context, id string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := e.src.ByConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	conv, err := e.assembler.Assemble(id, records)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}
	return marshal(conv)
}

// loadPrior reads the previous document keyed by conversation id. ok is
// false when there is no usable prior document.
func (e *Exporter) loadPrior(path string) (map[string]json.RawMessage, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			e.log.Warn().Err(err).Str("output", path).Msg("cannot read previous export, rebuilding")
		}
		return nil, false
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		e.log.Warn().Err(err).Str("output", path).Msg("previous export is not a JSON array, rebuilding")
		return nil, false
	}

	prior := make(map[string]json.RawMessage, len(entries))
	for _, raw := range entries {
		var head struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.ConversationID == "" {
			e.log.Warn().Str("output", path).Msg("previous export has a malformed entry, rebuilding")
			return nil, false
		}
		prior[head.ConversationID] = raw
	}
	return prior, true
}

func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "marshal conversation")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// encodeDocument writes the entries as an indented array sorted by id. Raw
// entries are re-indented so that the same entry always renders the same
// bytes whether it was just built or read back from disk.
func encodeDocument(entries map[string]json.RawMessage) ([]byte, error) {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := make([]json.RawMessage, len(ids))
	for i, id := range ids {
		list[i] = entries[id]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list); err != nil {
		return nil, errors.Wrap(err, "encode document")
	}
	return buf.Bytes(), nil
}

// writeAtomic replaces path with data through a temp file in the same
// directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}
