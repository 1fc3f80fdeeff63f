package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/pipeline-harness/internal/model"
)

// manifest is the YAML document at the root of a test bucket.
type manifest struct {
	EvidenceDir  string                 `yaml:"evidence-dir"`
	GluePackages []string               `yaml:"glue-packages"`
	Topics       []model.TopicDirective `yaml:"topics"`
}

// WorkerConfig wires one storage worker to its test. The On* callbacks are
// the worker's message sends back to the owning FSM.
type WorkerConfig struct {
	TestID        model.TestID
	Store         ObjectStore
	FS            afero.Fs
	ManifestKey   string // default "manifest.yaml"
	FeaturePrefix string // default "features/"
	StagingRoot   string // default "/staging"
	Logger        *zap.Logger

	OnFetched        func(model.BlockStorageDirective)
	OnUploadComplete func()
	OnReady          func()
	OnError          func(error)
}

// Worker fetches a bucket's manifest and assets into the in-memory
// filesystem and uploads evidence on completion. All bucket I/O runs on a
// goroutine; results come back through the callbacks.
type Worker struct {
	cfg WorkerConfig
	log *zap.Logger

	initialized atomic.Bool
	uploaded    atomic.Bool
	stopped     atomic.Bool
	directive   atomic.Pointer[model.BlockStorageDirective]
}

// NewWorker builds a storage worker. Zero config fields get defaults.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.ManifestKey == "" {
		cfg.ManifestKey = "manifest.yaml"
	}
	if cfg.FeaturePrefix == "" {
		cfg.FeaturePrefix = "features/"
	}
	if cfg.StagingRoot == "" {
		cfg.StagingRoot = "/staging"
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{cfg: cfg, log: log.Named("storage")}
}

// Initialize fetches the manifest and stages assets. Sending it twice is
// idempotent; the second call is a no-op.
func (w *Worker) Initialize(ctx context.Context, bucket string) {
	if !w.initialized.CompareAndSwap(false, true) {
		w.log.Debug("duplicate initialize ignored", zap.String("bucket", bucket))
		return
	}
	go func() {
		directive, err := w.fetch(ctx, bucket)
		if w.stopped.Load() {
			return
		}
		if err != nil {
			w.cfg.OnError(fmt.Errorf("storage fetch: %w", err))
			return
		}
		w.directive.Store(&directive)
		w.cfg.OnFetched(directive)
		w.cfg.OnReady()
	}()
}

func (w *Worker) fetch(ctx context.Context, bucket string) (model.BlockStorageDirective, error) {
	raw, err := w.cfg.Store.Get(ctx, bucket, w.cfg.ManifestKey)
	if err != nil {
		return model.BlockStorageDirective{}, fmt.Errorf("manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return model.BlockStorageDirective{}, fmt.Errorf("parse manifest: %w", err)
	}
	evidenceDir := m.EvidenceDir
	if evidenceDir == "" {
		evidenceDir = "evidence"
	}
	staging := path.Join(w.cfg.StagingRoot, w.cfg.TestID.String())
	directive := model.BlockStorageDirective{
		Bucket:       bucket,
		StagingPath:  staging,
		EvidenceDir:  evidenceDir,
		GluePackages: m.GluePackages,
		Topics:       m.Topics,
	}
	if err := directive.Validate(); err != nil {
		return model.BlockStorageDirective{}, err
	}

	if err := w.cfg.FS.MkdirAll(staging, 0o755); err != nil {
		return model.BlockStorageDirective{}, fmt.Errorf("staging dir: %w", err)
	}
	keys, err := w.cfg.Store.List(ctx, bucket, w.cfg.FeaturePrefix)
	if err != nil {
		return model.BlockStorageDirective{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		key := key
		g.Go(func() error {
			body, err := w.cfg.Store.Get(gctx, bucket, key)
			if err != nil {
				return err
			}
			local := path.Join(staging, key)
			if err := w.cfg.FS.MkdirAll(path.Dir(local), 0o755); err != nil {
				return fmt.Errorf("stage dir for %s: %w", key, err)
			}
			return afero.WriteFile(w.cfg.FS, local, body, 0o644)
		})
	}
	if err := g.Wait(); err != nil {
		return model.BlockStorageDirective{}, fmt.Errorf("stage assets: %w", err)
	}

	w.log.Info("bucket staged",
		zap.String("bucket", bucket),
		zap.String("staging", staging),
		zap.Int("assets", len(keys)),
		zap.Int("topics", len(directive.Topics)))
	return directive, nil
}

// StageEvidence writes one of the run's own artifacts into the staging
// directory so the next UploadEvidence pass ships it with the downloaded
// inputs. Nothing staged yet means nowhere to put it; the file is dropped
// with a log line.
func (w *Worker) StageEvidence(name string, data []byte) {
	d := w.directive.Load()
	if d == nil {
		w.log.Warn("evidence dropped, bucket never staged", zap.String("name", name))
		return
	}
	local := path.Join(d.StagingPath, name)
	if err := w.cfg.FS.MkdirAll(path.Dir(local), 0o755); err != nil {
		w.log.Warn("stage evidence", zap.String("name", name), zap.Error(err))
		return
	}
	if err := afero.WriteFile(w.cfg.FS, local, data, 0o644); err != nil {
		w.log.Warn("stage evidence", zap.String("name", name), zap.Error(err))
	}
}

// UploadEvidence walks localDir in the staging filesystem and uploads every
// file under {bucket}/{evidence-dir}/{testId}/. It is idempotent per test.
func (w *Worker) UploadEvidence(ctx context.Context, localDir string) {
	if !w.uploaded.CompareAndSwap(false, true) {
		return
	}
	go func() {
		d := w.directive.Load()
		if d == nil {
			// Nothing fetched, nothing to upload. Still acknowledge so the
			// FSM's completion tail is not stuck.
			w.cfg.OnUploadComplete()
			return
		}
		if err := w.upload(ctx, *d, localDir); err != nil {
			w.log.Warn("evidence upload failed", zap.Error(err))
		}
		if !w.stopped.Load() {
			w.cfg.OnUploadComplete()
		}
	}()
}

func (w *Worker) upload(ctx context.Context, d model.BlockStorageDirective, localDir string) error {
	prefix := path.Join(d.EvidenceDir, w.cfg.TestID.String())
	uploaded := 0
	files, err := listFiles(w.cfg.FS, localDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		body, err := afero.ReadFile(w.cfg.FS, f)
		if err != nil {
			return fmt.Errorf("read evidence %s: %w", f, err)
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(f, localDir), "/")
		key := path.Join(prefix, rel)
		if err := w.cfg.Store.Put(ctx, d.Bucket, key, body, contentTypeFor(f)); err != nil {
			return err
		}
		uploaded++
	}
	w.log.Info("evidence uploaded", zap.String("bucket", d.Bucket), zap.String("prefix", prefix), zap.Int("files", uploaded))
	return nil
}

// Stop makes the worker drop any in-flight callbacks.
func (w *Worker) Stop() { w.stopped.Store(true) }

func listFiles(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		full := path.Join(dir, e.Name())
		if e.IsDir() {
			sub, err := listFiles(fs, full)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		out = append(out, full)
	}
	return out, nil
}

func contentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".log"), strings.HasSuffix(name, ".txt"), strings.HasSuffix(name, ".feature"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
