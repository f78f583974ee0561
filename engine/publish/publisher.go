// Package publish implements the site publisher: stage every markdown blob
// into the site source tree, run the static site build in a subprocess,
// validate its output, snapshot the live site, and deploy atomically enough
// that a failed upload rolls back to the snapshot.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/pkg/blob"
	"github.com/emberpress/emberpress/pkg/lease"
)

// ServiceName identifies the publisher in envelopes and logs.
const ServiceName = "publisher"

// singletonKey is the lease key serializing builds across replicas.
const singletonKey = "publisher"

// Staging and output bounds. A compromised upstream stage must not be able
// to fill the disk or smuggle paths out of the staging tree.
const (
	maxMarkdownFiles = 10000
	maxFileBytes     = 10 << 20
	maxSiteFiles     = 50000
	maxSiteBytes     = 1 << 30
)

// Deps are the publisher's external collaborators.
type Deps struct {
	Markdown blob.Store
	Web      blob.Store
	Backups  blob.Store
	Leases   *lease.Manager
	Logger   *slog.Logger

	// SiteDir is the static site source checkout; markdown is staged into
	// its content/articles subtree before each build.
	SiteDir string
	// BuildCmd is the site generator invocation. The output directory is
	// appended as the final argument.
	BuildCmd []string
	// BuildTimeout bounds one build subprocess.
	BuildTimeout time.Duration
}

// Stats summarizes one publish run.
type Stats struct {
	Articles  int           `json:"articles"`
	SiteFiles int           `json:"site_files"`
	SiteBytes int64         `json:"site_bytes"`
	BuildTime time.Duration `json:"build_time"`
	Skipped   string        `json:"skipped,omitempty"`
}

// typedPutter is implemented by stores that can record a content type.
type typedPutter interface {
	PutTyped(ctx context.Context, name, contentType string, data []byte) error
}

// Publisher rebuilds and deploys the site.
type Publisher struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New creates a Publisher.
func New(deps Deps) *Publisher {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if len(deps.BuildCmd) == 0 {
		deps.BuildCmd = []string{"hugo", "--minify", "--destination"}
	}
	if deps.BuildTimeout <= 0 {
		deps.BuildTimeout = 5 * time.Minute
	}
	return &Publisher{deps: deps, log: log, now: time.Now}
}

// Publish runs one full build-and-deploy cycle. The trigger payload is
// content-agnostic; the current markdown state is always enumerated fresh,
// so any number of coalesced requests collapse into one build.
func (p *Publisher) Publish(ctx context.Context, payload domain.PublishPayload) (Stats, error) {
	l, err := p.deps.Leases.Acquire(ctx, singletonKey)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			// Another replica is mid-build; its run will pick up our
			// markdown state too.
			p.log.Info("publish already in progress, skipping", "trigger", payload.Trigger)
			return Stats{Skipped: "build in progress"}, nil
		}
		return Stats{}, domain.E(domain.KindTransient, "publish", err)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = l.Release(relCtx)
	}()

	keepCtx, cancelKeep := context.WithCancel(ctx)
	defer cancelKeep()
	go func() { _ = l.KeepAlive(keepCtx) }()

	var stats Stats
	stats.Articles, err = p.stage(ctx)
	if err != nil {
		return stats, err
	}

	outDir, err := os.MkdirTemp("", "site-build-*")
	if err != nil {
		return stats, domain.E(domain.KindTransient, "publish", err)
	}
	defer os.RemoveAll(outDir)

	buildStart := p.now()
	if err := p.build(ctx, outDir); err != nil {
		return stats, err
	}
	stats.BuildTime = p.now().Sub(buildStart)

	stats.SiteFiles, stats.SiteBytes, err = validateOutput(outDir)
	if err != nil {
		return stats, err
	}

	snapshot, err := p.snapshot(ctx)
	if err != nil {
		return stats, err
	}

	uploaded, err := p.deploy(ctx, outDir)
	if err != nil {
		p.rollback(snapshot, uploaded)
		return stats, err
	}

	p.log.Info("site published",
		"trigger", payload.Trigger,
		"articles", stats.Articles,
		"site_files", stats.SiteFiles,
		"site_bytes", stats.SiteBytes,
		"build_ms", stats.BuildTime.Milliseconds(),
	)
	return stats, nil
}

// stage mirrors the markdown bucket into SiteDir/content/articles, replacing
// whatever the previous run left there. Every blob name passes the allow-list
// before it becomes a path.
func (p *Publisher) stage(ctx context.Context) (int, error) {
	infos, err := p.deps.Markdown.List(ctx, "")
	if err != nil {
		return 0, domain.E(domain.KindTransient, "stage", err)
	}
	if len(infos) > maxMarkdownFiles {
		return 0, domain.Ef(domain.KindFatal, "stage", "%d markdown blobs exceeds cap %d", len(infos), maxMarkdownFiles)
	}

	contentDir := filepath.Join(p.deps.SiteDir, "content", "articles")
	if err := os.RemoveAll(contentDir); err != nil {
		return 0, domain.E(domain.KindTransient, "stage", err)
	}
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return 0, domain.E(domain.KindTransient, "stage", err)
	}

	staged := 0
	for _, info := range infos {
		if !strings.HasSuffix(info.Name, ".md") {
			continue
		}
		if err := domain.ValidateBlobName(info.Name); err != nil {
			// A name the allow-list refuses means the bucket holds something
			// no pipeline stage wrote. Nothing deploys until it is removed.
			return staged, domain.Ef(domain.KindValidation, "stage", "unsafe blob name %q: %v", info.Name, err)
		}
		if info.Size > maxFileBytes {
			return staged, domain.Ef(domain.KindValidation, "stage", "blob %q is %d bytes, cap %d", info.Name, info.Size, maxFileBytes)
		}
		data, err := p.deps.Markdown.Get(ctx, info.Name)
		if err != nil {
			return staged, domain.E(domain.KindTransient, "stage", err)
		}
		dest := filepath.Join(contentDir, filepath.FromSlash(info.Name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return staged, domain.E(domain.KindTransient, "stage", err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return staged, domain.E(domain.KindTransient, "stage", err)
		}
		staged++
	}
	return staged, nil
}

// build runs the site generator with outDir as its destination, capturing
// combined output for the failure log.
func (p *Publisher) build(ctx context.Context, outDir string) error {
	buildCtx, cancel := context.WithTimeout(ctx, p.deps.BuildTimeout)
	defer cancel()

	args := append(append([]string{}, p.deps.BuildCmd[1:]...), outDir)
	cmd := exec.CommandContext(buildCtx, p.deps.BuildCmd[0], args...)
	cmd.Dir = p.deps.SiteDir
	out, err := cmd.CombinedOutput()
	if buildCtx.Err() == context.DeadlineExceeded {
		return domain.Ef(domain.KindTransient, "build", "timed out after %s", p.deps.BuildTimeout)
	}
	if err != nil {
		return domain.Ef(domain.KindTransient, "build", "%v: %s", err, tail(string(out), 2000))
	}
	return nil
}

// validateOutput sanity-checks the built tree before anything ships: an
// index page must exist, symlinks are refused, and the whole tree stays
// under the size and file-count caps.
func validateOutput(dir string) (files int, bytes int64, err error) {
	if _, statErr := os.Stat(filepath.Join(dir, "index.html")); statErr != nil {
		return 0, 0, domain.Ef(domain.KindValidation, "build output", "no index.html in %s", dir)
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return domain.Ef(domain.KindValidation, "build output", "symlink %s", path)
		}
		if d.IsDir() {
			return nil
		}
		fi, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		files++
		bytes += fi.Size()
		if files > maxSiteFiles {
			return domain.Ef(domain.KindValidation, "build output", "more than %d files", maxSiteFiles)
		}
		if bytes > maxSiteBytes {
			return domain.Ef(domain.KindValidation, "build output", "site exceeds %d bytes", int64(maxSiteBytes))
		}
		return nil
	})
	return files, bytes, err
}

// snapshot copies the live site into the backup bucket under a timestamped
// prefix and returns the name mapping used for rollback.
func (p *Publisher) snapshot(ctx context.Context) (map[string][]byte, error) {
	infos, err := p.deps.Web.List(ctx, "")
	if err != nil {
		return nil, domain.E(domain.KindTransient, "snapshot", err)
	}
	prefix := p.now().UTC().Format("2006-01-02T15-04-05Z") + "/"
	saved := make(map[string][]byte, len(infos))
	for _, info := range infos {
		data, err := p.deps.Web.Get(ctx, info.Name)
		if err != nil {
			return nil, domain.E(domain.KindTransient, "snapshot", err)
		}
		if err := p.deps.Backups.Put(ctx, prefix+info.Name, data); err != nil {
			return nil, domain.E(domain.KindTransient, "snapshot", err)
		}
		saved[info.Name] = data
	}
	return saved, nil
}

// deploy uploads the built tree into the web bucket, then removes stale
// entries the new build no longer produces. The uploaded set is returned
// even on failure; rollback needs it to undo a partial run.
func (p *Publisher) deploy(ctx context.Context, outDir string) (map[string]bool, error) {
	uploaded := make(map[string]bool)
	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(outDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := putTyped(ctx, p.deps.Web, name, data); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		uploaded[name] = true
		return nil
	})
	if err != nil {
		return uploaded, domain.E(domain.KindTransient, "deploy", err)
	}

	stale, err := p.deps.Web.List(ctx, "")
	if err != nil {
		return uploaded, domain.E(domain.KindTransient, "deploy", err)
	}
	for _, info := range stale {
		if uploaded[info.Name] {
			continue
		}
		if err := p.deps.Web.Delete(ctx, info.Name); err != nil {
			p.log.Warn("stale delete failed", "name", info.Name, "error", err)
		}
	}
	return uploaded, nil
}

// rollback returns the web bucket to the pre-run state on a best-effort
// basis: files this run introduced are removed, everything it overwrote is
// restored from the snapshot.
func (p *Publisher) rollback(snapshot map[string][]byte, uploaded map[string]bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	p.log.Error("deploy failed, rolling back", "restored", len(snapshot), "uploaded", len(uploaded))
	for name := range uploaded {
		if _, existed := snapshot[name]; existed {
			continue
		}
		if err := p.deps.Web.Delete(ctx, name); err != nil {
			p.log.Error("rollback delete failed", "name", name, "error", err)
		}
	}
	for name, data := range snapshot {
		if err := putTyped(ctx, p.deps.Web, name, data); err != nil {
			p.log.Error("rollback write failed", "name", name, "error", err)
		}
	}
}

// putTyped uploads with a content type when the store supports it.
func putTyped(ctx context.Context, store blob.Store, name string, data []byte) error {
	if tp, ok := store.(typedPutter); ok {
		ct := mime.TypeByExtension(filepath.Ext(name))
		if ct == "" {
			ct = "application/octet-stream"
		}
		return tp.PutTyped(ctx, name, ct, data)
	}
	return store.Put(ctx, name, data)
}

// tail returns the last n bytes of s for error messages.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
