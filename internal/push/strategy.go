package push

import (
	"context"
	"fmt"
	"sort"

	"github.com/nucleus/segpush/internal/jobspec"
	"github.com/nucleus/segpush/internal/lineage"
	"github.com/nucleus/segpush/internal/retry"
	"github.com/nucleus/segpush/internal/segment"
	"github.com/nucleus/segpush/internal/upload"
)

// Strategy is one push mode. Discover and Route run once on the driver;
// Upload runs per segment on whichever process owns the segment's unit.
type Strategy interface {
	Mode() jobspec.Mode
	// Discover lists the segment archives under the output dir.
	Discover(ctx context.Context, env *Env) ([]segment.Artifact, error)
	// Route fills in the URI each segment is published under.
	Route(env *Env, artifacts []segment.Artifact) ([]segment.Artifact, error)
	// SegmentsTo names the segments a guarded push replaces the live set with.
	SegmentsTo(artifacts []segment.Artifact) []string
	Upload(ctx context.Context, env *Env, art segment.Artifact) error
}

// StrategyFor returns the strategy for mode.
func StrategyFor(mode jobspec.Mode) (Strategy, error) {
	switch mode {
	case jobspec.ModeTar:
		return tarStrategy{}, nil
	case jobspec.ModeURI:
		return uriStrategy{}, nil
	case jobspec.ModeMetadata:
		return metadataStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown push mode %q", mode)
}

// discoverArchives lists the output dir once; a listing failure is not retried.
func discoverArchives(ctx context.Context, env *Env) ([]segment.Artifact, error) {
	dir := env.Spec.OutputDirURI
	files, err := env.FS.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list output dir %s: %w", dir, err)
	}
	var out []segment.Artifact
	for _, f := range files {
		if !segment.IsArchive(f) {
			continue
		}
		out = append(out, segment.Artifact{Name: segment.NameFromURI(f), TarURI: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TarURI < out[j].TarURI })
	return out, nil
}

func tarURIs(artifacts []segment.Artifact) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, a.TarURI)
	}
	return out
}

func downloadURIs(artifacts []segment.Artifact) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, a.DownloadURI)
	}
	return out
}

// =============================================================================
// TAR
// =============================================================================

type tarStrategy struct{}

func (tarStrategy) Mode() jobspec.Mode { return jobspec.ModeTar }

func (tarStrategy) Discover(ctx context.Context, env *Env) ([]segment.Artifact, error) {
	return discoverArchives(ctx, env)
}

func (tarStrategy) Route(_ *Env, artifacts []segment.Artifact) ([]segment.Artifact, error) {
	return artifacts, nil
}

func (tarStrategy) SegmentsTo(artifacts []segment.Artifact) []string {
	return lineage.TarSegmentsTo(artifacts)
}

func (tarStrategy) Upload(ctx context.Context, env *Env, art segment.Artifact) error {
	return env.Executor.PushTar(ctx, art)
}

// =============================================================================
// URI
// =============================================================================

type uriStrategy struct{}

func (uriStrategy) Mode() jobspec.Mode { return jobspec.ModeURI }

func (uriStrategy) Discover(ctx context.Context, env *Env) ([]segment.Artifact, error) {
	return discoverArchives(ctx, env)
}

func (uriStrategy) Route(env *Env, artifacts []segment.Artifact) ([]segment.Artifact, error) {
	p := env.Spec.Push
	out := make([]segment.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		uri, err := GenerateSegmentURI(env.Spec.OutputDirURI, a.TarURI, p.SegmentURIPrefix, p.SegmentURISuffix)
		if err != nil {
			return nil, err
		}
		out = append(out, segment.Artifact{Name: segment.NameFromURI(uri), TarURI: a.TarURI, DownloadURI: uri})
	}
	return out, nil
}

func (uriStrategy) SegmentsTo(artifacts []segment.Artifact) []string {
	return lineage.URISegmentsTo(downloadURIs(artifacts))
}

func (uriStrategy) Upload(ctx context.Context, env *Env, art segment.Artifact) error {
	return env.Executor.SendURI(ctx, art)
}

// =============================================================================
// METADATA
// =============================================================================

// metadataStrategy registers each segment by URI along with a descriptor
// read from its archive. With a deep-store dir configured the archive is
// first copied there and the copy is what gets registered.
type metadataStrategy struct{}

func (metadataStrategy) Mode() jobspec.Mode { return jobspec.ModeMetadata }

func (metadataStrategy) Discover(ctx context.Context, env *Env) ([]segment.Artifact, error) {
	return discoverArchives(ctx, env)
}

func (metadataStrategy) Route(env *Env, artifacts []segment.Artifact) ([]segment.Artifact, error) {
	p := env.Spec.Push
	var mapping map[string]string
	if p.DeepStoreDirURI != "" {
		mapping = make(map[string]string, len(artifacts))
		for _, a := range artifacts {
			uri := deepStoreURI(p.DeepStoreDirURI, env.Table.Name, a.TarURI)
			if prev, dup := mapping[uri]; dup {
				return nil, fmt.Errorf("deep store URI %s generated for both %s and %s", uri, prev, a.TarURI)
			}
			mapping[uri] = a.TarURI
		}
	} else {
		m, err := BuildSegmentURIMapping(env.Spec.OutputDirURI, tarURIs(artifacts), p.SegmentURIPrefix, p.SegmentURISuffix)
		if err != nil {
			return nil, err
		}
		mapping = m
	}

	out := make([]segment.Artifact, 0, len(mapping))
	for uri, tar := range mapping {
		out = append(out, segment.Artifact{Name: segment.NameFromURI(uri), TarURI: tar, DownloadURI: uri})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DownloadURI < out[j].DownloadURI })
	return out, nil
}

func (metadataStrategy) SegmentsTo(artifacts []segment.Artifact) []string {
	mapping := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		mapping[a.DownloadURI] = a.TarURI
	}
	return lineage.MetadataSegmentsTo(mapping)
}

func (metadataStrategy) Upload(ctx context.Context, env *Env, art segment.Artifact) error {
	if env.Spec.Push.DeepStoreDirURI != "" && art.DownloadURI != art.TarURI {
		if err := copyToDeepStore(ctx, env, art); err != nil {
			return err
		}
	}
	return env.Executor.SendURIAndMetadata(ctx, art)
}

func copyToDeepStore(ctx context.Context, env *Env, art segment.Artifact) error {
	attempts, err := retry.Do(ctx, env.Spec.RetryPolicy(), func(ctx context.Context, attempt int) retry.Outcome {
		err := env.FS.Copy(ctx, art.TarURI, art.DownloadURI)
		if err != nil {
			env.Logger.Warn("deep store copy failed", "segment", art.Name, "attempt", attempt, "error", err)
		}
		return retry.Classify(err)
	})
	if err != nil {
		return &upload.SegmentError{
			Segment:  art.Name,
			Mode:     jobspec.ModeMetadata,
			Attempts: attempts,
			Err:      fmt.Errorf("copy %s to %s: %w", art.TarURI, art.DownloadURI, err),
		}
	}
	return nil
}
