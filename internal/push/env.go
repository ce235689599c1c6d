package push

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/nucleus/segpush/internal/controlplane"
	"github.com/nucleus/segpush/internal/filesystem"
	"github.com/nucleus/segpush/internal/filesystem/plugins"
	"github.com/nucleus/segpush/internal/jobspec"
	"github.com/nucleus/segpush/internal/segment"
	"github.com/nucleus/segpush/internal/upload"
)

// Env is the set of bindings one process (driver or worker) pushes with.
// Nothing in it is shared across processes.
type Env struct {
	Spec     *jobspec.JobSpec
	Table    controlplane.TableRef
	FS       *filesystem.Registry
	Client   controlplane.Client
	Executor *upload.Executor
	Logger   hclog.Logger
}

// envConfig carries what newEnv may take from the caller instead of building.
type envConfig struct {
	plugins   *filesystem.PluginRegistry
	client    controlplane.Client
	rateLimit float64
	logger    hclog.Logger
}

// newEnv binds every configured scheme and builds the control-plane client
// and upload executor for spec.
func newEnv(spec *jobspec.JobSpec, cfg envConfig) (*Env, error) {
	logger := cfg.logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	var (
		fs  *filesystem.Registry
		err error
	)
	if cfg.plugins != nil {
		fs, err = filesystem.Bind(cfg.plugins, spec.FileSystems)
	} else {
		fs, err = plugins.Bind(spec.FileSystems)
	}
	if err != nil {
		return nil, fmt.Errorf("bind file systems: %w", err)
	}

	client := cfg.client
	if client == nil {
		client, err = controlplane.NewHTTPClient(&controlplane.ClientConfig{
			BaseURL:   spec.ControlPlane.URI,
			Auth:      controlplane.AuthFromToken(spec.ControlPlane.AuthToken),
			RateLimit: cfg.rateLimit,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	}

	table := controlplane.NewTableRef(spec.Table.Name, spec.Table.Type)
	return &Env{
		Spec:   spec,
		Table:  table,
		FS:     fs,
		Client: client,
		Executor: upload.New(client, fs, table, upload.Options{
			Policy:          spec.RetryPolicy(),
			CopyToDeepStore: spec.Push.CopyToDeepStore,
			Logger:          logger,
		}),
		Logger: logger,
	}, nil
}

// pushSegments runs the strategy's upload for every artifact of a unit, in
// order, stopping at the first failure.
func pushSegments(ctx context.Context, env *Env, s Strategy, artifacts []segment.Artifact) error {
	for _, art := range artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Upload(ctx, env, art); err != nil {
			return err
		}
	}
	return nil
}
