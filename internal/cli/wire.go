package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/codec"
	"github.com/danielpatrickdp/adaptive-recommender/internal/config"
	"github.com/danielpatrickdp/adaptive-recommender/internal/eval"
	"github.com/danielpatrickdp/adaptive-recommender/internal/events"
	"github.com/danielpatrickdp/adaptive-recommender/internal/explain"
	"github.com/danielpatrickdp/adaptive-recommender/internal/gate"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/modelclient"
	"github.com/danielpatrickdp/adaptive-recommender/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-recommender/internal/pipeline"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
	"github.com/danielpatrickdp/adaptive-recommender/internal/update"
)

// #region store

// storeOptions attaches the transition harness as the pre-commit guard.
func storeOptions(c *config.Config) state.Options {
	return state.Options{
		Concepts: c.Concepts,
		Guard:    eval.NewEvalHarness(eval.DefaultEvalConfig(c.Concepts)).Guard(),
	}
}

// openStore opens the configured state backend plus the SQLite database that
// holds the provenance log and tier outcomes. The sqlite backend shares its
// own database; memory keeps the audit tables in memory too; redis writes
// them to store.path.
func openStore(ctx context.Context, c *config.Config) (state.Store, *sql.DB, error) {
	opts := storeOptions(c)
	var (
		store state.Store
		audit *sql.DB
		err   error
	)
	switch c.Store.Backend {
	case "sqlite":
		s, serr := state.NewSQLiteStore(c.Store.Path, opts)
		if serr != nil {
			return nil, nil, serr
		}
		store, audit = s, s.DB()
	case "redis":
		s, serr := state.DialRedis(ctx, c.Store.RedisAddr, c.Store.KeyPrefix, opts)
		if serr != nil {
			return nil, nil, serr
		}
		store = s
		if audit, err = openAudit(c.Store.Path); err != nil {
			s.Close()
			return nil, nil, err
		}
	default:
		store = state.NewMemoryStore(opts)
		if audit, err = openAudit(":memory:"); err != nil {
			return nil, nil, err
		}
	}

	if err := logging.EnsureProvenanceSchema(audit); err != nil {
		if c.Store.Backend != "sqlite" {
			audit.Close()
		}
		store.Close()
		return nil, nil, fmt.Errorf("provenance schema: %w", err)
	}
	return store, audit, nil
}

func openAudit(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	return db, nil
}

// closeStore closes what openStore returned.
func closeStore(store state.Store, audit *sql.DB) {
	if cfg.Store.Backend != "sqlite" && audit != nil {
		audit.Close()
	}
	if err := store.Close(); err != nil {
		logging.Warn().Err(err).Msg("[CLI] store close failed")
	}
}

func versionedStore(s state.Store) (state.VersionedStore, error) {
	vs, ok := s.(state.VersionedStore)
	if !ok {
		return nil, fmt.Errorf("backend %q keeps no version history; use store.backend=sqlite", cfg.Store.Backend)
	}
	return vs, nil
}

// #endregion store

// #region runtime

// runtime is every collaborator a request-serving command needs.
type runtime struct {
	store    state.Store
	audit    *sql.DB
	pool     *codec.Pool
	models   *modelclient.Client
	tiers    *orchestrator.TierMemory
	bus      *events.Bus
	pipeline *pipeline.Pipeline
	snapshot *catalog.Snapshot

	// sharedAudit is set when audit belongs to the sqlite store.
	sharedAudit bool
}

// buildRuntime wires the pipeline from configuration. The event bus is only
// created when withEvents is set.
func buildRuntime(ctx context.Context, c *config.Config, withEvents bool) (*runtime, error) {
	snap, err := catalog.LoadFile(catalogPath, c.Concepts)
	if err != nil {
		return nil, err
	}

	rt := &runtime{snapshot: snap, sharedAudit: c.Store.Backend == "sqlite"}
	if rt.store, rt.audit, err = openStore(ctx, c); err != nil {
		return nil, err
	}
	if rt.tiers, err = orchestrator.NewTierMemory(rt.audit); err != nil {
		rt.Close()
		return nil, err
	}

	rt.pool, err = codec.NewPool(map[string]string{
		modelclient.EndpointEncoder: c.Endpoints.Encoder.Address,
		modelclient.EndpointAdapter: c.Endpoints.Adapter.Address,
		modelclient.EndpointPolicy:  c.Endpoints.Policy.Address,
		modelclient.EndpointCausal:  c.Endpoints.Causal.Address,
		modelclient.EndpointContent: c.Endpoints.Content.Address,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.models = modelclient.New(rt.pool, modelclient.OptionsFromConfig(c))

	if withEvents {
		rt.bus = events.NewBus(c.Events.Buffer)
	}

	controller := orchestrator.NewController(
		rt.models,
		gate.NewValidator(gate.FromConfig(c.Gate)),
		orchestrator.ConfigFrom(c),
		rt.tiers,
	)
	deps := pipeline.Deps{
		Store:      rt.store,
		Controller: controller,
		Events:     rt.bus,
		Provenance: rt.audit,
	}
	if c.Pipeline.ExplainEnabled {
		deps.Explainer = explain.New(rt.models, c.Endpoints.Causal.Timeout, c.Pipeline.MinExplainBudget)
	}
	rt.pipeline = pipeline.New(deps, pipeline.ConfigFrom(c), update.FromConfig(c.Update))
	return rt, nil
}

// Close releases everything in reverse order of construction.
func (rt *runtime) Close() error {
	var errs []error
	if rt.bus != nil {
		errs = append(errs, rt.bus.Close())
	}
	if rt.pool != nil {
		errs = append(errs, rt.pool.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.audit != nil && !rt.sharedAudit {
		errs = append(errs, rt.audit.Close())
	}
	return errors.Join(errs...)
}

// #endregion runtime
