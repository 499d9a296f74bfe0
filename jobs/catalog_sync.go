package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/scholaris-sms/scholaris-sms/internal/authz"
	"github.com/scholaris-sms/scholaris-sms/internal/shared"
)

// moduleSeed describes one catalog module and the display order it gets.
type moduleSeed struct {
	Slug  string
	Name  string
	Order int
}

// catalogModules is the canonical module list. Permission slugs are
// "<module>.<action>"; every slug seeded below must resolve to one of
// these modules.
var catalogModules = []moduleSeed{
	{Slug: "users", Name: "Users", Order: 10},
	{Slug: "roles", Name: "Roles", Order: 20},
	{Slug: "permissions", Name: "Permissions", Order: 30},
	{Slug: "branches", Name: "Branches", Order: 40},
	{Slug: "students", Name: "Students", Order: 50},
	{Slug: "classes", Name: "Classes", Order: 60},
	{Slug: "exams", Name: "Exams", Order: 70},
	{Slug: "attendance", Name: "Attendance", Order: 80},
	{Slug: "fees", Name: "Fees", Order: 90},
	{Slug: "invoices", Name: "Invoices", Order: 100},
	{Slug: "system", Name: "System", Order: 110},
}

// CatalogSyncJob seeds modules and permissions into storage and reloads
// the in-memory catalog snapshot afterwards.
type CatalogSyncJob struct {
	Repo    authz.Repository
	Catalog *authz.Catalog
	Logger  *slog.Logger
}

// NewCatalogSyncJob wires dependencies for the catalog sync handler.
func NewCatalogSyncJob(repo authz.Repository, catalog *authz.Catalog, logger *slog.Logger) *CatalogSyncJob {
	return &CatalogSyncJob{Repo: repo, Catalog: catalog, Logger: logger}
}

// Handle processes TaskCatalogSync tasks.
func (j *CatalogSyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("catalog sync: handler not configured")
	}
	var payload CatalogSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger().With(slog.String("reason", payload.Reason))
	started := time.Now()
	logger.Info("starting catalog sync")

	moduleIDs := make(map[string]int64, len(catalogModules))
	for _, seed := range catalogModules {
		module, err := j.Repo.EnsureModule(ctx, seed.Slug, seed.Name, seed.Order)
		if err != nil {
			logger.Error("ensure module", slog.String("module", seed.Slug), slog.Any("error", err))
			return err
		}
		moduleIDs[seed.Slug] = module.ID
	}

	seeded := 0
	for _, slug := range permissionSlugs() {
		moduleSlug, action, ok := strings.Cut(slug, ".")
		if !ok {
			logger.Warn("skipping malformed permission slug", slog.String("slug", slug))
			continue
		}
		moduleID, ok := moduleIDs[moduleSlug]
		if !ok {
			logger.Warn("skipping permission with unknown module", slog.String("slug", slug))
			continue
		}
		if _, err := j.Repo.EnsurePermission(ctx, moduleID, action, slug); err != nil {
			logger.Error("ensure permission", slog.String("slug", slug), slog.Any("error", err))
			return err
		}
		seeded++
	}

	if j.Catalog != nil {
		if err := j.Catalog.Reload(ctx); err != nil {
			logger.Error("reload catalog", slog.Any("error", err))
			return err
		}
	}

	logger.Info("completed catalog sync", slog.Int("permissions", seeded), slog.Duration("duration", time.Since(started)))
	return nil
}

func permissionSlugs() []string {
	var slugs []string
	slugs = append(slugs, shared.CoreScopes()...)
	slugs = append(slugs, shared.AcademicScopes()...)
	slugs = append(slugs, shared.FinanceScopes()...)
	slugs = append(slugs, shared.SystemScopes()...)
	return slugs
}

func (j *CatalogSyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCatalogSync))
	}
	return slog.Default().With(slog.String("job", TaskCatalogSync))
}
