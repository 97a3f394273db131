package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/types"
)

// runModel is the database shape of a run.
type runModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	Pipeline     string `gorm:"size:128;index"`
	Stages       string `gorm:"type:text"`
	CurrentStage int
	Status       string `gorm:"size:32;index"`
	Error        string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

func (runModel) TableName() string { return "runs" }

// stageExecutionModel is the database shape of a stage execution.
type stageExecutionModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	RunID       string `gorm:"size:64;index"`
	Position    int
	Stage       string `gorm:"size:128"`
	Status      string `gorm:"size:32"`
	Inputs      string `gorm:"type:text"`
	Output      string `gorm:"type:text"`
	PendingID   string `gorm:"size:64"`
	Resolution  string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (stageExecutionModel) TableName() string { return "stage_executions" }

// attemptModel is the database shape of an attempt. The unique index on
// (execution_id, seq) plus insert-only writes keep history append-only.
type attemptModel struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ExecutionID  string `gorm:"size:64;uniqueIndex:idx_attempts_execution_seq"`
	Seq          int    `gorm:"uniqueIndex:idx_attempts_execution_seq"`
	Prompt       string `gorm:"type:text"`
	Output       string `gorm:"type:text"`
	FailureKind  string `gorm:"size:16"`
	FailureError string `gorm:"type:text"`
	Verdict      string `gorm:"type:text"`
	PromptTokens int
	CreatedAt    time.Time
}

func (attemptModel) TableName() string { return "attempts" }

// GormRunStore is a gorm-backed run store.
type GormRunStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRunStore creates a gorm-backed run store. The schema must
// already exist; use InitDatabase or the migration CLI.
func NewGormRunStore(db *gorm.DB, logger *zap.Logger) (*GormRunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil db handle", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormRunStore{
		db:     db,
		logger: logger.With(zap.String("component", "run_gorm_store")),
	}, nil
}

// InitDatabase creates or updates the run schema. Intended for sqlite
// and development; production postgres deployments use the migration
// CLI instead.
func InitDatabase(db *gorm.DB) error {
	return db.AutoMigrate(&runModel{}, &stageExecutionModel{}, &attemptModel{})
}

// OpenDatabase opens a gorm handle for the configured driver and
// applies pool settings.
func OpenDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.DSN()), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// SaveRun implements RunStore.
func (s *GormRunStore) SaveRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}

	rm, execs, attempts, err := toModels(run)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rm).Error; err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		for _, em := range execs {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(em).Error; err != nil {
				return fmt.Errorf("failed to save stage execution: %w", err)
			}
		}
		for _, am := range attempts {
			// Existing (execution, seq) rows are left untouched.
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(am).Error; err != nil {
				return fmt.Errorf("failed to save attempt: %w", err)
			}
		}
		return nil
	})
}

// GetRun implements RunStore.
func (s *GormRunStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	var rm runModel
	err := s.db.WithContext(ctx).First(&rm, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return s.loadAggregate(ctx, &rm)
}

// ListRuns implements RunStore.
func (s *GormRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	q := s.db.WithContext(ctx).Model(&runModel{}).Order("created_at DESC")
	if filter.Pipeline != "" {
		q = q.Where("pipeline = ?", filter.Pipeline)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var models []runModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]*types.Run, 0, len(models))
	for i := range models {
		run, err := fromRunModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// GetRecoverableRuns implements RunStore.
func (s *GormRunStore) GetRecoverableRuns(ctx context.Context) ([]*types.Run, error) {
	var models []runModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(types.RunStatusPending),
			string(types.RunStatusRunning),
			string(types.RunStatusWaitingOnHuman),
		}).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable runs: %w", err)
	}

	out := make([]*types.Run, 0, len(models))
	for i := range models {
		run, err := s.loadAggregate(ctx, &models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// Close implements RunStore.
func (s *GormRunStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping implements RunStore.
func (s *GormRunStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// loadAggregate attaches executions and attempts to a run model.
func (s *GormRunStore) loadAggregate(ctx context.Context, rm *runModel) (*types.Run, error) {
	run, err := fromRunModel(rm)
	if err != nil {
		return nil, err
	}

	var execModels []stageExecutionModel
	err = s.db.WithContext(ctx).
		Where("run_id = ?", rm.ID).
		Order("position ASC").
		Find(&execModels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load stage executions: %w", err)
	}

	for i := range execModels {
		exec, err := fromExecutionModel(&execModels[i])
		if err != nil {
			return nil, err
		}

		var attemptModels []attemptModel
		err = s.db.WithContext(ctx).
			Where("execution_id = ?", exec.ID).
			Order("seq ASC").
			Find(&attemptModels).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load attempts: %w", err)
		}
		for j := range attemptModels {
			attempt, err := fromAttemptModel(&attemptModels[j])
			if err != nil {
				return nil, err
			}
			exec.Attempts = append(exec.Attempts, attempt)
		}

		run.Executions = append(run.Executions, exec)
	}
	return run, nil
}

func toModels(run *types.Run) (*runModel, []*stageExecutionModel, []*attemptModel, error) {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode stages: %w", err)
	}

	rm := &runModel{
		ID:           run.ID,
		Pipeline:     run.Pipeline,
		Stages:       string(stages),
		CurrentStage: run.CurrentStage,
		Status:       string(run.Status),
		Error:        run.Error,
		CreatedAt:    run.CreatedAt,
		CompletedAt:  run.CompletedAt,
	}

	var execs []*stageExecutionModel
	var attempts []*attemptModel
	for pos, exec := range run.Executions {
		inputs, err := json.Marshal(exec.Inputs)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode inputs: %w", err)
		}
		em := &stageExecutionModel{
			ID:          exec.ID,
			RunID:       run.ID,
			Position:    pos,
			Stage:       exec.Stage,
			Status:      string(exec.Status),
			Inputs:      string(inputs),
			PendingID:   exec.PendingID,
			Error:       exec.Error,
			StartedAt:   exec.StartedAt,
			CompletedAt: exec.CompletedAt,
		}
		if exec.Output != nil {
			out, err := json.Marshal(exec.Output)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to encode output ref: %w", err)
			}
			em.Output = string(out)
		}
		if exec.Resolution != nil {
			res, err := json.Marshal(exec.Resolution)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to encode resolution: %w", err)
			}
			em.Resolution = string(res)
		}
		execs = append(execs, em)

		for _, a := range exec.Attempts {
			am := &attemptModel{
				ExecutionID:  exec.ID,
				Seq:          a.Seq,
				Prompt:       a.Prompt,
				Output:       a.Output,
				FailureKind:  string(a.FailureKind),
				FailureError: a.FailureError,
				PromptTokens: a.PromptTokens,
				CreatedAt:    a.CreatedAt,
			}
			if a.Verdict != nil {
				v, err := json.Marshal(a.Verdict)
				if err != nil {
					return nil, nil, nil, fmt.Errorf("failed to encode verdict: %w", err)
				}
				am.Verdict = string(v)
			}
			attempts = append(attempts, am)
		}
	}
	return rm, execs, attempts, nil
}

func fromRunModel(rm *runModel) (*types.Run, error) {
	var stages []string
	if rm.Stages != "" {
		if err := json.Unmarshal([]byte(rm.Stages), &stages); err != nil {
			return nil, fmt.Errorf("failed to decode stages: %w", err)
		}
	}
	return &types.Run{
		ID:           rm.ID,
		Pipeline:     rm.Pipeline,
		Stages:       stages,
		CurrentStage: rm.CurrentStage,
		Status:       types.RunStatus(rm.Status),
		Error:        rm.Error,
		CreatedAt:    rm.CreatedAt,
		CompletedAt:  rm.CompletedAt,
	}, nil
}

func fromExecutionModel(em *stageExecutionModel) (*types.StageExecution, error) {
	exec := &types.StageExecution{
		ID:          em.ID,
		RunID:       em.RunID,
		Stage:       em.Stage,
		Status:      types.StageStatus(em.Status),
		PendingID:   em.PendingID,
		Error:       em.Error,
		StartedAt:   em.StartedAt,
		CompletedAt: em.CompletedAt,
	}
	if em.Inputs != "" {
		if err := json.Unmarshal([]byte(em.Inputs), &exec.Inputs); err != nil {
			return nil, fmt.Errorf("failed to decode inputs: %w", err)
		}
	}
	if em.Output != "" {
		var ref types.ArtifactRef
		if err := json.Unmarshal([]byte(em.Output), &ref); err != nil {
			return nil, fmt.Errorf("failed to decode output ref: %w", err)
		}
		exec.Output = &ref
	}
	if em.Resolution != "" {
		var res types.Resolution
		if err := json.Unmarshal([]byte(em.Resolution), &res); err != nil {
			return nil, fmt.Errorf("failed to decode resolution: %w", err)
		}
		exec.Resolution = &res
	}
	return exec, nil
}

func fromAttemptModel(am *attemptModel) (types.Attempt, error) {
	attempt := types.Attempt{
		Seq:          am.Seq,
		Prompt:       am.Prompt,
		Output:       am.Output,
		FailureKind:  types.FailureKind(am.FailureKind),
		FailureError: am.FailureError,
		PromptTokens: am.PromptTokens,
		CreatedAt:    am.CreatedAt,
	}
	if am.Verdict != "" {
		var v types.Verdict
		if err := json.Unmarshal([]byte(am.Verdict), &v); err != nil {
			return types.Attempt{}, fmt.Errorf("failed to decode verdict: %w", err)
		}
		attempt.Verdict = &v
	}
	return attempt, nil
}
