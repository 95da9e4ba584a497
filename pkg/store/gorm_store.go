package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"storyarchive/pkg/domain"
)

const migrateLockID int64 = 51730917

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&StoryModel{}, &ProfileModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`CREATE INDEX IF NOT EXISTS story_models_tags_gin ON story_models USING GIN (tags)`).Error; err != nil {
			return fmt.Errorf("ensure tag index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveStory writes the whole story document in one statement.
func (s *GormStore) SaveStory(story domain.Story) error {
	model := storyToModel(story)
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&model).Error
}

// GetStory retrieves a story.
func (s *GormStore) GetStory(id string) (domain.Story, bool, error) {
	var model StoryModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Story{}, false, nil
		}
		return domain.Story{}, false, err
	}
	story, err := storyFromModel(model)
	if err != nil {
		return domain.Story{}, false, err
	}
	return story, true, nil
}

// ListStories returns stories newest first.
func (s *GormStore) ListStories(filter domain.StoryFilter) ([]domain.Story, error) {
	tx := s.db.Order("created_at DESC").Limit(normalizeLimit(filter.Limit))
	if filter.Offset > 0 {
		tx = tx.Offset(filter.Offset)
	}
	if filter.AuthorID != "" {
		tx = tx.Where("author_id = ?", filter.AuthorID)
	}
	if filter.Language != "" {
		tx = tx.Where("language = ?", filter.Language)
	}
	if filter.Tag != "" {
		raw, _ := json.Marshal([]string{filter.Tag})
		tx = tx.Where("tags @> ?", datatypes.JSON(raw))
	}
	var models []StoryModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return storiesFromModels(models)
}

// ListMappableStories returns stories that carry coordinates.
func (s *GormStore) ListMappableStories(limit int) ([]domain.Story, error) {
	var models []StoryModel
	if err := s.db.Where(mappableClause).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return storiesFromModels(models)
}

// DeleteStory removes a story document.
func (s *GormStore) DeleteStory(id string) error {
	res := s.db.Delete(&StoryModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveProfile registers or updates a profile.
func (s *GormStore) SaveProfile(p domain.UserProfile) error {
	model := profileToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "photo_url", "photo_key", "photo_position", "updated_at"}),
	}).Create(&model).Error
}

// GetProfile returns a profile by uid.
func (s *GormStore) GetProfile(uid string) (domain.UserProfile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "uid = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserProfile{}, false, nil
		}
		return domain.UserProfile{}, false, err
	}
	return profileFromModel(model), true, nil
}

func storiesFromModels(models []StoryModel) ([]domain.Story, error) {
	res := make([]domain.Story, 0, len(models))
	for _, m := range models {
		story, err := storyFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, story)
	}
	return res, nil
}
