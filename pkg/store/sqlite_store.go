package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	_ "modernc.org/sqlite"
	"storyarchive/pkg/domain"
)

// SQLiteStore implements Store on a single SQLite file for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and its tables.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := initSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLite(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			speaker TEXT NOT NULL,
			age TEXT NOT NULL DEFAULT '',
			pronouns TEXT NOT NULL DEFAULT '',
			photo_key TEXT NOT NULL DEFAULT '',
			audio_key TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			language TEXT NOT NULL,
			location_name TEXT NOT NULL,
			lat REAL NOT NULL DEFAULT 0,
			lng REAL NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			transcription TEXT NOT NULL DEFAULT '',
			date_type TEXT NOT NULL,
			start_year INTEGER,
			end_year INTEGER,
			specific_year INTEGER,
			category_group TEXT NOT NULL DEFAULT '',
			category_key TEXT NOT NULL DEFAULT '',
			category_label TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_created ON stories(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_author ON stories(author_id);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			uid TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			photo_url TEXT NOT NULL DEFAULT '',
			photo_key TEXT NOT NULL DEFAULT '',
			photo_position TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("init sqlite: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const storyColumns = `id, author_id, author_name, title, speaker, age, pronouns, photo_key, audio_key,
	tags, language, location_name, lat, lng, summary, transcription, date_type,
	start_year, end_year, specific_year, category_group, category_key, category_label, created_at`

// SaveStory inserts or replaces a story document.
func (s *SQLiteStore) SaveStory(story domain.Story) error {
	m := storyToModel(story)
	_, err := s.db.Exec(`INSERT OR REPLACE INTO stories (`+storyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AuthorID, m.AuthorName, m.Title, m.Speaker, m.Age, m.Pronouns, m.PhotoKey, m.AudioKey,
		string(m.Tags), m.Language, m.LocationName, m.Lat, m.Lng, m.Summary, m.Transcription, m.DateType,
		nullableInt(m.StartYear), nullableInt(m.EndYear), nullableInt(m.SpecificYear),
		m.CategoryGroup, m.CategoryKey, m.CategoryLabel, m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save story: %w", err)
	}
	return nil
}

// GetStory retrieves a story.
func (s *SQLiteStore) GetStory(id string) (domain.Story, bool, error) {
	row := s.db.QueryRow(`SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	story, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Story{}, false, nil
	}
	if err != nil {
		return domain.Story{}, false, err
	}
	return story, true, nil
}

// ListStories returns stories newest first.
func (s *SQLiteStore) ListStories(filter domain.StoryFilter) ([]domain.Story, error) {
	var (
		where []string
		args  []any
	)
	if filter.AuthorID != "" {
		where = append(where, "author_id = ?")
		args = append(args, filter.AuthorID)
	}
	if filter.Language != "" {
		where = append(where, "language = ?")
		args = append(args, filter.Language)
	}
	if filter.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(stories.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	query := `SELECT ` + storyColumns + ` FROM stories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))
	return s.queryStories(query, args...)
}

// ListMappableStories returns stories that carry coordinates.
func (s *SQLiteStore) ListMappableStories(limit int) ([]domain.Story, error) {
	return s.queryStories(`SELECT `+storyColumns+` FROM stories
		WHERE `+mappableClause+` ORDER BY created_at DESC LIMIT ?`, normalizeLimit(limit))
}

// DeleteStory removes a story document.
func (s *SQLiteStore) DeleteStory(id string) error {
	res, err := s.db.Exec(`DELETE FROM stories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete story: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveProfile registers or updates a profile, preserving its creation time.
func (s *SQLiteStore) SaveProfile(p domain.UserProfile) error {
	_, err := s.db.Exec(`INSERT INTO profiles (uid, email, display_name, photo_url, photo_key, photo_position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			photo_url = excluded.photo_url,
			photo_key = excluded.photo_key,
			photo_position = excluded.photo_position,
			updated_at = excluded.updated_at`,
		p.UID, p.Email, p.DisplayName, p.PhotoURL, p.PhotoKey, p.PhotoPosition, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// GetProfile returns a profile by uid.
func (s *SQLiteStore) GetProfile(uid string) (domain.UserProfile, bool, error) {
	var m ProfileModel
	err := s.db.QueryRow(`SELECT uid, email, display_name, photo_url, photo_key, photo_position, created_at, updated_at
		FROM profiles WHERE uid = ?`, uid).
		Scan(&m.UID, &m.Email, &m.DisplayName, &m.PhotoURL, &m.PhotoKey, &m.PhotoPosition, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserProfile{}, false, nil
	}
	if err != nil {
		return domain.UserProfile{}, false, fmt.Errorf("get profile: %w", err)
	}
	return profileFromModel(m), true, nil
}

func (s *SQLiteStore) queryStories(query string, args ...any) ([]domain.Story, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()
	out := []domain.Story{}
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, story)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (domain.Story, error) {
	var (
		m                    StoryModel
		tags                 string
		start, end, specific sql.NullInt64
		createdAt            time.Time
	)
	err := row.Scan(&m.ID, &m.AuthorID, &m.AuthorName, &m.Title, &m.Speaker, &m.Age, &m.Pronouns,
		&m.PhotoKey, &m.AudioKey, &tags, &m.Language, &m.LocationName, &m.Lat, &m.Lng,
		&m.Summary, &m.Transcription, &m.DateType, &start, &end, &specific,
		&m.CategoryGroup, &m.CategoryKey, &m.CategoryLabel, &createdAt)
	if err != nil {
		return domain.Story{}, err
	}
	m.Tags = datatypes.JSON(tags)
	m.StartYear = intFromNull(start)
	m.EndYear = intFromNull(end)
	m.SpecificYear = intFromNull(specific)
	m.CreatedAt = createdAt
	return storyFromModel(m)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
