package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"storyarchive/pkg/domain"
)

// GORM models used for persistence.
type StoryModel struct {
	ID            string `gorm:"primaryKey"`
	AuthorID      string `gorm:"not null;index"`
	AuthorName    string
	Title         string `gorm:"not null"`
	Speaker       string `gorm:"not null"`
	Age           string
	Pronouns      string
	PhotoKey      string
	AudioKey      string         `gorm:"not null"`
	Tags          datatypes.JSON `gorm:"type:jsonb"`
	Language      string         `gorm:"not null;index"`
	LocationName  string         `gorm:"not null"`
	Lat           float64
	Lng           float64
	Summary       string `gorm:"type:text"`
	Transcription string `gorm:"type:text"`
	DateType      string `gorm:"not null"`
	StartYear     *int
	EndYear       *int
	SpecificYear  *int
	CategoryGroup string
	CategoryKey   string
	CategoryLabel string
	CreatedAt     time.Time `gorm:"not null;index"`
}

type ProfileModel struct {
	UID           string `gorm:"primaryKey"`
	Email         string `gorm:"index"`
	DisplayName   string
	PhotoURL      string
	PhotoKey      string
	PhotoPosition string
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

func storyToModel(s domain.Story) StoryModel {
	tags, _ := json.Marshal(nonNilTags(s.Tags))
	return StoryModel{
		ID:            s.ID,
		AuthorID:      s.AuthorID,
		AuthorName:    s.AuthorName,
		Title:         s.Title,
		Speaker:       s.Speaker,
		Age:           s.Age,
		Pronouns:      s.Pronouns,
		PhotoKey:      s.PhotoKey,
		AudioKey:      s.AudioKey,
		Tags:          tags,
		Language:      s.Language,
		LocationName:  s.Location.Name,
		Lat:           s.Location.Lat,
		Lng:           s.Location.Lng,
		Summary:       s.Summary,
		Transcription: s.Transcription,
		DateType:      string(s.Kind),
		StartYear:     s.StartYear,
		EndYear:       s.EndYear,
		SpecificYear:  s.Year,
		CategoryGroup: s.CategoryGroup,
		CategoryKey:   s.CategoryKey,
		CategoryLabel: s.CategoryLabel,
		CreatedAt:     s.CreatedAt,
	}
}

func storyFromModel(m StoryModel) (domain.Story, error) {
	var tags []string
	if len(m.Tags) > 0 {
		if err := json.Unmarshal(m.Tags, &tags); err != nil {
			return domain.Story{}, fmt.Errorf("story %s: decode tags: %w", m.ID, err)
		}
	}
	return domain.Story{
		ID:            m.ID,
		Title:         m.Title,
		Speaker:       m.Speaker,
		Age:           m.Age,
		Pronouns:      m.Pronouns,
		PhotoKey:      m.PhotoKey,
		AudioKey:      m.AudioKey,
		Tags:          nonNilTags(tags),
		Language:      m.Language,
		Location:      domain.Location{Name: m.LocationName, Lat: m.Lat, Lng: m.Lng},
		Summary:       m.Summary,
		Transcription: m.Transcription,
		CreatedAt:     m.CreatedAt,
		AuthorID:      m.AuthorID,
		AuthorName:    m.AuthorName,
		DateSpec: domain.DateSpec{
			Kind:      domain.DateKind(m.DateType),
			StartYear: m.StartYear,
			EndYear:   m.EndYear,
			Year:      m.SpecificYear,
		},
		CategoryGroup: m.CategoryGroup,
		CategoryKey:   m.CategoryKey,
		CategoryLabel: m.CategoryLabel,
	}, nil
}

func profileToModel(p domain.UserProfile) ProfileModel {
	return ProfileModel{
		UID:           p.UID,
		Email:         p.Email,
		DisplayName:   p.DisplayName,
		PhotoURL:      p.PhotoURL,
		PhotoKey:      p.PhotoKey,
		PhotoPosition: p.PhotoPosition,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func profileFromModel(m ProfileModel) domain.UserProfile {
	return domain.UserProfile{
		UID:           m.UID,
		Email:         m.Email,
		DisplayName:   m.DisplayName,
		PhotoURL:      m.PhotoURL,
		PhotoKey:      m.PhotoKey,
		PhotoPosition: m.PhotoPosition,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// mappableClause mirrors domain.Location.Validate in SQL.
const mappableClause = "TRIM(location_name) <> '' AND lat BETWEEN -90 AND 90 AND lng BETWEEN -180 AND 180"

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
