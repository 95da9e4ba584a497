package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type DateKind string

const (
	DatePeriod DateKind = "period"
	DateYear   DateKind = "year"
)

var (
	ErrDateKind       = errors.New("date type must be period or year")
	ErrDateIncomplete = errors.New("date is incomplete")
	ErrDateBothForms  = errors.New("date must be either a period or a single year")
	ErrDateOrder      = errors.New("period end year precedes start year")
	ErrLocationName   = errors.New("location name is required")
	ErrLocationCoords = errors.New("location coordinates out of range")
)

// DateSpec is the tagged union of "period" and "year" dates.
// Exactly one variant is populated; EndYear may be absent for an open period.
type DateSpec struct {
	Kind      DateKind `json:"dateType"`
	StartYear *int     `json:"startYear"`
	EndYear   *int     `json:"endYear"`
	Year      *int     `json:"specificYear"`
}

// PeriodDate builds a period date. A nil end leaves the period open ("From {year}").
func PeriodDate(start int, end *int) DateSpec {
	s := start
	return DateSpec{Kind: DatePeriod, StartYear: &s, EndYear: end}
}

// YearDate builds a single-year date.
func YearDate(year int) DateSpec {
	y := year
	return DateSpec{Kind: DateYear, Year: &y}
}

// Validate reports whether the date is fully specified for its kind.
func (d DateSpec) Validate() error {
	switch d.Kind {
	case DatePeriod:
		if d.Year != nil {
			return ErrDateBothForms
		}
		if d.StartYear == nil {
			return ErrDateIncomplete
		}
		if d.EndYear != nil && *d.EndYear < *d.StartYear {
			return ErrDateOrder
		}
		return nil
	case DateYear:
		if d.StartYear != nil || d.EndYear != nil {
			return ErrDateBothForms
		}
		if d.Year == nil {
			return ErrDateIncomplete
		}
		return nil
	case "":
		return ErrDateIncomplete
	default:
		return ErrDateKind
	}
}

// Label renders the date the way the gallery shows it.
func (d DateSpec) Label() string {
	switch d.Kind {
	case DatePeriod:
		if d.StartYear == nil {
			return ""
		}
		if d.EndYear == nil {
			return fmt.Sprintf("From %d", *d.StartYear)
		}
		return fmt.Sprintf("%d-%d", *d.StartYear, *d.EndYear)
	case DateYear:
		if d.Year == nil {
			return ""
		}
		return fmt.Sprintf("%d", *d.Year)
	}
	return ""
}

type Location struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

func (l Location) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return ErrLocationName
	}
	if l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return ErrLocationCoords
	}
	return nil
}

// Identity is the authenticated caller as asserted by the identity provider.
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

// Story is the persisted, published document.
// PhotoURL and AudioURL are resolved from the blob keys at read time.
type Story struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Speaker       string    `json:"speaker"`
	Age           string    `json:"age,omitempty"`
	Pronouns      string    `json:"pronouns,omitempty"`
	PhotoKey      string    `json:"-"`
	PhotoURL      string    `json:"photoUrl"`
	AudioKey      string    `json:"-"`
	AudioURL      string    `json:"audioUrl"`
	Tags          []string  `json:"tags"`
	Language      string    `json:"language"`
	Location      Location  `json:"location"`
	Summary       string    `json:"summary"`
	Transcription string    `json:"transcription"`
	CreatedAt     time.Time `json:"createdAt"`
	AuthorID      string    `json:"authorId"`
	AuthorName    string    `json:"authorName"`
	DateSpec

	CategoryGroup string `json:"cupertinoPromptGroup,omitempty"`
	CategoryKey   string `json:"cupertinoPromptCategory,omitempty"`
	CategoryLabel string `json:"cupertinoPromptLabel,omitempty"`
}

// HasCoordinates reports whether the story can be placed on the map.
// (0,0) is a real point; only a missing name or out-of-range coordinates
// keep a story off the map.
func (s Story) HasCoordinates() bool {
	return s.Location.Validate() == nil
}

// MapPoint is the lightweight projection used by the map view.
type MapPoint struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Speaker string  `json:"speaker"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Place   string  `json:"place"`
}

// UserProfile mirrors the identity record plus archive-owned custom fields.
type UserProfile struct {
	UID           string    `json:"uid"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"displayName"`
	PhotoURL      string    `json:"photoURL"`
	PhotoKey      string    `json:"-"`
	PhotoPosition string    `json:"photoPosition"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// StoryFilter narrows gallery listings. Zero values mean "any".
type StoryFilter struct {
	Tag      string
	Language string
	AuthorID string
	Limit    int
	Offset   int
}
