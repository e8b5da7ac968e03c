package models

import (
	"encoding/json"
	"time"
)

// ActivityRecord is the relational projection of an activity.
type ActivityRecord struct {
	ID          int64
	AthleteID   int64
	Name        string
	Description *string
	SportType   string
	Type        string

	StartDate      time.Time
	StartDateLocal time.Time
	Timezone       string
	UTCOffset      float64

	Distance           float64
	MovingTime         int
	ElapsedTime        int
	TotalElevationGain float64
	ElevHigh           *float64
	ElevLow            *float64
	AverageSpeed       float64
	MaxSpeed           float64
	AverageHeartrate   *float64
	MaxHeartrate       *float64
	AverageCadence     *float64
	Calories           *float64

	HasHeartrate bool
	Commute      bool
	Trainer      bool
	Manual       bool
	Private      bool
	Visibility   string

	DeviceName  *string
	GearID      *string
	ExternalID  *string
	UploadID    *int64
	UploadIDStr *string

	AchievementCount int
	KudosCount       int
	CommentCount     int
	AthleteCount     int
	PhotoCount       int
	TotalPhotoCount  int

	StartLatLng     *string
	EndLatLng       *string
	SummaryPolyline *string
}

// NewRecord projects a into its relational row.
//
// start_date is stored in UTC. start_date_local keeps its wall clock without zone.
func NewRecord(a *Activity) ActivityRecord {
	r := ActivityRecord{
		ID:          a.ID,
		AthleteID:   a.Athlete.ID,
		Name:        a.Name,
		Description: a.Description,
		SportType:   a.SportType,
		Type:        a.Type,

		StartDate:      a.StartDate.UTC(),
		StartDateLocal: wallClock(a.StartDateLocal),
		Timezone:       a.Timezone,
		UTCOffset:      a.UTCOffset,

		Distance:           a.Distance,
		MovingTime:         a.MovingTime,
		ElapsedTime:        a.ElapsedTime,
		TotalElevationGain: a.TotalElevationGain,
		ElevHigh:           a.ElevHigh,
		ElevLow:            a.ElevLow,
		AverageSpeed:       a.AverageSpeed,
		MaxSpeed:           a.MaxSpeed,
		AverageHeartrate:   a.AverageHeartrate,
		MaxHeartrate:       a.MaxHeartrate,
		AverageCadence:     a.AverageCadence,
		Calories:           a.Calories,

		HasHeartrate: a.HasHeartrate,
		Commute:      a.Commute,
		Trainer:      a.Trainer,
		Manual:       a.Manual,
		Private:      a.Private,
		Visibility:   a.Visibility,

		DeviceName:  a.DeviceName,
		GearID:      a.GearID,
		ExternalID:  a.ExternalID,
		UploadID:    a.UploadID,
		UploadIDStr: a.UploadIDStr,

		AchievementCount: a.AchievementCount,
		KudosCount:       a.KudosCount,
		CommentCount:     a.CommentCount,
		AthleteCount:     a.AthleteCount,
		PhotoCount:       a.PhotoCount,
		TotalPhotoCount:  a.TotalPhotoCount,

		StartLatLng: latLngText(a.StartLatLng),
		EndLatLng:   latLngText(a.EndLatLng),
	}

	if a.Map != nil && a.Map.SummaryPolyline != nil && *a.Map.SummaryPolyline != "" {
		r.SummaryPolyline = a.Map.SummaryPolyline
	}
	return r
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// latLngText renders a coordinate pair as a JSON array, or nil when there is none.
func latLngText(p []float64) *string {
	if len(p) == 0 {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}
