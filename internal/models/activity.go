package models

import (
	"encoding/json"
	"time"
)

// Activity is a Strava detailed activity.
//
// Nested collections that are forwarded without interpretation are kept as raw JSON.
type Activity struct {
	ID            int64   `json:"id"`
	ResourceState int     `json:"resource_state,omitempty"`
	ExternalID    *string `json:"external_id,omitempty"`
	UploadID      *int64  `json:"upload_id,omitempty"`
	UploadIDStr   *string `json:"upload_id_str,omitempty"`

	Athlete     AthleteRef `json:"athlete"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	Type        string     `json:"type"`
	SportType   string     `json:"sport_type"`
	WorkoutType *int       `json:"workout_type,omitempty"`

	StartDate      time.Time `json:"start_date"`
	StartDateLocal time.Time `json:"start_date_local"`
	Timezone       string    `json:"timezone"`
	UTCOffset      float64   `json:"utc_offset"`

	Distance           float64  `json:"distance"`
	MovingTime         int      `json:"moving_time"`
	ElapsedTime        int      `json:"elapsed_time"`
	TotalElevationGain float64  `json:"total_elevation_gain"`
	ElevHigh           *float64 `json:"elev_high,omitempty"`
	ElevLow            *float64 `json:"elev_low,omitempty"`
	AverageSpeed       float64  `json:"average_speed"`
	MaxSpeed           float64  `json:"max_speed"`
	AverageCadence     *float64 `json:"average_cadence,omitempty"`
	AverageTemp        *float64 `json:"average_temp,omitempty"`

	AverageWatts         *float64 `json:"average_watts,omitempty"`
	WeightedAverageWatts *float64 `json:"weighted_average_watts,omitempty"`
	MaxWatts             *float64 `json:"max_watts,omitempty"`
	Kilojoules           *float64 `json:"kilojoules,omitempty"`
	DeviceWatts          *bool    `json:"device_watts,omitempty"`

	HasHeartrate               bool     `json:"has_heartrate"`
	AverageHeartrate           *float64 `json:"average_heartrate,omitempty"`
	MaxHeartrate               *float64 `json:"max_heartrate,omitempty"`
	HeartrateOptOut            bool     `json:"heartrate_opt_out,omitempty"`
	DisplayHideHeartrateOption bool     `json:"display_hide_heartrate_option,omitempty"`
	Calories                   *float64 `json:"calories,omitempty"`
	SufferScore                *float64 `json:"suffer_score,omitempty"`
	PerceivedExertion          *float64 `json:"perceived_exertion,omitempty"`
	PreferPerceivedExertion    *bool    `json:"prefer_perceived_exertion,omitempty"`

	StartLatLng     []float64 `json:"start_latlng,omitempty"`
	EndLatLng       []float64 `json:"end_latlng,omitempty"`
	LocationCity    *string   `json:"location_city,omitempty"`
	LocationState   *string   `json:"location_state,omitempty"`
	LocationCountry *string   `json:"location_country,omitempty"`
	Map             *Map      `json:"map,omitempty"`

	AchievementCount int `json:"achievement_count"`
	KudosCount       int `json:"kudos_count"`
	CommentCount     int `json:"comment_count"`
	AthleteCount     int `json:"athlete_count"`
	PhotoCount       int `json:"photo_count"`
	TotalPhotoCount  int `json:"total_photo_count"`
	PRCount          int `json:"pr_count"`

	Trainer                  bool    `json:"trainer"`
	Commute                  bool    `json:"commute"`
	Manual                   bool    `json:"manual"`
	Private                  bool    `json:"private"`
	Flagged                  bool    `json:"flagged"`
	HasKudoed                bool    `json:"has_kudoed"`
	HideFromHome             bool    `json:"hide_from_home"`
	FromAcceptedTag          bool    `json:"from_accepted_tag"`
	SegmentLeaderboardOptOut bool    `json:"segment_leaderboard_opt_out,omitempty"`
	LeaderboardOptOut        bool    `json:"leaderboard_opt_out,omitempty"`
	Visibility               string  `json:"visibility,omitempty"`
	DeviceName               *string `json:"device_name,omitempty"`
	GearID                   *string `json:"gear_id,omitempty"`
	EmbedToken               *string `json:"embed_token,omitempty"`
	PrivateNote              *string `json:"private_note,omitempty"`

	Gear                json.RawMessage `json:"gear,omitempty"`
	Photos              json.RawMessage `json:"photos,omitempty"`
	SegmentEfforts      json.RawMessage `json:"segment_efforts,omitempty"`
	SplitsMetric        json.RawMessage `json:"splits_metric,omitempty"`
	SplitsStandard      json.RawMessage `json:"splits_standard,omitempty"`
	Laps                json.RawMessage `json:"laps,omitempty"`
	BestEfforts         json.RawMessage `json:"best_efforts,omitempty"`
	SimilarActivities   json.RawMessage `json:"similar_activities,omitempty"`
	AvailableZones      json.RawMessage `json:"available_zones,omitempty"`
	StatsVisibility     json.RawMessage `json:"stats_visibility,omitempty"`
	HighlightedKudosers json.RawMessage `json:"highlighted_kudosers,omitempty"`
	PartnerBrandTag     json.RawMessage `json:"partner_brand_tag,omitempty"`

	// Streams is attached after fetching and is never part of the upstream activity.
	Streams *StreamSet `json:"streams,omitempty"`
}

// AthleteRef is the athlete summary embedded in an activity.
type AthleteRef struct {
	ID            int64 `json:"id"`
	ResourceState int   `json:"resource_state,omitempty"`
}

// Map is the route summary of an activity.
type Map struct {
	ID              string  `json:"id"`
	Polyline        *string `json:"polyline,omitempty"`
	SummaryPolyline *string `json:"summary_polyline,omitempty"`
	ResourceState   int     `json:"resource_state,omitempty"`
}

// Stream is a single time series of an activity.
type Stream[T any] struct {
	Data         []T    `json:"data"`
	SeriesType   string `json:"series_type"`
	OriginalSize int    `json:"original_size"`
	Resolution   string `json:"resolution"`
}

// Stream types requested by default.
const (
	StreamTime     = "time"
	StreamLatLng   = "latlng"
	StreamDistance = "distance"
)

// DefaultStreamTypes are the time series fetched for every activity.
var DefaultStreamTypes = []string{StreamTime, StreamLatLng, StreamDistance}

// StreamSet holds the streams of an activity keyed by type.
type StreamSet struct {
	Time           *Stream[int]       `json:"time,omitempty"`
	LatLng         *Stream[[]float64] `json:"latlng,omitempty"`
	Distance       *Stream[float64]   `json:"distance,omitempty"`
	Altitude       *Stream[float64]   `json:"altitude,omitempty"`
	VelocitySmooth *Stream[float64]   `json:"velocity_smooth,omitempty"`
	Heartrate      *Stream[int]       `json:"heartrate,omitempty"`
	Cadence        *Stream[int]       `json:"cadence,omitempty"`
	Watts          *Stream[int]       `json:"watts,omitempty"`
	Temp           *Stream[int]       `json:"temp,omitempty"`
	Moving         *Stream[bool]      `json:"moving,omitempty"`
	GradeSmooth    *Stream[float64]   `json:"grade_smooth,omitempty"`
}
