package domain

import "time"

type Mode string

const (
	ModeVerifying Mode = "VERIFYING"
	ModeEnrolling Mode = "ENROLLING"
)

type Period string

const (
	PeriodMorning   Period = "MORNING"
	PeriodAfternoon Period = "AFTERNOON"
	PeriodNight     Period = "NIGHT"
)

// PeriodOf buckets a local wall-clock time into the shift recorded on access logs.
func PeriodOf(t time.Time) Period {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return PeriodMorning
	case h >= 12 && h < 19:
		return PeriodAfternoon
	default:
		return PeriodNight
	}
}

type User struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"user_type"`
	Identifier string `json:"identifier"`
}

type TemplateBinding struct {
	UserID int64 `json:"user_id"`
	Slot   int   `json:"slot"`
}

type AccessEvent struct {
	UserID      int64     `json:"user_id"`
	DisplayName string    `json:"display_name"`
	UserType    string    `json:"user_type"`
	Identifier  string    `json:"identifier"`
	Period      Period    `json:"period"`
	Timestamp   time.Time `json:"timestamp"`
}

type GateStatus struct {
	Mode          Mode `json:"mode"`
	SensorPresent bool `json:"sensor_present"`
}

// Diagnostics is a point-in-time health report. SensorBusy means the probe was
// skipped because another operation held the sensor, so TemplateCount and
// Capacity are unset.
type Diagnostics struct {
	SensorConnected   bool               `json:"sensor_connected"`
	SensorOperational bool               `json:"sensor_operational"`
	SensorBusy        bool               `json:"sensor_busy,omitempty"`
	TemplateCount     int                `json:"template_count"`
	Capacity          int                `json:"capacity"`
	BoundTemplates    int                `json:"bound_templates"`
	Mode              Mode               `json:"mode"`
	LastError         string             `json:"last_error,omitempty"`
	Notifications     *NotificationStats `json:"notifications,omitempty"`
}

type NotificationStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}
