package v16

// TriggerMessage

type TriggerMessageRequest struct {
	RequestedMessage string `json:"requestedMessage" validate:"required"`
	ConnectorId      *int   `json:"connectorId,omitempty" validate:"omitempty,gt=0"`
}

type TriggerMessageResponse struct {
	Status string `json:"status"` // Accepted, Rejected, NotImplemented
}

// SetChargingProfile

// ChargingSchedulePeriod is a single step of a ChargingSchedule: the power
// limit holds from StartPeriod (seconds into the schedule) until the next
// period, or schedule end.
type ChargingSchedulePeriod struct {
	StartPeriod  int      `json:"startPeriod"`
	Limit        float64  `json:"limit"`
	NumberPhases *int     `json:"numberPhases,omitempty"`
}

type ChargingSchedule struct {
	Duration               *int                     `json:"duration,omitempty"`
	StartSchedule          *DateTime                `json:"startSchedule,omitempty"`
	ChargingRateUnit       string                   `json:"chargingRateUnit" validate:"required"`
	ChargingSchedulePeriod []ChargingSchedulePeriod `json:"chargingSchedulePeriod" validate:"required,min=1"`
	MinChargingRate        *float64                 `json:"minChargingRate,omitempty"`
}

// ChargingProfile is one SetChargingProfile entry. A connector may hold
// several, distinguished by ChargingProfileId; the one with the highest
// StackLevel wins when a composite schedule is requested.
type ChargingProfile struct {
	ChargingProfileId      int              `json:"chargingProfileId" validate:"required"`
	TransactionId          *int             `json:"transactionId,omitempty"`
	StackLevel             int              `json:"stackLevel"`
	ChargingProfilePurpose string           `json:"chargingProfilePurpose" validate:"required"`
	ChargingProfileKind    string           `json:"chargingProfileKind" validate:"required"`
	RecurrencyKind         string           `json:"recurrencyKind,omitempty"`
	ValidFrom              *DateTime        `json:"validFrom,omitempty"`
	ValidTo                *DateTime        `json:"validTo,omitempty"`
	ChargingSchedule       ChargingSchedule `json:"chargingSchedule" validate:"required"`
}

type SetChargingProfileRequest struct {
	ConnectorId        int             `json:"connectorId" validate:"gte=0"`
	CsChargingProfiles ChargingProfile `json:"csChargingProfiles" validate:"required"`
}

type SetChargingProfileResponse struct {
	Status string `json:"status"` // Accepted, Rejected, NotSupported
}

// ClearChargingProfile

type ClearChargingProfileRequest struct {
	Id                     *int   `json:"id,omitempty"`
	ConnectorId            *int   `json:"connectorId,omitempty"`
	ChargingProfilePurpose string `json:"chargingProfilePurpose,omitempty"`
	StackLevel             *int   `json:"stackLevel,omitempty"`
}

type ClearChargingProfileResponse struct {
	Status string `json:"status"` // Accepted, Unknown
}

// GetCompositeSchedule

type GetCompositeScheduleRequest struct {
	ConnectorId      int    `json:"connectorId" validate:"gte=0"`
	Duration         int    `json:"duration" validate:"required"`
	ChargingRateUnit string `json:"chargingRateUnit,omitempty"`
}

type GetCompositeScheduleResponse struct {
	Status           string            `json:"status"` // Accepted, Rejected
	ConnectorId      *int              `json:"connectorId,omitempty"`
	ScheduleStart    *DateTime         `json:"scheduleStart,omitempty"`
	ChargingSchedule *ChargingSchedule `json:"chargingSchedule,omitempty"`
}
