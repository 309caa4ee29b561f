package v16

// GetDiagnostics

type GetDiagnosticsRequest struct {
	Location      string    `json:"location" validate:"required"`
	Retries       *int      `json:"retries,omitempty"`
	RetryInterval *int      `json:"retryInterval,omitempty"`
	StartTime     *DateTime `json:"startTime,omitempty"`
	StopTime      *DateTime `json:"stopTime,omitempty"`
}

type GetDiagnosticsResponse struct {
	FileName string `json:"fileName,omitempty" validate:"max=255"`
}

// DiagnosticsStatusNotification

type DiagnosticsStatusNotificationRequest struct {
	Status string `json:"status" validate:"required"` // Idle, Uploaded, UploadFailed, Uploading
}

type DiagnosticsStatusNotificationResponse struct{}

// FirmwareStatusNotification

type FirmwareStatusNotificationRequest struct {
	Status string `json:"status" validate:"required"` // Downloaded, DownloadFailed, Downloading, Idle, InstallationFailed, Installing, Installed
}

type FirmwareStatusNotificationResponse struct{}

// UpdateFirmware

type UpdateFirmwareRequest struct {
	Location      string   `json:"location" validate:"required"`
	Retries       *int     `json:"retries,omitempty"`
	RetrieveDate  DateTime `json:"retrieveDate" validate:"required"`
	RetryInterval *int     `json:"retryInterval,omitempty"`
}

type UpdateFirmwareResponse struct{}
