package v16

// ChargePointStatus is the connector status reported in StatusNotification,
// mirrored one-for-one by the values in package fsm.
type ChargePointStatus string

const (
	ChargePointStatusAvailable     ChargePointStatus = "Available"
	ChargePointStatusPreparing     ChargePointStatus = "Preparing"
	ChargePointStatusCharging      ChargePointStatus = "Charging"
	ChargePointStatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	ChargePointStatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	ChargePointStatusFinishing     ChargePointStatus = "Finishing"
	ChargePointStatusReserved      ChargePointStatus = "Reserved"
	ChargePointStatusUnavailable   ChargePointStatus = "Unavailable"
	ChargePointStatusFaulted       ChargePointStatus = "Faulted"
)

// ChargePointErrorCode is the errorCode field of a StatusNotification.
type ChargePointErrorCode string

const (
	ChargePointErrorNoError              ChargePointErrorCode = "NoError"
	ChargePointErrorConnectorLockFailure ChargePointErrorCode = "ConnectorLockFailure"
	ChargePointErrorEVCommunicationError ChargePointErrorCode = "EVCommunicationError"
	ChargePointErrorGroundFailure        ChargePointErrorCode = "GroundFailure"
	ChargePointErrorHighTemperature      ChargePointErrorCode = "HighTemperature"
	ChargePointErrorInternalError        ChargePointErrorCode = "InternalError"
	ChargePointErrorLocalListConflict    ChargePointErrorCode = "LocalListConflict"
	ChargePointErrorOtherError           ChargePointErrorCode = "OtherError"
	ChargePointErrorOverCurrentFailure   ChargePointErrorCode = "OverCurrentFailure"
	ChargePointErrorPowerMeterFailure    ChargePointErrorCode = "PowerMeterFailure"
	ChargePointErrorPowerSwitchFailure   ChargePointErrorCode = "PowerSwitchFailure"
	ChargePointErrorReaderFailure        ChargePointErrorCode = "ReaderFailure"
	ChargePointErrorResetFailure         ChargePointErrorCode = "ResetFailure"
	ChargePointErrorUnderVoltage         ChargePointErrorCode = "UnderVoltage"
	ChargePointErrorOverVoltage          ChargePointErrorCode = "OverVoltage"
	ChargePointErrorWeakSignal           ChargePointErrorCode = "WeakSignal"
)

// RegistrationStatus is the CSMS's answer to a BootNotification.
type RegistrationStatus string

const (
	RegistrationStatusAccepted RegistrationStatus = "Accepted"
	RegistrationStatusPending  RegistrationStatus = "Pending"
	RegistrationStatusRejected RegistrationStatus = "Rejected"
)

// AuthorizationStatus is the status field of an IdTagInfo.
type AuthorizationStatus string

const (
	AuthorizationStatusAccepted     AuthorizationStatus = "Accepted"
	AuthorizationStatusBlocked      AuthorizationStatus = "Blocked"
	AuthorizationStatusExpired      AuthorizationStatus = "Expired"
	AuthorizationStatusInvalid      AuthorizationStatus = "Invalid"
	AuthorizationStatusConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

// Reason is why a transaction stopped, carried in StopTransaction.reason.
type Reason string

const (
	ReasonEmergencyStop  Reason = "EmergencyStop"
	ReasonEVDisconnected Reason = "EVDisconnected"
	ReasonHardReset      Reason = "HardReset"
	ReasonLocal          Reason = "Local"
	ReasonOther          Reason = "Other"
	ReasonPowerLoss      Reason = "PowerLoss"
	ReasonReboot         Reason = "Reboot"
	ReasonRemote         Reason = "Remote"
	ReasonSoftReset      Reason = "SoftReset"
	ReasonUnlockCommand  Reason = "UnlockCommand"
	ReasonDeAuthorized   Reason = "DeAuthorized"
)

// IdTagInfo is the authorization decision attached to Authorize,
// StartTransaction and StopTransaction responses.
type IdTagInfo struct {
	ExpiryDate  *DateTime           `json:"expiryDate,omitempty"`
	ParentIdTag string              `json:"parentIdTag,omitempty"`
	Status      AuthorizationStatus `json:"status"`
}
